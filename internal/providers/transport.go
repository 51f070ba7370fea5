package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	platformhttp "github.com/Alias1177/OddsCollector/internal/platform/http"
)

// Transport is the authenticated JSON-over-HTTP plumbing shared by provider clients.
type Transport struct {
	ProviderID string
	BaseURL    string
	HTTP       *platformhttp.Client
	Auth       Authenticator
	Logger     zerolog.Logger
}

// NewTransport creates a transport for one provider.
func NewTransport(providerID, baseURL string, httpClient *platformhttp.Client, auth Authenticator) *Transport {
	return &Transport{
		ProviderID: providerID,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTP:       httpClient,
		Auth:       auth,
		Logger:     log.With().Str("component", "provider_client").Str("provider", providerID).Logger(),
	}
}

// GetJSON issues an authenticated GET for path and decodes the body into out.
// Every failure is returned as *APIError.
func (t *Transport) GetJSON(ctx context.Context, path string, query url.Values, out interface{}) (http.Header, error) {
	endpoint := t.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewAPIError(t.ProviderID, CodeRequestError, "creating request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	if t.Auth != nil {
		if err := t.Auth.Authenticate(ctx, req); err != nil {
			return nil, ClassifyError(t.ProviderID, err)
		}
	}

	t.Logger.Debug().Str("path", path).Msg("Fetching")

	resp, err := t.HTTP.Do(ctx, req)
	if err != nil {
		apiErr := ClassifyError(t.ProviderID, err)
		if apiErr.Code == CodeUnauthorized {
			if ts, ok := t.Auth.(*OAuthTokenSource); ok {
				ts.Invalidate()
			}
		}
		t.Logger.Warn().Str("code", string(apiErr.Code)).Int("status", apiErr.StatusCode).Msg("Provider request failed")
		return nil, apiErr
	}

	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			t.Logger.Error().Err(err).Int("bytes", len(resp.Body)).Msg("Error parsing JSON")
			return resp.Header, NewAPIError(t.ProviderID, CodeDecodeError, "parsing JSON: %v", err)
		}
	}
	return resp.Header, nil
}
