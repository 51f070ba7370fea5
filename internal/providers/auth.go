package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/clock"
	platformhttp "github.com/Alias1177/OddsCollector/internal/platform/http"
	"github.com/Alias1177/OddsCollector/models"
)

// DefaultTokenSafetyMargin is how long before expiry an OAuth token is refreshed.
const DefaultTokenSafetyMargin = 60 * time.Second

// Authenticator applies provider credentials to an outgoing request.
type Authenticator interface {
	Authenticate(ctx context.Context, req *http.Request) error
}

// APIKeyAuth sends the key as a query parameter.
type APIKeyAuth struct {
	Param string
	Key   string
}

func (a APIKeyAuth) Authenticate(_ context.Context, req *http.Request) error {
	param := a.Param
	if param == "" {
		param = "apiKey"
	}
	q := req.URL.Query()
	q.Set(param, a.Key)
	req.URL.RawQuery = q.Encode()
	return nil
}

// BasicAuth sends an Authorization: Basic header.
type BasicAuth struct {
	Username string
	Password string
}

func (a BasicAuth) Authenticate(_ context.Context, req *http.Request) error {
	req.SetBasicAuth(a.Username, a.Password)
	return nil
}

// OAuthTokenSource obtains client-credentials tokens and refreshes them
// proactively once now >= expiry - SafetyMargin.
type OAuthTokenSource struct {
	provider     string
	cfg          models.AuthConfig
	http         *platformhttp.Client
	clock        clock.Clock
	SafetyMargin time.Duration
	logger       zerolog.Logger

	mu     sync.Mutex
	token  string
	expiry time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// NewOAuthTokenSource creates a token source for one provider.
func NewOAuthTokenSource(provider string, cfg models.AuthConfig, httpClient *platformhttp.Client, clk clock.Clock) *OAuthTokenSource {
	if clk == nil {
		clk = clock.Real{}
	}
	return &OAuthTokenSource{
		provider:     provider,
		cfg:          cfg,
		http:         httpClient,
		clock:        clk,
		SafetyMargin: DefaultTokenSafetyMargin,
		logger:       log.With().Str("component", "oauth").Str("provider", provider).Logger(),
	}
}

// Token returns a valid access token, refreshing it when needed.
func (s *OAuthTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.clock.Now().Before(s.expiry.Add(-s.SafetyMargin)) {
		return s.token, nil
	}
	return s.refreshLocked(ctx)
}

// Invalidate drops the cached token so the next call refreshes it.
func (s *OAuthTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiry = time.Time{}
}

// Expiry returns when the cached token expires.
func (s *OAuthTokenSource) Expiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiry
}

func (s *OAuthTokenSource) Authenticate(ctx context.Context, req *http.Request) error {
	token, err := s.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (s *OAuthTokenSource) refreshLocked(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	if s.cfg.Scope != "" {
		form.Set("scope", s.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", NewAPIError(s.provider, CodeRequestError, "building token request: %v", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.http.Do(ctx, req)
	if err != nil {
		apiErr := ClassifyError(s.provider, err)
		if apiErr.Code == CodeBadRequest || apiErr.Code == CodeForbidden {
			apiErr.Code = CodeUnauthorized
		}
		apiErr.Message = "token refresh failed: " + apiErr.Message
		return "", apiErr
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body, &tr); err != nil {
		return "", NewAPIError(s.provider, CodeDecodeError, "parsing token response: %v", err)
	}
	if tr.AccessToken == "" {
		return "", NewAPIError(s.provider, CodeUnauthorized, "token response has no access_token")
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = 3600
	}

	s.token = tr.AccessToken
	s.expiry = s.clock.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	s.logger.Debug().Time("expiry", s.expiry).Msg("OAuth token refreshed")
	return s.token, nil
}

// NewAuthenticator builds the authenticator described by cfg.
func NewAuthenticator(provider string, cfg models.AuthConfig, httpClient *platformhttp.Client, clk clock.Clock) (Authenticator, error) {
	switch cfg.Type {
	case models.AuthAPIKey:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%s: api_key auth needs a key", provider)
		}
		return APIKeyAuth{Param: cfg.APIKeyParam, Key: cfg.APIKey}, nil
	case models.AuthBasic:
		if cfg.Username == "" {
			return nil, fmt.Errorf("%s: basic auth needs a username", provider)
		}
		return BasicAuth{Username: cfg.Username, Password: cfg.Password}, nil
	case models.AuthOAuth:
		if cfg.TokenURL == "" || cfg.ClientID == "" {
			return nil, fmt.Errorf("%s: oauth needs token_url and client_id", provider)
		}
		return NewOAuthTokenSource(provider, cfg, httpClient, clk), nil
	}
	return nil, fmt.Errorf("%s: unsupported auth type %q", provider, cfg.Type)
}
