package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alias1177/OddsCollector/internal/clock"
	platformhttp "github.com/Alias1177/OddsCollector/internal/platform/http"
	"github.com/Alias1177/OddsCollector/models"
)

func newTokenServer(t *testing.T, issued *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if r.Form.Get("grant_type") != "client_credentials" || r.Form.Get("client_id") != "collector" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n := atomic.AddInt32(issued, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": fmt.Sprintf("token-%d", n),
			"token_type":   "bearer",
			"expires_in":   600,
		})
	}))
}

func TestOAuthTokenSourceRefreshesBeforeExpiry(t *testing.T) {
	var issued int32
	srv := newTokenServer(t, &issued)
	defer srv.Close()

	clk := clock.NewFake(time.Date(2024, 11, 5, 0, 0, 0, 0, time.UTC))
	src := NewOAuthTokenSource("betfeed", models.AuthConfig{
		Type:     models.AuthOAuth,
		ClientID: "collector",
		TokenURL: srv.URL,
	}, platformhttp.NewClient(platformhttp.ClientOptions{}), clk)

	ctx := context.Background()
	tests := []struct {
		name    string
		advance time.Duration
		want    string
	}{
		{"first call fetches", 0, "token-1"},
		{"cached while fresh", 5 * time.Minute, "token-1"},
		{"still cached just outside the margin", 3*time.Minute + 59*time.Second, "token-1"},
		{"refreshed inside the safety margin", time.Second, "token-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk.Advance(tt.advance)
			got, err := src.Token(ctx)
			if err != nil {
				t.Fatalf("Token: %v", err)
			}
			if got != tt.want {
				t.Errorf("Token() = %q, want %q", got, tt.want)
			}
		})
	}

	src.Invalidate()
	if got, _ := src.Token(ctx); got != "token-3" {
		t.Errorf("after Invalidate got %q, want token-3", got)
	}
}

func TestOAuthTokenSourceRejectedCredentials(t *testing.T) {
	var issued int32
	srv := newTokenServer(t, &issued)
	defer srv.Close()

	src := NewOAuthTokenSource("betfeed", models.AuthConfig{ClientID: "intruder", TokenURL: srv.URL},
		platformhttp.NewClient(platformhttp.ClientOptions{}), nil)
	_, err := src.Token(context.Background())
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
	if apiErr.Code != CodeUnauthorized {
		t.Errorf("code = %s, want UNAUTHORIZED", apiErr.Code)
	}
}

func TestAuthenticatorsApplyCredentials(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.test/odds?sport=horse_racing", nil)
	if err := (APIKeyAuth{Key: "k123"}).Authenticate(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if got := req.URL.Query().Get("apiKey"); got != "k123" {
		t.Errorf("apiKey param = %q", got)
	}
	if got := req.URL.Query().Get("sport"); got != "horse_racing" {
		t.Errorf("existing query lost: %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, "https://example.test/", nil)
	if err := (BasicAuth{Username: "u", Password: "p"}).Authenticate(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if u, p, ok := req.BasicAuth(); !ok || u != "u" || p != "p" {
		t.Errorf("basic auth = %q %q %v", u, p, ok)
	}
}

func TestNewAuthenticatorValidatesConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     models.AuthConfig
		wantErr bool
	}{
		{"api key", models.AuthConfig{Type: models.AuthAPIKey, APIKey: "k"}, false},
		{"api key missing", models.AuthConfig{Type: models.AuthAPIKey}, true},
		{"basic", models.AuthConfig{Type: models.AuthBasic, Username: "u"}, false},
		{"oauth missing token url", models.AuthConfig{Type: models.AuthOAuth, ClientID: "c"}, true},
		{"unknown", models.AuthConfig{Type: "digest"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAuthenticator("p", tt.cfg, platformhttp.NewClient(platformhttp.ClientOptions{}), nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
