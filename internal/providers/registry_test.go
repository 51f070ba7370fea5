package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Alias1177/OddsCollector/internal/clock"
	platformhttp "github.com/Alias1177/OddsCollector/internal/platform/http"
	"github.com/Alias1177/OddsCollector/internal/resilience"
	"github.com/Alias1177/OddsCollector/models"
)

type fakeClient struct {
	id    string
	calls int32
	fetch func(ctx context.Context, req OddsRequest) (*OddsResponse, error)
}

func (f *fakeClient) ID() string { return f.id }

func (f *fakeClient) FetchOdds(ctx context.Context, req OddsRequest) (*OddsResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.fetch(ctx, req)
}

func (f *fakeClient) TestConnection(ctx context.Context) bool { return true }

func okClient(id string, events ...Event) *fakeClient {
	return &fakeClient{id: id, fetch: func(ctx context.Context, req OddsRequest) (*OddsResponse, error) {
		return &OddsResponse{Provider: id, Events: events}, nil
	}}
}

func failingClient(id string, code ErrorCode) *fakeClient {
	return &fakeClient{id: id, fetch: func(ctx context.Context, req OddsRequest) (*OddsResponse, error) {
		return nil, &APIError{Provider: id, Code: code, Message: "upstream unavailable", StatusCode: http.StatusServiceUnavailable}
	}}
}

func enabled(id string) models.ProviderConfig {
	return models.ProviderConfig{ID: id, Name: id, Enabled: true}
}

func TestRegistryFetchFromOneOpensBreaker(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 11, 5, 4, 0, 0, 0, time.UTC))
	reg := NewRegistry(clk)
	client := failingClient("tab", CodeServerError)
	cfg := enabled("tab")
	cfg.Breaker = models.BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute}
	if err := reg.Register(client, cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		res := reg.FetchFromOne(ctx, "tab", OddsRequest{})
		if res.Err == nil || res.Err.Code != CodeServerError {
			t.Fatalf("call %d: expected SERVER_ERROR, got %+v", i+1, res.Err)
		}
	}

	res := reg.FetchFromOne(ctx, "tab", OddsRequest{})
	if res.Err == nil || res.Err.Code != CodeCircuitOpen {
		t.Fatalf("expected CIRCUIT_OPEN, got %+v", res.Err)
	}
	if got := atomic.LoadInt32(&client.calls); got != 5 {
		t.Fatalf("client called %d times, want 5", got)
	}
	if active := reg.ActiveProviders(); len(active) != 0 {
		t.Fatalf("open provider still active: %v", active)
	}

	clk.Advance(time.Minute)
	reg.FetchFromOne(ctx, "tab", OddsRequest{})
	if got := atomic.LoadInt32(&client.calls); got != 6 {
		t.Fatalf("expected a half-open probe after reset timeout, calls = %d", got)
	}
}

func TestRegistryFetchFromAllIsolatesFailures(t *testing.T) {
	reg := NewRegistry(clock.NewFake(time.Now()))
	good := okClient("good", Event{ID: "r1"}, Event{ID: "r2"})
	bad := failingClient("bad", CodeUnauthorized)
	panicky := &fakeClient{id: "panicky", fetch: func(ctx context.Context, req OddsRequest) (*OddsResponse, error) {
		panic("nil map")
	}}
	disabled := okClient("off", Event{ID: "r9"})

	for _, c := range []*fakeClient{good, bad, panicky} {
		if err := reg.Register(c, enabled(c.id)); err != nil {
			t.Fatal(err)
		}
	}
	if err := reg.Register(disabled, models.ProviderConfig{ID: "off"}); err != nil {
		t.Fatal(err)
	}

	results := reg.FetchFromAll(context.Background(), OddsRequest{})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results["good"].OK() || len(results["good"].Response.Events) != 2 {
		t.Errorf("good provider result: %+v", results["good"])
	}
	if results["bad"].Err == nil || results["bad"].Err.Code != CodeUnauthorized {
		t.Errorf("bad provider result: %+v", results["bad"])
	}
	if results["panicky"].Err == nil || results["panicky"].Err.Code != CodeUnknown {
		t.Errorf("panicking provider result: %+v", results["panicky"])
	}
	if _, ok := results["off"]; ok {
		t.Errorf("disabled provider was fetched")
	}

	events := Aggregate(results, zerolog.Nop())
	if len(events) != 2 || events[0].Provider != "good" {
		t.Errorf("unexpected aggregate: %+v", events)
	}
}

func TestRegistryRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Register(okClient("a"), enabled("a")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(okClient("a"), enabled("a")); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := reg.Register(okClient("b"), enabled("c")); err == nil {
		t.Fatal("expected mismatched id to fail")
	}
}

func TestRegistryResetBreakerAndHealth(t *testing.T) {
	reg := NewRegistry(clock.NewFake(time.Now()))
	client := failingClient("tab", CodeServerError)
	cfg := enabled("tab")
	cfg.Breaker.FailureThreshold = 1
	if err := reg.Register(client, cfg); err != nil {
		t.Fatal(err)
	}

	var transitions []resilience.State
	reg.OnBreakerStateChange(func(provider string, from, to resilience.State) {
		transitions = append(transitions, to)
	})

	reg.FetchFromOne(context.Background(), "tab", OddsRequest{})
	health := reg.Health()
	if len(health) != 1 || health[0].Breaker.State != resilience.StateOpen {
		t.Fatalf("expected open breaker in health, got %+v", health)
	}

	if err := reg.ResetBreaker("tab"); err != nil {
		t.Fatal(err)
	}
	if reg.Health()[0].Breaker.State != resilience.StateClosed {
		t.Fatal("reset did not close the breaker")
	}
	if len(transitions) == 0 || transitions[0] != resilience.StateOpen {
		t.Errorf("state hook not called on open: %v", transitions)
	}
	if err := reg.ResetBreaker("missing"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	res := NewRegistry(nil).FetchFromOne(context.Background(), "nope", OddsRequest{})
	if res.Err == nil || res.Err.Code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %+v", res.Err)
	}
}

func TestClassifyErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"circuit open", resilience.ErrCircuitOpen, CodeCircuitOpen},
		{"breaker timeout", resilience.ErrTimeout, CodeTimeout},
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"canceled", context.Canceled, CodeCanceled},
		{"passthrough", &APIError{Code: CodeForbidden}, CodeForbidden},
		{"other", errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError("p", tt.err).Code; got != tt.want {
				t.Errorf("ClassifyError() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyErrorRedactsRequestURL(t *testing.T) {
	raw := &url.Error{
		Op:  "Get",
		URL: "https://user:pw@api.example.com/v4/sports/horse_racing/odds?apiKey=secret&regions=au",
		Err: errors.New("connection refused"),
	}

	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"transport", &platformhttp.TransportError{Err: raw}, CodeNoResponse},
		{"wrapped transport", fmt.Errorf("fetching odds: %w", &platformhttp.TransportError{Err: raw}), CodeNoResponse},
		{"bare url error", raw, CodeUnknown},
		{"deadline", &url.Error{Op: "Get", URL: raw.URL, Err: context.DeadlineExceeded}, CodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := ClassifyError("oddsapi", tt.err)
			if apiErr.Code != tt.want {
				t.Errorf("code = %s, want %s", apiErr.Code, tt.want)
			}
			for _, secret := range []string{"secret", "apiKey", "pw"} {
				if strings.Contains(apiErr.Message, secret) {
					t.Errorf("message %q contains %q", apiErr.Message, secret)
				}
			}
			if !strings.Contains(apiErr.Message, "api.example.com/v4/sports/horse_racing/odds") {
				t.Errorf("message %q lost host and path", apiErr.Message)
			}
		})
	}
}

func TestCodeForStatus(t *testing.T) {
	tests := map[int]ErrorCode{
		400: CodeBadRequest,
		401: CodeUnauthorized,
		403: CodeForbidden,
		404: CodeNotFound,
		429: CodeRateLimitExceeded,
		500: CodeServerError,
		503: CodeServerError,
		418: CodeUnknown,
	}
	for status, want := range tests {
		if got := CodeForStatus(status); got != want {
			t.Errorf("CodeForStatus(%d) = %s, want %s", status, got, want)
		}
	}
}
