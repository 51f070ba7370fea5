package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/clock"
	"github.com/Alias1177/OddsCollector/internal/resilience"
	"github.com/Alias1177/OddsCollector/models"
)

type entry struct {
	client  Client
	cfg     models.ProviderConfig
	breaker *resilience.CircuitBreaker
	limiter *resilience.RateLimiter
}

// ProviderHealth is the per-provider status shown on the ops dashboard.
type ProviderHealth struct {
	ID      string                  `json:"id"`
	Name    string                  `json:"name"`
	Enabled bool                    `json:"enabled"`
	Breaker resilience.BreakerStats `json:"breaker"`
	Limiter resilience.LimiterStats `json:"limiter"`
}

// Registry owns every provider client together with its breaker and limiter.
type Registry struct {
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	hook    func(provider string, from, to resilience.State)
}

// NewRegistry creates an empty registry.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		clock:   clk,
		logger:  log.With().Str("component", "provider_registry").Logger(),
		entries: make(map[string]*entry),
	}
}

// Register adds a client. The config is copied and not changed afterwards.
func (r *Registry) Register(client Client, cfg models.ProviderConfig) error {
	id := client.ID()
	if id == "" {
		return fmt.Errorf("provider client has empty id")
	}
	if cfg.ID == "" {
		cfg.ID = id
	}
	if cfg.ID != id {
		return fmt.Errorf("config id %q does not match client id %q", cfg.ID, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("provider %q already registered", id)
	}

	e := &entry{
		client:  client,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker(id, cfg.Breaker, r.clock),
		limiter: resilience.NewRateLimiter(cfg.RateLimit),
	}
	e.breaker.OnStateChange(r.forwardStateChange)
	r.entries[id] = e

	r.logger.Info().Str("provider", id).Str("name", cfg.Name).Bool("enabled", cfg.Enabled).Msg("Provider registered")
	return nil
}

// OnBreakerStateChange registers a hook for every provider's breaker transitions.
func (r *Registry) OnBreakerStateChange(fn func(provider string, from, to resilience.State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
}

func (r *Registry) forwardStateChange(name string, from, to resilience.State) {
	r.mu.RLock()
	hook := r.hook
	r.mu.RUnlock()
	if hook != nil {
		hook(name, from, to)
	}
}

// Get returns the client registered under id.
func (r *Registry) Get(id string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// Config returns the registered configuration for id.
func (r *Registry) Config(id string) (models.ProviderConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return models.ProviderConfig{}, false
	}
	return e.cfg, true
}

// IDs returns every registered provider id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveProviders returns enabled providers whose breaker would admit a call now.
func (r *Registry) ActiveProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.entries {
		if e.cfg.Enabled && e.breaker.Allow() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// FetchFromOne fetches odds from a single provider through its rate limiter and
// circuit breaker. Every failure, including panics in the client, comes back in
// Result.Err.
func (r *Registry) FetchFromOne(ctx context.Context, id string, req OddsRequest) (res Result) {
	start := r.clock.Now()
	res.Provider = id

	defer func() {
		if p := recover(); p != nil {
			res.Response = nil
			res.Err = NewAPIError(id, CodeUnknown, "provider panicked: %v", p)
			r.logger.Error().Str("provider", id).Interface("panic", p).Msg("Provider client panicked")
		}
		res.Duration = r.clock.Now().Sub(start)
	}()

	e, ok := r.lookup(id)
	if !ok {
		res.Err = NewAPIError(id, CodeNotFound, "provider not registered")
		return res
	}

	if !e.breaker.Allow() {
		res.Err = NewAPIError(id, CodeCircuitOpen, "circuit open, call not attempted")
		return res
	}

	var resp *OddsResponse
	err := e.limiter.Schedule(ctx, func(ctx context.Context) error {
		return e.breaker.Execute(ctx, func(ctx context.Context) error {
			var fetchErr error
			resp, fetchErr = e.client.FetchOdds(ctx, req)
			return fetchErr
		})
	})
	if err != nil {
		res.Err = ClassifyError(id, err)
		r.logger.Warn().
			Str("provider", id).
			Str("code", string(res.Err.Code)).
			Int("status", res.Err.StatusCode).
			Msg(res.Err.Message)
		return res
	}
	if resp == nil {
		resp = &OddsResponse{Provider: id, FetchedAt: r.clock.Now()}
	}
	if resp.Provider == "" {
		resp.Provider = id
	}
	res.Response = resp
	return res
}

// FetchFrom fetches from the given providers concurrently. One provider's
// failure never affects another's result.
func (r *Registry) FetchFrom(ctx context.Context, ids []string, req OddsRequest) map[string]Result {
	results := make(map[string]Result, len(ids))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res := r.FetchFromOne(ctx, id, req)
			mu.Lock()
			results[id] = res
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return results
}

// FetchFromAll fetches from every enabled provider whose circuit is not open.
func (r *Registry) FetchFromAll(ctx context.Context, req OddsRequest) map[string]Result {
	return r.FetchFrom(ctx, r.ActiveProviders(), req)
}

// FetchAndAggregate flattens the events of every successful provider.
func (r *Registry) FetchAndAggregate(ctx context.Context, req OddsRequest) []ProviderEvent {
	results := r.FetchFromAll(ctx, req)
	return Aggregate(results, r.logger)
}

// Aggregate flattens successful results into provider-tagged events, warning
// about the failed ones. Output is ordered by provider id.
func Aggregate(results map[string]Result, logger zerolog.Logger) []ProviderEvent {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var events []ProviderEvent
	for _, id := range ids {
		res := results[id]
		if !res.OK() {
			logger.Warn().Str("provider", id).Err(res.Err).Msg("Discarding failed provider")
			continue
		}
		for _, ev := range res.Response.Events {
			events = append(events, ProviderEvent{Provider: id, FetchedAt: res.Response.FetchedAt, Event: ev})
		}
	}
	return events
}

// TestAll runs TestConnection against every registered provider.
func (r *Registry) TestAll(ctx context.Context) map[string]bool {
	ids := r.IDs()
	out := make(map[string]bool, len(ids))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok := r.TestOne(ctx, id)
			mu.Lock()
			out[id] = ok
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}

// TestOne runs TestConnection against one provider with a 10 second bound.
func (r *Registry) TestOne(ctx context.Context, id string) (ok bool) {
	e, found := r.lookup(id)
	if !found {
		return false
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Str("provider", id).Interface("panic", p).Msg("Connection test panicked")
			ok = false
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok = e.client.TestConnection(ctx)
	r.logger.Info().Str("provider", id).Bool("ok", ok).Msg("Connection test")
	return ok
}

// Health reports breaker and limiter state for every provider.
func (r *Registry) Health() []ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderHealth, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, ProviderHealth{
			ID:      id,
			Name:    e.cfg.Name,
			Enabled: e.cfg.Enabled,
			Breaker: e.breaker.Stats(),
			Limiter: e.limiter.Stats(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResetBreaker forces a provider's circuit closed.
func (r *Registry) ResetBreaker(id string) error {
	e, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("provider %q not registered", id)
	}
	e.breaker.Reset()
	r.logger.Info().Str("provider", id).Msg("Circuit breaker reset by operator")
	return nil
}
