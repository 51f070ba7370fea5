// Package catalog builds provider clients from configuration and registers them.
package catalog

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/clock"
	platformhttp "github.com/Alias1177/OddsCollector/internal/platform/http"
	"github.com/Alias1177/OddsCollector/internal/providers"
	"github.com/Alias1177/OddsCollector/internal/providers/betfeed"
	"github.com/Alias1177/OddsCollector/internal/providers/oddsapi"
	"github.com/Alias1177/OddsCollector/internal/providers/racingapi"
	"github.com/Alias1177/OddsCollector/models"
)

// Constructor builds a client for one provider config.
type Constructor func(cfg models.ProviderConfig, httpClient *platformhttp.Client, clk clock.Clock) (providers.Client, error)

// Kinds maps a provider kind to its constructor.
var Kinds = map[string]Constructor{
	"oddsapi": func(cfg models.ProviderConfig, h *platformhttp.Client, clk clock.Clock) (providers.Client, error) {
		return oddsapi.New(cfg, h, clk)
	},
	"racingapi": func(cfg models.ProviderConfig, h *platformhttp.Client, clk clock.Clock) (providers.Client, error) {
		return racingapi.New(cfg, h, clk)
	},
	"betfeed": func(cfg models.ProviderConfig, h *platformhttp.Client, clk clock.Clock) (providers.Client, error) {
		return betfeed.New(cfg, h, clk)
	},
}

// Options tunes the shared HTTP client.
type Options struct {
	RequestTimeout  time.Duration
	MaxRetries      int
	MaxRetryTimeout time.Duration
}

// Build creates a registry holding a client for every config. Disabled providers
// are registered too so that they show up in health output.
func Build(configs []models.ProviderConfig, opts Options, clk clock.Clock) (*providers.Registry, error) {
	httpClient := platformhttp.NewClient(platformhttp.ClientOptions{
		Timeout:         opts.RequestTimeout,
		MaxRetries:      opts.MaxRetries,
		MaxRetryTimeout: opts.MaxRetryTimeout,
	})

	registry := providers.NewRegistry(clk)
	for _, cfg := range configs {
		ctor, ok := Kinds[cfg.Kind]
		if !ok {
			return nil, fmt.Errorf("provider %s: unknown kind %q", cfg.ID, cfg.Kind)
		}
		client, err := ctor(cfg, httpClient, clk)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", cfg.ID, err)
		}
		if err := registry.Register(client, cfg); err != nil {
			return nil, err
		}
	}

	log.Info().Int("providers", len(configs)).Int("active", len(registry.ActiveProviders())).Msg("Provider registry built")
	return registry, nil
}
