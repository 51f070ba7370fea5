// Package collector runs one collection pass: fetch, normalize, match,
// validate, store.
package collector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Alias1177/OddsCollector/internal/alert"
	"github.com/Alias1177/OddsCollector/internal/clock"
	"github.com/Alias1177/OddsCollector/internal/matching"
	"github.com/Alias1177/OddsCollector/internal/normalize"
	"github.com/Alias1177/OddsCollector/internal/providers"
	"github.com/Alias1177/OddsCollector/internal/store"
	"github.com/Alias1177/OddsCollector/internal/validation"
	"github.com/Alias1177/OddsCollector/models"
)

// matchConcurrency bounds concurrent race groups being resolved.
const matchConcurrency = 8

// Fetcher is the part of providers.Registry a run needs.
type Fetcher interface {
	ActiveProviders() []string
	FetchFrom(ctx context.Context, ids []string, req providers.OddsRequest) map[string]providers.Result
}

// SnapshotWriter is the part of store.OddsStore a run needs.
type SnapshotWriter interface {
	StoreSnapshots(ctx context.Context, entries []models.ProcessedOdds) (store.StoreResult, error)
}

// ProviderRun is one provider's share of a run.
type ProviderRun struct {
	Provider   string        `json:"provider"`
	Success    bool          `json:"success"`
	Code       string        `json:"code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	Events     int           `json:"events"`
	Normalized int           `json:"normalized"`
}

// RunReport summarizes a run.
type RunReport struct {
	ID           string                 `json:"id"`
	StartedAt    time.Time              `json:"started_at"`
	Duration     time.Duration          `json:"duration"`
	Providers    map[string]ProviderRun `json:"providers"`
	Events       int                    `json:"events"`
	Normalized   int                    `json:"normalized"`
	Matched      int                    `json:"matched"`
	FuzzyMatches int                    `json:"fuzzy_matches"`
	Dropped      int                    `json:"dropped"`
	Invalid      int                    `json:"invalid"`
	MarketIssues int                    `json:"market_issues"`
	Anomalies    int                    `json:"anomalies"`
	Stored       int                    `json:"stored"`
	Duplicates   int                    `json:"duplicates"`
	Races        []string               `json:"races,omitempty"`
}

// Failed returns the providers whose fetch failed, sorted.
func (r RunReport) Failed() []string {
	var out []string
	for id, p := range r.Providers {
		if !p.Success {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Pipeline wires the stages together. It is safe for concurrent runs.
type Pipeline struct {
	fetcher    Fetcher
	normalizer *normalize.Normalizer
	matcher    *matching.Matcher
	validator  *validation.Validator
	writer     SnapshotWriter
	alerter    alert.Alerter
	request    providers.OddsRequest
	clock      clock.Clock
	logger     zerolog.Logger
}

// Config carries the pipeline's collaborators. Alerter and Clock are optional.
type Config struct {
	Fetcher    Fetcher
	Normalizer *normalize.Normalizer
	Matcher    *matching.Matcher
	Validator  *validation.Validator
	Writer     SnapshotWriter
	Alerter    alert.Alerter
	Request    providers.OddsRequest
	Clock      clock.Clock
}

func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Fetcher == nil:
		return nil, fmt.Errorf("collector: fetcher is required")
	case cfg.Matcher == nil:
		return nil, fmt.Errorf("collector: matcher is required")
	case cfg.Validator == nil:
		return nil, fmt.Errorf("collector: validator is required")
	case cfg.Writer == nil:
		return nil, fmt.Errorf("collector: writer is required")
	}
	if cfg.Normalizer == nil {
		cfg.Normalizer = normalize.New(normalize.Options{})
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Pipeline{
		fetcher:    cfg.Fetcher,
		normalizer: cfg.Normalizer,
		matcher:    cfg.Matcher,
		validator:  cfg.Validator,
		writer:     cfg.Writer,
		alerter:    cfg.Alerter,
		request:    cfg.Request,
		clock:      cfg.Clock,
		logger:     log.With().Str("component", "collector").Logger(),
	}, nil
}

// Run collects from the given providers, or from every active provider when
// none are named. Provider failures are reported, not returned; the error is
// set only when a stage could not complete.
func (p *Pipeline) Run(ctx context.Context, providerIDs []string) (RunReport, error) {
	start := p.clock.Now()
	report := RunReport{
		ID:        uuid.NewString(),
		StartedAt: start,
		Providers: make(map[string]ProviderRun),
	}
	logger := p.logger.With().Str("run_id", report.ID).Logger()

	ids := providerIDs
	if len(ids) == 0 {
		ids = p.fetcher.ActiveProviders()
	}
	if len(ids) == 0 {
		logger.Warn().Msg("No active providers, skipping run")
		return report, nil
	}

	results := p.fetcher.FetchFrom(ctx, ids, p.request)
	for id, res := range results {
		run := ProviderRun{Provider: id, Success: res.OK(), Duration: res.Duration}
		if res.Err != nil {
			run.Code = string(res.Err.Code)
			run.Error = res.Err.Message
		}
		if res.Response != nil {
			run.Events = len(res.Response.Events)
		}
		report.Providers[id] = run
	}

	events := providers.Aggregate(results, logger)
	report.Events = len(events)

	normalized := p.normalizer.NormalizeAll(events)
	report.Normalized = len(normalized)
	for _, n := range normalized {
		run := report.Providers[n.ProviderID]
		run.Normalized++
		report.Providers[n.ProviderID] = run
	}

	processed, stats, err := p.matchAll(ctx, normalized)
	if err != nil {
		return p.finish(report, start), fmt.Errorf("matching: %w", err)
	}
	report.Matched = len(processed)
	report.FuzzyMatches = stats.fuzzy
	report.Dropped = stats.dropped

	valid, rejected := p.validator.FilterValid(processed)
	report.Invalid = len(rejected)

	report.MarketIssues = p.checkMarkets(ctx, valid)
	report.Anomalies = p.checkAnomalies(ctx, valid)

	stored, err := p.writer.StoreSnapshots(ctx, valid)
	report.Stored = stored.Stored
	report.Duplicates = stored.Duplicates
	report.Races = stored.Races
	if err != nil {
		return p.finish(report, start), fmt.Errorf("storing snapshots: %w", err)
	}

	report = p.finish(report, start)
	logger.Info().
		Int("providers", len(ids)).
		Strs("failed", report.Failed()).
		Int("normalized", report.Normalized).
		Int("matched", report.Matched).
		Int("dropped", report.Dropped).
		Int("invalid", report.Invalid).
		Int("stored", report.Stored).
		Int("duplicates", report.Duplicates).
		Int("anomalies", report.Anomalies).
		Dur("duration", report.Duration).
		Msg("Collection run finished")
	return report, nil
}

func (p *Pipeline) finish(r RunReport, start time.Time) RunReport {
	r.Duration = p.clock.Now().Sub(start)
	return r
}

type matchStats struct {
	fuzzy   int
	dropped int
}

// matchAll resolves records grouped by race identifier, several groups at a
// time. Output keeps the input order.
func (p *Pipeline) matchAll(ctx context.Context, records []models.NormalizedOdds) ([]models.ProcessedOdds, matchStats, error) {
	groups := make(map[string][]int)
	var order []string
	for i, r := range records {
		if _, ok := groups[r.RaceIdentifier]; !ok {
			order = append(order, r.RaceIdentifier)
		}
		groups[r.RaceIdentifier] = append(groups[r.RaceIdentifier], i)
	}

	var (
		mu      sync.Mutex
		stats   matchStats
		results = make([]*models.ProcessedOdds, len(records))
		books   = newBookmakerCache(p.matcher)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(matchConcurrency)
	for _, ident := range order {
		ident := ident
		idx := groups[ident]
		g.Go(func() error {
			out, s, err := p.matchGroup(gctx, ident, records, idx, books)
			if err != nil {
				return err
			}
			mu.Lock()
			for i, po := range out {
				results[i] = po
			}
			stats.fuzzy += s.fuzzy
			stats.dropped += s.dropped
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, stats, err
	}

	processed := make([]models.ProcessedOdds, 0, len(records))
	for _, po := range results {
		if po != nil {
			processed = append(processed, *po)
		}
	}
	return processed, stats, nil
}

func (p *Pipeline) matchGroup(ctx context.Context, ident string, records []models.NormalizedOdds, idx []int, books *bookmakerCache) (map[int]*models.ProcessedOdds, matchStats, error) {
	var stats matchStats
	out := make(map[int]*models.ProcessedOdds, len(idx))

	first := records[idx[0]]
	race, err := p.matcher.MatchRace(ctx, ident, first.ObservedAt)
	if err != nil {
		return nil, stats, err
	}
	if !race.Matched() {
		p.logger.Warn().Str("provider", first.ProviderID).Str("race", ident).Int("records", len(idx)).Msg("Race not matched, dropping records")
		stats.dropped += len(idx)
		return out, stats, nil
	}
	if race.MatchedBy == models.MatchedFuzzy {
		p.logger.Warn().Str("race", ident).Str("race_id", race.ID).
			Str("matched_by", string(race.MatchedBy)).Float64("confidence", race.Confidence).
			Msg("Fuzzy race match accepted")
	}

	for _, i := range idx {
		rec := records[i]
		horse, err := p.matcher.MatchHorse(ctx, rec.HorseName, race.ID)
		if err != nil {
			return nil, stats, err
		}
		if !horse.Matched() {
			p.logger.Warn().Str("provider", rec.ProviderID).Str("race_id", race.ID).Str("horse", rec.HorseName).Msg("Horse not matched, dropping record")
			stats.dropped++
			continue
		}

		bookmakerID, err := books.resolve(ctx, rec)
		if err != nil {
			return nil, stats, err
		}
		if bookmakerID == "" {
			p.logger.Warn().Str("provider", rec.ProviderID).Str("bookmaker", rec.BookmakerKey).Msg("Bookmaker not matched, dropping record")
			stats.dropped++
			continue
		}

		if horse.MatchedBy == models.MatchedFuzzy {
			p.logger.Warn().Str("race_id", race.ID).Str("horse", rec.HorseName).Str("horse_id", horse.ID).
				Str("matched_by", string(horse.MatchedBy)).Float64("confidence", horse.Confidence).
				Msg("Fuzzy horse match accepted")
		}
		if race.MatchedBy == models.MatchedFuzzy || horse.MatchedBy == models.MatchedFuzzy {
			stats.fuzzy++
		}

		out[i] = &models.ProcessedOdds{
			RaceID:          race.ID,
			HorseID:         horse.ID,
			BookmakerID:     bookmakerID,
			Market:          rec.Market,
			WinOdds:         rec.WinOdds,
			PlaceOdds:       rec.PlaceOdds,
			ObservedAt:      rec.ObservedAt,
			Source:          rec.Source,
			ProviderID:      rec.ProviderID,
			MatchConfidence: minFloat(race.Confidence, horse.Confidence),
			RaceMatchedBy:   race.MatchedBy,
			HorseMatchedBy:  horse.MatchedBy,
		}
	}
	return out, stats, nil
}

// checkMarkets reports books outside the implied-probability bounds. The
// records are still stored.
func (p *Pipeline) checkMarkets(ctx context.Context, entries []models.ProcessedOdds) int {
	issues := 0
	for _, c := range p.validator.ValidateMarkets(entries) {
		if c.Result.Valid && len(c.Result.Warnings) == 0 {
			continue
		}
		issues++
		p.logger.Warn().
			Str("race_id", c.RaceID).
			Str("bookmaker_id", c.BookmakerID).
			Int("runners", c.Runners).
			Float64("total_implied", c.Result.TotalImpliedProbability).
			Str("problems", c.Result.String()).
			Msg("Market implied probability out of range")
		p.alert(ctx, alert.MarketAlert(c.RaceID, c.BookmakerID, c.Result, p.clock.Now()))
	}
	return issues
}

// checkAnomalies flags suspicious prices. A history read failure only skips
// the check.
func (p *Pipeline) checkAnomalies(ctx context.Context, entries []models.ProcessedOdds) int {
	anomalies, err := p.validator.DetectAnomaliesBatch(ctx, entries)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Anomaly detection incomplete")
	}
	for key, a := range anomalies {
		p.logger.Warn().
			Str("race_id", key.RaceID).
			Str("horse_id", key.HorseID).
			Str("bookmaker_id", key.BookmakerID).
			Str("type", string(a.Result.Type)).
			Str("severity", string(a.Result.Severity)).
			Float64("previous", a.Result.PreviousOdds).
			Float64("current", a.Result.CurrentOdds).
			Msg("Odds anomaly detected")
		p.alert(ctx, alert.AnomalyAlert(key, a.Result, p.clock.Now()))
	}
	return len(anomalies)
}

func (p *Pipeline) alert(ctx context.Context, a alert.Alert) {
	if p.alerter == nil {
		return
	}
	if err := p.alerter.Alert(ctx, a); err != nil {
		p.logger.Error().Err(err).Str("kind", string(a.Kind)).Msg("Failed to send alert")
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// bookmakerCache memoizes bookmaker resolution for one run.
type bookmakerCache struct {
	matcher *matching.Matcher
	mu      sync.Mutex
	ids     map[string]string
}

func newBookmakerCache(m *matching.Matcher) *bookmakerCache {
	return &bookmakerCache{matcher: m, ids: make(map[string]string)}
}

// resolve tries the provider key, then the display title.
func (c *bookmakerCache) resolve(ctx context.Context, rec models.NormalizedOdds) (string, error) {
	cacheKey := rec.BookmakerKey + "\x00" + rec.BookmakerTitle
	c.mu.Lock()
	id, ok := c.ids[cacheKey]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := c.matcher.MatchBookmaker(ctx, rec.BookmakerKey)
	if err != nil {
		return "", err
	}
	if id == "" && rec.BookmakerTitle != "" {
		if id, err = c.matcher.MatchBookmaker(ctx, rec.BookmakerTitle); err != nil {
			return "", err
		}
	}

	c.mu.Lock()
	c.ids[cacheKey] = id
	c.mu.Unlock()
	return id, nil
}
