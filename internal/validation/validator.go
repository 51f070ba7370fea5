// Package validation checks odds before they are stored and flags advisory
// anomalies against recent history.
package validation

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/clock"
	"github.com/Alias1177/OddsCollector/internal/normalize"
	"github.com/Alias1177/OddsCollector/models"
)

// Config holds validator thresholds. Zero fields take the defaults in DefaultConfig.
type Config struct {
	AnomalyThresholdPercent    float64
	MaxFutureSkew              time.Duration
	MinImpliedProbability      float64
	MaxImpliedProbability      float64
	OutlierZScore              float64
	OutlierHistory             int
	DivergenceThresholdPercent float64
}

func DefaultConfig() Config {
	return Config{
		AnomalyThresholdPercent:    20,
		MaxFutureSkew:              5 * time.Minute,
		MinImpliedProbability:      100,
		MaxImpliedProbability:      150,
		OutlierZScore:              3,
		OutlierHistory:             20,
		DivergenceThresholdPercent: 25,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.AnomalyThresholdPercent <= 0 {
		c.AnomalyThresholdPercent = d.AnomalyThresholdPercent
	}
	if c.MaxFutureSkew <= 0 {
		c.MaxFutureSkew = d.MaxFutureSkew
	}
	if c.MinImpliedProbability <= 0 {
		c.MinImpliedProbability = d.MinImpliedProbability
	}
	if c.MaxImpliedProbability <= 0 {
		c.MaxImpliedProbability = d.MaxImpliedProbability
	}
	if c.OutlierZScore <= 0 {
		c.OutlierZScore = d.OutlierZScore
	}
	if c.OutlierHistory <= 0 {
		c.OutlierHistory = d.OutlierHistory
	}
	if c.DivergenceThresholdPercent <= 0 {
		c.DivergenceThresholdPercent = d.DivergenceThresholdPercent
	}
	return c
}

// Validator checks records and markets. History may be nil, in which case no
// history-based anomaly checks run.
type Validator struct {
	cfg     Config
	history models.HistoryReader
	clock   clock.Clock
	logger  zerolog.Logger
}

func New(cfg Config, history models.HistoryReader, clk clock.Clock) *Validator {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Validator{
		cfg:     cfg.withDefaults(),
		history: history,
		clock:   clk,
		logger:  log.With().Str("component", "odds_validator").Logger(),
	}
}

// Config returns the effective thresholds.
func (v *Validator) Config() Config { return v.cfg }

// ValidateOdds reports whether decimal odds lie in [MinOdds, MaxOdds].
func ValidateOdds(odds float64) bool {
	return !math.IsNaN(odds) && odds >= models.MinOdds && odds <= models.MaxOdds
}

// Validate checks one record. Errors exclude it from storage; warnings do not.
func (v *Validator) Validate(p models.ProcessedOdds) models.ValidationResult {
	res := models.ValidationResult{Valid: true}

	if !ValidateOdds(p.WinOdds) {
		res.AddError("win odds %.2f outside [%.2f, %.0f]", p.WinOdds, models.MinOdds, models.MaxOdds)
	}
	if p.PlaceOdds != nil {
		if !ValidateOdds(*p.PlaceOdds) {
			res.AddError("place odds %.2f outside [%.2f, %.0f]", *p.PlaceOdds, models.MinOdds, models.MaxOdds)
		} else if *p.PlaceOdds > p.WinOdds {
			res.AddWarning("place odds %.2f above win odds %.2f", *p.PlaceOdds, p.WinOdds)
		}
	}

	if p.ObservedAt.IsZero() {
		res.AddError("missing or unparseable timestamp")
	} else if skew := p.ObservedAt.Sub(v.clock.Now()); skew > v.cfg.MaxFutureSkew {
		res.AddWarning("timestamp %s is %s in the future", p.ObservedAt.Format(time.RFC3339), skew.Round(time.Second))
	}
	if p.RaceID == "" || p.HorseID == "" || p.BookmakerID == "" {
		res.AddError("unresolved race, horse or bookmaker")
	}
	return res
}

// ValidateImpliedProbabilities checks one bookmaker's book for a race. The total
// implied probability must be within [MinImpliedProbability, MaxImpliedProbability];
// below is an error (negative margin), above is a warning.
func (v *Validator) ValidateImpliedProbabilities(raceID, bookmakerID string, entries []models.ProcessedOdds) models.ValidationResult {
	odds := make([]float64, 0, len(entries))
	for _, e := range entries {
		if ValidateOdds(e.WinOdds) {
			odds = append(odds, e.WinOdds)
		}
	}
	return v.CheckBook(odds)
}

// CheckBook is ValidateImpliedProbabilities over bare prices.
func (v *Validator) CheckBook(odds []float64) models.ValidationResult {
	res := models.ValidationResult{Valid: true}
	if len(odds) == 0 {
		res.AddWarning("no valid odds to evaluate")
		return res
	}
	total := normalize.TotalImpliedProbability(odds)
	res.TotalImpliedProbability = total

	switch {
	case total < v.cfg.MinImpliedProbability:
		res.AddError("total implied probability %.2f%% below %.0f%%: negative margin", total, v.cfg.MinImpliedProbability)
	case total > v.cfg.MaxImpliedProbability:
		res.AddWarning("total implied probability %.2f%% above %.0f%%", total, v.cfg.MaxImpliedProbability)
	}
	return res
}

// MarketCheck is the implied-probability result for one race and bookmaker.
type MarketCheck struct {
	RaceID      string                  `json:"race_id"`
	BookmakerID string                  `json:"bookmaker_id"`
	Runners     int                     `json:"runners"`
	Result      models.ValidationResult `json:"result"`
}

// ValidateMarkets groups win records by race and bookmaker and checks every
// book that prices at least two runners.
func (v *Validator) ValidateMarkets(entries []models.ProcessedOdds) []MarketCheck {
	type bookKey struct{ race, book string }
	groups := make(map[bookKey][]models.ProcessedOdds)
	var order []bookKey
	for _, e := range entries {
		if e.Market != "" && e.Market != normalize.MarketWin {
			continue
		}
		k := bookKey{e.RaceID, e.BookmakerID}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	var checks []MarketCheck
	for _, k := range order {
		g := groups[k]
		if len(g) < 2 {
			continue
		}
		checks = append(checks, MarketCheck{
			RaceID:      k.race,
			BookmakerID: k.book,
			Runners:     len(g),
			Result:      v.ValidateImpliedProbabilities(k.race, k.book, g),
		})
	}
	return checks
}

// ValidateBatch validates every entry, keyed by (race, horse, bookmaker).
func (v *Validator) ValidateBatch(entries []models.ProcessedOdds) map[models.SnapshotKey]models.ValidationResult {
	out := make(map[models.SnapshotKey]models.ValidationResult, len(entries))
	for _, e := range entries {
		res := v.Validate(e)
		if prev, ok := out[e.Key()]; ok && !prev.Valid {
			continue
		}
		out[e.Key()] = res
	}
	return out
}

// FilterValid drops entries with validation errors and logs them.
func (v *Validator) FilterValid(entries []models.ProcessedOdds) ([]models.ProcessedOdds, []Rejection) {
	valid := make([]models.ProcessedOdds, 0, len(entries))
	var rejected []Rejection
	for _, e := range entries {
		res := v.Validate(e)
		if len(res.Warnings) > 0 {
			v.logger.Warn().
				Str("race_id", e.RaceID).Str("horse_id", e.HorseID).Str("bookmaker_id", e.BookmakerID).
				Strs("warnings", res.Warnings).Msg("Odds validation warning")
		}
		if !res.Valid {
			v.logger.Warn().
				Str("race_id", e.RaceID).Str("horse_id", e.HorseID).Str("bookmaker_id", e.BookmakerID).
				Float64("win_odds", e.WinOdds).Strs("errors", res.Errors).Msg("Odds rejected")
			rejected = append(rejected, Rejection{Odds: e, Result: res})
			continue
		}
		valid = append(valid, e)
	}
	return valid, rejected
}

// Rejection is a record dropped by FilterValid.
type Rejection struct {
	Odds   models.ProcessedOdds
	Result models.ValidationResult
}

// DetectAnomalousChange compares the record against the latest stored snapshot
// for the same race, horse and bookmaker.
func (v *Validator) DetectAnomalousChange(ctx context.Context, p models.ProcessedOdds) (models.AnomalyResult, error) {
	if v.history == nil {
		return models.AnomalyResult{CurrentOdds: p.WinOdds}, nil
	}
	prev, err := v.history.LatestSnapshot(ctx, p.Key())
	if err != nil {
		return models.AnomalyResult{CurrentOdds: p.WinOdds}, err
	}
	if prev == nil {
		return models.AnomalyResult{CurrentOdds: p.WinOdds}, nil
	}
	return CompareOdds(prev.WinOdds, p.WinOdds, v.cfg.AnomalyThresholdPercent), nil
}

// DetectOutlier runs DetectStatisticalOutlier against the record's recent history.
func (v *Validator) DetectOutlier(ctx context.Context, p models.ProcessedOdds) (models.AnomalyResult, error) {
	if v.history == nil {
		return models.AnomalyResult{CurrentOdds: p.WinOdds}, nil
	}
	history, err := v.history.RecentWinOdds(ctx, p.Key(), v.cfg.OutlierHistory)
	if err != nil {
		return models.AnomalyResult{CurrentOdds: p.WinOdds}, err
	}
	return DetectStatisticalOutlier(history, p.WinOdds, v.cfg.OutlierZScore), nil
}

// Anomaly pairs a flagged record with its result.
type Anomaly struct {
	Odds   models.ProcessedOdds `json:"odds"`
	Result models.AnomalyResult `json:"result"`
}

// DetectAnomaliesBatch runs the history checks for every entry, then the
// cross-bookmaker divergence check, and returns only flagged entries. A record
// flagged by several checks keeps the most severe result.
func (v *Validator) DetectAnomaliesBatch(ctx context.Context, entries []models.ProcessedOdds) (map[models.SnapshotKey]Anomaly, error) {
	out := make(map[models.SnapshotKey]Anomaly)
	keep := func(p models.ProcessedOdds, r models.AnomalyResult) {
		if !r.IsAnomaly {
			return
		}
		if cur, ok := out[p.Key()]; ok && cur.Result.Severity.Rank() >= r.Severity.Rank() {
			return
		}
		out[p.Key()] = Anomaly{Odds: p, Result: r}
	}

	for _, e := range entries {
		change, err := v.DetectAnomalousChange(ctx, e)
		if err != nil {
			return out, err
		}
		keep(e, change)

		outlier, err := v.DetectOutlier(ctx, e)
		if err != nil {
			return out, err
		}
		keep(e, outlier)
	}

	for key, r := range DetectPriceDivergence(entries, v.cfg.DivergenceThresholdPercent) {
		for _, e := range entries {
			if e.Key() == key {
				keep(e, r)
				break
			}
		}
	}
	return out, nil
}
