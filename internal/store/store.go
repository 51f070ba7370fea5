// Package store persists validated odds as an append-only time series and
// serves the derived read views.
package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Alias1177/OddsCollector/internal/clock"
	"github.com/Alias1177/OddsCollector/models"
)

const (
	DefaultDedupWindow = 60 * time.Second
	DefaultBatchSize   = 500
)

// RacePublisher receives the latest odds for a race after each write.
type RacePublisher interface {
	PublishRace(ctx context.Context, raceID string, payload interface{}) error
}

// RaceOddsUpdate is the payload broadcast for a race.
type RaceOddsUpdate struct {
	RaceID    string                `json:"race_id"`
	Odds      []models.OddsSnapshot `json:"odds"`
	UpdatedAt time.Time             `json:"updated_at"`
}

// StoreResult summarizes one StoreSnapshots call.
type StoreResult struct {
	Stored     int      `json:"stored"`
	Duplicates int      `json:"duplicates"`
	Races      []string `json:"races"`
}

// Options tunes an OddsStore.
type Options struct {
	DedupWindow time.Duration
	BatchSize   int
}

type OddsStore struct {
	repo        Repository
	publisher   RacePublisher
	clock       clock.Clock
	dedupWindow time.Duration
	batchSize   int
	logger      zerolog.Logger
}

// New creates a store. publisher may be nil.
func New(repo Repository, publisher RacePublisher, clk clock.Clock, opts Options) *OddsStore {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &OddsStore{
		repo:        repo,
		publisher:   publisher,
		clock:       clk,
		dedupWindow: opts.DedupWindow,
		batchSize:   opts.BatchSize,
		logger:      log.With().Str("component", "odds_store").Logger(),
	}
}

// StoreSnapshots drops repeats of recent observations, appends the rest in
// batches and broadcasts the latest odds of every race each batch touched.
// A failed batch aborts the call; earlier batches stay stored.
func (s *OddsStore) StoreSnapshots(ctx context.Context, entries []models.ProcessedOdds) (StoreResult, error) {
	var result StoreResult
	if len(entries) == 0 {
		return result, nil
	}

	fresh, err := s.dedup(ctx, entries)
	if err != nil {
		return result, fmt.Errorf("checking recent snapshots: %w", err)
	}
	result.Duplicates = len(entries) - len(fresh)

	touched := make(map[string]bool)
	for start := 0; start < len(fresh); start += s.batchSize {
		end := start + s.batchSize
		if end > len(fresh) {
			end = len(fresh)
		}
		batch := fresh[start:end]

		n, err := s.repo.InsertSnapshots(ctx, batch)
		if err != nil {
			return result, fmt.Errorf("inserting snapshot batch %d-%d: %w", start, end, err)
		}
		result.Stored += n
		// Conflicting rows are repeats of an existing observation.
		result.Duplicates += len(batch) - n

		var races []string
		seen := make(map[string]bool)
		for _, snap := range batch {
			if !seen[snap.RaceID] {
				seen[snap.RaceID] = true
				races = append(races, snap.RaceID)
			}
			touched[snap.RaceID] = true
		}
		s.broadcastRaces(ctx, races)
	}

	for race := range touched {
		result.Races = append(result.Races, race)
	}
	sort.Strings(result.Races)

	s.logger.Info().
		Int("received", len(entries)).
		Int("stored", result.Stored).
		Int("duplicates", result.Duplicates).
		Int("races", len(result.Races)).
		Msg("Snapshots stored")
	return result, nil
}

// dedup removes entries that repeat the latest stored or earlier-in-batch
// observation of their series inside the dedup window.
func (s *OddsStore) dedup(ctx context.Context, entries []models.ProcessedOdds) ([]models.OddsSnapshot, error) {
	keys := make([]models.SnapshotKey, 0, len(entries))
	seenKey := make(map[models.SnapshotKey]bool)
	earliest := entries[0].ObservedAt
	for _, e := range entries {
		if !seenKey[e.Key()] {
			seenKey[e.Key()] = true
			keys = append(keys, e.Key())
		}
		if e.ObservedAt.Before(earliest) {
			earliest = e.ObservedAt
		}
	}

	recent, err := s.repo.RecentSnapshots(ctx, keys, earliest.Add(-s.dedupWindow))
	if err != nil {
		return nil, err
	}
	known := make(map[models.SnapshotKey][]models.OddsSnapshot, len(recent))
	for _, r := range recent {
		known[r.Key()] = append(known[r.Key()], r)
	}

	fresh := make([]models.OddsSnapshot, 0, len(entries))
	for _, e := range entries {
		snap := models.SnapshotFromProcessed(e)
		if s.isRepeat(snap, known[snap.Key()]) {
			continue
		}
		known[snap.Key()] = append(known[snap.Key()], snap)
		fresh = append(fresh, snap)
	}
	return fresh, nil
}

// isRepeat reports whether snap carries the same odds as the latest earlier
// observation of its series inside the dedup window. Older observations do
// not count, so a price that moves away and back is stored again.
func (s *OddsStore) isRepeat(snap models.OddsSnapshot, prior []models.OddsSnapshot) bool {
	var latest *models.OddsSnapshot
	for i := range prior {
		p := &prior[i]
		if p.ObservedAt.After(snap.ObservedAt) {
			continue
		}
		if latest == nil || p.ObservedAt.After(latest.ObservedAt) {
			latest = p
		}
	}
	if latest == nil {
		return false
	}
	return snap.ObservedAt.Sub(latest.ObservedAt) <= s.dedupWindow && sameOdds(*latest, snap)
}

func sameOdds(a, b models.OddsSnapshot) bool {
	if math.Abs(a.WinOdds-b.WinOdds) > 1e-9 {
		return false
	}
	if (a.PlaceOdds == nil) != (b.PlaceOdds == nil) {
		return false
	}
	return a.PlaceOdds == nil || math.Abs(*a.PlaceOdds-*b.PlaceOdds) <= 1e-9
}

// broadcastRaces publishes the latest odds per race. Failures are logged only.
func (s *OddsStore) broadcastRaces(ctx context.Context, races []string) {
	if s.publisher == nil || len(races) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, raceID := range races {
		raceID := raceID
		g.Go(func() error {
			latest, err := s.repo.LatestForRace(gctx, raceID)
			if err != nil {
				s.logger.Warn().Err(err).Str("race_id", raceID).Msg("Failed to load latest odds for broadcast")
				return nil
			}
			update := RaceOddsUpdate{RaceID: raceID, Odds: latest, UpdatedAt: s.clock.Now()}
			if err := s.publisher.PublishRace(gctx, raceID, update); err != nil {
				s.logger.Warn().Err(err).Str("race_id", raceID).Msg("Broadcast failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// LatestSnapshot implements models.HistoryReader.
func (s *OddsStore) LatestSnapshot(ctx context.Context, key models.SnapshotKey) (*models.OddsSnapshot, error) {
	return s.repo.LatestSnapshot(ctx, key)
}

// RecentWinOdds implements models.HistoryReader.
func (s *OddsStore) RecentWinOdds(ctx context.Context, key models.SnapshotKey, limit int) ([]float64, error) {
	return s.repo.RecentWinOdds(ctx, key, limit)
}

// PurgeOlderThan deletes snapshots observed more than age ago.
func (s *OddsStore) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := s.clock.Now().Add(-age)
	n, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging snapshots before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	s.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Retention sweep finished")
	return n, nil
}

// RefreshRollups recomputes hourly aggregates for the trailing lookback.
func (s *OddsStore) RefreshRollups(ctx context.Context, lookback time.Duration) (int64, error) {
	since := s.clock.Now().Add(-lookback)
	n, err := s.repo.RefreshHourlyRollups(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("refreshing hourly rollups: %w", err)
	}
	s.logger.Info().Int64("rollups", n).Time("since", since).Msg("Hourly rollups refreshed")
	return n, nil
}
