package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Alias1177/OddsCollector/models"
)

// MovementSummary describes how a price moved over the stored history.
type MovementSummary struct {
	RaceID        string    `json:"race_id"`
	HorseID       string    `json:"horse_id"`
	BookmakerID   string    `json:"bookmaker_id"`
	Opening       float64   `json:"opening"`
	Current       float64   `json:"current"`
	Min           float64   `json:"min"`
	Max           float64   `json:"max"`
	Average       float64   `json:"average"`
	ChangePercent float64   `json:"change_percent"`
	Observations  int       `json:"observations"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// BestOdds is the longest current price for one horse across bookmakers.
type BestOdds struct {
	HorseID         string    `json:"horse_id"`
	BookmakerID     string    `json:"bookmaker_id"`
	WinOdds         float64   `json:"win_odds"`
	PlaceOdds       *float64  `json:"place_odds,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
	MatchConfidence float64   `json:"match_confidence"`
	Bookmakers      int       `json:"bookmakers"`
}

// Velocity is the rate of change of a price over a trailing window.
type Velocity struct {
	RaceID          string        `json:"race_id"`
	HorseID         string        `json:"horse_id"`
	BookmakerID     string        `json:"bookmaker_id,omitempty"`
	Window          time.Duration `json:"window"`
	ChangePerMinute float64       `json:"change_per_minute"`
	ChangePercent   float64       `json:"change_percent"`
	Observations    int           `json:"observations"`
}

// GetLatestOddsForRace returns the newest snapshot per horse and bookmaker.
func (s *OddsStore) GetLatestOddsForRace(ctx context.Context, raceID string) ([]models.OddsSnapshot, error) {
	rows, err := s.repo.LatestForRace(ctx, raceID)
	if err != nil {
		return nil, fmt.Errorf("latest odds for race %s: %w", raceID, err)
	}
	return rows, nil
}

// GetOddsHistory returns snapshots in observation order.
func (s *OddsStore) GetOddsHistory(ctx context.Context, q models.HistoryQuery) ([]models.OddsSnapshot, error) {
	rows, err := s.repo.History(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("odds history for %s/%s: %w", q.RaceID, q.HorseID, err)
	}
	return rows, nil
}

// GetOddsMovementSummary summarizes the history selected by q, one summary per
// bookmaker ordered by bookmaker id. Bookmakers price independently, so their
// series are never merged. Empty when nothing is recorded.
func (s *OddsStore) GetOddsMovementSummary(ctx context.Context, q models.HistoryQuery) ([]MovementSummary, error) {
	rows, err := s.GetOddsHistory(ctx, q)
	if err != nil {
		return nil, err
	}

	series := make(map[string][]models.OddsSnapshot)
	for _, r := range rows {
		series[r.BookmakerID] = append(series[r.BookmakerID], r)
	}
	out := make([]MovementSummary, 0, len(series))
	for bookmakerID, rs := range series {
		out = append(out, summarize(q.RaceID, q.HorseID, bookmakerID, rs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookmakerID < out[j].BookmakerID })
	return out, nil
}

// summarize expects rs non-empty and in observation order.
func summarize(raceID, horseID, bookmakerID string, rs []models.OddsSnapshot) MovementSummary {
	first, last := rs[0], rs[len(rs)-1]
	sum := MovementSummary{
		RaceID:       raceID,
		HorseID:      horseID,
		BookmakerID:  bookmakerID,
		Opening:      first.WinOdds,
		Current:      last.WinOdds,
		Min:          first.WinOdds,
		Max:          first.WinOdds,
		Observations: len(rs),
		FirstSeen:    first.ObservedAt,
		LastSeen:     last.ObservedAt,
	}
	total := 0.0
	for _, r := range rs {
		total += r.WinOdds
		if r.WinOdds < sum.Min {
			sum.Min = r.WinOdds
		}
		if r.WinOdds > sum.Max {
			sum.Max = r.WinOdds
		}
	}
	sum.Average = total / float64(len(rs))
	if sum.Opening > 0 {
		sum.ChangePercent = (sum.Current - sum.Opening) / sum.Opening * 100
	}
	return sum
}

// GetBestOddsForRace returns the best current win price per horse, shortest
// price first. Snapshots below minConfidence are ignored; 0 accepts every match.
func (s *OddsStore) GetBestOddsForRace(ctx context.Context, raceID string, minConfidence float64) ([]BestOdds, error) {
	latest, err := s.GetLatestOddsForRace(ctx, raceID)
	if err != nil {
		return nil, err
	}

	best := make(map[string]*BestOdds)
	for _, snap := range latest {
		if snap.MatchConfidence < minConfidence {
			continue
		}
		b, ok := best[snap.HorseID]
		if !ok {
			best[snap.HorseID] = &BestOdds{
				HorseID:         snap.HorseID,
				BookmakerID:     snap.BookmakerID,
				WinOdds:         snap.WinOdds,
				PlaceOdds:       snap.PlaceOdds,
				ObservedAt:      snap.ObservedAt,
				MatchConfidence: snap.MatchConfidence,
				Bookmakers:      1,
			}
			continue
		}
		b.Bookmakers++
		if snap.WinOdds > b.WinOdds {
			b.BookmakerID = snap.BookmakerID
			b.WinOdds = snap.WinOdds
			b.PlaceOdds = snap.PlaceOdds
			b.ObservedAt = snap.ObservedAt
			b.MatchConfidence = snap.MatchConfidence
		}
	}

	out := make([]BestOdds, 0, len(best))
	for _, b := range best {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].WinOdds != out[j].WinOdds {
			return out[i].WinOdds < out[j].WinOdds
		}
		return out[i].HorseID < out[j].HorseID
	})
	return out, nil
}

// GetOddsVelocity measures how fast the price moved over the trailing window.
// With an empty BookmakerID the series of all bookmakers are averaged per minute.
func (s *OddsStore) GetOddsVelocity(ctx context.Context, key models.SnapshotKey, window time.Duration) (*Velocity, error) {
	now := s.clock.Now()
	rows, err := s.GetOddsHistory(ctx, models.HistoryQuery{
		RaceID:      key.RaceID,
		HorseID:     key.HorseID,
		BookmakerID: key.BookmakerID,
		From:        now.Add(-window),
		To:          now,
	})
	if err != nil {
		return nil, err
	}

	v := &Velocity{RaceID: key.RaceID, HorseID: key.HorseID, BookmakerID: key.BookmakerID, Window: window, Observations: len(rows)}

	series := make(map[string][]models.OddsSnapshot)
	for _, r := range rows {
		series[r.BookmakerID] = append(series[r.BookmakerID], r)
	}
	var perMinute, percent float64
	counted := 0
	for _, rs := range series {
		if len(rs) < 2 {
			continue
		}
		first, last := rs[0], rs[len(rs)-1]
		minutes := last.ObservedAt.Sub(first.ObservedAt).Minutes()
		if minutes <= 0 || first.WinOdds <= 0 {
			continue
		}
		perMinute += (last.WinOdds - first.WinOdds) / minutes
		percent += (last.WinOdds - first.WinOdds) / first.WinOdds * 100
		counted++
	}
	if counted > 0 {
		v.ChangePerMinute = perMinute / float64(counted)
		v.ChangePercent = percent / float64(counted)
	}
	return v, nil
}

// GetHourlyRollups returns stored hourly aggregates for one series.
func (s *OddsStore) GetHourlyRollups(ctx context.Context, key models.SnapshotKey, from, to time.Time) ([]models.HourlyRollup, error) {
	return s.repo.HourlyRollups(ctx, key, from, to)
}
