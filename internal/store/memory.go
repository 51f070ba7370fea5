package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Alias1177/OddsCollector/models"
)

type rowKey struct {
	key models.SnapshotKey
	at  int64
}

type rollupKey struct {
	key  models.SnapshotKey
	hour int64
}

// MemoryRepository keeps snapshots in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	nextID  int64
	rows    []models.OddsSnapshot
	seen    map[rowKey]bool
	rollups map[rollupKey]models.HourlyRollup
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		seen:    make(map[rowKey]bool),
		rollups: make(map[rollupKey]models.HourlyRollup),
	}
}

func (m *MemoryRepository) InsertSnapshots(_ context.Context, snapshots []models.OddsSnapshot) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, s := range snapshots {
		rk := rowKey{s.Key(), s.ObservedAt.UnixNano()}
		if m.seen[rk] {
			continue
		}
		m.nextID++
		s.ID = m.nextID
		m.rows = append(m.rows, s)
		m.seen[rk] = true
		inserted++
	}
	return inserted, nil
}

func (m *MemoryRepository) RecentSnapshots(_ context.Context, keys []models.SnapshotKey, since time.Time) ([]models.OddsSnapshot, error) {
	want := make(map[models.SnapshotKey]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OddsSnapshot
	for _, s := range m.rows {
		if want[s.Key()] && !s.ObservedAt.Before(since) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryRepository) LatestForRace(_ context.Context, raceID string) ([]models.OddsSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := make(map[models.SnapshotKey]models.OddsSnapshot)
	for _, s := range m.rows {
		if s.RaceID != raceID {
			continue
		}
		if cur, ok := latest[s.Key()]; !ok || s.ObservedAt.After(cur.ObservedAt) {
			latest[s.Key()] = s
		}
	}
	out := make([]models.OddsSnapshot, 0, len(latest))
	for _, s := range latest {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].HorseID != out[j].HorseID {
			return out[i].HorseID < out[j].HorseID
		}
		return out[i].BookmakerID < out[j].BookmakerID
	})
	return out, nil
}

func (m *MemoryRepository) History(_ context.Context, q models.HistoryQuery) ([]models.OddsSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OddsSnapshot
	for _, s := range m.rows {
		if s.RaceID != q.RaceID || s.HorseID != q.HorseID {
			continue
		}
		if q.BookmakerID != "" && s.BookmakerID != q.BookmakerID {
			continue
		}
		if !q.From.IsZero() && s.ObservedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && s.ObservedAt.After(q.To) {
			continue
		}
		out = append(out, s)
	}
	sortByObserved(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

func (m *MemoryRepository) LatestSnapshot(_ context.Context, key models.SnapshotKey) (*models.OddsSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.OddsSnapshot
	for i := range m.rows {
		s := &m.rows[i]
		if s.Key() == key && (latest == nil || s.ObservedAt.After(latest.ObservedAt)) {
			latest = s
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryRepository) RecentWinOdds(ctx context.Context, key models.SnapshotKey, limit int) ([]float64, error) {
	rows, err := m.History(ctx, models.HistoryQuery{RaceID: key.RaceID, HorseID: key.HorseID, BookmakerID: key.BookmakerID, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r.WinOdds
	}
	return out, nil
}

func (m *MemoryRepository) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	var deleted int64
	for _, s := range m.rows {
		if s.ObservedAt.Before(cutoff) {
			delete(m.seen, rowKey{s.Key(), s.ObservedAt.UnixNano()})
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	m.rows = kept
	return deleted, nil
}

func (m *MemoryRepository) RefreshHourlyRollups(_ context.Context, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	since = since.Truncate(time.Hour)
	groups := make(map[rollupKey][]models.OddsSnapshot)
	for _, s := range m.rows {
		if s.ObservedAt.Before(since) {
			continue
		}
		rk := rollupKey{s.Key(), s.ObservedAt.Truncate(time.Hour).Unix()}
		groups[rk] = append(groups[rk], s)
	}
	for rk, rows := range groups {
		m.rollups[rk] = Rollup(rows)
	}
	return int64(len(groups)), nil
}

func (m *MemoryRepository) HourlyRollups(_ context.Context, key models.SnapshotKey, from, to time.Time) ([]models.HourlyRollup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.HourlyRollup
	for rk, r := range m.rollups {
		if rk.key != key {
			continue
		}
		if (!from.IsZero() && r.Hour.Before(from.Truncate(time.Hour))) || (!to.IsZero() && r.Hour.After(to)) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out, nil
}

// Rollup aggregates rows of one series and hour.
func Rollup(rows []models.OddsSnapshot) models.HourlyRollup {
	sortByObserved(rows)
	first := rows[0]
	r := models.HourlyRollup{
		RaceID:      first.RaceID,
		HorseID:     first.HorseID,
		BookmakerID: first.BookmakerID,
		Hour:        first.ObservedAt.Truncate(time.Hour),
		Open:        first.WinOdds,
		Close:       rows[len(rows)-1].WinOdds,
		Min:         first.WinOdds,
		Max:         first.WinOdds,
		Samples:     len(rows),
	}
	sum := 0.0
	for _, s := range rows {
		sum += s.WinOdds
		if s.WinOdds < r.Min {
			r.Min = s.WinOdds
		}
		if s.WinOdds > r.Max {
			r.Max = s.WinOdds
		}
	}
	r.Avg = sum / float64(len(rows))
	return r
}

func sortByObserved(rows []models.OddsSnapshot) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ObservedAt.Before(rows[j].ObservedAt) })
}
