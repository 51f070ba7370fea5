package store

import (
	"context"
	"time"

	"github.com/Alias1177/OddsCollector/models"
)

// Repository is append-only storage for odds snapshots. Implementations must
// ignore a row whose (race, horse, bookmaker, observed_at) already exists.
type Repository interface {
	models.HistoryReader

	// InsertSnapshots appends rows and returns how many were new.
	InsertSnapshots(ctx context.Context, snapshots []models.OddsSnapshot) (int, error)
	// RecentSnapshots returns rows for the given series observed at or after since.
	RecentSnapshots(ctx context.Context, keys []models.SnapshotKey, since time.Time) ([]models.OddsSnapshot, error)
	// LatestForRace returns the newest row per horse and bookmaker.
	LatestForRace(ctx context.Context, raceID string) ([]models.OddsSnapshot, error)
	// History returns matching rows ordered by observation time.
	History(ctx context.Context, q models.HistoryQuery) ([]models.OddsSnapshot, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	RefreshHourlyRollups(ctx context.Context, since time.Time) (int64, error)
	HourlyRollups(ctx context.Context, key models.SnapshotKey, from, to time.Time) ([]models.HourlyRollup, error)
}
