package models

import "context"

// HistoryReader gives read access to stored snapshots for anomaly checks.
type HistoryReader interface {
	LatestSnapshot(ctx context.Context, key SnapshotKey) (*OddsSnapshot, error)
	RecentWinOdds(ctx context.Context, key SnapshotKey, limit int) ([]float64, error)
}
