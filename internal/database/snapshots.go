package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Alias1177/OddsCollector/models"
)

const snapshotColumns = `id, race_id, horse_id, bookmaker_id, market, win_odds, place_odds,
	observed_at, source, provider_id, match_confidence`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row rowScanner) (models.OddsSnapshot, error) {
	var (
		s     models.OddsSnapshot
		place sql.NullFloat64
		src   string
	)
	err := row.Scan(&s.ID, &s.RaceID, &s.HorseID, &s.BookmakerID, &s.Market, &s.WinOdds, &place,
		&s.ObservedAt, &src, &s.ProviderID, &s.MatchConfidence)
	if err != nil {
		return s, err
	}
	if place.Valid {
		p := place.Float64
		s.PlaceOdds = &p
	}
	s.Source = models.SourceType(src)
	s.ObservedAt = s.ObservedAt.UTC()
	return s, nil
}

func scanSnapshots(rows *sql.Rows) ([]models.OddsSnapshot, error) {
	defer rows.Close()
	var out []models.OddsSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertSnapshots appends rows in one statement; rows that repeat an existing
// (race, horse, bookmaker, observed_at) are skipped.
func (db *DB) InsertSnapshots(ctx context.Context, snapshots []models.OddsSnapshot) (int, error) {
	if len(snapshots) == 0 {
		return 0, nil
	}

	const cols = 10
	var (
		sb   strings.Builder
		args = make([]interface{}, 0, len(snapshots)*cols)
	)
	sb.WriteString(`INSERT INTO odds_snapshots (
		race_id, horse_id, bookmaker_id, market, win_odds, place_odds,
		observed_at, source, provider_id, match_confidence
	) VALUES `)
	for i, s := range snapshots {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c := 1; c <= cols; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*cols+c)
		}
		sb.WriteString(")")

		var place interface{}
		if s.PlaceOdds != nil {
			place = *s.PlaceOdds
		}
		args = append(args, s.RaceID, s.HorseID, s.BookmakerID, s.Market, s.WinOdds, place,
			s.ObservedAt.UTC(), string(s.Source), s.ProviderID, s.MatchConfidence)
	}
	sb.WriteString(" ON CONFLICT ON CONSTRAINT odds_snapshots_observation_key DO NOTHING")

	res, err := db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// RecentSnapshots returns rows for the given series observed at or after since.
func (db *DB) RecentSnapshots(ctx context.Context, keys []models.SnapshotKey, since time.Time) ([]models.OddsSnapshot, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	races := make([]string, len(keys))
	horses := make([]string, len(keys))
	books := make([]string, len(keys))
	for i, k := range keys {
		races[i], horses[i], books[i] = k.RaceID, k.HorseID, k.BookmakerID
	}

	rows, err := db.QueryContext(ctx, `
		SELECT s.id, s.race_id, s.horse_id, s.bookmaker_id, s.market, s.win_odds, s.place_odds,
			s.observed_at, s.source, s.provider_id, s.match_confidence
		FROM odds_snapshots s
		JOIN unnest($1::text[], $2::text[], $3::text[]) AS k(race_id, horse_id, bookmaker_id)
			ON s.race_id = k.race_id AND s.horse_id = k.horse_id AND s.bookmaker_id = k.bookmaker_id
		WHERE s.observed_at >= $4
	`, pq.Array(races), pq.Array(horses), pq.Array(books), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("recent snapshots: %w", err)
	}
	return scanSnapshots(rows)
}

// LatestForRace returns the newest row per horse and bookmaker.
func (db *DB) LatestForRace(ctx context.Context, raceID string) ([]models.OddsSnapshot, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT ON (horse_id, bookmaker_id) `+snapshotColumns+`
		FROM odds_snapshots
		WHERE race_id = $1
		ORDER BY horse_id, bookmaker_id, observed_at DESC
	`, raceID)
	if err != nil {
		return nil, fmt.Errorf("latest odds for race: %w", err)
	}
	return scanSnapshots(rows)
}

// History returns rows matching q in observation order. With a limit the
// newest rows are kept.
func (db *DB) History(ctx context.Context, q models.HistoryQuery) ([]models.OddsSnapshot, error) {
	conds := []string{"race_id = $1", "horse_id = $2"}
	args := []interface{}{q.RaceID, q.HorseID}
	if q.BookmakerID != "" {
		args = append(args, q.BookmakerID)
		conds = append(conds, fmt.Sprintf("bookmaker_id = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From.UTC())
		conds = append(conds, fmt.Sprintf("observed_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To.UTC())
		conds = append(conds, fmt.Sprintf("observed_at <= $%d", len(args)))
	}

	query := `SELECT ` + snapshotColumns + ` FROM odds_snapshots WHERE ` + strings.Join(conds, " AND ")
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query = fmt.Sprintf(`SELECT * FROM (%s ORDER BY observed_at DESC LIMIT $%d) newest ORDER BY observed_at ASC`, query, len(args))
	} else {
		query += ` ORDER BY observed_at ASC`
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("odds history: %w", err)
	}
	return scanSnapshots(rows)
}

// LatestSnapshot returns the newest row of one series, or nil.
func (db *DB) LatestSnapshot(ctx context.Context, key models.SnapshotKey) (*models.OddsSnapshot, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM odds_snapshots
		WHERE race_id = $1 AND horse_id = $2 AND bookmaker_id = $3
		ORDER BY observed_at DESC
		LIMIT 1
	`, key.RaceID, key.HorseID, key.BookmakerID)
	s, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return &s, nil
}

// RecentWinOdds returns up to limit win prices of one series, oldest first.
func (db *DB) RecentWinOdds(ctx context.Context, key models.SnapshotKey, limit int) ([]float64, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT win_odds FROM (
			SELECT win_odds, observed_at
			FROM odds_snapshots
			WHERE race_id = $1 AND horse_id = $2 AND bookmaker_id = $3
			ORDER BY observed_at DESC
			LIMIT $4
		) recent
		ORDER BY observed_at ASC
	`, key.RaceID, key.HorseID, key.BookmakerID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent win odds: %w", err)
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteOlderThan is the retention sweep.
func (db *DB) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM odds_snapshots WHERE observed_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old snapshots: %w", err)
	}
	return res.RowsAffected()
}

// RefreshHourlyRollups recomputes odds_hourly for every hour since the given time.
func (db *DB) RefreshHourlyRollups(ctx context.Context, since time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO odds_hourly (
			race_id, horse_id, bookmaker_id, hour,
			open_odds, close_odds, min_odds, max_odds, avg_odds, samples
		)
		SELECT
			race_id, horse_id, bookmaker_id, date_trunc('hour', observed_at) AS hour,
			(array_agg(win_odds ORDER BY observed_at ASC))[1],
			(array_agg(win_odds ORDER BY observed_at DESC))[1],
			MIN(win_odds), MAX(win_odds), AVG(win_odds), COUNT(*)
		FROM odds_snapshots
		WHERE observed_at >= date_trunc('hour', $1::timestamptz)
		GROUP BY race_id, horse_id, bookmaker_id, date_trunc('hour', observed_at)
		ON CONFLICT (race_id, horse_id, bookmaker_id, hour) DO UPDATE SET
			open_odds = EXCLUDED.open_odds,
			close_odds = EXCLUDED.close_odds,
			min_odds = EXCLUDED.min_odds,
			max_odds = EXCLUDED.max_odds,
			avg_odds = EXCLUDED.avg_odds,
			samples = EXCLUDED.samples
	`, since.UTC())
	if err != nil {
		return 0, fmt.Errorf("refresh hourly rollups: %w", err)
	}
	return res.RowsAffected()
}

// HourlyRollups reads stored aggregates for one series.
func (db *DB) HourlyRollups(ctx context.Context, key models.SnapshotKey, from, to time.Time) ([]models.HourlyRollup, error) {
	if to.IsZero() {
		to = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	rows, err := db.QueryContext(ctx, `
		SELECT race_id, horse_id, bookmaker_id, hour, open_odds, close_odds, min_odds, max_odds, avg_odds, samples
		FROM odds_hourly
		WHERE race_id = $1 AND horse_id = $2 AND bookmaker_id = $3 AND hour >= $4 AND hour <= $5
		ORDER BY hour ASC
	`, key.RaceID, key.HorseID, key.BookmakerID, from.UTC().Truncate(time.Hour), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("hourly rollups: %w", err)
	}
	defer rows.Close()

	var out []models.HourlyRollup
	for rows.Next() {
		var r models.HourlyRollup
		if err := rows.Scan(&r.RaceID, &r.HorseID, &r.BookmakerID, &r.Hour, &r.Open, &r.Close, &r.Min, &r.Max, &r.Avg, &r.Samples); err != nil {
			return nil, err
		}
		r.Hour = r.Hour.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
