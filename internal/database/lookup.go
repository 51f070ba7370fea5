package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Alias1177/OddsCollector/models"
)

// venueSlugSQL mirrors normalize.Slug: lowercase, punctuation dropped,
// whitespace runs turned into single hyphens.
const venueSlugSQL = `regexp_replace(trim(regexp_replace(lower(venue), '[^a-z0-9\s]', '', 'g')), '\s+', '-', 'g')`

const raceColumns = `id, venue, race_date, race_number, scheduled_start, status`

func scanRace(row rowScanner) (models.Race, error) {
	var r models.Race
	err := row.Scan(&r.ID, &r.Venue, &r.RaceDate, &r.RaceNumber, &r.ScheduledStart, &r.Status)
	r.ScheduledStart = r.ScheduledStart.UTC()
	return r, err
}

func (db *DB) queryRace(ctx context.Context, query string, args ...interface{}) (*models.Race, error) {
	r, err := scanRace(db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &r, nil
}

// RaceByID returns the race with the canonical id, or nil.
func (db *DB) RaceByID(ctx context.Context, id string) (*models.Race, error) {
	return db.queryRace(ctx, `SELECT `+raceColumns+` FROM races WHERE id = $1`, id)
}

// FindRace looks a race up by venue slug, UTC start date and race number.
// race_date holds the local meeting date, which for evening races in
// eastern time zones is a day ahead of the UTC date, so it is not used.
func (db *DB) FindRace(ctx context.Context, venueSlug string, date time.Time, number int) (*models.Race, error) {
	return db.queryRace(ctx, `
		SELECT `+raceColumns+`
		FROM races
		WHERE `+venueSlugSQL+` = $1
		  AND (scheduled_start AT TIME ZONE 'UTC')::date = $2::date
		  AND race_number = $3
		ORDER BY scheduled_start
		LIMIT 1
	`, venueSlug, date.Format("2006-01-02"), number)
}

// RacesStartingBetween lists races scheduled to start in [from, to].
func (db *DB) RacesStartingBetween(ctx context.Context, from, to time.Time) ([]models.Race, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+raceColumns+`
		FROM races
		WHERE scheduled_start BETWEEN $1 AND $2
		ORDER BY scheduled_start
	`, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("races by start time: %w", err)
	}
	defer rows.Close()

	var out []models.Race
	for rows.Next() {
		r, err := scanRace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveEntrants lists the race's entrants that are not scratched.
func (db *DB) ActiveEntrants(ctx context.Context, raceID string) ([]models.Entrant, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT e.race_id, e.horse_id, h.name, e.number, e.scratched
		FROM race_entrants e
		JOIN horses h ON h.id = e.horse_id
		WHERE e.race_id = $1 AND NOT e.scratched
		ORDER BY e.number
	`, raceID)
	if err != nil {
		return nil, fmt.Errorf("race entrants: %w", err)
	}
	defer rows.Close()

	var out []models.Entrant
	for rows.Next() {
		var e models.Entrant
		if err := rows.Scan(&e.RaceID, &e.HorseID, &e.HorseName, &e.Number, &e.Scratched); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Bookmakers lists every canonical bookmaker.
func (db *DB) Bookmakers(ctx context.Context) ([]models.Bookmaker, error) {
	rows, err := db.QueryContext(ctx, `SELECT id, slug, name FROM bookmakers ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("bookmakers: %w", err)
	}
	defer rows.Close()

	var out []models.Bookmaker
	for rows.Next() {
		var b models.Bookmaker
		if err := rows.Scan(&b.ID, &b.Slug, &b.Name); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
