// Package matching resolves external race, horse and bookmaker identifiers to
// canonical ids with a confidence score.
package matching

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/clock"
	"github.com/Alias1177/OddsCollector/internal/normalize"
	"github.com/Alias1177/OddsCollector/models"
)

// Confidence levels assigned by each matching strategy.
const (
	ConfidenceExact     = 1.0
	ConfidenceComposite = 0.9
	ConfidenceSubstring = 0.7
	ConfidenceNearest   = 0.5
)

// FuzzyRaceWindow is how far from the observation time a race may start and
// still be picked by the nearest-race fallback.
const FuzzyRaceWindow = time.Hour

var compositeID = regexp.MustCompile(`^(.+)-(\d{4}-\d{2}-\d{2})-(\d+)$`)

// EntityLookup is read access to the canonical race, entrant and bookmaker
// records. Missing records are reported as nil without an error. FindRace
// matches date against the UTC date of the race's scheduled start.
type EntityLookup interface {
	RaceByID(ctx context.Context, id string) (*models.Race, error)
	FindRace(ctx context.Context, venueSlug string, date time.Time, number int) (*models.Race, error)
	RacesStartingBetween(ctx context.Context, from, to time.Time) ([]models.Race, error)
	ActiveEntrants(ctx context.Context, raceID string) ([]models.Entrant, error)
	Bookmakers(ctx context.Context) ([]models.Bookmaker, error)
}

// Composite is a parsed "<venue>-<YYYY-MM-DD>-<number>" race identifier.
type Composite struct {
	VenueSlug  string
	Date       time.Time
	RaceNumber int
}

// ParseComposite splits a composite race identifier.
func ParseComposite(identifier string) (Composite, bool) {
	m := compositeID.FindStringSubmatch(strings.ToLower(strings.TrimSpace(identifier)))
	if m == nil {
		return Composite{}, false
	}
	date, err := time.Parse("2006-01-02", m[2])
	if err != nil {
		return Composite{}, false
	}
	n, err := strconv.Atoi(m[3])
	if err != nil || n <= 0 {
		return Composite{}, false
	}
	return Composite{VenueSlug: m[1], Date: date, RaceNumber: n}, true
}

type entrantCacheEntry struct {
	entrants []models.Entrant
	expires  time.Time
}

// Matcher caches entrant and bookmaker lists for CacheTTL.
type Matcher struct {
	lookup   EntityLookup
	clock    clock.Clock
	CacheTTL time.Duration
	logger   zerolog.Logger

	mu               sync.Mutex
	entrants         map[string]entrantCacheEntry
	bookmakers       []models.Bookmaker
	bookmakersExpire time.Time
}

// New creates a Matcher with a five minute cache.
func New(lookup EntityLookup, clk clock.Clock) *Matcher {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Matcher{
		lookup:   lookup,
		clock:    clk,
		CacheTTL: 5 * time.Minute,
		logger:   log.With().Str("component", "entity_matcher").Logger(),
		entrants: make(map[string]entrantCacheEntry),
	}
}

// MatchRace resolves a race identifier: canonical id, then composite
// identifier, then the race starting nearest observedAt within an hour.
func (m *Matcher) MatchRace(ctx context.Context, identifier string, observedAt time.Time) (models.MatchResult, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return models.NoMatch(), nil
	}

	race, err := m.lookup.RaceByID(ctx, identifier)
	if err != nil {
		return models.NoMatch(), fmt.Errorf("race lookup by id: %w", err)
	}
	if race != nil {
		return models.MatchResult{ID: race.ID, Confidence: ConfidenceExact, MatchedBy: models.MatchedExact}, nil
	}

	comp, isComposite := ParseComposite(identifier)
	if isComposite {
		race, err := m.lookup.FindRace(ctx, comp.VenueSlug, comp.Date, comp.RaceNumber)
		if err != nil {
			return models.NoMatch(), fmt.Errorf("race lookup by composite id: %w", err)
		}
		if race != nil {
			return models.MatchResult{ID: race.ID, Confidence: ConfidenceComposite, MatchedBy: models.MatchedExact}, nil
		}
	}

	if observedAt.IsZero() {
		return models.NoMatch(), nil
	}
	candidates, err := m.lookup.RacesStartingBetween(ctx, observedAt.Add(-FuzzyRaceWindow), observedAt.Add(FuzzyRaceWindow))
	if err != nil {
		return models.NoMatch(), fmt.Errorf("race lookup by start window: %w", err)
	}
	if isComposite {
		if sameVenue := filterVenue(candidates, comp.VenueSlug); len(sameVenue) > 0 {
			candidates = sameVenue
		}
	}

	nearest := nearestRace(candidates, observedAt)
	if nearest == nil {
		return models.NoMatch(), nil
	}
	m.logger.Debug().Str("identifier", identifier).Str("race_id", nearest.ID).Msg("Race matched by start time")
	return models.MatchResult{ID: nearest.ID, Confidence: ConfidenceNearest, MatchedBy: models.MatchedFuzzy}, nil
}

// MatchHorse resolves a runner name against the race's non-scratched entrants.
func (m *Matcher) MatchHorse(ctx context.Context, name, raceID string) (models.MatchResult, error) {
	want := normalize.NormalizeHorseName(name)
	if want == "" || raceID == "" {
		return models.NoMatch(), nil
	}

	entrants, err := m.activeEntrants(ctx, raceID)
	if err != nil {
		return models.NoMatch(), err
	}

	var (
		best     *models.Entrant
		bestDiff int
	)
	for i := range entrants {
		e := &entrants[i]
		have := normalize.NormalizeHorseName(e.HorseName)
		if have == "" {
			continue
		}
		if have == want {
			return models.MatchResult{ID: e.HorseID, Confidence: ConfidenceExact, MatchedBy: models.MatchedExact}, nil
		}
		if strings.Contains(have, want) || strings.Contains(want, have) {
			diff := abs(len(have) - len(want))
			if best == nil || diff < bestDiff {
				best, bestDiff = e, diff
			}
		}
	}
	if best == nil {
		return models.NoMatch(), nil
	}
	return models.MatchResult{ID: best.HorseID, Confidence: ConfidenceSubstring, MatchedBy: models.MatchedFuzzy}, nil
}

// MatchBookmaker returns the canonical bookmaker id whose slug or display name
// equals key, or "" when there is none.
func (m *Matcher) MatchBookmaker(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", nil
	}
	books, err := m.allBookmakers(ctx)
	if err != nil {
		return "", err
	}
	for _, b := range books {
		if strings.EqualFold(b.Slug, key) || strings.EqualFold(b.Name, key) {
			return b.ID, nil
		}
	}
	return "", nil
}

// Invalidate drops cached entrants for a race, e.g. after a scratching.
func (m *Matcher) Invalidate(raceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entrants, raceID)
}

func (m *Matcher) activeEntrants(ctx context.Context, raceID string) ([]models.Entrant, error) {
	now := m.clock.Now()

	m.mu.Lock()
	cached, ok := m.entrants[raceID]
	m.mu.Unlock()
	if ok && now.Before(cached.expires) {
		return cached.entrants, nil
	}

	entrants, err := m.lookup.ActiveEntrants(ctx, raceID)
	if err != nil {
		return nil, fmt.Errorf("entrants for race %s: %w", raceID, err)
	}
	active := entrants[:0:0]
	for _, e := range entrants {
		if !e.Scratched {
			active = append(active, e)
		}
	}

	m.mu.Lock()
	m.entrants[raceID] = entrantCacheEntry{entrants: active, expires: now.Add(m.CacheTTL)}
	m.mu.Unlock()
	return active, nil
}

func (m *Matcher) allBookmakers(ctx context.Context) ([]models.Bookmaker, error) {
	now := m.clock.Now()

	m.mu.Lock()
	if m.bookmakers != nil && now.Before(m.bookmakersExpire) {
		books := m.bookmakers
		m.mu.Unlock()
		return books, nil
	}
	m.mu.Unlock()

	books, err := m.lookup.Bookmakers(ctx)
	if err != nil {
		return nil, fmt.Errorf("bookmakers: %w", err)
	}
	if books == nil {
		books = []models.Bookmaker{}
	}

	m.mu.Lock()
	m.bookmakers = books
	m.bookmakersExpire = now.Add(m.CacheTTL)
	m.mu.Unlock()
	return books, nil
}

func filterVenue(races []models.Race, venueSlug string) []models.Race {
	var out []models.Race
	for _, r := range races {
		if normalize.Slug(r.Venue) == venueSlug {
			out = append(out, r)
		}
	}
	return out
}

func nearestRace(races []models.Race, at time.Time) *models.Race {
	var (
		best     *models.Race
		bestDist time.Duration
	)
	for i := range races {
		r := &races[i]
		if r.ScheduledStart.IsZero() {
			continue
		}
		dist := r.ScheduledStart.Sub(at)
		if dist < 0 {
			dist = -dist
		}
		if dist > FuzzyRaceWindow {
			continue
		}
		if best == nil || dist < bestDist {
			best, bestDist = r, dist
		}
	}
	return best
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
