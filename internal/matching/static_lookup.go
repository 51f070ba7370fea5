package matching

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Alias1177/OddsCollector/internal/normalize"
	"github.com/Alias1177/OddsCollector/models"
)

// StaticLookup is an in-memory EntityLookup, used in memory mode and in tests.
type StaticLookup struct {
	mu         sync.RWMutex
	races      map[string]models.Race
	entrants   map[string][]models.Entrant
	bookmakers []models.Bookmaker
}

func NewStaticLookup() *StaticLookup {
	return &StaticLookup{
		races:    make(map[string]models.Race),
		entrants: make(map[string][]models.Entrant),
	}
}

type fixtureFile struct {
	Races []struct {
		ID             string    `yaml:"id"`
		Venue          string    `yaml:"venue"`
		RaceNumber     int       `yaml:"race_number"`
		ScheduledStart time.Time `yaml:"scheduled_start"`
		Status         string    `yaml:"status"`
		Entrants       []struct {
			HorseID   string `yaml:"horse_id"`
			Name      string `yaml:"name"`
			Number    int    `yaml:"number"`
			Scratched bool   `yaml:"scratched"`
		} `yaml:"entrants"`
	} `yaml:"races"`
	Bookmakers []struct {
		ID   string `yaml:"id"`
		Slug string `yaml:"slug"`
		Name string `yaml:"name"`
	} `yaml:"bookmakers"`
}

// LoadStaticLookup reads races, entrants and bookmakers from a YAML fixture.
func LoadStaticLookup(path string) (*StaticLookup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture %s: %w", path, err)
	}
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing fixture %s: %w", path, err)
	}

	l := NewStaticLookup()
	for _, r := range f.Races {
		start := r.ScheduledStart.UTC()
		l.AddRace(models.Race{
			ID:             r.ID,
			Venue:          r.Venue,
			RaceDate:       time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC),
			RaceNumber:     r.RaceNumber,
			ScheduledStart: start,
			Status:         r.Status,
		})
		for _, e := range r.Entrants {
			l.AddEntrant(models.Entrant{RaceID: r.ID, HorseID: e.HorseID, HorseName: e.Name, Number: e.Number, Scratched: e.Scratched})
		}
	}
	for _, b := range f.Bookmakers {
		l.AddBookmaker(models.Bookmaker{ID: b.ID, Slug: b.Slug, Name: b.Name})
	}
	return l, nil
}

func (l *StaticLookup) AddRace(r models.Race) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r.RaceDate.IsZero() && !r.ScheduledStart.IsZero() {
		y, m, d := r.ScheduledStart.Date()
		r.RaceDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
	l.races[r.ID] = r
}

func (l *StaticLookup) AddEntrant(e models.Entrant) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entrants[e.RaceID] = append(l.entrants[e.RaceID], e)
}

func (l *StaticLookup) AddBookmaker(b models.Bookmaker) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bookmakers = append(l.bookmakers, b)
}

func (l *StaticLookup) RaceByID(_ context.Context, id string) (*models.Race, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.races[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (l *StaticLookup) FindRace(_ context.Context, venueSlug string, date time.Time, number int) (*models.Race, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	day := date.Format("2006-01-02")
	for _, r := range l.races {
		if r.RaceNumber == number && r.ScheduledStart.UTC().Format("2006-01-02") == day && normalize.Slug(r.Venue) == venueSlug {
			return &r, nil
		}
	}
	return nil, nil
}

func (l *StaticLookup) RacesStartingBetween(_ context.Context, from, to time.Time) ([]models.Race, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.Race
	for _, r := range l.races {
		if !r.ScheduledStart.Before(from) && !r.ScheduledStart.After(to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.Before(out[j].ScheduledStart) })
	return out, nil
}

func (l *StaticLookup) ActiveEntrants(_ context.Context, raceID string) ([]models.Entrant, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []models.Entrant
	for _, e := range l.entrants[raceID] {
		if !e.Scratched {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *StaticLookup) Bookmakers(_ context.Context) ([]models.Bookmaker, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]models.Bookmaker(nil), l.bookmakers...), nil
}
