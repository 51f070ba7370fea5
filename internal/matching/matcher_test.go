package matching

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Alias1177/OddsCollector/internal/clock"
	"github.com/Alias1177/OddsCollector/models"
)

var raceStart = time.Date(2024, 11, 5, 4, 0, 0, 0, time.UTC)

func testLookup() *StaticLookup {
	l := NewStaticLookup()
	l.AddRace(models.Race{ID: "race-flem-7", Venue: "Flemington", RaceNumber: 7, ScheduledStart: raceStart})
	l.AddRace(models.Race{ID: "race-flem-8", Venue: "Flemington", RaceNumber: 8, ScheduledStart: raceStart.Add(40 * time.Minute)})
	l.AddRace(models.Race{ID: "race-rand-6", Venue: "Randwick", RaceNumber: 6, ScheduledStart: raceStart.Add(10 * time.Minute)})

	l.AddEntrant(models.Entrant{RaceID: "race-flem-7", HorseID: "h-verry", HorseName: "Verry Elleegant"})
	l.AddEntrant(models.Entrant{RaceID: "race-flem-7", HorseID: "h-incent", HorseName: "Incentivise"})
	l.AddEntrant(models.Entrant{RaceID: "race-flem-7", HorseID: "h-scratched", HorseName: "Twilight Payment", Scratched: true})
	l.AddEntrant(models.Entrant{RaceID: "race-flem-7", HorseID: "h-spanish", HorseName: "Spanish Mission"})

	l.AddBookmaker(models.Bookmaker{ID: "b-sportsbet", Slug: "sportsbet", Name: "Sportsbet"})
	l.AddBookmaker(models.Bookmaker{ID: "b-tab", Slug: "tab", Name: "TAB"})
	return l
}

func TestMatchRace(t *testing.T) {
	m := New(testLookup(), clock.NewFake(raceStart))
	tests := []struct {
		name       string
		identifier string
		observed   time.Time
		wantID     string
		wantConf   float64
		wantBy     models.MatchMethod
	}{
		{"canonical id", "race-flem-7", raceStart, "race-flem-7", 1.0, models.MatchedExact},
		{"composite id", "flemington-2024-11-05-8", raceStart, "race-flem-8", 0.9, models.MatchedExact},
		{"composite case insensitive", "Flemington-2024-11-05-7", raceStart, "race-flem-7", 0.9, models.MatchedExact},
		{"unknown composite prefers venue", "flemington-2024-11-05-12", raceStart.Add(35 * time.Minute), "race-flem-8", 0.5, models.MatchedFuzzy},
		{"opaque id nearest start", "evt-93jd", raceStart.Add(6 * time.Minute), "race-rand-6", 0.5, models.MatchedFuzzy},
		{"nothing within an hour", "evt-93jd", raceStart.Add(-3 * time.Hour), "", 0, models.MatchedNone},
		{"empty", "", raceStart, "", 0, models.MatchedNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.MatchRace(context.Background(), tt.identifier, tt.observed)
			if err != nil {
				t.Fatalf("MatchRace: %v", err)
			}
			if got.ID != tt.wantID || got.Confidence != tt.wantConf || got.MatchedBy != tt.wantBy {
				t.Errorf("MatchRace(%q) = %+v, want %s/%v/%s", tt.identifier, got, tt.wantID, tt.wantConf, tt.wantBy)
			}
		})
	}
}

func TestMatchRaceCompositeUsesUTCStartDate(t *testing.T) {
	// Evening race in Melbourne: local meeting date 6 Nov, UTC start 5 Nov.
	aedt := time.FixedZone("AEDT", 11*3600)
	start := time.Date(2024, 11, 6, 9, 0, 0, 0, aedt)
	l := NewStaticLookup()
	l.AddRace(models.Race{
		ID:             "race-mv-3",
		Venue:          "Moonee Valley",
		RaceNumber:     3,
		RaceDate:       time.Date(2024, 11, 6, 0, 0, 0, 0, time.UTC),
		ScheduledStart: start,
	})
	m := New(l, clock.NewFake(start))

	tests := []struct {
		name       string
		identifier string
		wantID     string
		wantConf   float64
	}{
		{"utc date matches", "moonee-valley-2024-11-05-3", "race-mv-3", 0.9},
		{"local date does not match exactly", "moonee-valley-2024-11-06-3", "race-mv-3", 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.MatchRace(context.Background(), tt.identifier, start)
			if err != nil {
				t.Fatalf("MatchRace: %v", err)
			}
			if got.ID != tt.wantID || got.Confidence != tt.wantConf {
				t.Errorf("MatchRace(%q) = %+v, want %s/%v", tt.identifier, got, tt.wantID, tt.wantConf)
			}
		})
	}
}

func TestMatchHorse(t *testing.T) {
	m := New(testLookup(), clock.NewFake(raceStart))
	tests := []struct {
		name     string
		horse    string
		wantID   string
		wantConf float64
		wantBy   models.MatchMethod
	}{
		{"exact", "Verry Elleegant", "h-verry", 1.0, models.MatchedExact},
		{"case and spacing", "  verry   ELLEEGANT ", "h-verry", 1.0, models.MatchedExact},
		{"punctuation and country", "Incentivise (NZ)", "h-incent", 1.0, models.MatchedExact},
		{"substring", "Spanish", "h-spanish", 0.7, models.MatchedFuzzy},
		{"superstring", "Spanish Mission Bay", "h-spanish", 0.7, models.MatchedFuzzy},
		{"scratched is ignored", "Twilight Payment", "", 0, models.MatchedNone},
		{"no match", "Winx", "", 0, models.MatchedNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.MatchHorse(context.Background(), tt.horse, "race-flem-7")
			if err != nil {
				t.Fatalf("MatchHorse: %v", err)
			}
			if got.ID != tt.wantID || got.Confidence != tt.wantConf || got.MatchedBy != tt.wantBy {
				t.Errorf("MatchHorse(%q) = %+v", tt.horse, got)
			}
		})
	}
}

func TestMatchBookmaker(t *testing.T) {
	m := New(testLookup(), nil)
	tests := map[string]string{
		"sportsbet": "b-sportsbet",
		"TAB":       "b-tab",
		"Sportsbet": "b-sportsbet",
		"betfair":   "",
		"":          "",
	}
	for key, want := range tests {
		got, err := m.MatchBookmaker(context.Background(), key)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("MatchBookmaker(%q) = %q, want %q", key, got, want)
		}
	}
}

type countingLookup struct {
	*StaticLookup
	entrantCalls int
	fail         bool
}

func (c *countingLookup) ActiveEntrants(ctx context.Context, raceID string) ([]models.Entrant, error) {
	c.entrantCalls++
	if c.fail {
		return nil, errors.New("connection refused")
	}
	return c.StaticLookup.ActiveEntrants(ctx, raceID)
}

func TestMatcherCachesEntrants(t *testing.T) {
	clk := clock.NewFake(raceStart)
	lookup := &countingLookup{StaticLookup: testLookup()}
	m := New(lookup, clk)
	ctx := context.Background()

	m.MatchHorse(ctx, "Verry Elleegant", "race-flem-7")
	m.MatchHorse(ctx, "Incentivise", "race-flem-7")
	if lookup.entrantCalls != 1 {
		t.Fatalf("entrant lookups = %d, want 1", lookup.entrantCalls)
	}

	clk.Advance(m.CacheTTL)
	m.MatchHorse(ctx, "Verry Elleegant", "race-flem-7")
	if lookup.entrantCalls != 2 {
		t.Fatalf("cache not expired, lookups = %d", lookup.entrantCalls)
	}

	m.Invalidate("race-flem-7")
	lookup.fail = true
	if _, err := m.MatchHorse(ctx, "Verry Elleegant", "race-flem-7"); err == nil {
		t.Fatal("expected lookup error to surface")
	}
}

func TestParseComposite(t *testing.T) {
	c, ok := ParseComposite("moonee-valley-2024-10-26-9")
	if !ok || c.VenueSlug != "moonee-valley" || c.RaceNumber != 9 || c.Date.Day() != 26 {
		t.Fatalf("ParseComposite = %+v, %v", c, ok)
	}
	for _, bad := range []string{"flemington", "flemington-2024-13-40-1", "flemington-2024-11-05-0", "-2024-11-05-1x"} {
		if _, ok := ParseComposite(bad); ok {
			t.Errorf("ParseComposite(%q) should fail", bad)
		}
	}
}

func TestLoadStaticLookup(t *testing.T) {
	fixture := `
races:
  - id: race-flem-7
    venue: Flemington
    race_number: 7
    scheduled_start: 2024-11-05T04:00:00Z
    entrants:
      - {horse_id: h-verry, name: Verry Elleegant, number: 1}
      - {horse_id: h-out, name: Scratched Horse, number: 2, scratched: true}
bookmakers:
  - {id: b-tab, slug: tab, name: TAB}
`
	path := filepath.Join(t.TempDir(), "fixtures.yaml")
	if err := os.WriteFile(path, []byte(fixture), 0o600); err != nil {
		t.Fatal(err)
	}
	l, err := LoadStaticLookup(path)
	if err != nil {
		t.Fatalf("LoadStaticLookup: %v", err)
	}
	ctx := context.Background()
	race, _ := l.FindRace(ctx, "flemington", raceStart, 7)
	if race == nil || race.ID != "race-flem-7" {
		t.Fatalf("FindRace = %+v", race)
	}
	entrants, _ := l.ActiveEntrants(ctx, "race-flem-7")
	if len(entrants) != 1 {
		t.Errorf("active entrants = %d", len(entrants))
	}
	books, _ := l.Bookmakers(ctx)
	if len(books) != 1 || books[0].ID != "b-tab" {
		t.Errorf("bookmakers = %+v", books)
	}
}
