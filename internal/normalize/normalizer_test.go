package normalize

import (
	"testing"
	"time"

	"github.com/Alias1177/OddsCollector/internal/providers"
	"github.com/Alias1177/OddsCollector/models"
)

func testEvent() providers.ProviderEvent {
	start := time.Date(2024, 11, 5, 4, 0, 0, 0, time.UTC)
	updated := start.Add(-5 * time.Minute)
	return providers.ProviderEvent{
		Provider:  "oddsapi",
		FetchedAt: updated.Add(time.Minute),
		Event: providers.Event{
			ID:         "evt-1",
			Venue:      "Flemington",
			RaceNumber: 7,
			StartTime:  start,
			Bookmakers: []providers.BookmakerOdds{
				{
					Key:        "sportsbet",
					Title:      "Sportsbet",
					LastUpdate: updated,
					Markets: []providers.Market{
						{Key: "win", Outcomes: []providers.Outcome{{Name: "Verry Elleegant", Price: 2.5}, {Name: "Incentivise", Price: 3.2}}},
						{Key: "place", Outcomes: []providers.Outcome{{Name: "Verry Elleegant (NZ)", Price: 1.4}}},
					},
				},
				{Key: "", Markets: []providers.Market{{Key: "win", Outcomes: []providers.Outcome{{Name: "Ghost", Price: 9}}}}},
			},
		},
	}
}

func TestNormalizeFlattensWinMarket(t *testing.T) {
	recs := New(Options{}).Normalize(testEvent())
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	r := recs[0]
	if r.RaceIdentifier != "flemington-2024-11-05-7" {
		t.Errorf("race identifier = %q", r.RaceIdentifier)
	}
	if r.HorseName != "Verry Elleegant" || r.WinOdds != 2.5 || r.Market != "win" {
		t.Errorf("record = %+v", r)
	}
	if r.PlaceOdds == nil || *r.PlaceOdds != 1.4 {
		t.Errorf("place odds not merged: %v", r.PlaceOdds)
	}
	if recs[1].PlaceOdds != nil {
		t.Errorf("unexpected place odds for Incentivise")
	}
	if r.Source != models.SourceAPI || r.ProviderID != "oddsapi" || r.BookmakerKey != "sportsbet" {
		t.Errorf("metadata = %+v", r)
	}
	if !r.ObservedAt.Equal(time.Date(2024, 11, 5, 3, 55, 0, 0, time.UTC)) {
		t.Errorf("observed at = %v", r.ObservedAt)
	}
}

func TestNormalizeConfiguredMarkets(t *testing.T) {
	recs := New(Options{Markets: []string{"win", "PLACE"}}).Normalize(testEvent())
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if recs[2].Market != "place" || recs[2].WinOdds != 1.4 {
		t.Errorf("place record = %+v", recs[2])
	}
}

func TestRaceIdentifierUsesUTCDate(t *testing.T) {
	aedt := time.FixedZone("AEDT", 11*3600)
	tests := []struct {
		name  string
		start time.Time
		want  string
	}{
		{"utc start", time.Date(2024, 11, 5, 4, 0, 0, 0, time.UTC), "flemington-2024-11-05-7"},
		{"local afternoon same utc day", time.Date(2024, 11, 5, 15, 0, 0, 0, aedt), "flemington-2024-11-05-7"},
		{"local morning previous utc day", time.Date(2024, 11, 6, 9, 0, 0, 0, aedt), "flemington-2024-11-05-7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := providers.Event{ID: "evt-1", Venue: "Flemington", RaceNumber: 7, StartTime: tt.start}
			if got := RaceIdentifier(ev); got != tt.want {
				t.Errorf("RaceIdentifier = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRaceIdentifierFallsBackToEventID(t *testing.T) {
	if got := RaceIdentifier(providers.Event{ID: "abc123", Venue: "Randwick"}); got != "abc123" {
		t.Errorf("RaceIdentifier = %q", got)
	}
	if got := Slug("Moonee Valley"); got != "moonee-valley" {
		t.Errorf("Slug = %q", got)
	}
}
