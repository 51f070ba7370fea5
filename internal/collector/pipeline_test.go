package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Alias1177/OddsCollector/internal/alert"
	"github.com/Alias1177/OddsCollector/internal/clock"
	"github.com/Alias1177/OddsCollector/internal/matching"
	"github.com/Alias1177/OddsCollector/internal/providers"
	"github.com/Alias1177/OddsCollector/internal/store"
	"github.com/Alias1177/OddsCollector/internal/validation"
	"github.com/Alias1177/OddsCollector/models"
)

var cupDay = time.Date(2024, 11, 5, 3, 30, 0, 0, time.UTC)

type fakeFetcher struct {
	mu      sync.Mutex
	active  []string
	results map[string]providers.Result
	asked   [][]string
}

func (f *fakeFetcher) ActiveProviders() []string { return f.active }

func (f *fakeFetcher) FetchFrom(_ context.Context, ids []string, _ providers.OddsRequest) map[string]providers.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, ids)
	out := make(map[string]providers.Result, len(ids))
	for _, id := range ids {
		out[id] = f.results[id]
	}
	return out
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Alert(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recordingAlerter) kinds() map[alert.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[alert.Kind]int{}
	for _, a := range r.alerts {
		out[a.Kind]++
	}
	return out
}

func cupLookup() *matching.StaticLookup {
	l := matching.NewStaticLookup()
	l.AddRace(models.Race{ID: "race-fl-7", Venue: "Flemington", RaceNumber: 7, ScheduledStart: cupDay.Add(30 * time.Minute)})
	l.AddEntrant(models.Entrant{RaceID: "race-fl-7", HorseID: "h-verry", HorseName: "Verry Elleegant", Number: 1})
	l.AddEntrant(models.Entrant{RaceID: "race-fl-7", HorseID: "h-gold", HorseName: "Gold Trip", Number: 2})
	l.AddEntrant(models.Entrant{RaceID: "race-fl-7", HorseID: "h-out", HorseName: "Scratched Runner", Number: 3, Scratched: true})
	l.AddBookmaker(models.Bookmaker{ID: "b-tab", Slug: "tab", Name: "TAB"})
	l.AddBookmaker(models.Bookmaker{ID: "b-sb", Slug: "sportsbet", Name: "Sportsbet"})
	return l
}

func cupEvent(books ...providers.BookmakerOdds) providers.Event {
	return providers.Event{
		ID:         "evt-1",
		Venue:      "Flemington",
		RaceNumber: 7,
		StartTime:  cupDay.Add(30 * time.Minute),
		Source:     models.SourceAPI,
		Bookmakers: books,
	}
}

func winBook(key, title string, observed time.Time, prices map[string]float64) providers.BookmakerOdds {
	m := providers.Market{Key: "win", LastUpdate: observed}
	for name, price := range prices {
		m.Outcomes = append(m.Outcomes, providers.Outcome{Name: name, Price: price})
	}
	return providers.BookmakerOdds{Key: key, Title: title, LastUpdate: observed, Markets: []providers.Market{m}}
}

func okResult(id string, events ...providers.Event) providers.Result {
	return providers.Result{Provider: id, Response: &providers.OddsResponse{Provider: id, Events: events}, Duration: 120 * time.Millisecond}
}

type harness struct {
	clk      *clock.Fake
	fetcher  *fakeFetcher
	repo     *store.MemoryRepository
	alerter  *recordingAlerter
	pipeline *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(cupDay)
	repo := store.NewMemoryRepository()
	odds := store.New(repo, nil, clk, store.Options{})
	h := &harness{
		clk:     clk,
		fetcher: &fakeFetcher{results: map[string]providers.Result{}},
		repo:    repo,
		alerter: &recordingAlerter{},
	}
	p, err := New(Config{
		Fetcher:   h.fetcher,
		Matcher:   matching.New(cupLookup(), clk),
		Validator: validation.New(validation.DefaultConfig(), odds, clk),
		Writer:    odds,
		Alerter:   h.alerter,
		Clock:     clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.pipeline = p
	return h
}

func TestRunStoresMatchedOdds(t *testing.T) {
	h := newHarness(t)
	h.fetcher.active = []string{"oddsapi", "betfeed"}
	h.fetcher.results["oddsapi"] = okResult("oddsapi", cupEvent(
		winBook("tab", "TAB", cupDay, map[string]float64{"Verry Elleegant": 2.50, "Gold Trip": 1.60, "Unknown Horse": 9.0}),
		winBook("bet365", "Bet365", cupDay, map[string]float64{"Verry Elleegant": 2.60}),
	))
	h.fetcher.results["betfeed"] = providers.Result{
		Provider: "betfeed",
		Err:      providers.NewAPIError("betfeed", providers.CodeServerError, "upstream unavailable"),
	}

	ctx := context.Background()
	report, err := h.pipeline.Run(ctx, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !report.Providers["oddsapi"].Success || report.Providers["oddsapi"].Events != 1 {
		t.Errorf("oddsapi run = %+v", report.Providers["oddsapi"])
	}
	if bf := report.Providers["betfeed"]; bf.Success || bf.Code != string(providers.CodeServerError) {
		t.Errorf("betfeed run = %+v", bf)
	}
	if failed := report.Failed(); len(failed) != 1 || failed[0] != "betfeed" {
		t.Errorf("Failed() = %v", failed)
	}
	if report.Normalized != 4 || report.Matched != 2 || report.Dropped != 2 {
		t.Errorf("normalized=%d matched=%d dropped=%d, want 4/2/2", report.Normalized, report.Matched, report.Dropped)
	}
	if report.Stored != 2 || report.Invalid != 0 || report.MarketIssues != 0 {
		t.Errorf("stored=%d invalid=%d market=%d", report.Stored, report.Invalid, report.MarketIssues)
	}
	if len(report.Races) != 1 || report.Races[0] != "race-fl-7" {
		t.Errorf("races = %v", report.Races)
	}

	latest, err := h.repo.LatestSnapshot(ctx, models.SnapshotKey{RaceID: "race-fl-7", HorseID: "h-verry", BookmakerID: "b-tab"})
	if err != nil || latest == nil {
		t.Fatalf("LatestSnapshot = %v, %v", latest, err)
	}
	if latest.WinOdds != 2.50 {
		t.Errorf("WinOdds = %v, want 2.50", latest.WinOdds)
	}
	if latest.MatchConfidence != matching.ConfidenceComposite {
		t.Errorf("MatchConfidence = %v, want %v", latest.MatchConfidence, matching.ConfidenceComposite)
	}
	if latest.ProviderID != "oddsapi" || latest.Source != models.SourceAPI {
		t.Errorf("snapshot provenance = %s/%s", latest.ProviderID, latest.Source)
	}

	// The same observation collected again is a duplicate.
	again, err := h.pipeline.Run(ctx, []string{"oddsapi"})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if again.Stored != 0 || again.Duplicates != 2 {
		t.Errorf("second run stored=%d duplicates=%d, want 0/2", again.Stored, again.Duplicates)
	}
	if got := h.fetcher.asked[1]; len(got) != 1 || got[0] != "oddsapi" {
		t.Errorf("second run asked %v", got)
	}
}

func TestRunFlagsAnomaliesWithoutBlockingStorage(t *testing.T) {
	h := newHarness(t)
	h.fetcher.active = []string{"oddsapi"}
	ctx := context.Background()

	h.fetcher.results["oddsapi"] = okResult("oddsapi", cupEvent(
		winBook("tab", "TAB", cupDay, map[string]float64{"Verry Elleegant": 4.00, "Gold Trip": 1.25}),
	))
	first, err := h.pipeline.Run(ctx, nil)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Stored != 2 || first.Anomalies != 0 || first.MarketIssues != 0 {
		t.Fatalf("first run = %+v", first)
	}

	later := cupDay.Add(5 * time.Minute)
	h.clk.Set(later)
	h.fetcher.results["oddsapi"] = okResult("oddsapi", cupEvent(
		winBook("tab", "TAB", later, map[string]float64{"Verry Elleegant": 8.50, "Gold Trip": 1.25}),
	))
	second, err := h.pipeline.Run(ctx, nil)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Anomalies != 1 {
		t.Errorf("anomalies = %d, want 1", second.Anomalies)
	}
	if second.MarketIssues != 1 {
		t.Errorf("market issues = %d, want 1 (book under 100%%)", second.MarketIssues)
	}
	if second.Stored != 2 {
		t.Errorf("stored = %d, want 2", second.Stored)
	}

	kinds := h.alerter.kinds()
	if kinds[alert.KindAnomaly] != 1 || kinds[alert.KindMarket] != 1 {
		t.Errorf("alerts by kind = %v", kinds)
	}
}

func TestRunFuzzyHorseMatch(t *testing.T) {
	h := newHarness(t)
	h.fetcher.active = []string{"oddsapi"}
	h.fetcher.results["oddsapi"] = okResult("oddsapi", cupEvent(
		winBook("Sportsbet-AU", "Sportsbet", cupDay, map[string]float64{"Verry Elleegant (NZ)": 2.5, "Gold Trip Ire": 1.8}),
	))

	report, err := h.pipeline.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Matched != 2 || report.FuzzyMatches != 1 {
		t.Fatalf("matched=%d fuzzy=%d, want 2/1", report.Matched, report.FuzzyMatches)
	}

	snap, _ := h.repo.LatestSnapshot(context.Background(), models.SnapshotKey{RaceID: "race-fl-7", HorseID: "h-gold", BookmakerID: "b-sb"})
	if snap == nil {
		t.Fatal("fuzzy match was not stored under the bookmaker resolved by title")
	}
	if snap.MatchConfidence != matching.ConfidenceSubstring {
		t.Errorf("MatchConfidence = %v, want %v", snap.MatchConfidence, matching.ConfidenceSubstring)
	}
}

type failingWriter struct{}

func (failingWriter) StoreSnapshots(context.Context, []models.ProcessedOdds) (store.StoreResult, error) {
	return store.StoreResult{}, errors.New("connection refused")
}

func TestRunStorageFailureFailsRun(t *testing.T) {
	clk := clock.NewFake(cupDay)
	fetcher := &fakeFetcher{
		active: []string{"oddsapi"},
		results: map[string]providers.Result{
			"oddsapi": okResult("oddsapi", cupEvent(winBook("tab", "TAB", cupDay, map[string]float64{"Verry Elleegant": 2.5}))),
		},
	}
	p, err := New(Config{
		Fetcher:   fetcher,
		Matcher:   matching.New(cupLookup(), clk),
		Validator: validation.New(validation.DefaultConfig(), nil, clk),
		Writer:    failingWriter{},
		Clock:     clk,
	})
	if err != nil {
		t.Fatal(err)
	}

	report, err := p.Run(context.Background(), nil)
	if err == nil {
		t.Fatal("expected storage error")
	}
	if report.Matched != 1 {
		t.Errorf("report should keep stage counts, matched = %d", report.Matched)
	}
}

func TestRunWithoutProviders(t *testing.T) {
	h := newHarness(t)
	report, err := h.pipeline.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.fetcher.asked) != 0 || report.Normalized != 0 {
		t.Errorf("run without active providers fetched %v", h.fetcher.asked)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New with empty config should fail")
	}
}
