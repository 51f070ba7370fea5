package validation

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Alias1177/OddsCollector/internal/clock"
	"github.com/Alias1177/OddsCollector/models"
)

var now = time.Date(2024, 11, 5, 3, 55, 0, 0, time.UTC)

type fakeHistory struct {
	latest map[models.SnapshotKey]*models.OddsSnapshot
	recent map[models.SnapshotKey][]float64
	err    error
}

func (f *fakeHistory) LatestSnapshot(ctx context.Context, key models.SnapshotKey) (*models.OddsSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.latest[key], nil
}

func (f *fakeHistory) RecentWinOdds(ctx context.Context, key models.SnapshotKey, limit int) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.recent[key], nil
}

func processed(horse, book string, win float64) models.ProcessedOdds {
	return models.ProcessedOdds{
		RaceID:      "race-flem-7",
		HorseID:     horse,
		BookmakerID: book,
		Market:      "win",
		WinOdds:     win,
		ObservedAt:  now,
		Source:      models.SourceAPI,
	}
}

func ptr(f float64) *float64 { return &f }

func TestValidateOddsRange(t *testing.T) {
	tests := []struct {
		odds float64
		want bool
	}{
		{1.0, false},
		{1.009, false},
		{1.01, true},
		{2.5, true},
		{999.99, true},
		{1000, true},
		{1000.01, false},
		{-3, false},
		{math.NaN(), false},
		{math.Inf(1), false},
	}
	for _, tt := range tests {
		if got := ValidateOdds(tt.odds); got != tt.want {
			t.Errorf("ValidateOdds(%v) = %v, want %v", tt.odds, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	v := New(Config{}, nil, clock.NewFake(now))

	tests := []struct {
		name         string
		mutate       func(p *models.ProcessedOdds)
		wantValid    bool
		wantWarnings int
	}{
		{"clean record", func(p *models.ProcessedOdds) {}, true, 0},
		{"win odds too low", func(p *models.ProcessedOdds) { p.WinOdds = 1.0 }, false, 0},
		{"win odds too high", func(p *models.ProcessedOdds) { p.WinOdds = 1500 }, false, 0},
		{"place odds out of range", func(p *models.ProcessedOdds) { p.PlaceOdds = ptr(0.5) }, false, 0},
		{"place above win warns", func(p *models.ProcessedOdds) { p.PlaceOdds = ptr(3.0) }, true, 1},
		{"missing timestamp", func(p *models.ProcessedOdds) { p.ObservedAt = time.Time{} }, false, 0},
		{"slightly ahead is fine", func(p *models.ProcessedOdds) { p.ObservedAt = now.Add(4 * time.Minute) }, true, 0},
		{"far future warns", func(p *models.ProcessedOdds) { p.ObservedAt = now.Add(10 * time.Minute) }, true, 1},
		{"unresolved bookmaker", func(p *models.ProcessedOdds) { p.BookmakerID = "" }, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := processed("h-verry", "b-tab", 2.5)
			p.PlaceOdds = ptr(1.4)
			tt.mutate(&p)
			res := v.Validate(p)
			if res.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v (%s)", res.Valid, tt.wantValid, res.String())
			}
			if len(res.Warnings) != tt.wantWarnings {
				t.Errorf("warnings = %v", res.Warnings)
			}
		})
	}
}

func TestValidateImpliedProbabilities(t *testing.T) {
	v := New(Config{}, nil, nil)

	book := func(odds ...float64) []models.ProcessedOdds {
		var out []models.ProcessedOdds
		for i, o := range odds {
			out = append(out, processed(string(rune('a'+i)), "b-tab", o))
		}
		return out
	}

	t.Run("negative margin is an error", func(t *testing.T) {
		// 25 + 20 + 16 + 16 + 15 = 92%
		res := v.ValidateImpliedProbabilities("race-flem-7", "b-tab", book(4.0, 5.0, 6.25, 6.25, 100.0/15))
		if res.Valid {
			t.Fatal("expected an error for a 92% book")
		}
		if math.Abs(res.TotalImpliedProbability-92) > 0.01 {
			t.Errorf("total = %.3f", res.TotalImpliedProbability)
		}
	})

	t.Run("typical margin passes", func(t *testing.T) {
		res := v.ValidateImpliedProbabilities("race-flem-7", "b-tab", book(2.0, 3.0, 5.0, 10.0))
		if !res.Valid || len(res.Warnings) != 0 {
			t.Errorf("unexpected result: %s", res.String())
		}
	})

	t.Run("excessive margin warns", func(t *testing.T) {
		res := v.ValidateImpliedProbabilities("race-flem-7", "b-tab", book(1.5, 1.5, 2.0))
		if !res.Valid || len(res.Warnings) != 1 {
			t.Errorf("expected a warning only: %s", res.String())
		}
	})
}

func TestValidateMarketsGroupsByBook(t *testing.T) {
	v := New(Config{}, nil, nil)
	entries := []models.ProcessedOdds{
		processed("a", "b-tab", 2.0), processed("b", "b-tab", 2.0), processed("c", "b-tab", 5.0),
		processed("a", "b-sb", 4.0), processed("b", "b-sb", 4.0),
		processed("a", "b-lone", 2.0),
	}
	checks := v.ValidateMarkets(entries)
	if len(checks) != 2 {
		t.Fatalf("checks = %d, want 2", len(checks))
	}
	if checks[0].BookmakerID != "b-tab" || !checks[0].Result.Valid {
		t.Errorf("tab check = %+v", checks[0])
	}
	if checks[1].BookmakerID != "b-sb" || checks[1].Result.Valid {
		t.Errorf("sportsbet 50%% book should fail: %+v", checks[1])
	}
}

func TestFilterValid(t *testing.T) {
	v := New(Config{}, nil, clock.NewFake(now))
	entries := []models.ProcessedOdds{
		processed("a", "b-tab", 2.5),
		processed("b", "b-tab", 0.9),
		processed("c", "b-tab", 12),
	}
	valid, rejected := v.FilterValid(entries)
	if len(valid) != 2 || len(rejected) != 1 || rejected[0].Odds.HorseID != "b" {
		t.Fatalf("valid=%d rejected=%+v", len(valid), rejected)
	}

	results := v.ValidateBatch(entries)
	if results[entries[1].Key()].Valid || !results[entries[0].Key()].Valid {
		t.Errorf("batch results = %+v", results)
	}
}

func TestCompareOdds(t *testing.T) {
	tests := []struct {
		name     string
		prev     float64
		cur      float64
		anomaly  bool
		typ      models.AnomalyType
		severity models.Severity
	}{
		{"spike 4.00 to 8.50", 4.0, 8.5, true, models.AnomalySuddenSpike, models.SeverityHigh},
		{"within threshold", 4.0, 4.6, false, "", ""},
		{"low drift out", 4.0, 4.9, true, models.AnomalySuddenSpike, models.SeverityLow},
		{"medium drop", 10.0, 6.5, true, models.AnomalySuddenDrop, models.SeverityMedium},
		{"high drop", 10.0, 4.0, true, models.AnomalySuddenDrop, models.SeverityHigh},
		{"no previous", 0, 3.0, false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := CompareOdds(tt.prev, tt.cur, 20)
			if res.IsAnomaly != tt.anomaly || res.Type != tt.typ || res.Severity != tt.severity {
				t.Errorf("CompareOdds(%v, %v) = %+v", tt.prev, tt.cur, res)
			}
		})
	}
	if res := CompareOdds(4.0, 8.5, 20); math.Abs(res.ChangePercent-112.5) > 1e-9 {
		t.Errorf("change percent = %v", res.ChangePercent)
	}
}

func TestDetectAnomalousChangeUsesLatestSnapshot(t *testing.T) {
	p := processed("h-verry", "b-tab", 8.5)
	history := &fakeHistory{latest: map[models.SnapshotKey]*models.OddsSnapshot{
		p.Key(): {RaceID: p.RaceID, HorseID: p.HorseID, BookmakerID: p.BookmakerID, WinOdds: 4.0},
	}}
	v := New(Config{}, history, nil)

	res, err := v.DetectAnomalousChange(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsAnomaly || res.Type != models.AnomalySuddenSpike || res.Severity != models.SeverityHigh {
		t.Errorf("result = %+v", res)
	}

	res, err = v.DetectAnomalousChange(context.Background(), processed("h-new", "b-tab", 8.5))
	if err != nil || res.IsAnomaly {
		t.Errorf("first observation flagged: %+v, %v", res, err)
	}

	history.err = errors.New("db down")
	if _, err := v.DetectAnomalousChange(context.Background(), p); err == nil {
		t.Error("expected history error")
	}
}

func TestDetectStatisticalOutlier(t *testing.T) {
	steady := []float64{5.0, 5.1, 4.9, 5.0, 5.2, 4.8, 5.0}
	if res := DetectStatisticalOutlier(steady, 5.1, 3); res.IsAnomaly {
		t.Errorf("normal price flagged: %+v", res)
	}
	res := DetectStatisticalOutlier(steady, 7.0, 3)
	if !res.IsAnomaly || res.Type != models.AnomalyStatisticalOutlier {
		t.Errorf("outlier missed: %+v", res)
	}
	if res := DetectStatisticalOutlier(steady[:3], 50, 3); res.IsAnomaly {
		t.Error("flagged with too little history")
	}
	if res := DetectStatisticalOutlier([]float64{5, 5, 5, 5, 5}, 9, 3); res.IsAnomaly {
		t.Error("flagged against a flat history")
	}
}

func TestDetectPriceDivergence(t *testing.T) {
	entries := []models.ProcessedOdds{
		processed("h-verry", "b-tab", 2.5),
		processed("h-verry", "b-sb", 2.6),
		processed("h-verry", "b-lad", 2.55),
		processed("h-verry", "b-stale", 4.2),
		processed("h-incent", "b-tab", 3.0),
		processed("h-incent", "b-sb", 9.0),
	}
	out := DetectPriceDivergence(entries, 25)
	if len(out) != 1 {
		t.Fatalf("flagged %d, want 1: %+v", len(out), out)
	}
	res, ok := out[entries[3].Key()]
	if !ok || res.Type != models.AnomalyPriceDivergence || res.Severity != models.SeverityHigh {
		t.Errorf("stale bookmaker result = %+v", res)
	}
}

func TestDetectAnomaliesBatchKeepsMostSevere(t *testing.T) {
	spike := processed("h-verry", "b-tab", 8.5)
	calm := processed("h-incent", "b-tab", 3.0)
	history := &fakeHistory{
		latest: map[models.SnapshotKey]*models.OddsSnapshot{
			spike.Key(): {WinOdds: 4.0},
			calm.Key():  {WinOdds: 3.05},
		},
		recent: map[models.SnapshotKey][]float64{
			spike.Key(): {4.0, 4.1, 3.9, 4.0, 4.05, 3.95},
		},
	}
	v := New(Config{}, history, nil)

	out, err := v.DetectAnomaliesBatch(context.Background(), []models.ProcessedOdds{spike, calm})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("anomalies = %d", len(out))
	}
	got := out[spike.Key()].Result
	if got.Type != models.AnomalySuddenSpike || got.Severity != models.SeverityHigh {
		t.Errorf("kept %+v", got)
	}
}
