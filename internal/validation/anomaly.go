package validation

import (
	"fmt"
	"math"
	"sort"

	"github.com/Alias1177/OddsCollector/models"
)

// Severity cut-offs on the absolute percentage change.
const (
	mediumChangePercent = 30.0
	highChangePercent   = 50.0
)

// minOutlierHistory is the fewest prior observations a z-score is computed from.
const minOutlierHistory = 5

// CompareOdds flags a move from previous to current larger than thresholdPercent.
// Lengthening odds are a sudden_spike, shortening odds a sudden_drop.
func CompareOdds(previous, current, thresholdPercent float64) models.AnomalyResult {
	res := models.AnomalyResult{PreviousOdds: previous, CurrentOdds: current}
	if previous <= 0 || current <= 0 {
		return res
	}

	change := (current - previous) / previous * 100
	res.ChangePercent = change
	magnitude := math.Abs(change)
	if magnitude <= thresholdPercent {
		return res
	}

	res.IsAnomaly = true
	res.Type = models.AnomalySuddenSpike
	direction := "lengthened"
	if change < 0 {
		res.Type = models.AnomalySuddenDrop
		direction = "shortened"
	}
	res.Severity = changeSeverity(magnitude)
	res.Score = math.Min(magnitude/100, 1.0)
	res.Details = fmt.Sprintf("Odds %s from %.2f to %.2f (%.1f%%)", direction, previous, current, change)
	return res
}

func changeSeverity(magnitude float64) models.Severity {
	switch {
	case magnitude >= highChangePercent:
		return models.SeverityHigh
	case magnitude >= mediumChangePercent:
		return models.SeverityMedium
	}
	return models.SeverityLow
}

// DetectStatisticalOutlier flags current when it lies more than zThreshold
// standard deviations from the mean of history.
func DetectStatisticalOutlier(history []float64, current, zThreshold float64) models.AnomalyResult {
	res := models.AnomalyResult{CurrentOdds: current}
	if len(history) < minOutlierHistory {
		return res
	}

	mean, std := meanStd(history)
	if std == 0 {
		return res
	}

	z := (current - mean) / std
	if math.Abs(z) <= zThreshold {
		return res
	}

	res.IsAnomaly = true
	res.Type = models.AnomalyStatisticalOutlier
	res.PreviousOdds = history[len(history)-1]
	res.ChangePercent = (current - mean) / mean * 100
	res.Score = math.Min(math.Abs(z)/(2*zThreshold), 1.0)
	res.Severity = models.SeverityLow
	if math.Abs(z) >= 2*zThreshold {
		res.Severity = models.SeverityMedium
	}
	res.Details = fmt.Sprintf("Odds %.2f are %.1f standard deviations from the recent mean %.2f", current, z, mean)
	return res
}

// DetectPriceDivergence compares each bookmaker's win price for a horse to the
// median across bookmakers. Prices further than thresholdPercent from the median
// are flagged; they usually mean a stale feed or an arbitrage window.
// Horses priced by fewer than three bookmakers are skipped.
func DetectPriceDivergence(entries []models.ProcessedOdds, thresholdPercent float64) map[models.SnapshotKey]models.AnomalyResult {
	type horseKey struct{ race, horse string }
	byHorse := make(map[horseKey][]models.ProcessedOdds)
	for _, e := range entries {
		if !ValidateOdds(e.WinOdds) {
			continue
		}
		k := horseKey{e.RaceID, e.HorseID}
		byHorse[k] = append(byHorse[k], e)
	}

	out := make(map[models.SnapshotKey]models.AnomalyResult)
	for _, group := range byHorse {
		if len(group) < 3 {
			continue
		}
		prices := make([]float64, len(group))
		for i, e := range group {
			prices[i] = e.WinOdds
		}
		med := median(prices)

		for _, e := range group {
			dev := (e.WinOdds - med) / med * 100
			if math.Abs(dev) <= thresholdPercent {
				continue
			}
			out[e.Key()] = models.AnomalyResult{
				IsAnomaly:     true,
				Type:          models.AnomalyPriceDivergence,
				Severity:      changeSeverity(math.Abs(dev)),
				Score:         math.Min(math.Abs(dev)/100, 1.0),
				ChangePercent: dev,
				PreviousOdds:  med,
				CurrentOdds:   e.WinOdds,
				Details:       fmt.Sprintf("%s prices %.2f against a market median of %.2f", e.BookmakerID, e.WinOdds, med),
			}
		}
	}
	return out
}

func meanStd(values []float64) (float64, float64) {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(variance / float64(len(values)))
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
