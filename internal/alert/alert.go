// Package alert sends operator notifications for anomalies, broken markets
// and providers whose circuit opened.
package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/resilience"
	"github.com/Alias1177/OddsCollector/models"
)

type Kind string

const (
	KindAnomaly Kind = "anomaly"
	KindMarket  Kind = "market"
	KindBreaker Kind = "breaker"
)

// Alert is one notification.
type Alert struct {
	Kind     Kind
	Severity models.Severity
	Title    string
	Message  string
	Fields   map[string]string
	At       time.Time
}

// Text renders the alert as plain text.
func (a Alert) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s\n", strings.ToUpper(string(a.Severity)), a.Title)
	if a.Message != "" {
		sb.WriteString(a.Message)
		sb.WriteString("\n")
	}
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, a.Fields[k])
	}
	if !a.At.IsZero() {
		sb.WriteString(a.At.UTC().Format(time.RFC3339))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// ParseSeverity accepts low, medium or high in any case.
func ParseSeverity(s string) (models.Severity, error) {
	sev := models.Severity(strings.ToLower(strings.TrimSpace(s)))
	if sev.Rank() == 0 {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Gate forwards alerts at or above a minimum severity.
type Gate struct {
	next Alerter
	min  models.Severity
}

func NewGate(next Alerter, min models.Severity) *Gate {
	if min.Rank() == 0 {
		min = models.SeverityHigh
	}
	return &Gate{next: next, min: min}
}

func (g *Gate) Alert(ctx context.Context, a Alert) error {
	if a.Severity.Rank() < g.min.Rank() {
		return nil
	}
	return g.next.Alert(ctx, a)
}

// Multi fans an alert out to several alerters.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, al := range m {
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogAlerter writes alerts to the log.
type LogAlerter struct {
	logger zerolog.Logger
}

func NewLogAlerter() *LogAlerter {
	return &LogAlerter{logger: log.With().Str("component", "alert").Logger()}
}

func (l *LogAlerter) Alert(_ context.Context, a Alert) error {
	ev := l.logger.Warn()
	if a.Severity == models.SeverityHigh {
		ev = l.logger.Error()
	}
	ev = ev.Str("kind", string(a.Kind)).Str("severity", string(a.Severity))
	for k, v := range a.Fields {
		ev = ev.Str(k, v)
	}
	ev.Msg(a.Title)
	return nil
}

// AnomalyAlert describes an anomalous price for one series.
func AnomalyAlert(key models.SnapshotKey, r models.AnomalyResult, at time.Time) Alert {
	return Alert{
		Kind:     KindAnomaly,
		Severity: r.Severity,
		Title:    fmt.Sprintf("Odds anomaly: %s", r.Type),
		Message:  r.Details,
		Fields: map[string]string{
			"race_id":      key.RaceID,
			"horse_id":     key.HorseID,
			"bookmaker_id": key.BookmakerID,
			"odds":         fmt.Sprintf("%.2f", r.CurrentOdds),
		},
		At: at,
	}
}

// MarketAlert reports a book whose implied probabilities are out of bounds.
// A book under 100% is high severity, an over-wide one is low.
func MarketAlert(raceID, bookmakerID string, res models.ValidationResult, at time.Time) Alert {
	sev := models.SeverityLow
	if !res.Valid {
		sev = models.SeverityHigh
	}
	return Alert{
		Kind:     KindMarket,
		Severity: sev,
		Title:    "Implied probability out of range",
		Message:  res.String(),
		Fields: map[string]string{
			"race_id":      raceID,
			"bookmaker_id": bookmakerID,
			"total":        fmt.Sprintf("%.2f%%", res.TotalImpliedProbability),
		},
		At: at,
	}
}

// BreakerAlert reports a circuit state change. Only opening is high severity.
func BreakerAlert(provider string, from, to resilience.State, at time.Time) Alert {
	sev := models.SeverityLow
	if to == resilience.StateOpen {
		sev = models.SeverityHigh
	}
	return Alert{
		Kind:     KindBreaker,
		Severity: sev,
		Title:    fmt.Sprintf("Provider %s circuit %s", provider, to),
		Fields: map[string]string{
			"provider": provider,
			"from":     string(from),
			"to":       string(to),
		},
		At: at,
	}
}
