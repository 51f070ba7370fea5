package models

import (
	"fmt"
	"strings"
	"time"
)

// Odds bounds accepted anywhere in the pipeline.
const (
	MinOdds = 1.01
	MaxOdds = 1000.0
)

// SourceType tells where an observation came from.
type SourceType string

const (
	SourceAPI     SourceType = "api"
	SourceScraper SourceType = "scraper"
)

// AuthType is the transport-level authentication a provider expects.
type AuthType string

const (
	AuthAPIKey AuthType = "api_key"
	AuthOAuth  AuthType = "oauth"
	AuthBasic  AuthType = "basic"
)

// AuthConfig holds provider credentials. Only the fields relevant to Type are used.
type AuthConfig struct {
	Type         AuthType `yaml:"type"`
	APIKey       string   `yaml:"api_key"`
	APIKeyParam  string   `yaml:"api_key_param"`
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scope        string   `yaml:"scope"`
}

// RateLimitConfig bounds request volume against one provider.
type RateLimitConfig struct {
	MaxRequests   int           `yaml:"max_requests"`
	Window        time.Duration `yaml:"window"`
	MinTime       time.Duration `yaml:"min_time"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// BreakerConfig tunes the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	MonitoringPeriod time.Duration `yaml:"monitoring_period"`
}

// ProviderConfig describes one external odds source. It is immutable once the
// provider is registered.
type ProviderConfig struct {
	ID           string          `yaml:"id"`
	Name         string          `yaml:"name"`
	Kind         string          `yaml:"kind"`
	BaseURL      string          `yaml:"base_url"`
	Auth         AuthConfig      `yaml:"auth"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Breaker      BreakerConfig   `yaml:"breaker"`
	PollInterval time.Duration   `yaml:"poll_interval"`
	Regions      []string        `yaml:"regions"`
	Enabled      bool            `yaml:"enabled"`
}

// NormalizedOdds is one flat provider observation before entity resolution.
type NormalizedOdds struct {
	ProviderID     string     `json:"provider_id"`
	RaceIdentifier string     `json:"race_identifier"`
	HorseName      string     `json:"horse_name"`
	BookmakerKey   string     `json:"bookmaker_key"`
	BookmakerTitle string     `json:"bookmaker_title,omitempty"`
	WinOdds        float64    `json:"win_odds"`
	PlaceOdds      *float64   `json:"place_odds,omitempty"`
	Market         string     `json:"market"`
	ObservedAt     time.Time  `json:"observed_at"`
	Source         SourceType `json:"source"`
}

// MatchMethod records how an external identifier was resolved.
type MatchMethod string

const (
	MatchedExact MatchMethod = "exact"
	MatchedFuzzy MatchMethod = "fuzzy"
	MatchedNone  MatchMethod = "none"
)

// MatchResult is the outcome of resolving one external identifier.
type MatchResult struct {
	ID         string      `json:"id,omitempty"`
	Confidence float64     `json:"confidence"`
	MatchedBy  MatchMethod `json:"matched_by"`
}

// Matched reports whether a canonical id was found.
func (m MatchResult) Matched() bool {
	return m.ID != "" && m.Confidence > 0
}

// NoMatch is the zero-confidence result.
func NoMatch() MatchResult {
	return MatchResult{Confidence: 0, MatchedBy: MatchedNone}
}

// SnapshotKey identifies one odds series.
type SnapshotKey struct {
	RaceID      string `json:"race_id"`
	HorseID     string `json:"horse_id"`
	BookmakerID string `json:"bookmaker_id"`
}

func (k SnapshotKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.RaceID, k.HorseID, k.BookmakerID)
}

// ProcessedOdds is a NormalizedOdds whose race, horse and bookmaker have been
// resolved to canonical ids. It is only built by the matching stage.
type ProcessedOdds struct {
	RaceID          string      `json:"race_id"`
	HorseID         string      `json:"horse_id"`
	BookmakerID     string      `json:"bookmaker_id"`
	Market          string      `json:"market"`
	WinOdds         float64     `json:"win_odds"`
	PlaceOdds       *float64    `json:"place_odds,omitempty"`
	ObservedAt      time.Time   `json:"observed_at"`
	Source          SourceType  `json:"source"`
	ProviderID      string      `json:"provider_id"`
	MatchConfidence float64     `json:"match_confidence"`
	RaceMatchedBy   MatchMethod `json:"race_matched_by"`
	HorseMatchedBy  MatchMethod `json:"horse_matched_by"`
}

func (p ProcessedOdds) Key() SnapshotKey {
	return SnapshotKey{RaceID: p.RaceID, HorseID: p.HorseID, BookmakerID: p.BookmakerID}
}

// OddsSnapshot is the durable, append-only unit of the odds time series.
type OddsSnapshot struct {
	ID              int64      `json:"id,omitempty"`
	RaceID          string     `json:"race_id"`
	HorseID         string     `json:"horse_id"`
	BookmakerID     string     `json:"bookmaker_id"`
	Market          string     `json:"market"`
	WinOdds         float64    `json:"win_odds"`
	PlaceOdds       *float64   `json:"place_odds,omitempty"`
	ObservedAt      time.Time  `json:"observed_at"`
	Source          SourceType `json:"source"`
	ProviderID      string     `json:"provider_id,omitempty"`
	MatchConfidence float64    `json:"match_confidence"`
}

func (s OddsSnapshot) Key() SnapshotKey {
	return SnapshotKey{RaceID: s.RaceID, HorseID: s.HorseID, BookmakerID: s.BookmakerID}
}

// SnapshotFromProcessed builds the row written for a validated record.
func SnapshotFromProcessed(p ProcessedOdds) OddsSnapshot {
	return OddsSnapshot{
		RaceID:          p.RaceID,
		HorseID:         p.HorseID,
		BookmakerID:     p.BookmakerID,
		Market:          p.Market,
		WinOdds:         p.WinOdds,
		PlaceOdds:       p.PlaceOdds,
		ObservedAt:      p.ObservedAt,
		Source:          p.Source,
		ProviderID:      p.ProviderID,
		MatchConfidence: p.MatchConfidence,
	}
}

// ValidationResult collects problems found for one record or one market.
// Errors block storage, warnings do not.
type ValidationResult struct {
	Valid                   bool     `json:"valid"`
	Errors                  []string `json:"errors,omitempty"`
	Warnings                []string `json:"warnings,omitempty"`
	TotalImpliedProbability float64  `json:"total_implied_probability,omitempty"`
}

func (v *ValidationResult) AddError(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
	v.Valid = false
}

func (v *ValidationResult) AddWarning(format string, args ...interface{}) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}

func (v ValidationResult) String() string {
	parts := append([]string{}, v.Errors...)
	parts = append(parts, v.Warnings...)
	return strings.Join(parts, "; ")
}

// AnomalyType classifies advisory anomalies.
type AnomalyType string

const (
	AnomalySuddenSpike        AnomalyType = "sudden_spike"
	AnomalySuddenDrop         AnomalyType = "sudden_drop"
	AnomalyStatisticalOutlier AnomalyType = "statistical_outlier"
	AnomalyPriceDivergence    AnomalyType = "price_divergence"
)

// Severity grades anomalies and alerts.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

// AnomalyResult contains information about an odds anomaly
type AnomalyResult struct {
	IsAnomaly     bool        `json:"is_anomaly"`
	Type          AnomalyType `json:"type,omitempty"`
	Severity      Severity    `json:"severity,omitempty"`
	Score         float64     `json:"score"` // 0-1
	ChangePercent float64     `json:"change_percent,omitempty"`
	PreviousOdds  float64     `json:"previous_odds,omitempty"`
	CurrentOdds   float64     `json:"current_odds"`
	Details       string      `json:"details,omitempty"`
}

// Race is the canonical race record owned by the race management service.
type Race struct {
	ID             string    `json:"id"`
	Venue          string    `json:"venue"`
	RaceDate       time.Time `json:"race_date"`
	RaceNumber     int       `json:"race_number"`
	ScheduledStart time.Time `json:"scheduled_start"`
	Status         string    `json:"status"`
}

// Entrant is a horse entered in a race.
type Entrant struct {
	RaceID    string `json:"race_id"`
	HorseID   string `json:"horse_id"`
	HorseName string `json:"horse_name"`
	Number    int    `json:"number"`
	Scratched bool   `json:"scratched"`
}

// Bookmaker is the canonical bookmaker record.
type Bookmaker struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}
