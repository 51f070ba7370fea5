package providers

import (
	"context"
	"time"

	"github.com/Alias1177/OddsCollector/models"
)

// Client is implemented once per external odds aggregation API.
// FetchOdds returns *APIError on failure.
type Client interface {
	ID() string
	FetchOdds(ctx context.Context, req OddsRequest) (*OddsResponse, error)
	TestConnection(ctx context.Context) bool
}

// OddsRequest selects what to fetch. Zero fields mean provider defaults.
type OddsRequest struct {
	Sport   string
	Regions []string
	Markets []string
	Date    time.Time
	RaceIDs []string
}

// OddsResponse is a provider payload mapped into the common
// event -> bookmaker -> market -> outcome shape.
type OddsResponse struct {
	Provider          string    `json:"provider"`
	Events            []Event   `json:"events"`
	FetchedAt         time.Time `json:"fetched_at"`
	RemainingRequests int       `json:"remaining_requests"` // -1 when the provider does not say
}

// Event is one race as the provider sees it.
type Event struct {
	ID         string            `json:"id"`
	Venue      string            `json:"venue,omitempty"`
	RaceNumber int               `json:"race_number,omitempty"`
	StartTime  time.Time         `json:"start_time"`
	Source     models.SourceType `json:"source"`
	Bookmakers []BookmakerOdds   `json:"bookmakers"`
}

// BookmakerOdds holds one bookmaker's markets for an event.
type BookmakerOdds struct {
	Key        string    `json:"key"`
	Title      string    `json:"title"`
	LastUpdate time.Time `json:"last_update"`
	Markets    []Market  `json:"markets"`
}

// Market is a priced market, e.g. win or place.
type Market struct {
	Key        string    `json:"key"`
	LastUpdate time.Time `json:"last_update,omitempty"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Outcome is one runner's decimal price.
type Outcome struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// ProviderEvent tags an event with the provider it came from.
type ProviderEvent struct {
	Provider  string    `json:"provider"`
	FetchedAt time.Time `json:"fetched_at"`
	Event     Event     `json:"event"`
}

// Result is the outcome of one provider call. Exactly one of Response and Err is set.
type Result struct {
	Provider string        `json:"provider"`
	Response *OddsResponse `json:"response,omitempty"`
	Err      *APIError     `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (r Result) OK() bool { return r.Err == nil && r.Response != nil }
