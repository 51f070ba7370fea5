// Package broadcast fans odds updates out to local subscribers and, through a
// Bus, to the subscribers of every other collector instance.
package broadcast

import (
	"encoding/json"
	"time"
)

// EventType tags broadcast events.
type EventType string

const (
	EventOddsUpdated EventType = "odds_updated"
	EventGlobal      EventType = "global"
)

// Event is delivered to subscribers. RaceID is empty for global events.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	RaceID    string          `json:"race_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin"`
}

// Global reports whether the event is not scoped to a race.
func (e Event) Global() bool {
	return e.RaceID == ""
}
