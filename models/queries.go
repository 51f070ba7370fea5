package models

import "time"

// HistoryQuery selects snapshots for one horse in one race. An empty
// BookmakerID means every bookmaker; zero From/To leave that end open.
type HistoryQuery struct {
	RaceID      string
	HorseID     string
	BookmakerID string
	From        time.Time
	To          time.Time
	Limit       int
}

// HourlyRollup aggregates one series over one clock hour.
type HourlyRollup struct {
	RaceID      string    `json:"race_id"`
	HorseID     string    `json:"horse_id"`
	BookmakerID string    `json:"bookmaker_id"`
	Hour        time.Time `json:"hour"`
	Open        float64   `json:"open"`
	Close       float64   `json:"close"`
	Min         float64   `json:"min"`
	Max         float64   `json:"max"`
	Avg         float64   `json:"avg"`
	Samples     int       `json:"samples"`
}
