package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/clock"
)

// Bus carries events between collector instances.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	// Subscribe returns events published by any instance, including this one.
	// The channel is closed when ctx ends or the bus is closed.
	Subscribe(ctx context.Context) (<-chan Event, error)
	Close() error
}

// Broadcaster delivers events to the local hub and mirrors them on the bus.
// Each instance tags its events with its own origin id and skips them when
// they come back from the bus.
type Broadcaster struct {
	hub    *Hub
	bus    Bus
	origin string
	clk    clock.Clock
	logger zerolog.Logger
}

// New creates a broadcaster. bus may be nil for a single-instance deployment.
func New(hub *Hub, bus Bus, clk clock.Clock) *Broadcaster {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Broadcaster{
		hub:    hub,
		bus:    bus,
		origin: uuid.NewString(),
		clk:    clk,
		logger: log.With().Str("component", "broadcaster").Logger(),
	}
}

// Hub returns the local hub.
func (b *Broadcaster) Hub() *Hub {
	return b.hub
}

// Origin is this instance's id.
func (b *Broadcaster) Origin() string {
	return b.origin
}

// PublishRace sends an odds update for one race.
func (b *Broadcaster) PublishRace(ctx context.Context, raceID string, payload interface{}) error {
	if raceID == "" {
		return fmt.Errorf("publish race: empty race id")
	}
	return b.publish(ctx, EventOddsUpdated, raceID, payload)
}

// PublishGlobal sends an event to every global subscriber.
func (b *Broadcaster) PublishGlobal(ctx context.Context, payload interface{}) error {
	return b.publish(ctx, EventGlobal, "", payload)
}

func (b *Broadcaster) publish(ctx context.Context, typ EventType, raceID string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		RaceID:    raceID,
		Payload:   data,
		Timestamp: b.clk.Now().UTC(),
		Origin:    b.origin,
	}

	n := b.hub.Deliver(ev)
	b.logger.Debug().Str("race_id", raceID).Str("type", string(typ)).Int("subscribers", n).Msg("Event delivered locally")

	if b.bus == nil {
		return nil
	}
	if err := b.bus.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish %s to bus: %w", typ, err)
	}
	return nil
}

// Start consumes the bus until ctx ends. It returns immediately without a bus.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.bus == nil {
		return nil
	}
	events, err := b.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to bus: %w", err)
	}
	b.logger.Info().Str("origin", b.origin).Msg("Consuming broadcast bus")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Origin == b.origin {
				continue
			}
			b.hub.Deliver(ev)
		}
	}
}
