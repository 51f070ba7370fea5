package broadcast

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 64

// Subscription receives events for the races it follows and, optionally, the
// global feed. A subscriber that lets its buffer fill up is dropped: its
// channel is closed and Dropped reports true.
type Subscription struct {
	ID string

	hub     *Hub
	ch      chan Event
	races   map[string]struct{}
	global  bool
	closed  bool
	dropped bool
}

// Events is closed after Unsubscribe or when the hub drops the subscriber.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Follow adds a race to the subscription.
func (s *Subscription) Follow(raceID string) {
	s.hub.follow(s, raceID)
}

// Unfollow removes a race from the subscription.
func (s *Subscription) Unfollow(raceID string) {
	s.hub.unfollow(s, raceID)
}

// FollowGlobal subscribes to non-race events as well.
func (s *Subscription) FollowGlobal() {
	s.hub.followGlobal(s)
}

// Races lists the followed race ids.
func (s *Subscription) Races() []string {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	out := make([]string, 0, len(s.races))
	for id := range s.races {
		out = append(out, id)
	}
	return out
}

// Dropped reports whether the hub removed the subscriber for being too slow.
func (s *Subscription) Dropped() bool {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	return s.dropped
}

// Unsubscribe removes the subscription from every topic. Safe to call twice.
func (s *Subscription) Unsubscribe() {
	s.hub.remove(s, false)
}

// Hub keeps the local subscription index.
type Hub struct {
	mu     sync.RWMutex
	races  map[string]map[*Subscription]struct{}
	global map[*Subscription]struct{}
	subs   map[*Subscription]struct{}
	buffer int
	logger zerolog.Logger
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		races:  make(map[string]map[*Subscription]struct{}),
		global: make(map[*Subscription]struct{}),
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
		logger: log.With().Str("component", "broadcast_hub").Logger(),
	}
}

// Subscribe registers a subscriber following the given races.
func (h *Hub) Subscribe(raceIDs ...string) *Subscription {
	s := &Subscription{
		ID:    uuid.NewString(),
		hub:   h,
		ch:    make(chan Event, h.buffer),
		races: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	for _, id := range raceIDs {
		h.follow(s, id)
	}
	return s
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// RaceSubscribers returns the number of subscriptions following raceID.
func (h *Hub) RaceSubscribers(raceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.races[raceID])
}

// Deliver hands ev to every matching subscriber without blocking and returns
// how many received it.
func (h *Hub) Deliver(ev Event) int {
	h.mu.RLock()
	var targets map[*Subscription]struct{}
	if ev.Global() {
		targets = h.global
	} else {
		targets = h.races[ev.RaceID]
	}
	recipients := make([]*Subscription, 0, len(targets))
	for s := range targets {
		recipients = append(recipients, s)
	}
	h.mu.RUnlock()

	sent := 0
	var slow []*Subscription
	for _, s := range recipients {
		if h.trySend(s, ev) {
			sent++
		} else {
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		h.logger.Warn().Str("subscriber", s.ID).Str("race_id", ev.RaceID).Msg("Subscriber buffer full, dropping")
		h.remove(s, true)
	}
	return sent
}

func (h *Hub) trySend(s *Subscription, ev Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (h *Hub) follow(s *Subscription, raceID string) {
	if raceID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	set, ok := h.races[raceID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.races[raceID] = set
	}
	set[s] = struct{}{}
	s.races[raceID] = struct{}{}
}

func (h *Hub) unfollow(s *Subscription, raceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unfollowLocked(s, raceID)
}

func (h *Hub) unfollowLocked(s *Subscription, raceID string) {
	delete(s.races, raceID)
	if set, ok := h.races[raceID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.races, raceID)
		}
	}
}

func (h *Hub) followGlobal(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	s.global = true
	h.global[s] = struct{}{}
}

func (h *Hub) remove(s *Subscription, dropped bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return
	}
	for id := range s.races {
		h.unfollowLocked(s, id)
	}
	delete(h.global, s)
	delete(h.subs, s)
	s.closed = true
	s.dropped = dropped
	close(s.ch)
}
