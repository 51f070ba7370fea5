package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/clock"
	"github.com/Alias1177/OddsCollector/models"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

var (
	// ErrCircuitOpen is returned without invoking the guarded call.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrTimeout is returned when the guarded call exceeds the breaker timeout.
	ErrTimeout = errors.New("call timed out")
)

// BreakerStats is exposed to health endpoints.
type BreakerStats struct {
	Name          string     `json:"name"`
	State         State      `json:"state"`
	Failures      int        `json:"failures"`
	Successes     int        `json:"successes"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`
	NextAttempt   *time.Time `json:"next_attempt,omitempty"`
	TotalCalls    int64      `json:"total_calls"`
	TotalFailures int64      `json:"total_failures"`
	TotalRejected int64      `json:"total_rejected"`
}

// CircuitBreaker isolates one provider. CLOSED -> OPEN after FailureThreshold
// failures, OPEN -> HALF_OPEN once ResetTimeout has elapsed, HALF_OPEN -> CLOSED
// after SuccessThreshold successes or straight back to OPEN on any failure.
type CircuitBreaker struct {
	name   string
	cfg    models.BreakerConfig
	clock  clock.Clock
	logger zerolog.Logger

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	probing       bool
	lastFailure   time.Time
	nextAttempt   time.Time
	totalCalls    int64
	totalFailures int64
	totalRejected int64

	onStateChange func(name string, from, to State)
}

// NewCircuitBreaker creates a CLOSED breaker. Zero config fields get defaults:
// 5 failures, 2 successes, 10s call timeout, 60s reset timeout.
func NewCircuitBreaker(name string, cfg models.BreakerConfig, clk clock.Clock) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &CircuitBreaker{
		name:   name,
		cfg:    cfg,
		clock:  clk,
		state:  StateClosed,
		logger: log.With().Str("component", "circuit_breaker").Str("provider", name).Logger(),
	}
}

// OnStateChange registers a hook invoked after every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn through the breaker with the configured timeout.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	counted, err := cb.call(ctx, fn)
	cb.record(err, counted)
	return err
}

// Allow reports whether a call made now would be admitted, without changing state.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		return !cb.clock.Now().Before(cb.nextAttempt)
	case StateHalfOpen:
		return !cb.probing
	}
	return true
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a copy of the breaker counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := BreakerStats{
		Name:          cb.name,
		State:         cb.state,
		Failures:      cb.failures,
		Successes:     cb.successes,
		TotalCalls:    cb.totalCalls,
		TotalFailures: cb.totalFailures,
		TotalRejected: cb.totalRejected,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		stats.LastFailure = &t
	}
	if cb.state == StateOpen {
		t := cb.nextAttempt
		stats.NextAttempt = &t
	}
	return stats
}

// Reset forces the breaker CLOSED with zeroed counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.probing = false
	cb.lastFailure = time.Time{}
	cb.nextAttempt = time.Time{}
	hook := cb.onStateChange
	cb.mu.Unlock()

	cb.logger.Info().Str("from", string(from)).Msg("Circuit breaker reset")
	if hook != nil && from != StateClosed {
		hook(cb.name, from, StateClosed)
	}
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	var transition func()

	switch cb.state {
	case StateOpen:
		if cb.clock.Now().Before(cb.nextAttempt) {
			cb.totalRejected++
			next := cb.nextAttempt
			cb.mu.Unlock()
			return fmt.Errorf("%s: %w until %s", cb.name, ErrCircuitOpen, next.Format(time.RFC3339))
		}
		transition = cb.setStateLocked(StateHalfOpen)
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			cb.totalRejected++
			cb.mu.Unlock()
			return fmt.Errorf("%s: %w (probe in flight)", cb.name, ErrCircuitOpen)
		}
		cb.probing = true
	}
	cb.totalCalls++
	cb.mu.Unlock()

	if transition != nil {
		transition()
	}
	return nil
}

// call runs fn under the timeout. counted is false when the caller's own
// context ended, which says nothing about the provider's health.
func (cb *CircuitBreaker) call(ctx context.Context, fn func(ctx context.Context) error) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, cb.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("%s: panic: %v", cb.name, p)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return false, err
		}
		return true, err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, fmt.Errorf("%s: %w after %s", cb.name, ErrTimeout, cb.cfg.Timeout)
	}
}

func (cb *CircuitBreaker) record(err error, counted bool) {
	cb.mu.Lock()
	wasProbe := cb.state == StateHalfOpen
	if wasProbe {
		cb.probing = false
	}
	if !counted {
		cb.mu.Unlock()
		return
	}

	var transition func()
	if err == nil {
		transition = cb.onSuccessLocked()
	} else {
		transition = cb.onFailureLocked()
	}
	cb.mu.Unlock()

	if transition != nil {
		transition()
	}
}

func (cb *CircuitBreaker) onSuccessLocked() func() {
	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.SuccessThreshold {
			cb.failures = 0
			cb.successes = 0
			return cb.setStateLocked(StateClosed)
		}
	default:
		cb.failures = 0
	}
	return nil
}

func (cb *CircuitBreaker) onFailureLocked() func() {
	now := cb.clock.Now()
	cb.totalFailures++

	if cb.state == StateHalfOpen {
		cb.lastFailure = now
		return cb.openLocked(now)
	}

	if cb.cfg.MonitoringPeriod > 0 && !cb.lastFailure.IsZero() && now.Sub(cb.lastFailure) > cb.cfg.MonitoringPeriod {
		cb.failures = 0
	}
	cb.failures++
	cb.lastFailure = now

	if cb.failures >= cb.cfg.FailureThreshold {
		return cb.openLocked(now)
	}
	return nil
}

func (cb *CircuitBreaker) openLocked(now time.Time) func() {
	cb.nextAttempt = now.Add(cb.cfg.ResetTimeout)
	cb.successes = 0
	return cb.setStateLocked(StateOpen)
}

// setStateLocked changes state and returns the notification to run once the
// lock is released.
func (cb *CircuitBreaker) setStateLocked(to State) func() {
	from := cb.state
	cb.state = to
	hook := cb.onStateChange
	failures := cb.failures
	next := cb.nextAttempt

	return func() {
		evt := cb.logger.Info()
		if to == StateOpen {
			evt = cb.logger.Warn().Time("next_attempt", next)
		}
		evt.Str("from", string(from)).Str("to", string(to)).Int("failures", failures).Msg("Circuit breaker state change")
		if hook != nil {
			hook(cb.name, from, to)
		}
	}
}
