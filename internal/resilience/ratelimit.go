package resilience

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/Alias1177/OddsCollector/models"
)

// RateLimiter admits work against one provider no faster than its policy allows:
// a reservoir of MaxRequests permits refilled over Window, a minimum spacing of
// MinTime between starts and at most MaxConcurrent tasks in flight.
// Work is queued, never dropped; callers bound latency through ctx.
type RateLimiter struct {
	reservoir *rate.Limiter
	spacing   *rate.Limiter
	slots     *semaphore.Weighted
	cfg       models.RateLimitConfig

	running int64
	queued  int64
	done    int64
}

// LimiterStats is the occupancy snapshot exposed to health checks.
type LimiterStats struct {
	Running         int64   `json:"running"`
	Queued          int64   `json:"queued"`
	Completed       int64   `json:"completed"`
	AvailableTokens float64 `json:"available_tokens"`
	MaxRequests     int     `json:"max_requests"`
	Window          string  `json:"window"`
}

// NewRateLimiter creates a limiter, filling in defaults for zero fields
// (500 requests per minute, no spacing, one task at a time).
func NewRateLimiter(cfg models.RateLimitConfig) *RateLimiter {
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 500
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}

	rl := &RateLimiter{
		reservoir: rate.NewLimiter(rate.Every(cfg.Window/time.Duration(cfg.MaxRequests)), cfg.MaxRequests),
		slots:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:       cfg,
	}
	if cfg.MinTime > 0 {
		rl.spacing = rate.NewLimiter(rate.Every(cfg.MinTime), 1)
	}
	return rl
}

// Schedule runs task once a concurrency slot, a reservoir permit and the spacing
// window are all available. It returns the task's error, or ctx's error if the
// context ends while waiting.
func (rl *RateLimiter) Schedule(ctx context.Context, task func(ctx context.Context) error) error {
	atomic.AddInt64(&rl.queued, 1)
	admitted := false
	defer func() {
		if !admitted {
			atomic.AddInt64(&rl.queued, -1)
		}
	}()

	if err := rl.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for slot: %w", err)
	}
	defer rl.slots.Release(1)

	if err := rl.reservoir.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for permit: %w", err)
	}
	if rl.spacing != nil {
		if err := rl.spacing.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for spacing: %w", err)
		}
	}

	admitted = true
	atomic.AddInt64(&rl.queued, -1)
	atomic.AddInt64(&rl.running, 1)
	defer func() {
		atomic.AddInt64(&rl.running, -1)
		atomic.AddInt64(&rl.done, 1)
	}()

	return task(ctx)
}

// Stats returns the current occupancy.
func (rl *RateLimiter) Stats() LimiterStats {
	return LimiterStats{
		Running:         atomic.LoadInt64(&rl.running),
		Queued:          atomic.LoadInt64(&rl.queued),
		Completed:       atomic.LoadInt64(&rl.done),
		AvailableTokens: rl.reservoir.Tokens(),
		MaxRequests:     rl.cfg.MaxRequests,
		Window:          rl.cfg.Window.String(),
	}
}
