package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alias1177/OddsCollector/models"
)

func TestRateLimiterEnforcesMinSpacing(t *testing.T) {
	rl := NewRateLimiter(models.RateLimitConfig{
		MaxRequests:   100,
		Window:        time.Second,
		MinTime:       30 * time.Millisecond,
		MaxConcurrent: 1,
	})

	var starts []time.Time
	for i := 0; i < 3; i++ {
		err := rl.Schedule(context.Background(), func(ctx context.Context) error {
			starts = append(starts, time.Now())
			return nil
		})
		if err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}

	for i := 1; i < len(starts); i++ {
		if gap := starts[i].Sub(starts[i-1]); gap < 25*time.Millisecond {
			t.Errorf("gap %d = %s, want >= ~30ms", i, gap)
		}
	}
}

func TestRateLimiterBoundsConcurrency(t *testing.T) {
	rl := NewRateLimiter(models.RateLimitConfig{MaxRequests: 100, Window: time.Second, MaxConcurrent: 2})

	var inFlight, peak int64
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rl.Schedule(context.Background(), func(ctx context.Context) error {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	if stats := rl.Stats(); stats.Completed != 6 || stats.Running != 0 || stats.Queued != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRateLimiterQueuesBeyondReservoir(t *testing.T) {
	rl := NewRateLimiter(models.RateLimitConfig{MaxRequests: 2, Window: 100 * time.Millisecond, MaxConcurrent: 4})

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Schedule(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	// the third task waits for one refill interval (window / max requests)
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("elapsed = %s, third task was not delayed", elapsed)
	}
}

func TestRateLimiterHonoursContext(t *testing.T) {
	rl := NewRateLimiter(models.RateLimitConfig{MaxRequests: 1, Window: time.Hour})
	rl.Schedule(context.Background(), func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ran := false
	err := rl.Schedule(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err == nil || ran {
		t.Fatalf("expected the task to be held back, err=%v ran=%v", err, ran)
	}
}
