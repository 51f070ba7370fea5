// Package scheduler drives collection runs and maintenance jobs on recurring
// schedules and on demand, with bounded retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/clock"
	"github.com/Alias1177/OddsCollector/internal/collector"
)

const (
	DefaultWorkers            = 2
	DefaultCollectAllInterval = time.Minute
	DefaultRetentionInterval  = time.Hour
	DefaultRetentionAge       = 90 * 24 * time.Hour
	DefaultRollupInterval     = 15 * time.Minute
	DefaultRollupLookback     = 2 * time.Hour
	DefaultMaxAttempts        = 3
	DefaultInitialBackoff     = 5 * time.Second
	DefaultJobTimeout         = 2 * time.Minute
)

// Runner executes one collection pass.
type Runner interface {
	Run(ctx context.Context, providerIDs []string) (collector.RunReport, error)
}

// Maintainer runs the store's maintenance jobs.
type Maintainer interface {
	PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error)
	RefreshRollups(ctx context.Context, lookback time.Duration) (int64, error)
}

// ProviderSchedule is a provider the scheduler knows about. A provider with a
// non-positive interval can only be triggered manually.
type ProviderSchedule struct {
	ID       string
	Interval time.Duration
}

// Config tunes the scheduler. Zero durations take defaults, negative interval
// durations disable that recurring job.
type Config struct {
	Workers            int
	Providers          []ProviderSchedule
	CollectAllInterval time.Duration
	RetentionInterval  time.Duration
	RetentionAge       time.Duration
	RollupInterval     time.Duration
	RollupLookback     time.Duration
	MaxAttempts        int
	InitialBackoff     time.Duration
	JobTimeout         time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.CollectAllInterval == 0 {
		c.CollectAllInterval = DefaultCollectAllInterval
	}
	if c.RetentionInterval == 0 {
		c.RetentionInterval = DefaultRetentionInterval
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = DefaultRetentionAge
	}
	if c.RollupInterval == 0 {
		c.RollupInterval = DefaultRollupInterval
	}
	if c.RollupLookback <= 0 {
		c.RollupLookback = DefaultRollupLookback
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = DefaultJobTimeout
	}
	return c
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Running      bool                  `json:"running"`
	Paused       bool                  `json:"paused"`
	Queued       int                   `json:"queued"`
	Processed    uint64                `json:"processed"`
	Succeeded    uint64                `json:"succeeded"`
	Failed       uint64                `json:"failed"`
	Retries      uint64                `json:"retries"`
	SkippedTicks uint64                `json:"skipped_ticks"`
	LastRun      map[JobKind]time.Time `json:"last_run"`
	LastError    string                `json:"last_error,omitempty"`
	LastReport   *collector.RunReport  `json:"last_report,omitempty"`
}

type Scheduler struct {
	cfg       Config
	queue     Queue
	runner    Runner
	maint     Maintainer
	observer  Observer
	clock     clock.Clock
	providers map[string]bool
	logger    zerolog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	paused  bool
	resumed chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stats   Stats
}

// New creates a scheduler. maint and observer may be nil.
func New(cfg Config, queue Queue, runner Runner, maint Maintainer, observer Observer, clk clock.Clock) *Scheduler {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	if observer == nil {
		observer = NewLogObserver()
	}
	known := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		known[p.ID] = true
	}
	resumed := make(chan struct{})
	close(resumed)
	return &Scheduler{
		cfg:       cfg,
		queue:     queue,
		runner:    runner,
		maint:     maint,
		observer:  observer,
		clock:     clk,
		providers: known,
		logger:    log.With().Str("component", "scheduler").Logger(),
		resumed:   resumed,
		stats:     Stats{LastRun: make(map[JobKind]time.Time)},
	}
}

// Start launches the recurring schedules and the workers. They run until
// Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.running {
		return errors.New("scheduler already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, p := range s.cfg.Providers {
		p := p
		if p.Interval > 0 {
			s.spawn(func() { s.every(ctx, p.Interval, JobCollectProvider, p.ID) })
		}
	}
	if s.cfg.CollectAllInterval > 0 {
		s.spawn(func() { s.every(ctx, s.cfg.CollectAllInterval, JobCollectAll, "") })
	}
	if s.maint != nil && s.cfg.RetentionInterval > 0 {
		s.spawn(func() { s.every(ctx, s.cfg.RetentionInterval, JobRetention, "") })
	}
	if s.maint != nil && s.cfg.RollupInterval > 0 {
		s.spawn(func() { s.every(ctx, s.cfg.RollupInterval, JobRollup, "") })
	}
	for i := 0; i < s.cfg.Workers; i++ {
		i := i
		s.spawn(func() { s.work(ctx, i) })
	}

	s.logger.Info().Int("workers", s.cfg.Workers).Int("providers", len(s.cfg.Providers)).Msg("Scheduler started")
	return nil
}

func (s *Scheduler) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Stop cancels the schedules and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// Pause skips recurring ticks and holds workers before their next job.
// Manually triggered jobs are still queued.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.resumed = make(chan struct{})
	s.logger.Info().Msg("Scheduler paused")
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	close(s.resumed)
	s.logger.Info().Msg("Scheduler resumed")
}

// TriggerProvider queues a collection run for one provider.
func (s *Scheduler) TriggerProvider(ctx context.Context, providerID string) (Job, error) {
	if !s.providers[providerID] {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	return s.trigger(ctx, JobCollectProvider, providerID)
}

// TriggerAll queues a collection run over every active provider.
func (s *Scheduler) TriggerAll(ctx context.Context) (Job, error) {
	return s.trigger(ctx, JobCollectAll, "")
}

func (s *Scheduler) trigger(ctx context.Context, kind JobKind, provider string) (Job, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return Job{}, ErrStopped
	}
	job := newJob(kind, provider, true, s.clock.Now())
	if err := s.queue.Push(ctx, job); err != nil {
		return Job{}, fmt.Errorf("queue %s job: %w", kind, err)
	}
	return job, nil
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	out := s.stats
	out.Running = s.running
	out.Paused = s.paused
	out.LastRun = make(map[JobKind]time.Time, len(s.stats.LastRun))
	for k, v := range s.stats.LastRun {
		out.LastRun[k] = v
	}
	s.mu.Unlock()

	if n, err := s.queue.Len(context.Background()); err == nil {
		out.Queued = n
	}
	return out
}

func (s *Scheduler) every(ctx context.Context, interval time.Duration, kind JobKind, provider string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(interval):
		}

		s.mu.Lock()
		paused := s.paused
		if paused {
			s.stats.SkippedTicks++
		}
		s.mu.Unlock()
		if paused {
			continue
		}

		job := newJob(kind, provider, false, s.clock.Now())
		if err := s.queue.Push(ctx, job); err != nil {
			s.logger.Warn().Err(err).Str("kind", string(kind)).Str("provider", provider).Msg("Failed to queue scheduled job")
		}
	}
}

func (s *Scheduler) work(ctx context.Context, worker int) {
	logger := s.logger.With().Int("worker", worker).Logger()
	for {
		if !s.waitResumed(ctx) {
			return
		}
		job, err := s.queue.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Failed to read job queue")
			select {
			case <-ctx.Done():
				return
			case <-s.clock.After(time.Second):
			}
			continue
		}
		// A job popped just before a pause waits for resume as well.
		if !s.waitResumed(ctx) {
			return
		}
		s.process(ctx, job)
	}
}

func (s *Scheduler) waitResumed(ctx context.Context) bool {
	s.mu.Lock()
	ch := s.resumed
	s.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// process runs a job with exponential backoff between attempts.
func (s *Scheduler) process(ctx context.Context, job Job) {
	start := s.clock.Now()
	attempt := 0
	var report *collector.RunReport

	op := func() error {
		attempt++
		s.observer.JobStarted(job, attempt)
		jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()

		r, err := s.execute(jobCtx, job)
		report = r
		if err != nil && errors.Is(err, ErrUnknownProvider) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.InitialBackoff
	policy.MaxElapsedTime = 0
	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.MaxAttempts-1)), ctx)

	notify := func(err error, _ time.Duration) {
		s.mu.Lock()
		s.stats.Retries++
		s.mu.Unlock()
		s.observer.JobFailed(job, attempt, err, true)
	}

	err := backoff.RetryNotifyWithTimer(op, retries, notify, &clockTimer{clk: s.clock})

	s.mu.Lock()
	s.stats.Processed++
	s.stats.LastRun[job.Kind] = s.clock.Now()
	if report != nil {
		s.stats.LastReport = report
	}
	if err != nil {
		s.stats.Failed++
		s.stats.LastError = err.Error()
	} else {
		s.stats.Succeeded++
	}
	s.mu.Unlock()

	if err != nil {
		s.observer.JobFailed(job, attempt, err, false)
		return
	}
	s.observer.JobSucceeded(job, s.clock.Now().Sub(start), report)
}

func (s *Scheduler) execute(ctx context.Context, job Job) (*collector.RunReport, error) {
	switch job.Kind {
	case JobCollectProvider:
		if !s.providers[job.Provider] {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, job.Provider)
		}
		r, err := s.runner.Run(ctx, []string{job.Provider})
		return &r, err
	case JobCollectAll:
		r, err := s.runner.Run(ctx, nil)
		return &r, err
	case JobRetention:
		if s.maint == nil {
			return nil, nil
		}
		_, err := s.maint.PurgeOlderThan(ctx, s.cfg.RetentionAge)
		return nil, err
	case JobRollup:
		if s.maint == nil {
			return nil, nil
		}
		_, err := s.maint.RefreshRollups(ctx, s.cfg.RollupLookback)
		return nil, err
	}
	return nil, backoff.Permanent(fmt.Errorf("unknown job kind %q", job.Kind))
}

// clockTimer lets backoff wait on the scheduler's clock.
type clockTimer struct {
	clk clock.Clock
	c   <-chan time.Time
}

func (t *clockTimer) Start(d time.Duration) { t.c = t.clk.After(d) }
func (t *clockTimer) Stop()                 {}
func (t *clockTimer) C() <-chan time.Time   { return t.c }
