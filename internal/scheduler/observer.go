package scheduler

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Alias1177/OddsCollector/internal/collector"
)

// Observer is notified about job progress.
type Observer interface {
	JobStarted(job Job, attempt int)
	JobSucceeded(job Job, d time.Duration, report *collector.RunReport)
	JobFailed(job Job, attempt int, err error, willRetry bool)
}

// LogObserver logs job progress.
type LogObserver struct {
	logger zerolog.Logger
}

func NewLogObserver() *LogObserver {
	return &LogObserver{logger: log.With().Str("component", "scheduler").Logger()}
}

func (o *LogObserver) JobStarted(job Job, attempt int) {
	o.logger.Debug().Str("job_id", job.ID).Str("kind", string(job.Kind)).Str("provider", job.Provider).
		Int("attempt", attempt).Msg("Job started")
}

func (o *LogObserver) JobSucceeded(job Job, d time.Duration, report *collector.RunReport) {
	ev := o.logger.Info().Str("job_id", job.ID).Str("kind", string(job.Kind)).Str("provider", job.Provider).Dur("duration", d)
	if report != nil {
		ev = ev.Int("stored", report.Stored).Strs("failed_providers", report.Failed())
	}
	ev.Msg("Job completed")
}

func (o *LogObserver) JobFailed(job Job, attempt int, err error, willRetry bool) {
	ev := o.logger.Warn()
	if !willRetry {
		ev = o.logger.Error()
	}
	ev.Err(err).Str("job_id", job.ID).Str("kind", string(job.Kind)).Str("provider", job.Provider).
		Int("attempt", attempt).Bool("retry", willRetry).Msg("Job failed")
}
