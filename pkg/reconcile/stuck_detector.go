package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/stepflow/internal/telemetry"
	"github.com/wisbric/stepflow/pkg/event"
	"github.com/wisbric/stepflow/pkg/job"
)

const (
	codeStuckDetected = "STUCK_DETECTED"
	msgStuckDetected  = "job made no progress within the allowed window"
)

// stuckStore is the slice of job.Store a StuckDetector needs.
type stuckStore interface {
	StuckCandidates(ctx context.Context, stuckAfter time.Duration) ([]job.Job, error)
	Fail(ctx context.Context, id uuid.UUID, code, message string, retryable bool) error
}

// StuckDetector fails RUNNING jobs that have gone silent for longer than
// stuckAfter, recording a retryable STUCK_DETECTED failure on the job row
// rather than leaving them stalled forever.
type StuckDetector struct {
	jobs       stuckStore
	events     *event.Publisher
	logger     *slog.Logger
	interval   time.Duration
	stuckAfter time.Duration
}

// NewStuckDetector creates a StuckDetector that sweeps for stalled jobs once
// per interval, flagging any RUNNING job whose last progress predates
// stuckAfter.
func NewStuckDetector(jobs stuckStore, events *event.Publisher, logger *slog.Logger, interval, stuckAfter time.Duration) *StuckDetector {
	return &StuckDetector{jobs: jobs, events: events, logger: logger, interval: interval, stuckAfter: stuckAfter}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (d *StuckDetector) Run(ctx context.Context) {
	d.logger.Info("stuck job detector started", "interval", d.interval, "stuck_after", d.stuckAfter)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("stuck job detector stopped")
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *StuckDetector) tick(ctx context.Context) {
	candidates, err := d.jobs.StuckCandidates(ctx, d.stuckAfter)
	if err != nil {
		d.logger.Error("listing stuck job candidates", "error", err)
		return
	}

	for _, j := range candidates {
		d.logger.Warn("marking job stuck", "job_id", j.ID, "last_progress_at", j.LastProgressAt)

		if err := d.jobs.Fail(ctx, j.ID, codeStuckDetected, msgStuckDetected, true); err != nil {
			d.logger.Error("failing stuck job", "job_id", j.ID, "error", err)
			continue
		}
		telemetry.JobsStuckTotal.Inc()

		if err := d.events.PublishJobError(ctx, j.ID.String(), codeStuckDetected, msgStuckDetected, event.ActionRetryAvailable); err != nil {
			d.logger.Debug("publishing stuck job event", "job_id", j.ID, "error", err)
		}
	}
}
