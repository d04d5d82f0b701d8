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

// promoteStore is the slice of job.Store a PriorityPromoter needs.
type promoteStore interface {
	PromotionCandidates(ctx context.Context, lowToMedium, mediumToHigh time.Duration) ([]job.Job, error)
	PromoteJob(ctx context.Context, id uuid.UUID, newPriority job.Priority) error
}

// promoteQueue is the slice of queue.Queue a PriorityPromoter needs.
type promoteQueue interface {
	Enqueue(ctx context.Context, priority job.Priority, jobID uuid.UUID) error
}

// PriorityPromoter raises the scheduling class of jobs that have waited too
// long in a lower queue, so aging work eventually displaces a steady stream
// of fresh high-priority submissions.
type PriorityPromoter struct {
	jobs         promoteStore
	queue        promoteQueue
	events       *event.Publisher
	logger       *slog.Logger
	interval     time.Duration
	lowToMedium  time.Duration
	mediumToHigh time.Duration
}

// NewPriorityPromoter creates a PriorityPromoter that sweeps once per
// interval, promoting low jobs to medium after lowToMedium and medium jobs
// (that never started as high) to high after mediumToHigh.
func NewPriorityPromoter(jobs promoteStore, q promoteQueue, events *event.Publisher, logger *slog.Logger, interval, lowToMedium, mediumToHigh time.Duration) *PriorityPromoter {
	return &PriorityPromoter{
		jobs: jobs, queue: q, events: events, logger: logger,
		interval: interval, lowToMedium: lowToMedium, mediumToHigh: mediumToHigh,
	}
}

// Run blocks, sweeping every interval until ctx is cancelled.
func (p *PriorityPromoter) Run(ctx context.Context) {
	p.logger.Info("priority promoter started", "interval", p.interval,
		"low_to_medium", p.lowToMedium, "medium_to_high", p.mediumToHigh)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("priority promoter stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *PriorityPromoter) tick(ctx context.Context) {
	candidates, err := p.jobs.PromotionCandidates(ctx, p.lowToMedium, p.mediumToHigh)
	if err != nil {
		p.logger.Error("listing promotion candidates", "error", err)
		return
	}

	for _, j := range candidates {
		newPriority := nextPriority(j.Priority)
		if newPriority == "" {
			continue
		}

		if err := p.jobs.PromoteJob(ctx, j.ID, newPriority); err != nil {
			p.logger.Error("promoting job", "job_id", j.ID, "error", err)
			continue
		}
		telemetry.JobsPromotedTotal.WithLabelValues(string(newPriority)).Inc()

		p.logger.Info("promoted job", "job_id", j.ID, "from_priority", j.Priority, "to_priority", newPriority)

		if err := p.events.PublishJobPromoted(ctx, j.ID.String(), string(j.Priority), string(newPriority),
			"job priority raised after waiting too long"); err != nil {
			p.logger.Debug("publishing promotion event", "job_id", j.ID, "error", err)
		}

		if j.Status == job.StatusPending {
			if err := p.queue.Enqueue(ctx, newPriority, j.ID); err != nil {
				p.logger.Error("re-enqueueing promoted job", "job_id", j.ID, "error", err)
			}
		}
	}
}

func nextPriority(p job.Priority) job.Priority {
	switch p {
	case job.PriorityLow:
		return job.PriorityMedium
	case job.PriorityMedium:
		return job.PriorityHigh
	default:
		return ""
	}
}
