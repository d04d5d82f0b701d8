package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/stepflow/internal/catalog"
	"github.com/wisbric/stepflow/pkg/job"
	"github.com/wisbric/stepflow/pkg/orchestrator"
)

// popTimeout is how long a single BRPOP call blocks before returning empty,
// so workers periodically re-check ctx.Done() rather than blocking forever.
const popTimeout = 5 * time.Second

// infra-fault retry policy: a non-nil error from ExecuteOneStep means
// Postgres or Redis was unavailable for that attempt, not that the job
// itself failed. These numbers mirror the Celery retry policy this runtime
// replaces: up to 10 attempts, backing off from a 3 second base.
const (
	maxInfraRetries = 10
	retryBase       = 3 * time.Second
)

// stepper is the orchestrator's contract, as seen by the worker pool.
type stepper interface {
	ExecuteOneStep(ctx context.Context, jobID uuid.UUID) (orchestrator.Result, error)
}

// jobReader is the slice of job.Store the pool needs once a step returns,
// to decide between re-enqueueing the next step or marking the job done.
type jobReader interface {
	Get(ctx context.Context, id uuid.UUID) (job.Job, error)
	SetStatus(ctx context.Context, id uuid.UUID, status job.Status) error
}

// Pool runs a fixed number of workers that pull job IDs off the priority
// queues and drive them through the orchestrator one step at a time.
type Pool struct {
	queue      *Queue
	steps      stepper
	jobs       jobReader
	catalog    *catalog.Catalog
	logger     *slog.Logger
	workers    int
	retryBase  time.Duration
	maxRetries int
}

// NewPool creates a worker pool of the given size.
func NewPool(q *Queue, steps stepper, jobs jobReader, cat *catalog.Catalog, logger *slog.Logger, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		queue: q, steps: steps, jobs: jobs, catalog: cat, logger: logger, workers: workers,
		retryBase: retryBase, maxRetries: maxInfraRetries,
	}
}

// SetRetryPolicy overrides the infra-fault retry backoff and attempt cap.
// Callers that never call it get the package defaults.
func (p *Pool) SetRetryPolicy(base time.Duration, maxRetries int) {
	p.retryBase = base
	p.maxRetries = maxRetries
}

// Run starts the pool's workers and blocks until ctx is cancelled or a
// worker returns a non-context error.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "workers", p.workers)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			return p.loop(ctx)
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		jobID, ok, err := p.queue.Dequeue(ctx, popTimeout.Seconds())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("dequeuing job", "error", err)
			continue
		}
		if !ok {
			continue
		}

		p.process(ctx, jobID)
	}
}

// process drives jobID through one step, retrying on infrastructure faults,
// and re-enqueues or completes it based on the outcome.
func (p *Pool) process(ctx context.Context, jobID uuid.UUID) {
	result, err := p.executeWithRetry(ctx, jobID)
	if err != nil {
		// Retries exhausted. The job is left exactly where it was. If it is
		// RUNNING, the stuck-job reconciler eventually notices it stopped
		// making progress and fails it with STUCK_DETECTED; a job still
		// PENDING is not among that reconciler's candidates.
		p.logger.Error("executing step after exhausting retries", "job_id", jobID, "error", err)
		return
	}

	switch {
	case result == orchestrator.ResultOK || result == orchestrator.ResultSkippedAlreadyDone:
		p.advance(ctx, jobID)
	case result == orchestrator.ResultDone, result == orchestrator.ResultFailed, result == orchestrator.ResultJobNotFound:
	case strings.HasPrefix(string(result), "STOPPED_"):
	default:
		p.logger.Warn("unrecognized step result", "job_id", jobID, "result", result)
	}
}

// advance looks at the job after a successful step: if its recipe has more
// steps left, it is pushed back onto its priority queue; otherwise it is
// marked COMPLETED directly rather than waiting for one more dequeue round.
func (p *Pool) advance(ctx context.Context, jobID uuid.UUID) {
	j, err := p.jobs.Get(ctx, jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return
	}
	if err != nil {
		p.logger.Error("reloading job after step", "job_id", jobID, "error", err)
		return
	}

	feature, ok := p.catalog.Feature(j.FeatureName)
	if !ok || j.CurrentStepIndex >= len(feature.Steps) {
		if err := p.jobs.SetStatus(ctx, jobID, job.StatusCompleted); err != nil {
			p.logger.Error("marking job completed", "job_id", jobID, "error", err)
		}
		return
	}

	if err := p.queue.Enqueue(ctx, j.Priority, jobID); err != nil {
		p.logger.Error("re-enqueueing job", "job_id", jobID, "error", err)
	}
}

// executeWithRetry calls ExecuteOneStep, retrying only on infrastructure
// errors (a non-nil error return) with exponential backoff.
func (p *Pool) executeWithRetry(ctx context.Context, jobID uuid.UUID) (orchestrator.Result, error) {
	var lastErr error
	delay := p.retryBase
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		result, err := p.steps.ExecuteOneStep(ctx, jobID)
		if err == nil {
			return result, nil
		}
		lastErr = err
		p.logger.Warn("step execution failed, retrying", "job_id", jobID, "attempt", attempt+1, "error", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", lastErr
}
