// Package orchestrator implements the step state machine: one invocation
// advances exactly one job by exactly one step.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/stepflow/internal/catalog"
	"github.com/wisbric/stepflow/internal/telemetry"
	"github.com/wisbric/stepflow/pkg/event"
	"github.com/wisbric/stepflow/pkg/job"
	"github.com/wisbric/stepflow/pkg/servicecall"
)

// Result is the short status string execute_one_step returns; the task
// runtime adapter branches on this value to decide whether to re-enqueue.
type Result string

const (
	ResultOK                 Result = "OK"
	ResultDone               Result = "DONE"
	ResultSkippedAlreadyDone Result = "SKIPPED_ALREADY_DONE"
	ResultFailed             Result = "FAILED"
	ResultJobNotFound        Result = "JOB_NOT_FOUND"
)

// Stopped builds the STOPPED_{status} result for a terminal job encountered
// at the top of the state machine.
func Stopped(status job.Status) Result {
	return Result("STOPPED_" + string(status))
}

// Business error codes the orchestrator raises itself (as opposed to codes
// surfaced from a backend service call).
const (
	errInvalidFeature    = "INVALID_FEATURE"
	errMaxStepAttempts   = "MAX_STEP_ATTEMPTS"
	errResourceExhausted = "RESOURCE_EXHAUSTED"
	errLoopDetected      = "LOOP_DETECTED"
)

// Orchestrator runs the step state machine against durable storage, the
// concurrency limiter, and the backend HTTP client.
type Orchestrator struct {
	jobs    jobStore
	catalog *catalog.Catalog
	limiter leaser
	calls   caller
	events  publisher
	notify  supportNotifier
	logger  *slog.Logger
}

// New creates an Orchestrator wired to its dependencies. jobs, lim, calls,
// and events are ordinarily *job.Store, *limiter.Limiter,
// *servicecall.Client, and *event.Publisher respectively.
func New(jobs jobStore, cat *catalog.Catalog, lim leaser, calls caller, events publisher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{jobs: jobs, catalog: cat, limiter: lim, calls: calls, events: events, logger: logger}
}

// SetSupportNotifier wires an optional best-effort notifier that is told
// about every business failure whose action is CONTACT_SUPPORT. Leaving it
// unset is safe; notification is skipped entirely.
func (o *Orchestrator) SetSupportNotifier(n supportNotifier) {
	o.notify = n
}

// ExecuteOneStep advances jobID by exactly one step. A non-nil error means
// an infrastructure failure (DB or KV unavailable): the caller must retry
// the whole invocation rather than treat the job as failed. Business-level
// failures are reported via the Result value with a nil error.
func (o *Orchestrator) ExecuteOneStep(ctx context.Context, jobID uuid.UUID) (Result, error) {
	ctx, span := telemetry.Tracer("orchestrator").Start(ctx, "stepflow.step")
	defer span.End()

	j, err := o.jobs.Get(ctx, jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ResultJobNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("loading job %s: %w", jobID, err)
	}

	if j.Status == job.StatusCancelled || j.Status == job.StatusCompleted {
		return Stopped(j.Status), nil
	}

	feature, ok := o.catalog.Feature(j.FeatureName)
	if !ok {
		return o.failBusiness(ctx, jobID, j.UserID, errInvalidFeature, fmt.Sprintf("unknown feature %s", j.FeatureName), false, event.ActionContactSupport)
	}
	recipe := feature.Steps
	totalSteps := len(recipe)

	if j.CurrentStepIndex >= totalSteps {
		if err := o.jobs.SetStatus(ctx, jobID, job.StatusCompleted); err != nil {
			return "", fmt.Errorf("marking job %s completed: %w", jobID, err)
		}
		if err := o.events.PublishJobCompleted(ctx, jobID.String(), "Job completed"); err != nil {
			o.logger.Warn("publishing job completed event", "job_id", jobID, "error", err)
		}
		return ResultDone, nil
	}

	stepIndex := j.CurrentStepIndex
	serviceName := recipe[stepIndex]
	svc, ok := o.catalog.Service(serviceName)
	if !ok {
		// The catalog guarantees every recipe step names a configured
		// service at load time; this would mean the catalog changed
		// underneath a running process.
		return o.failBusiness(ctx, jobID, j.UserID, errInvalidFeature, fmt.Sprintf("service %s no longer configured", serviceName), false, event.ActionContactSupport)
	}

	stepKey := job.StepKey(stepIndex, serviceName)
	attemptsKey := job.AttemptsKey(stepKey)

	existing, exists, err := j.Context.StepResult(stepKey)
	if err != nil {
		return "", fmt.Errorf("reading step result for job %s: %w", jobID, err)
	}
	if exists && existing.Status == job.StepSuccess {
		newIndex, err := o.jobs.BumpStepIndex(ctx, jobID)
		if err != nil {
			return "", fmt.Errorf("bumping step index for job %s: %w", jobID, err)
		}
		if newIndex <= stepIndex {
			return o.failBusiness(ctx, jobID, j.UserID, errLoopDetected, "step index did not advance", true, event.ActionRetryAvailable)
		}
		return ResultSkippedAlreadyDone, nil
	}

	attempts := j.Context.Attempts(attemptsKey)
	if attempts >= svc.MaxStepAttempts {
		return o.failBusiness(ctx, jobID, j.UserID, errMaxStepAttempts, fmt.Sprintf("exceeded attempts for %s", stepKey), false, event.ActionContactSupport)
	}

	if err := o.events.PublishWaitingForSlot(ctx, jobID.String(), serviceName, stepIndex, totalSteps, "Waiting for capacity..."); err != nil {
		o.logger.Warn("publishing waiting-for-slot event", "job_id", jobID, "error", err)
	}

	token, granted, err := o.limiter.Acquire(ctx, serviceName, svc.Limit, svc.LeaseTTL(), svc.Timeout())
	if err != nil {
		return "", fmt.Errorf("acquiring lease for job %s: %w", jobID, err)
	}
	if !granted {
		return o.failBusiness(ctx, jobID, j.UserID, errResourceExhausted,
			fmt.Sprintf("semaphore timeout after %ds", svc.TimeoutSeconds), true, event.ActionRetryAvailable)
	}

	result, err := o.runStep(ctx, jobID, j, stepIndex, stepKey, attemptsKey, attempts, serviceName, svc, totalSteps)

	// Lease release runs regardless of outcome; it uses a detached context
	// so cancellation of the step's context never strands a lease.
	releaseCtx := context.WithoutCancel(ctx)
	if relErr := o.limiter.Release(releaseCtx, token); relErr != nil {
		o.logger.Warn("releasing lease", "job_id", jobID, "service", serviceName, "error", relErr)
	}

	return result, err
}

// runStep executes the inner body of the state machine once a lease has
// been granted: bump attempts, call the backend, and persist the outcome.
func (o *Orchestrator) runStep(ctx context.Context, jobID uuid.UUID, j job.Job, stepIndex int, stepKey, attemptsKey string, attempts int, serviceName string, svc catalog.Service, totalSteps int) (Result, error) {
	if err := o.jobs.SetAttempts(ctx, jobID, attemptsKey, attempts+1); err != nil {
		return "", fmt.Errorf("recording attempt for job %s: %w", jobID, err)
	}
	if err := o.jobs.SetStatus(ctx, jobID, job.StatusRunning); err != nil {
		return "", fmt.Errorf("marking job %s running: %w", jobID, err)
	}
	if err := o.events.PublishStepStarted(ctx, jobID.String(), serviceName, stepIndex, totalSteps, fmt.Sprintf("Running %s...", serviceName)); err != nil {
		o.logger.Warn("publishing step-started event", "job_id", jobID, "error", err)
	}

	ctxRaw, err := json.Marshal(j.Context)
	if err != nil {
		return "", fmt.Errorf("encoding job context for job %s: %w", jobID, err)
	}
	envelope := servicecall.Envelope{
		Meta: servicecall.Meta{
			JobID:       jobID.String(),
			StepIndex:   stepIndex,
			ServiceName: serviceName,
			Attempt:     attempts + 1,
			Timestamp:   float64(time.Now().Unix()),
		},
		Payload: servicecall.Payload{
			Params:  j.Context.Params(),
			Context: ctxRaw,
		},
	}

	start := time.Now()
	out, callErr := o.calls.Call(ctx, svc, envelope)
	execMS := time.Since(start).Milliseconds()

	if callErr != nil {
		var svcErr *servicecall.Error
		if errors.As(callErr, &svcErr) {
			action := event.ActionRetryAvailable
			if !svcErr.Retryable {
				action = event.ActionContactSupport
			}
			return o.failBusiness(ctx, jobID, j.UserID, svcErr.Code, svcErr.Message, svcErr.Retryable, action)
		}
		// Anything else from the HTTP client layer (context cancellation
		// aside) is treated as an infrastructure fault for the caller to
		// retry, not a business failure of the job.
		return "", fmt.Errorf("calling service %s for job %s: %w", serviceName, jobID, callErr)
	}

	metrics := mergeExecutionTime(out.Metrics, execMS)
	stepResult := job.StepResult{
		Status:    job.StepSuccess,
		Data:      out.Data,
		Metrics:   metrics,
		Timestamp: float64(time.Now().Unix()),
	}
	if err := o.jobs.SaveStep(ctx, jobID, stepKey, stepResult); err != nil {
		return "", fmt.Errorf("saving step result for job %s: %w", jobID, err)
	}

	newIndex, err := o.jobs.BumpStepIndex(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("bumping step index for job %s: %w", jobID, err)
	}
	if newIndex <= stepIndex {
		return o.failBusiness(ctx, jobID, j.UserID, errLoopDetected, "step index did not advance", true, event.ActionRetryAvailable)
	}

	if err := o.events.PublishStepCompleted(ctx, jobID.String(), serviceName, stepIndex, totalSteps, fmt.Sprintf("Completed %s", serviceName)); err != nil {
		o.logger.Warn("publishing step-completed event", "job_id", jobID, "error", err)
	}
	return ResultOK, nil
}

// failBusiness persists a business-level failure onto the job row, publishes
// the corresponding error event, and returns ResultFailed.
func (o *Orchestrator) failBusiness(ctx context.Context, jobID uuid.UUID, userID, code, message string, retryable bool, action event.Action) (Result, error) {
	if err := o.jobs.Fail(ctx, jobID, code, message, retryable); err != nil {
		return "", fmt.Errorf("failing job %s: %w", jobID, err)
	}
	if err := o.events.PublishJobError(ctx, jobID.String(), code, message, action); err != nil {
		o.logger.Warn("publishing job error event", "job_id", jobID, "error", err)
	}
	if action == event.ActionContactSupport && o.notify != nil {
		o.notify.NotifyContactSupport(ctx, jobID.String(), userID, code, message)
	}
	return ResultFailed, nil
}

func mergeExecutionTime(metrics json.RawMessage, execMS int64) json.RawMessage {
	m := map[string]json.RawMessage{}
	if len(metrics) > 0 {
		_ = json.Unmarshal(metrics, &m)
	}
	m["execution_time_ms"], _ = json.Marshal(execMS)
	out, err := json.Marshal(m)
	if err != nil {
		return metrics
	}
	return out
}
