package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/stepflow/internal/catalog"
	"github.com/wisbric/stepflow/pkg/event"
	"github.com/wisbric/stepflow/pkg/job"
	"github.com/wisbric/stepflow/pkg/limiter"
	"github.com/wisbric/stepflow/pkg/servicecall"
)

// jobStore is the slice of job.Store the orchestrator depends on. Declaring
// it as an interface (rather than importing *job.Store directly) lets tests
// substitute an in-memory fake.
type jobStore interface {
	Get(ctx context.Context, id uuid.UUID) (job.Job, error)
	SetStatus(ctx context.Context, id uuid.UUID, status job.Status) error
	Fail(ctx context.Context, id uuid.UUID, code, message string, retryable bool) error
	SetAttempts(ctx context.Context, id uuid.UUID, attemptsKey string, n int) error
	SaveStep(ctx context.Context, id uuid.UUID, stepKey string, result job.StepResult) error
	BumpStepIndex(ctx context.Context, id uuid.UUID) (int, error)
}

// leaser is the concurrency limiter's contract, as seen by the orchestrator.
type leaser interface {
	Acquire(ctx context.Context, service string, limit int, leaseTTL, waitTimeout time.Duration) (limiter.Token, bool, error)
	Release(ctx context.Context, token limiter.Token) error
}

// caller is the backend HTTP client's contract, as seen by the orchestrator.
type caller interface {
	Call(ctx context.Context, svc catalog.Service, envelope servicecall.Envelope) (*servicecall.Result, error)
}

// publisher is the event fan-out contract, as seen by the orchestrator.
type publisher interface {
	PublishWaitingForSlot(ctx context.Context, jobID, stepName string, stepIndex, totalSteps int, message string) error
	PublishStepStarted(ctx context.Context, jobID, stepName string, stepIndex, totalSteps int, message string) error
	PublishStepCompleted(ctx context.Context, jobID, stepName string, stepIndex, totalSteps int, message string) error
	PublishJobCompleted(ctx context.Context, jobID, message string) error
	PublishJobError(ctx context.Context, jobID, errorCode, message string, action event.Action) error
}

// supportNotifier is the best-effort human-alerting contract, as seen by
// the orchestrator. Wiring one is optional; an Orchestrator with none skips
// notification entirely.
type supportNotifier interface {
	NotifyContactSupport(ctx context.Context, jobID, userID, errorCode, message string)
}
