// Package job owns the Job aggregate: its durable row shape, the context
// bag steps write into, and the Postgres-backed Store that mutates it.
package job

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusFailed    Status = "FAILED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Priority is the scheduling class a job is queued under.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is one of the three recognized priority classes.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// StepStatus is the completion state persisted for a single step payload.
type StepStatus string

// StepSuccess is the only step status the orchestrator ever persists;
// failures live on the job row itself rather than in the context bag.
const StepSuccess StepStatus = "SUCCESS"

// StepResult is the context[step_{i}_{service}] payload for a completed step.
type StepResult struct {
	Status    StepStatus      `json:"status"`
	Data      json.RawMessage `json:"data"`
	Metrics   json.RawMessage `json:"metrics,omitempty"`
	Timestamp float64         `json:"timestamp"`
}

// Job is the durable row describing one pipeline run.
type Job struct {
	ID                uuid.UUID
	FeatureName       string
	Status            Status
	CurrentStepIndex  int
	Context           Context
	ErrorCode         *string
	ErrorLog          *string
	Retryable         *bool
	Priority          Priority
	OriginalPriority  Priority
	UserID            string
	QueuedAt          float64
	PromotedAt        *float64
	CreatedAt         float64
	UpdatedAt         float64
	LastProgressAt    float64
}

// StepKey is the context key under which a completed step's payload lives.
func StepKey(index int, service string) string {
	return fmt.Sprintf("step_%d_%s", index, service)
}

// AttemptsKey is the context key tracking attempts made at a given step.
func AttemptsKey(stepKey string) string {
	return stepKey + "__attempts"
}

// Context is the free-form key/value bag the orchestrator reads and writes
// per step; it round-trips through the jobs.context JSONB column.
type Context map[string]json.RawMessage

// StepResult unmarshals the payload stored at stepKey, if present.
func (c Context) StepResult(stepKey string) (StepResult, bool, error) {
	raw, ok := c[stepKey]
	if !ok {
		return StepResult{}, false, nil
	}
	var sr StepResult
	if err := json.Unmarshal(raw, &sr); err != nil {
		return StepResult{}, true, fmt.Errorf("decoding step result %q: %w", stepKey, err)
	}
	return sr, true, nil
}

// Attempts returns the attempt counter stored at key, defaulting to zero.
func (c Context) Attempts(key string) int {
	raw, ok := c[key]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}

// SetAttempts stores n attempts at key.
func (c Context) SetAttempts(key string, n int) {
	c[key] = mustMarshal(n)
}

// SetStepResult stores sr at stepKey.
func (c Context) SetStepResult(stepKey string, sr StepResult) {
	c[stepKey] = mustMarshal(sr)
}

// Params returns the caller-supplied input under the "params" key.
func (c Context) Params() json.RawMessage {
	return c["params"]
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only called with values this package constructs; a marshal
		// failure here indicates a programming error, not runtime data.
		panic(fmt.Sprintf("job: marshaling context value: %v", err))
	}
	return b
}
