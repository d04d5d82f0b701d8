// Package event publishes job lifecycle events over Redis pub/sub for the
// WebSocket relay to fan out to connected clients.
package event

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Type is a WebSocket event discriminator.
type Type string

const (
	TypeConnected      Type = "WS_CONNECTED"
	TypeWaitingForSlot Type = "WAITING_FOR_SLOT"
	TypeStepStarted    Type = "STEP_STARTED"
	TypeStepCompleted  Type = "STEP_COMPLETED"
	TypeJobCompleted   Type = "JOB_COMPLETED"
	TypeJobError       Type = "JOB_ERROR"
	TypeJobPromoted    Type = "JOB_PROMOTED"
)

// Action accompanies a JOB_ERROR event, telling the client whether the
// failure is something a resume can fix.
type Action string

const (
	ActionRetryAvailable Action = "RETRY_AVAILABLE"
	ActionContactSupport Action = "CONTACT_SUPPORT"
)

// Channel returns the pub/sub channel name a job's events are published on.
func Channel(jobID string) string {
	return "ws:" + jobID
}

// Connected is sent once by the WebSocket handler itself on accept; it is
// never published through Redis.
type Connected struct {
	Type  Type   `json:"type"`
	JobID string `json:"job_id"`
}

// NewConnected builds the WS_CONNECTED handshake message for jobID.
func NewConnected(jobID string) Connected {
	return Connected{Type: TypeConnected, JobID: jobID}
}

// StepProgress backs WAITING_FOR_SLOT, STEP_STARTED, and STEP_COMPLETED.
type StepProgress struct {
	Type       Type   `json:"type"`
	StepName   string `json:"step_name"`
	StepIndex  int    `json:"step_index"`
	TotalSteps int    `json:"total_steps"`
	Message    string `json:"message"`
}

// JobCompleted backs JOB_COMPLETED.
type JobCompleted struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

// JobError backs JOB_ERROR.
type JobError struct {
	Type      Type   `json:"type"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Action    Action `json:"action"`
}

// JobPromoted backs JOB_PROMOTED.
type JobPromoted struct {
	Type        Type   `json:"type"`
	OldPriority string `json:"old_priority"`
	NewPriority string `json:"new_priority"`
	Message     string `json:"message"`
}

// Publisher fans out job events to Redis pub/sub. Publishing is
// fire-and-forget: a failed publish never blocks or fails the orchestrator.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a Publisher backed by rdb.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func (p *Publisher) publish(ctx context.Context, jobID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return p.rdb.Publish(ctx, Channel(jobID), raw).Err()
}

// PublishWaitingForSlot publishes a WAITING_FOR_SLOT event.
func (p *Publisher) PublishWaitingForSlot(ctx context.Context, jobID, stepName string, stepIndex, totalSteps int, message string) error {
	return p.publish(ctx, jobID, StepProgress{
		Type: TypeWaitingForSlot, StepName: stepName, StepIndex: stepIndex, TotalSteps: totalSteps, Message: message,
	})
}

// PublishStepStarted publishes a STEP_STARTED event.
func (p *Publisher) PublishStepStarted(ctx context.Context, jobID, stepName string, stepIndex, totalSteps int, message string) error {
	return p.publish(ctx, jobID, StepProgress{
		Type: TypeStepStarted, StepName: stepName, StepIndex: stepIndex, TotalSteps: totalSteps, Message: message,
	})
}

// PublishStepCompleted publishes a STEP_COMPLETED event.
func (p *Publisher) PublishStepCompleted(ctx context.Context, jobID, stepName string, stepIndex, totalSteps int, message string) error {
	return p.publish(ctx, jobID, StepProgress{
		Type: TypeStepCompleted, StepName: stepName, StepIndex: stepIndex, TotalSteps: totalSteps, Message: message,
	})
}

// PublishJobCompleted publishes a JOB_COMPLETED event.
func (p *Publisher) PublishJobCompleted(ctx context.Context, jobID, message string) error {
	return p.publish(ctx, jobID, JobCompleted{Type: TypeJobCompleted, Message: message})
}

// PublishJobError publishes a JOB_ERROR event.
func (p *Publisher) PublishJobError(ctx context.Context, jobID, errorCode, message string, action Action) error {
	return p.publish(ctx, jobID, JobError{Type: TypeJobError, ErrorCode: errorCode, Message: message, Action: action})
}

// PublishJobPromoted publishes a JOB_PROMOTED event.
func (p *Publisher) PublishJobPromoted(ctx context.Context, jobID, oldPriority, newPriority, message string) error {
	return p.publish(ctx, jobID, JobPromoted{
		Type: TypeJobPromoted, OldPriority: oldPriority, NewPriority: newPriority, Message: message,
	})
}
