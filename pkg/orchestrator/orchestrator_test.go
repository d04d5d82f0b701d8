package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wisbric/stepflow/internal/catalog"
	"github.com/wisbric/stepflow/pkg/event"
	"github.com/wisbric/stepflow/pkg/job"
	"github.com/wisbric/stepflow/pkg/limiter"
	"github.com/wisbric/stepflow/pkg/servicecall"
)

// fakeJobStore is an in-memory jobStore for tests; it mutates a single
// job.Job and records which operations ran, mirroring the hand-rolled fakes
// used elsewhere in this codebase rather than a mocking framework.
type fakeJobStore struct {
	job       job.Job
	found     bool
	bumpCalls int
	getErr    error
}

func (f *fakeJobStore) Get(ctx context.Context, id uuid.UUID) (job.Job, error) {
	if f.getErr != nil {
		return job.Job{}, f.getErr
	}
	if !f.found {
		return job.Job{}, pgx.ErrNoRows
	}
	return f.job, nil
}

func (f *fakeJobStore) SetStatus(ctx context.Context, id uuid.UUID, status job.Status) error {
	f.job.Status = status
	return nil
}

func (f *fakeJobStore) Fail(ctx context.Context, id uuid.UUID, code, message string, retryable bool) error {
	f.job.Status = job.StatusFailed
	f.job.ErrorCode = &code
	f.job.ErrorLog = &message
	f.job.Retryable = &retryable
	return nil
}

func (f *fakeJobStore) SetAttempts(ctx context.Context, id uuid.UUID, attemptsKey string, n int) error {
	f.job.Context.SetAttempts(attemptsKey, n)
	return nil
}

func (f *fakeJobStore) SaveStep(ctx context.Context, id uuid.UUID, stepKey string, result job.StepResult) error {
	f.job.Context.SetStepResult(stepKey, result)
	return nil
}

func (f *fakeJobStore) BumpStepIndex(ctx context.Context, id uuid.UUID) (int, error) {
	f.bumpCalls++
	f.job.CurrentStepIndex++
	return f.job.CurrentStepIndex, nil
}

// fakeLeaser always grants or always refuses, per the test's configuration.
type fakeLeaser struct {
	grant      bool
	acquireErr error
	released   []limiter.Token
}

func (f *fakeLeaser) Acquire(ctx context.Context, service string, limit int, leaseTTL, waitTimeout time.Duration) (limiter.Token, bool, error) {
	if f.acquireErr != nil {
		return limiter.Token{}, false, f.acquireErr
	}
	if !f.grant {
		return limiter.Token{}, false, nil
	}
	return limiter.Token{}, true, nil
}

func (f *fakeLeaser) Release(ctx context.Context, token limiter.Token) error {
	f.released = append(f.released, token)
	return nil
}

// fakeCaller returns a fixed result or error for every Call.
type fakeCaller struct {
	result *servicecall.Result
	err    error
}

func (f *fakeCaller) Call(ctx context.Context, svc catalog.Service, envelope servicecall.Envelope) (*servicecall.Result, error) {
	return f.result, f.err
}

// fakePublisher records every event published, for assertions on sequencing.
type fakePublisher struct {
	published []string
}

func (f *fakePublisher) PublishWaitingForSlot(ctx context.Context, jobID, stepName string, stepIndex, totalSteps int, message string) error {
	f.published = append(f.published, string(event.TypeWaitingForSlot))
	return nil
}
func (f *fakePublisher) PublishStepStarted(ctx context.Context, jobID, stepName string, stepIndex, totalSteps int, message string) error {
	f.published = append(f.published, string(event.TypeStepStarted))
	return nil
}
func (f *fakePublisher) PublishStepCompleted(ctx context.Context, jobID, stepName string, stepIndex, totalSteps int, message string) error {
	f.published = append(f.published, string(event.TypeStepCompleted))
	return nil
}
func (f *fakePublisher) PublishJobCompleted(ctx context.Context, jobID, message string) error {
	f.published = append(f.published, string(event.TypeJobCompleted))
	return nil
}
func (f *fakePublisher) PublishJobError(ctx context.Context, jobID, errorCode, message string, action event.Action) error {
	f.published = append(f.published, string(event.TypeJobError))
	return nil
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir() + "/catalog.yaml"
	body := []byte(`
services:
  - name: svc_a
    limit: 10
    timeout: 5
    lease_ttl: 15
    max_step_attempts: 3
    base_url: http://svc-a
  - name: svc_b
    limit: 10
    timeout: 5
    lease_ttl: 15
    max_step_attempts: 3
    base_url: http://svc-b
features:
  - name: two_step
    steps: [svc_a, svc_b]
`)
	if err := os.WriteFile(dir, body, 0o644); err != nil {
		t.Fatalf("writing catalog fixture: %v", err)
	}
	c, err := catalog.Load(dir)
	if err != nil {
		t.Fatalf("loading catalog fixture: %v", err)
	}
	return c
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newJob(t *testing.T) job.Job {
	t.Helper()
	return job.Job{
		ID:          uuid.New(),
		FeatureName: "two_step",
		Status:      job.StatusPending,
		Context:     job.Context{"params": json.RawMessage(`{}`)},
	}
}

func TestExecuteOneStepJobNotFound(t *testing.T) {
	jobs := &fakeJobStore{found: false}
	o := New(jobs, testCatalog(t), &fakeLeaser{grant: true}, &fakeCaller{}, &fakePublisher{}, testLogger())

	result, err := o.ExecuteOneStep(t.Context(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultJobNotFound {
		t.Errorf("result = %q, want JOB_NOT_FOUND", result)
	}
}

func TestExecuteOneStepStoppedOnCompleted(t *testing.T) {
	j := newJob(t)
	j.Status = job.StatusCompleted
	jobs := &fakeJobStore{found: true, job: j}
	o := New(jobs, testCatalog(t), &fakeLeaser{grant: true}, &fakeCaller{}, &fakePublisher{}, testLogger())

	result, err := o.ExecuteOneStep(t.Context(), j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != Result("STOPPED_COMPLETED") {
		t.Errorf("result = %q, want STOPPED_COMPLETED", result)
	}
}

func TestExecuteOneStepUnknownFeatureFails(t *testing.T) {
	j := newJob(t)
	j.FeatureName = "does_not_exist"
	jobs := &fakeJobStore{found: true, job: j}
	o := New(jobs, testCatalog(t), &fakeLeaser{grant: true}, &fakeCaller{}, &fakePublisher{}, testLogger())

	result, err := o.ExecuteOneStep(t.Context(), j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultFailed {
		t.Errorf("result = %q, want FAILED", result)
	}
	if jobs.job.ErrorCode == nil || *jobs.job.ErrorCode != errInvalidFeature {
		t.Errorf("error code = %v, want %s", jobs.job.ErrorCode, errInvalidFeature)
	}
}

func TestExecuteOneStepCompletesWhenRecipeExhausted(t *testing.T) {
	j := newJob(t)
	j.CurrentStepIndex = 2
	jobs := &fakeJobStore{found: true, job: j}
	pub := &fakePublisher{}
	o := New(jobs, testCatalog(t), &fakeLeaser{grant: true}, &fakeCaller{}, pub, testLogger())

	result, err := o.ExecuteOneStep(t.Context(), j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultDone {
		t.Errorf("result = %q, want DONE", result)
	}
	if jobs.job.Status != job.StatusCompleted {
		t.Errorf("status = %q, want COMPLETED", jobs.job.Status)
	}
	if len(pub.published) != 1 || pub.published[0] != string(event.TypeJobCompleted) {
		t.Errorf("published = %v, want [JOB_COMPLETED]", pub.published)
	}
}

func TestExecuteOneStepSkipsAlreadySucceededStep(t *testing.T) {
	j := newJob(t)
	j.Context.SetStepResult(job.StepKey(0, "svc_a"), job.StepResult{Status: job.StepSuccess, Data: json.RawMessage(`{}`)})
	jobs := &fakeJobStore{found: true, job: j}
	o := New(jobs, testCatalog(t), &fakeLeaser{grant: true}, &fakeCaller{}, &fakePublisher{}, testLogger())

	result, err := o.ExecuteOneStep(t.Context(), j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultSkippedAlreadyDone {
		t.Errorf("result = %q, want SKIPPED_ALREADY_DONE", result)
	}
	if jobs.job.CurrentStepIndex != 1 {
		t.Errorf("current_step_index = %d, want 1", jobs.job.CurrentStepIndex)
	}
}

func TestExecuteOneStepMaxAttemptsExceeded(t *testing.T) {
	j := newJob(t)
	j.Context.SetAttempts(job.AttemptsKey(job.StepKey(0, "svc_a")), 3)
	jobs := &fakeJobStore{found: true, job: j}
	o := New(jobs, testCatalog(t), &fakeLeaser{grant: true}, &fakeCaller{}, &fakePublisher{}, testLogger())

	result, err := o.ExecuteOneStep(t.Context(), j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultFailed {
		t.Errorf("result = %q, want FAILED", result)
	}
	if jobs.job.ErrorCode == nil || *jobs.job.ErrorCode != errMaxStepAttempts {
		t.Errorf("error code = %v, want %s", jobs.job.ErrorCode, errMaxStepAttempts)
	}
}

func TestExecuteOneStepResourceExhaustedOnLeaseTimeout(t *testing.T) {
	j := newJob(t)
	jobs := &fakeJobStore{found: true, job: j}
	leaser := &fakeLeaser{grant: false}
	o := New(jobs, testCatalog(t), leaser, &fakeCaller{}, &fakePublisher{}, testLogger())

	result, err := o.ExecuteOneStep(t.Context(), j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultFailed {
		t.Errorf("result = %q, want FAILED", result)
	}
	if jobs.job.ErrorCode == nil || *jobs.job.ErrorCode != errResourceExhausted {
		t.Errorf("error code = %v, want %s", jobs.job.ErrorCode, errResourceExhausted)
	}
	if len(leaser.released) != 0 {
		t.Error("expected no release when no lease was ever granted")
	}
}

func TestExecuteOneStepSucceedsAndReleasesLease(t *testing.T) {
	j := newJob(t)
	jobs := &fakeJobStore{found: true, job: j}
	leaser := &fakeLeaser{grant: true}
	caller := &fakeCaller{result: &servicecall.Result{Data: json.RawMessage(`{"ok":true}`), Metrics: json.RawMessage(`{}`)}}
	pub := &fakePublisher{}
	o := New(jobs, testCatalog(t), leaser, caller, pub, testLogger())

	result, err := o.ExecuteOneStep(t.Context(), j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultOK {
		t.Errorf("result = %q, want OK", result)
	}
	if jobs.job.CurrentStepIndex != 1 {
		t.Errorf("current_step_index = %d, want 1", jobs.job.CurrentStepIndex)
	}
	if jobs.job.Status != job.StatusRunning {
		t.Errorf("status = %q, want RUNNING", jobs.job.Status)
	}
	if len(leaser.released) != 1 {
		t.Errorf("released %d leases, want 1", len(leaser.released))
	}

	sr, ok, err := jobs.job.Context.StepResult(job.StepKey(0, "svc_a"))
	if err != nil || !ok {
		t.Fatalf("expected saved step result: ok=%v err=%v", ok, err)
	}
	if sr.Status != job.StepSuccess {
		t.Errorf("step status = %q, want SUCCESS", sr.Status)
	}

	wantSequence := []string{
		string(event.TypeWaitingForSlot),
		string(event.TypeStepStarted),
		string(event.TypeStepCompleted),
	}
	if len(pub.published) != len(wantSequence) {
		t.Fatalf("published = %v, want %v", pub.published, wantSequence)
	}
	for i, typ := range wantSequence {
		if pub.published[i] != typ {
			t.Errorf("published[%d] = %q, want %q", i, pub.published[i], typ)
		}
	}
}

func TestExecuteOneStepBusinessFailureReleasesLease(t *testing.T) {
	j := newJob(t)
	jobs := &fakeJobStore{found: true, job: j}
	leaser := &fakeLeaser{grant: true}
	caller := &fakeCaller{err: &servicecall.Error{Code: "SERVICE_TIMEOUT", Message: "timed out", Retryable: true}}
	o := New(jobs, testCatalog(t), leaser, caller, &fakePublisher{}, testLogger())

	result, err := o.ExecuteOneStep(t.Context(), j.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != ResultFailed {
		t.Errorf("result = %q, want FAILED", result)
	}
	if jobs.job.ErrorCode == nil || *jobs.job.ErrorCode != "SERVICE_TIMEOUT" {
		t.Errorf("error code = %v, want SERVICE_TIMEOUT", jobs.job.ErrorCode)
	}
	if len(leaser.released) != 1 {
		t.Errorf("released %d leases, want 1 (guaranteed release)", len(leaser.released))
	}
}

func TestExecuteOneStepInfrastructureErrorPropagates(t *testing.T) {
	j := newJob(t)
	jobs := &fakeJobStore{found: true, job: j}
	leaser := &fakeLeaser{grant: true}
	caller := &fakeCaller{err: errors.New("connection reset")}
	o := New(jobs, testCatalog(t), leaser, caller, &fakePublisher{}, testLogger())

	_, err := o.ExecuteOneStep(t.Context(), j.ID)
	if err == nil {
		t.Fatal("expected infrastructure error to propagate")
	}
	if jobs.job.Status == job.StatusFailed {
		t.Error("infrastructure errors must not mark the job failed")
	}
	if len(leaser.released) != 1 {
		t.Errorf("released %d leases, want 1 even on infra error", len(leaser.released))
	}
}

func TestExecuteOneStepGetErrorPropagates(t *testing.T) {
	jobs := &fakeJobStore{getErr: errors.New("connection refused")}
	o := New(jobs, testCatalog(t), &fakeLeaser{grant: true}, &fakeCaller{}, &fakePublisher{}, testLogger())

	_, err := o.ExecuteOneStep(t.Context(), uuid.New())
	if err == nil {
		t.Fatal("expected infrastructure error to propagate")
	}
}

type fakeNotifier struct {
	calls int
	jobID string
}

func (f *fakeNotifier) NotifyContactSupport(ctx context.Context, jobID, userID, errorCode, message string) {
	f.calls++
	f.jobID = jobID
}

func TestExecuteOneStepNotifiesSupportOnContactSupportFailure(t *testing.T) {
	j := newJob(t)
	j.Context.SetAttempts(job.AttemptsKey(job.StepKey(0, "svc_a")), 3)
	jobs := &fakeJobStore{found: true, job: j}
	notifier := &fakeNotifier{}
	o := New(jobs, testCatalog(t), &fakeLeaser{grant: true}, &fakeCaller{}, &fakePublisher{}, testLogger())
	o.SetSupportNotifier(notifier)

	if _, err := o.ExecuteOneStep(t.Context(), j.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.calls != 1 {
		t.Errorf("notifier called %d times, want 1", notifier.calls)
	}
	if notifier.jobID != j.ID.String() {
		t.Errorf("notifier job id = %q, want %q", notifier.jobID, j.ID.String())
	}
}

func TestExecuteOneStepDoesNotNotifyOnRetryableFailure(t *testing.T) {
	j := newJob(t)
	jobs := &fakeJobStore{found: true, job: j}
	leaser := &fakeLeaser{grant: false}
	notifier := &fakeNotifier{}
	o := New(jobs, testCatalog(t), leaser, &fakeCaller{}, &fakePublisher{}, testLogger())
	o.SetSupportNotifier(notifier)

	if _, err := o.ExecuteOneStep(t.Context(), j.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if notifier.calls != 0 {
		t.Error("a retryable failure should not notify support")
	}
}
