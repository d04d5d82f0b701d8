package job

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of a pgx pool or transaction a Store needs. It lets
// callers pass either a *pgxpool.Pool or a pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides Postgres-backed persistence for jobs.
type Store struct {
	db DBTX
}

// NewStore creates a job Store backed by the given database connection.
func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

const jobColumns = `id, feature_name, status, current_step_index, context,
	error_code, error_log, retryable, priority, original_priority, user_id,
	queued_at, promoted_at, created_at, updated_at, last_progress_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	var ctxRaw []byte
	if err := row.Scan(
		&j.ID, &j.FeatureName, &j.Status, &j.CurrentStepIndex, &ctxRaw,
		&j.ErrorCode, &j.ErrorLog, &j.Retryable, &j.Priority, &j.OriginalPriority, &j.UserID,
		&j.QueuedAt, &j.PromotedAt, &j.CreatedAt, &j.UpdatedAt, &j.LastProgressAt,
	); err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal(ctxRaw, &j.Context); err != nil {
		return Job{}, fmt.Errorf("decoding job context: %w", err)
	}
	if j.Context == nil {
		j.Context = Context{}
	}
	return j, nil
}

// Get returns a job by ID, or pgx.ErrNoRows if absent.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// Create inserts a new job with the given feature, priority, owner, and
// caller-supplied input, recorded under context["params"].
func (s *Store) Create(ctx context.Context, featureName string, priority Priority, userID string, params json.RawMessage) (Job, error) {
	now := nowSeconds()
	id := uuid.New()
	initialContext := Context{"params": params}
	ctxRaw, err := json.Marshal(initialContext)
	if err != nil {
		return Job{}, fmt.Errorf("encoding initial context: %w", err)
	}

	query := `INSERT INTO jobs (
		id, feature_name, status, current_step_index, context,
		priority, original_priority, user_id, queued_at,
		created_at, updated_at, last_progress_at
	) VALUES ($1, $2, $3, 0, $4, $5, $5, $6, $7, $7, $7, $7)
	RETURNING ` + jobColumns
	row := s.db.QueryRow(ctx, query, id, featureName, StatusPending, ctxRaw, priority, userID, now)
	return scanJob(row)
}

// SetStatus updates a job's status.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	_, err := s.db.Exec(ctx, `UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1`,
		id, status, nowSeconds())
	return err
}

// Fail marks a job FAILED with the given error details.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, code, message string, retryable bool) error {
	query := `UPDATE jobs SET status = $2, error_code = $3, error_log = $4, retryable = $5, updated_at = $6
	WHERE id = $1`
	_, err := s.db.Exec(ctx, query, id, StatusFailed, code, message, retryable, nowSeconds())
	return err
}

// ClearFailure resets a failed job to RUNNING and clears its error fields,
// returning the status the job had before the clear.
func (s *Store) ClearFailure(ctx context.Context, id uuid.UUID) (Status, error) {
	j, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	query := `UPDATE jobs SET status = $2, error_code = NULL, error_log = NULL, retryable = NULL, updated_at = $3
	WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id, StatusRunning, nowSeconds()); err != nil {
		return "", err
	}
	return j.Status, nil
}

// SaveStep writes a completed step's payload into the job's context and
// bumps last_progress_at.
func (s *Store) SaveStep(ctx context.Context, id uuid.UUID, stepKey string, result StepResult) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	j.Context.SetStepResult(stepKey, result)
	return s.writeContext(ctx, id, j.Context)
}

// SetAttempts writes the attempt counter for a step into the job's context.
func (s *Store) SetAttempts(ctx context.Context, id uuid.UUID, attemptsKey string, n int) error {
	j, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	j.Context.SetAttempts(attemptsKey, n)
	return s.writeContext(ctx, id, j.Context)
}

func (s *Store) writeContext(ctx context.Context, id uuid.UUID, c Context) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding job context: %w", err)
	}
	now := nowSeconds()
	_, err = s.db.Exec(ctx,
		`UPDATE jobs SET context = $2, last_progress_at = $3, updated_at = $3 WHERE id = $1`,
		id, raw, now)
	return err
}

// BumpStepIndex advances current_step_index by one and returns the new value.
func (s *Store) BumpStepIndex(ctx context.Context, id uuid.UUID) (int, error) {
	now := nowSeconds()
	var newIndex int
	err := s.db.QueryRow(ctx,
		`UPDATE jobs SET current_step_index = current_step_index + 1, last_progress_at = $2, updated_at = $2
		WHERE id = $1 RETURNING current_step_index`,
		id, now).Scan(&newIndex)
	return newIndex, err
}

// SetPriority overwrites a job's priority class without touching promoted_at.
func (s *Store) SetPriority(ctx context.Context, id uuid.UUID, priority Priority) error {
	_, err := s.db.Exec(ctx, `UPDATE jobs SET priority = $2, updated_at = $3 WHERE id = $1`,
		id, priority, nowSeconds())
	return err
}

// PromoteJob raises a job's priority and resets queued_at so the next
// promotion threshold is measured from this promotion, not the job's
// original creation time.
func (s *Store) PromoteJob(ctx context.Context, id uuid.UUID, newPriority Priority) error {
	now := nowSeconds()
	_, err := s.db.Exec(ctx,
		`UPDATE jobs SET priority = $2, queued_at = $3, promoted_at = $3, updated_at = $3 WHERE id = $1`,
		id, newPriority, now)
	return err
}

// PromotionCandidates returns jobs eligible for priority promotion: low
// jobs queued longer than lowToMedium, and medium jobs (never originally
// high) queued longer than mediumToHigh.
func (s *Store) PromotionCandidates(ctx context.Context, lowToMedium, mediumToHigh time.Duration) ([]Job, error) {
	now := nowSeconds()
	query := `SELECT ` + jobColumns + ` FROM jobs
	WHERE status IN ($1, $2)
	  AND (
	    (priority = $3 AND queued_at < $5 - $6)
	    OR
	    (priority = $4 AND original_priority != $3 AND queued_at < $5 - $7)
	  )`
	rows, err := s.db.Query(ctx, query,
		StatusPending, StatusRunning,
		PriorityLow, PriorityHigh,
		now, lowToMedium.Seconds(), mediumToHigh.Seconds())
	if err != nil {
		return nil, fmt.Errorf("querying promotion candidates: %w", err)
	}
	return scanJobRows(rows)
}

// StuckCandidates returns RUNNING jobs that have not progressed in longer
// than stuckAfter.
func (s *Store) StuckCandidates(ctx context.Context, stuckAfter time.Duration) ([]Job, error) {
	now := nowSeconds()
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 AND last_progress_at < $2 - $3`
	rows, err := s.db.Query(ctx, query, StatusRunning, now, stuckAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("querying stuck jobs: %w", err)
	}
	return scanJobRows(rows)
}

// List returns a page of jobs owned by userID, newest first.
func (s *Store) List(ctx context.Context, userID string, limit, offset int) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	rows, err := s.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return scanJobRows(rows)
}

// CountByUser returns the total number of jobs owned by userID, for
// computing pagination metadata alongside List.
func (s *Store) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE user_id = $1`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting jobs: %w", err)
	}
	return n, nil
}

func scanJobRows(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var items []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		items = append(items, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating job rows: %w", err)
	}
	return items, nil
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
