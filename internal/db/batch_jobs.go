package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/facturaIA/document-enhancement-service/internal/batch"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

const jobColumns = `id, owner_id, name, status, progress, operations, operation_states, result_refs,
	error_message, attempts, cancel_requested, claimed_by, lease_until, created_at, updated_at, completed_at`

// terminalStatuses is the SQL list of statuses no transition may leave
const terminalStatuses = `('completed', 'failed', 'cancelled')`

// JobStore is the Postgres batch.Store
type JobStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewJobStore creates a job store on pool. Run Migrate first.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool, now: time.Now}
}

var _ batch.Store = (*JobStore)(nil)

// jobRow holds the JSONB columns of a job in their encoded form
type jobRow struct {
	operations []byte
	states     []byte
	resultRefs []byte
}

func encodeJob(job *models.BatchJob) (*jobRow, error) {
	ops, err := json.Marshal(job.Operations)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operations: %w", err)
	}
	states, err := json.Marshal(job.OperationStates)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operation states: %w", err)
	}
	refs := job.ResultRefs
	if refs == nil {
		refs = []string{}
	}
	resultRefs, err := json.Marshal(refs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result refs: %w", err)
	}
	return &jobRow{operations: ops, states: states, resultRefs: resultRefs}, nil
}

func scanJob(row pgx.Row) (*models.BatchJob, error) {
	var job models.BatchJob
	var r jobRow
	var status string
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.Name, &status, &job.Progress,
		&r.operations, &r.states, &r.resultRefs,
		&job.ErrorMessage, &job.Attempts, &job.CancelRequested, &job.ClaimedBy,
		&job.LeaseUntil, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, batch.ErrJobNotFound
		}
		return nil, err
	}
	job.Status = models.JobStatus(status)
	if err := decodeJob(&job, &r); err != nil {
		return nil, err
	}
	return &job, nil
}

func decodeJob(job *models.BatchJob, r *jobRow) error {
	if err := json.Unmarshal(r.operations, &job.Operations); err != nil {
		return fmt.Errorf("failed to decode operations of job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal(r.states, &job.OperationStates); err != nil {
		return fmt.Errorf("failed to decode operation states of job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal(r.resultRefs, &job.ResultRefs); err != nil {
		return fmt.Errorf("failed to decode result refs of job %s: %w", job.ID, err)
	}
	return nil
}

func (s *JobStore) Insert(ctx context.Context, job *models.BatchJob) error {
	r, err := encodeJob(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO batch_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		job.ID, job.OwnerID, job.Name, string(job.Status), job.Progress,
		r.operations, r.states, r.resultRefs,
		job.ErrorMessage, job.Attempts, job.CancelRequested, job.ClaimedBy,
		job.LeaseUntil, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch job: %w", err)
	}
	return nil
}

// Update writes the mutable fields of job. The WHERE clause enforces the same
// ownership rules as the memory store; a cancel request is never cleared.
func (s *JobStore) Update(ctx context.Context, job *models.BatchJob, workerID string) error {
	r, err := encodeJob(job)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE batch_jobs SET
			status = $2, progress = $3, operation_states = $4, result_refs = $5,
			error_message = $6, attempts = $7, cancel_requested = cancel_requested OR $8,
			claimed_by = $9, lease_until = $10, updated_at = $11, completed_at = $12
		WHERE id = $1
			AND status NOT IN `+terminalStatuses+`
			AND (status <> 'processing' OR claimed_by = $13)`,
		job.ID, string(job.Status), job.Progress, r.states, r.resultRefs,
		job.ErrorMessage, job.Attempts, job.CancelRequested,
		job.ClaimedBy, job.LeaseUntil, job.UpdatedAt, job.CompletedAt,
		workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, job.ID, batch.ErrLeaseLost)
	}
	return nil
}

// conflict explains why a guarded statement matched no row
func (s *JobStore) conflict(ctx context.Context, id string, otherwise error) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM batch_jobs WHERE id = $1`, id).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return batch.ErrJobNotFound
	case err != nil:
		return err
	case models.JobStatus(status).IsTerminal():
		return batch.ErrJobTerminal
	default:
		return otherwise
	}
}

func (s *JobStore) FindByID(ctx context.Context, id string) (*models.BatchJob, error) {
	return scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1`, id))
}

func (s *JobStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.BatchJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM batch_jobs
		WHERE owner_id = $1
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.BatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Claim moves the job to processing in a single UPDATE so two workers can never
// both win it.
func (s *JobStore) Claim(ctx context.Context, id, workerID string, lease time.Duration) (*models.BatchJob, error) {
	now := s.now()
	job, err := scanJob(s.pool.QueryRow(ctx, `
		UPDATE batch_jobs SET
			status = 'processing', claimed_by = $2, lease_until = $3, updated_at = $4
		WHERE id = $1
			AND (status = 'pending'
				OR (status = 'processing' AND (lease_until IS NULL OR lease_until < $4)))
		RETURNING `+jobColumns,
		id, workerID, now.Add(lease), now,
	))
	if errors.Is(err, batch.ErrJobNotFound) {
		return nil, s.conflict(ctx, id, batch.ErrNotClaimable)
	}
	return job, err
}

// Renew extends the lease only while workerID still holds the job
func (s *JobStore) Renew(ctx context.Context, id, workerID string, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batch_jobs SET lease_until = $3
		WHERE id = $1 AND status = 'processing' AND claimed_by = $2`,
		id, workerID, until,
	)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, id, batch.ErrLeaseLost)
	}
	return nil
}

// RequestCancel locks the row so the transition is atomic with respect to Claim
func (s *JobStore) RequestCancel(ctx context.Context, id string) (*models.BatchJob, error) {
	var job *models.BatchJob
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return batch.ErrJobTerminal
		}

		batch.ApplyCancel(job, s.now())
		states, err := json.Marshal(job.OperationStates)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE batch_jobs SET
				status = $2, cancel_requested = $3, operation_states = $4, updated_at = $5, completed_at = $6
			WHERE id = $1`,
			id, string(job.Status), job.CancelRequested, states, job.UpdatedAt, job.CompletedAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *JobStore) ListPending(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM batch_jobs
		WHERE status = 'pending'
			OR (status = 'processing' AND (lease_until IS NULL OR lease_until < $1))
		ORDER BY created_at`, s.now())
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
