package batch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	apperrors "github.com/facturaIA/document-enhancement-service/internal/errors"
	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/metrics"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// OpRefPrefix marks a document reference that names the outputs of an earlier
// operation of the same job, e.g. "op:0".
const OpRefPrefix = "op:"

// Dispatcher hands a persisted job to the workers
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Queue is the API-side entry point to batch jobs
type Queue struct {
	store        Store
	dispatcher   Dispatcher
	notifier     Notifier
	registry     *Registry
	secondsPerOp int
	now          func() time.Time
	log          zerolog.Logger
}

// NewQueue creates a queue. notifier may be nil.
func NewQueue(store Store, dispatcher Dispatcher, notifier Notifier, cfg models.QueueConfig) *Queue {
	return &Queue{
		store:        store,
		dispatcher:   dispatcher,
		notifier:     notifier,
		secondsPerOp: cfg.SecondsPerOperation,
		now:          time.Now,
		log:          logger.WithComponent("batch.queue"),
	}
}

// UseRegistry makes Submit reject operation types that registry has no handler for
func (q *Queue) UseRegistry(registry *Registry) {
	q.registry = registry
}

// Submit validates and persists a job, then dispatches it. Nothing is persisted
// when validation fails.
func (q *Queue) Submit(ctx context.Context, ownerID, name string, ops []models.Operation) (*models.BatchJob, error) {
	if err := ValidateOperations(name, ops); err != nil {
		return nil, err
	}
	if q.registry != nil {
		for i, o := range ops {
			if _, ok := q.registry.Get(o.Type); !ok {
				return nil, apperrors.NewValidationError("submit", fmt.Sprintf("operation %d: %q is not available on this server", i, o.Type))
			}
		}
	}

	now := q.now()
	job := &models.BatchJob{
		ID:              uuid.New().String(),
		OwnerID:         ownerID,
		Name:            strings.TrimSpace(name),
		Operations:      ops,
		Status:          models.JobPending,
		ResultRefs:      []string{},
		OperationStates: make([]models.OperationState, len(ops)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i, op := range ops {
		job.OperationStates[i] = models.OperationState{Index: i, Type: op.Type, Status: models.OperationPending}
	}

	if err := q.store.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist batch job: %w", err)
	}
	metrics.JobTransitions.WithLabelValues(string(models.JobPending)).Inc()

	if err := q.dispatcher.Dispatch(ctx, job.ID); err != nil {
		q.log.Error().Err(err).Str("job_id", job.ID).Msg("dispatch failed")
		job.Status = models.JobFailed
		job.ErrorMessage = "dispatch failed: " + err.Error()
		job.CompletedAt = &now
		if uerr := q.store.Update(ctx, job, ""); uerr != nil {
			q.log.Error().Err(uerr).Str("job_id", job.ID).Msg("failed to record dispatch failure")
		}
		metrics.JobTransitions.WithLabelValues(string(models.JobFailed)).Inc()
		return nil, fmt.Errorf("failed to dispatch batch job: %w", err)
	}

	publish(ctx, q.notifier, q.log, Event{JobID: job.ID, Status: job.Status, Time: now})
	q.log.Info().
		Str("job_id", job.ID).
		Str("owner_id", ownerID).
		Int("operations", len(ops)).
		Msg("batch job submitted")
	return job, nil
}

// ValidateOperations checks a submission without touching any store
func ValidateOperations(name string, ops []models.Operation) error {
	const op = "submit"
	if strings.TrimSpace(name) == "" {
		return apperrors.NewValidationError(op, "name is required")
	}
	if len(ops) == 0 {
		return apperrors.NewValidationError(op, "at least one operation is required")
	}
	for i, o := range ops {
		if !o.Type.Valid() {
			return apperrors.NewValidationError(op, fmt.Sprintf("operation %d: unrecognized type %q", i, o.Type))
		}
		if len(o.DocumentRefs) == 0 {
			return apperrors.NewValidationError(op, fmt.Sprintf("operation %d: documentRefs must not be empty", i))
		}
		for _, ref := range o.DocumentRefs {
			if strings.TrimSpace(ref) == "" {
				return apperrors.NewValidationError(op, fmt.Sprintf("operation %d: empty document reference", i))
			}
			n, isOpRef, err := parseOpRef(ref)
			if err != nil {
				return apperrors.NewValidationError(op, fmt.Sprintf("operation %d: %v", i, err))
			}
			if isOpRef && n >= i {
				return apperrors.NewValidationError(op, fmt.Sprintf("operation %d: %q must reference an earlier operation", i, ref))
			}
		}
	}
	return nil
}

// parseOpRef reports whether ref is an op:N reference and returns N
func parseOpRef(ref string) (int, bool, error) {
	if !strings.HasPrefix(ref, OpRefPrefix) {
		return 0, false, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(ref, OpRefPrefix))
	if err != nil || n < 0 {
		return 0, true, fmt.Errorf("invalid operation reference %q", ref)
	}
	return n, true, nil
}

// GetStatus returns the job if it exists and belongs to ownerID
func (q *Queue) GetStatus(ctx context.Context, ownerID, id string) (*models.BatchJob, error) {
	job, err := q.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List returns the owner's jobs
func (q *Queue) List(ctx context.Context, ownerID string) ([]*models.BatchJob, error) {
	return q.store.ListByOwner(ctx, ownerID)
}

// Cancel stops a pending job immediately and asks a running one to stop at the
// next operation boundary. Finished jobs yield ErrJobTerminal.
func (q *Queue) Cancel(ctx context.Context, ownerID, id string) (*models.BatchJob, error) {
	if _, err := q.GetStatus(ctx, ownerID, id); err != nil {
		return nil, err
	}

	job, err := q.store.RequestCancel(ctx, id)
	if err != nil {
		return nil, err
	}

	msg := "cancellation requested"
	if job.Status == models.JobCancelled {
		msg = "cancelled before start"
		metrics.JobTransitions.WithLabelValues(string(models.JobCancelled)).Inc()
	}
	publish(ctx, q.notifier, q.log, Event{JobID: id, Status: job.Status, Progress: job.Progress, Message: msg, Time: q.now()})
	q.log.Info().Str("job_id", id).Str("status", string(job.Status)).Msg(msg)
	return job, nil
}

// Progress summarizes a job for polling clients
func (q *Queue) Progress(ctx context.Context, ownerID, id string) (*models.Progress, error) {
	job, err := q.GetStatus(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	return ProgressOf(job, q.secondsPerOp), nil
}

// ProgressOf builds the progress view of job. The estimate counts operations that
// have not completed, failed ones included since a retry runs them again, and is
// zero once the job is terminal.
func ProgressOf(job *models.BatchJob, secondsPerOp int) *models.Progress {
	remaining := 0
	if !job.Status.IsTerminal() {
		for _, st := range job.OperationStates {
			switch st.Status {
			case models.OperationPending, models.OperationProcessing, models.OperationFailed:
				remaining++
			}
		}
	}
	return &models.Progress{
		Overall:                   job.Progress,
		Status:                    job.Status,
		PerOperationStatus:        job.OperationStates,
		EstimatedSecondsRemaining: remaining * secondsPerOp,
	}
}

// ComputeProgress returns round(100*completed/total) with halves rounded up
func ComputeProgress(completed, total int) int {
	if total <= 0 {
		return 0
	}
	pct := decimal.NewFromInt(int64(100 * completed)).
		Div(decimal.NewFromInt(int64(total))).
		Round(0)
	return int(pct.IntPart())
}

func publish(ctx context.Context, n Notifier, log zerolog.Logger, ev Event) {
	if n == nil {
		return
	}
	if err := n.Publish(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("job_id", ev.JobID).Msg("failed to publish job event")
	}
}
