package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/facturaIA/document-enhancement-service/internal/errors"
	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/metrics"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

var errCancelled = errors.New("batch job cancelled")

// errNoHandler is a permanent failure; the job fails without further attempts
var errNoHandler = errors.New("no handler registered")

// Worker executes claimed jobs. Each Run call owns its job until it returns.
type Worker struct {
	id          string
	store       Store
	registry    *Registry
	notifier    Notifier
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	lease       time.Duration
	heartbeat   time.Duration
	jobTimeout  time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
	log   zerolog.Logger
}

// NewWorker creates a worker identified by id. notifier may be nil.
func NewWorker(id string, store Store, registry *Registry, notifier Notifier, cfg models.QueueConfig) *Worker {
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = cfg.LeaseDuration / 3
	}
	return &Worker{
		id:          id,
		store:       store,
		registry:    registry,
		notifier:    notifier,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		lease:       cfg.LeaseDuration,
		heartbeat:   heartbeat,
		jobTimeout:  cfg.JobTimeout,
		sleep:       sleepContext,
		now:         time.Now,
		log:         logger.WithComponent("batch.worker").With().Str("worker_id", id).Logger(),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff returns the delay before attempt+1: base * 2^(attempt-1), capped at max
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Run claims and executes the job. It returns nil when the job reached a terminal
// state or is owned by someone else, and the last execution error when retries
// were exhausted.
func (w *Worker) Run(ctx context.Context, jobID string) error {
	log := w.log.With().Str("job_id", jobID).Logger()

	job, err := w.store.Claim(ctx, jobID, w.id, w.lease)
	switch {
	case errors.Is(err, ErrJobTerminal), errors.Is(err, ErrNotClaimable):
		log.Debug().Err(err).Msg("skipping job")
		return nil
	case err != nil:
		return fmt.Errorf("failed to claim job: %w", err)
	}
	metrics.JobTransitions.WithLabelValues(string(models.JobProcessing)).Inc()
	w.publish(ctx, job, nil, "processing")
	log.Info().Int("operations", len(job.Operations)).Int("attempts", job.Attempts).Msg("job claimed")

	for {
		job.Attempts++
		metrics.JobAttempts.Inc()
		if err := w.persist(ctx, job); err != nil {
			return w.stopped(log, err)
		}

		execErr := w.execute(ctx, job, log)
		switch {
		case execErr == nil:
			return w.finish(ctx, job, models.JobCompleted, "", log)

		case errors.Is(execErr, errCancelled):
			skipRemaining(job)
			return w.finish(ctx, job, models.JobCancelled, "", log)

		case errors.Is(execErr, ErrLeaseLost), errors.Is(execErr, ErrJobTerminal):
			return w.stopped(log, execErr)

		case ctx.Err() != nil:
			// shutting down; the lease expires and another worker resumes the job
			log.Warn().Err(execErr).Msg("worker stopping mid-job")
			return ctx.Err()
		}

		job.ErrorMessage = execErr.Error()
		if job.Attempts >= w.maxAttempts || errors.Is(execErr, errNoHandler) {
			if err := w.finish(ctx, job, models.JobFailed, execErr.Error(), log); err != nil {
				return err
			}
			return execErr
		}

		delay := Backoff(job.Attempts, w.baseDelay, w.maxDelay)
		log.Warn().
			Err(execErr).
			Int("attempt", job.Attempts).
			Dur("retry_in", delay).
			Msg("job attempt failed, retrying")
		if err := w.persist(ctx, job); err != nil {
			return w.stopped(log, err)
		}
		w.publish(ctx, job, nil, fmt.Sprintf("attempt %d failed, retrying in %s", job.Attempts, delay))

		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// execute runs the operations that have not completed yet, in order
func (w *Worker) execute(ctx context.Context, job *models.BatchJob, log zerolog.Logger) error {
	attemptCtx := ctx
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	total := len(job.Operations)
	for i, op := range job.Operations {
		i := i // per-iteration copy: &i is published in events (go.mod targets go1.21 loop semantics)
		st := &job.OperationStates[i]
		if st.Status == models.OperationCompleted {
			continue
		}

		if cancelled, err := w.cancelRequested(ctx, job); err != nil {
			return err
		} else if cancelled {
			log.Info().Int("next_operation", i).Msg("cancellation observed")
			return errCancelled
		}

		started := w.now()
		st.Status = models.OperationProcessing
		st.StartedAt = &started
		st.CompletedAt = nil
		st.Note = ""
		if err := w.persist(ctx, job); err != nil {
			return err
		}
		w.publish(ctx, job, &i, fmt.Sprintf("operation %d (%s) started", i, op.Type))

		opCtx, stopRenewing := w.keepLease(attemptCtx, job.ID, log)
		res, err := w.runOperation(opCtx, job, i, op)
		leaseErr := stopRenewing()
		finished := w.now()
		if leaseErr != nil {
			log.Warn().Err(leaseErr).Int("operation", i).Msg("lease lost while operation was running")
			return leaseErr
		}
		metrics.OperationDuration.WithLabelValues(string(op.Type), outcome(err)).Observe(finished.Sub(started).Seconds())
		if err != nil {
			st.Status = models.OperationFailed
			st.Note = err.Error()
			st.CompletedAt = &finished
			if perr := w.persist(ctx, job); perr != nil {
				return perr
			}
			return apperrors.NewJobExecutionError(job.ID, i, err)
		}

		st.Status = models.OperationCompleted
		st.ResultRefs = res.ResultRefs
		st.FailedRefs = res.FailedRefs
		st.Note = res.Note
		st.CompletedAt = &finished
		job.Progress = ComputeProgress(completedCount(job), total)
		if err := w.persist(ctx, job); err != nil {
			return err
		}
		w.publish(ctx, job, &i, fmt.Sprintf("operation %d (%s) completed", i, op.Type))
		log.Info().
			Int("operation", i).
			Str("type", string(op.Type)).
			Int("results", len(res.ResultRefs)).
			Int("failed_inputs", len(res.FailedRefs)).
			Int("progress", job.Progress).
			Msg("operation completed")
	}
	return nil
}

// keepLease renews the job lease every heartbeat until stop is called. When the
// lease cannot be kept the returned context is cancelled and stop reports why.
func (w *Worker) keepLease(ctx context.Context, jobID string, log zerolog.Logger) (context.Context, func() error) {
	opCtx, cancel := context.WithCancel(ctx)
	if w.heartbeat <= 0 {
		return opCtx, func() error {
			cancel()
			return nil
		}
	}

	var lost error
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-opCtx.Done():
				return
			case <-ticker.C:
				err := w.store.Renew(opCtx, jobID, w.id, w.now().Add(w.lease))
				switch {
				case err == nil:
				case errors.Is(err, ErrLeaseLost), errors.Is(err, ErrJobTerminal):
					lost = err
					cancel()
					return
				case opCtx.Err() != nil:
					return
				default:
					// transient errors are retried on the next tick
					log.Warn().Err(err).Msg("failed to renew job lease")
				}
			}
		}
	}()

	return opCtx, func() error {
		cancel()
		<-done
		return lost
	}
}

// runOperation resolves refs and calls the handler, turning a panic into an error
func (w *Worker) runOperation(ctx context.Context, job *models.BatchJob, index int, op models.Operation) (res *OperationResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("operation %d panicked: %v", index, r)
		}
	}()

	handler, ok := w.registry.Get(op.Type)
	if !ok {
		return nil, fmt.Errorf("%w for %q", errNoHandler, op.Type)
	}
	refs, err := resolveRefs(job, index, op.DocumentRefs)
	if err != nil {
		return nil, err
	}

	res, err = handler.Execute(ctx, OperationRequest{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Index:   index,
		Type:    op.Type,
		Refs:    refs,
		Options: op.Options,
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &OperationResult{}
	}
	return res, nil
}

// resolveRefs replaces op:N references with the outputs of operation N
func resolveRefs(job *models.BatchJob, index int, refs []string) ([]string, error) {
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		n, isOpRef, err := parseOpRef(ref)
		if err != nil {
			return nil, err
		}
		if !isOpRef {
			out = append(out, ref)
			continue
		}
		if n >= index || n >= len(job.OperationStates) {
			return nil, fmt.Errorf("%q does not name an earlier operation", ref)
		}
		prev := job.OperationStates[n]
		if prev.Status != models.OperationCompleted || len(prev.ResultRefs) == 0 {
			return nil, fmt.Errorf("%q produced no results", ref)
		}
		out = append(out, prev.ResultRefs...)
	}
	return out, nil
}

// cancelRequested re-reads the job so a cancel from the API is seen between operations
func (w *Worker) cancelRequested(ctx context.Context, job *models.BatchJob) (bool, error) {
	if job.CancelRequested {
		return true, nil
	}
	current, err := w.store.FindByID(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if current.Status.IsTerminal() {
		return false, ErrJobTerminal
	}
	if current.ClaimedBy != w.id {
		return false, ErrLeaseLost
	}
	job.CancelRequested = current.CancelRequested
	return job.CancelRequested, nil
}

func (w *Worker) persist(ctx context.Context, job *models.BatchJob) error {
	now := w.now()
	until := now.Add(w.lease)
	job.UpdatedAt = now
	job.LeaseUntil = &until
	job.ClaimedBy = w.id
	return w.store.Update(ctx, job, w.id)
}

func (w *Worker) finish(ctx context.Context, job *models.BatchJob, status models.JobStatus, msg string, log zerolog.Logger) error {
	now := w.now()
	job.Status = status
	job.CompletedAt = &now
	job.LeaseUntil = nil
	if status == models.JobCompleted {
		job.ErrorMessage = ""
		job.Progress = 100
	} else if msg != "" {
		job.ErrorMessage = msg
	}
	job.ResultRefs = collectResults(job)

	job.UpdatedAt = now
	if err := w.store.Update(ctx, job, w.id); err != nil {
		return w.stopped(log, err)
	}
	metrics.JobTransitions.WithLabelValues(string(status)).Inc()
	w.publish(ctx, job, nil, string(status))

	ev := log.Info()
	if status == models.JobFailed {
		ev = log.Error().Str("error", msg)
	}
	ev.Str("status", string(status)).Int("attempts", job.Attempts).Int("results", len(job.ResultRefs)).Msg("job finished")
	return nil
}

// stopped handles losing ownership of the job; it is not an error for the caller
func (w *Worker) stopped(log zerolog.Logger, err error) error {
	if errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrJobTerminal) {
		log.Warn().Err(err).Msg("job no longer owned by this worker")
		return nil
	}
	return err
}

func (w *Worker) publish(ctx context.Context, job *models.BatchJob, op *int, msg string) {
	publish(ctx, w.notifier, w.log, Event{
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  job.Progress,
		Operation: op,
		Message:   msg,
		Time:      w.now(),
	})
}

func completedCount(job *models.BatchJob) int {
	n := 0
	for _, st := range job.OperationStates {
		if st.Status == models.OperationCompleted {
			n++
		}
	}
	return n
}

// collectResults gathers the outputs of every completed operation in order
func collectResults(job *models.BatchJob) []string {
	refs := []string{}
	for _, st := range job.OperationStates {
		if st.Status == models.OperationCompleted {
			refs = append(refs, st.ResultRefs...)
		}
	}
	return refs
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
