package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// TypeExecuteBatch is the asynq task type carrying a job ID
const TypeExecuteBatch = "batch:execute"

// JobRunner executes one job; *Worker implements it
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// LocalDispatcher runs jobs on a pool of goroutines in this process
type LocalDispatcher struct {
	runner  JobRunner
	store   Store
	workers int
	jobs    chan string
	wg      sync.WaitGroup
	log     zerolog.Logger
}

// NewLocalDispatcher creates a dispatcher with the given number of goroutines
func NewLocalDispatcher(runner JobRunner, store Store, workers int) *LocalDispatcher {
	if workers < 1 {
		workers = 1
	}
	return &LocalDispatcher{
		runner:  runner,
		store:   store,
		workers: workers,
		jobs:    make(chan string, 1024),
		log:     logger.WithComponent("batch.dispatcher"),
	}
}

// Start launches the pool and re-queues jobs left pending by a previous process.
// Workers stop when ctx is done.
func (d *LocalDispatcher) Start(ctx context.Context) error {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.loop(ctx)
	}

	n, err := RecoverPending(ctx, d.store, d)
	if err != nil {
		return fmt.Errorf("failed to recover pending jobs: %w", err)
	}
	if n > 0 {
		d.log.Info().Int("jobs", n).Msg("recovered pending jobs")
	}
	return nil
}

func (d *LocalDispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.jobs:
			if err := d.runner.Run(ctx, id); err != nil {
				d.log.Error().Err(err).Str("job_id", id).Msg("job run ended with error")
			}
		}
	}
}

// Dispatch queues a job for the pool
func (d *LocalDispatcher) Dispatch(ctx context.Context, jobID string) error {
	select {
	case d.jobs <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every pool goroutine has exited
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

type executePayload struct {
	JobID string `json:"jobId"`
}

// AsynqDispatcher enqueues jobs in Redis for separate worker processes
type AsynqDispatcher struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

// NewAsynqDispatcher connects to the Redis queue
func NewAsynqDispatcher(cfg models.QueueConfig) (*AsynqDispatcher, error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return &AsynqDispatcher{
		client:  asynq.NewClient(redisOpt),
		queue:   cfg.Name,
		timeout: jobTaskTimeout(cfg),
	}, nil
}

// jobTaskTimeout leaves room for every retry of a job inside one task
func jobTaskTimeout(cfg models.QueueConfig) time.Duration {
	attempts := time.Duration(cfg.MaxAttempts)
	return attempts*cfg.JobTimeout + attempts*cfg.MaxDelay
}

// Dispatch enqueues a task for the job. Duplicate tasks are harmless: only one
// worker can claim the job.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(executePayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TypeExecuteBatch, payload)
	_, err = d.client.EnqueueContext(ctx, task,
		asynq.Queue(d.queue),
		asynq.MaxRetry(0), // job-level retries are handled by the worker
		asynq.Timeout(d.timeout),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// NewAsynqServer builds the worker-side asynq server that feeds runner
func NewAsynqServer(cfg models.QueueConfig, runner JobRunner) (*asynq.Server, *asynq.ServeMux, error) {
	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	log := logger.WithComponent("batch.asynq")
	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Workers,
		Queues:      map[string]int{cfg.Name: 1},
		Logger:      asynqLogger{log: log},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Error().Err(err).Str("type", task.Type()).Bytes("payload", task.Payload()).Msg("task failed")
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeExecuteBatch, func(ctx context.Context, task *asynq.Task) error {
		var p executePayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil {
			return fmt.Errorf("failed to unmarshal task payload: %w: %w", err, asynq.SkipRetry)
		}
		return runner.Run(ctx, p.JobID)
	})
	return server, mux, nil
}

// asynqLogger adapts zerolog to asynq.Logger
type asynqLogger struct {
	log zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }

// RecoverPending re-dispatches every claimable job, e.g. after a worker crash
func RecoverPending(ctx context.Context, store Store, d Dispatcher) (int, error) {
	ids, err := store.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := d.Dispatch(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}
