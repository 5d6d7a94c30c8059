package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/facturaIA/document-enhancement-service/internal/errors"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(ctx context.Context, jobID string) error {
	return errors.New("redis down")
}

type countingDispatcher struct{ ids []string }

func (d *countingDispatcher) Dispatch(ctx context.Context, jobID string) error {
	d.ids = append(d.ids, jobID)
	return nil
}

func TestValidateOperations(t *testing.T) {
	tests := []struct {
		name    string
		jobName string
		ops     []models.Operation
		wantErr bool
	}{
		{"valid", "job", []models.Operation{op(models.OpMerge, "a", "b"), op(models.OpCompress, "op:0")}, false},
		{"missing name", " ", []models.Operation{op(models.OpMerge, "a")}, true},
		{"no operations", "job", nil, true},
		{"unknown type", "job", []models.Operation{op("rotate", "a")}, true},
		{"empty refs", "job", []models.Operation{op(models.OpOCR)}, true},
		{"blank ref", "job", []models.Operation{op(models.OpOCR, "")}, true},
		{"forward reference", "job", []models.Operation{op(models.OpMerge, "op:1"), op(models.OpCompress, "a")}, true},
		{"self reference", "job", []models.Operation{op(models.OpMerge, "a"), op(models.OpCompress, "op:1")}, true},
		{"malformed reference", "job", []models.Operation{op(models.OpMerge, "op:first")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOperations(tt.jobName, tt.ops)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, apperrors.ErrValidation))
		})
	}
}

func TestQueue_SubmitPersistsAndDispatches(t *testing.T) {
	store := NewMemoryStore()
	d := &countingDispatcher{}
	n := &recordingNotifier{}
	q := NewQueue(store, d, n, testQueueConfig())

	job, err := q.Submit(context.Background(), "owner-1", "monthly scans", []models.Operation{
		op(models.OpOCR, "doc-1", "doc-2"),
		op(models.OpSummarize, "op:0"),
	})
	require.NoError(t, err)

	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, []string{job.ID}, d.ids)
	require.Len(t, job.OperationStates, 2)
	assert.Equal(t, models.OperationPending, job.OperationStates[1].Status)
	assert.Equal(t, models.OpSummarize, job.OperationStates[1].Type)

	stored, err := store.FindByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "owner-1", stored.OwnerID)
	assert.Len(t, n.events, 1)
}

func TestQueue_InvalidSubmissionPersistsNothing(t *testing.T) {
	store := NewMemoryStore()
	d := &countingDispatcher{}
	q := NewQueue(store, d, nil, testQueueConfig())

	_, err := q.Submit(context.Background(), "owner-1", "bad", []models.Operation{op(models.OpOCR)})
	require.Error(t, err)

	jobs, err := q.List(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, d.ids)
}

func TestQueue_DispatchFailureIsRecorded(t *testing.T) {
	store := NewMemoryStore()
	q := NewQueue(store, failingDispatcher{}, nil, testQueueConfig())

	_, err := q.Submit(context.Background(), "owner-1", "job", []models.Operation{op(models.OpOCR, "a")})
	require.Error(t, err)

	jobs, err := q.List(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobFailed, jobs[0].Status)
	assert.Contains(t, jobs[0].ErrorMessage, "redis down")
}

func TestQueue_OwnershipIsEnforced(t *testing.T) {
	f := newFixture()
	job := f.submit(t, op(models.OpOCR, "a"))
	ctx := context.Background()

	_, err := f.queue.GetStatus(ctx, "someone-else", job.ID)
	assert.True(t, errors.Is(err, ErrJobNotFound))

	_, err = f.queue.Cancel(ctx, "someone-else", job.ID)
	assert.True(t, errors.Is(err, ErrJobNotFound))

	_, err = f.queue.Progress(ctx, "owner-1", "no-such-job")
	assert.True(t, errors.Is(err, ErrJobNotFound))

	got, err := f.queue.GetStatus(ctx, "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
}

func TestQueue_Cancel(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	pending := f.submit(t, op(models.OpOCR, "a"))
	got, err := f.queue.Cancel(ctx, "owner-1", pending.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)
	assert.Equal(t, models.OperationSkipped, got.OperationStates[0].Status)

	_, err = f.queue.Cancel(ctx, "owner-1", pending.ID)
	assert.True(t, errors.Is(err, ErrJobTerminal))

	running := f.submit(t, op(models.OpOCR, "a"))
	_, err = f.store.Claim(ctx, running.ID, "worker-9", testQueueConfig().LeaseDuration)
	require.NoError(t, err)
	got, err = f.queue.Cancel(ctx, "owner-1", running.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
	assert.True(t, got.CancelRequested)
}

func TestQueue_ProgressEstimate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.submit(t, op(models.OpOCR, "a"), op(models.OpOCR, "b"), op(models.OpOCR, "c"))

	p, err := f.queue.Progress(ctx, "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Overall)
	assert.Equal(t, 90, p.EstimatedSecondsRemaining)
	assert.Len(t, p.PerOperationStatus, 3)

	f.registry.Register(models.OpOCR, succeed("x"))
	require.NoError(t, f.worker.Run(ctx, job.ID))

	p, err = f.queue.Progress(ctx, "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, p.Overall)
	assert.Equal(t, models.JobCompleted, p.Status)
	assert.Zero(t, p.EstimatedSecondsRemaining)
}

func TestQueue_ProgressEstimateDuringRetryBackoff(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job := f.submit(t, op(models.OpOCR, "a"), op(models.OpOCR, "b"), op(models.OpOCR, "c"))

	claimed, err := f.store.Claim(ctx, job.ID, "worker-1", time.Minute)
	require.NoError(t, err)
	claimed.OperationStates[0].Status = models.OperationCompleted
	claimed.OperationStates[1].Status = models.OperationFailed
	claimed.Progress = 33
	require.NoError(t, f.store.Update(ctx, claimed, "worker-1"))

	p, err := f.queue.Progress(ctx, "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, p.EstimatedSecondsRemaining, "the failed operation runs again on retry")

	claimed.OperationStates[1].Status = models.OperationProcessing
	require.NoError(t, f.store.Update(ctx, claimed, "worker-1"))
	p, err = f.queue.Progress(ctx, "owner-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, p.EstimatedSecondsRemaining)
}

func TestQueue_RejectsOperationsWithoutHandler(t *testing.T) {
	f := newFixture()
	f.registry.Register(models.OpOCR, succeed("x"))
	f.queue.UseRegistry(f.registry)

	_, err := f.queue.Submit(context.Background(), "owner-1", "job", []models.Operation{
		op(models.OpOCR, "a"),
		op(models.OpSummarize, "op:0"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
	assert.Contains(t, err.Error(), `"summarize" is not available`)

	jobs, err := f.queue.List(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Empty(t, jobs)

	_, err = f.queue.Submit(context.Background(), "owner-1", "job", []models.Operation{op(models.OpOCR, "a")})
	require.NoError(t, err)
}

func TestComputeProgress(t *testing.T) {
	tests := []struct{ k, n, want int }{
		{0, 3, 0},
		{1, 3, 33},
		{2, 3, 67},
		{3, 3, 100},
		{1, 8, 13},
		{0, 0, 0},
		{5, 5, 100},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ComputeProgress(tt.k, tt.n), "%d/%d", tt.k, tt.n)
	}
}

func TestComputeProgress_Monotonic(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("progress never decreases and ends at 100", prop.ForAll(
		func(n int) bool {
			prev := ComputeProgress(0, n)
			if prev != 0 {
				return false
			}
			for k := 1; k <= n; k++ {
				p := ComputeProgress(k, n)
				if p < prev || p < 0 || p > 100 {
					return false
				}
				prev = p
			}
			return prev == 100
		},
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}
