package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturaIA/document-enhancement-service/internal/models"
)

func pendingJob(id string) *models.BatchJob {
	return &models.BatchJob{
		ID:         id,
		OwnerID:    "owner-1",
		Name:       id,
		Status:     models.JobPending,
		Operations: []models.Operation{op(models.OpOCR, "a")},
		OperationStates: []models.OperationState{
			{Index: 0, Type: models.OpOCR, Status: models.OperationPending},
		},
		CreatedAt: time.Now(),
	}
}

func TestMemoryStore_ClaimIsExclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, pendingJob("j1")))

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.Claim(ctx, "j1", "worker", time.Minute); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else {
				assert.True(t, errors.Is(err, ErrNotClaimable))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestMemoryStore_ExpiredLeaseCanBeReclaimed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, pendingJob("j1")))

	_, err := s.Claim(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)

	ids, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	ids, err = s.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, ids)

	job, err := s.Claim(ctx, "j1", "w2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "w2", job.ClaimedBy)

	// the first worker has lost the job
	job.ClaimedBy = "w1"
	assert.True(t, errors.Is(s.Update(ctx, job, "w1"), ErrLeaseLost))
}

func TestMemoryStore_Renew(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, pendingJob("j1")))
	later := time.Now().Add(time.Hour)

	assert.True(t, errors.Is(s.Renew(ctx, "j1", "w1", later), ErrLeaseLost), "pending jobs have no lease")
	assert.True(t, errors.Is(s.Renew(ctx, "missing", "w1", later), ErrJobNotFound))

	_, err := s.Claim(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Renew(ctx, "j1", "w1", later))
	assert.True(t, errors.Is(s.Renew(ctx, "j1", "w2", later), ErrLeaseLost))

	// past the original lease but within the renewed one
	s.now = func() time.Time { return time.Now().Add(30 * time.Minute) }
	ids, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = s.Claim(ctx, "j1", "w2", time.Minute)
	assert.True(t, errors.Is(err, ErrNotClaimable))

	job, err := s.FindByID(ctx, "j1")
	require.NoError(t, err)
	job.Status = models.JobCompleted
	require.NoError(t, s.Update(ctx, job, "w1"))
	assert.True(t, errors.Is(s.Renew(ctx, "j1", "w1", later), ErrJobTerminal))
}

func TestMemoryStore_TerminalJobsAreFrozen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, pendingJob("j1")))

	job, err := s.Claim(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)
	job.Status = models.JobCompleted
	require.NoError(t, s.Update(ctx, job, "w1"))

	assert.True(t, errors.Is(s.Update(ctx, job, "w1"), ErrJobTerminal))
	_, err = s.Claim(ctx, "j1", "w2", time.Minute)
	assert.True(t, errors.Is(err, ErrJobTerminal))
	_, err = s.RequestCancel(ctx, "j1")
	assert.True(t, errors.Is(err, ErrJobTerminal))
}

func TestMemoryStore_UpdateKeepsCancelRequest(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, pendingJob("j1")))

	job, err := s.Claim(ctx, "j1", "w1", time.Minute)
	require.NoError(t, err)

	_, err = s.RequestCancel(ctx, "j1")
	require.NoError(t, err)

	job.Progress = 50
	require.NoError(t, s.Update(ctx, job, "w1"))

	stored, err := s.FindByID(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, stored.CancelRequested)
	assert.Equal(t, 50, stored.Progress)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Insert(ctx, pendingJob("j1")))

	a, err := s.FindByID(ctx, "j1")
	require.NoError(t, err)
	a.OperationStates[0].Status = models.OperationCompleted

	b, err := s.FindByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, models.OperationPending, b.OperationStates[0].Status)
}

func TestMemoryStore_ListByOwnerNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	older := pendingJob("old")
	older.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.Insert(ctx, older))
	require.NoError(t, s.Insert(ctx, pendingJob("new")))
	other := pendingJob("other")
	other.OwnerID = "owner-2"
	require.NoError(t, s.Insert(ctx, other))

	jobs, err := s.ListByOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "new", jobs[0].ID)
	assert.Equal(t, "old", jobs[1].ID)
}

func TestBroadcaster(t *testing.T) {
	b := NewBroadcaster()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, "j1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, Event{JobID: "j2", Progress: 1}))
	require.NoError(t, b.Publish(ctx, Event{JobID: "j1", Progress: 50}))

	select {
	case ev := <-ch:
		assert.Equal(t, "j1", ev.JobID)
		assert.Equal(t, 50, ev.Progress)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, b.Publish(ctx, Event{JobID: "j1"}))
}

func TestBroadcaster_TerminalEventSurvivesFullBuffer(t *testing.T) {
	b := NewBroadcaster()
	ctx := context.Background()

	ch, cancel, err := b.Subscribe(ctx, "j1")
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < subscriberBuffer+8; i++ {
		require.NoError(t, b.Publish(ctx, Event{JobID: "j1", Status: models.JobProcessing, Progress: i}))
	}
	require.NoError(t, b.Publish(ctx, Event{JobID: "j1", Status: models.JobCompleted, Progress: 100}))

	var last Event
	received := 0
	for len(ch) > 0 {
		last = <-ch
		received++
	}
	assert.Equal(t, subscriberBuffer, received)
	assert.Equal(t, models.JobCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
}

func TestOffer(t *testing.T) {
	processing := func(p int) Event { return Event{JobID: "j1", Status: models.JobProcessing, Progress: p} }

	tests := []struct {
		name         string
		buffered     []Event
		ev           Event
		wantQueued   bool
		wantProgress []int
	}{
		{"room left", []Event{processing(1)}, processing(2), true, []int{1, 2}},
		{"full drops progress", []Event{processing(1), processing(2)}, processing(3), false, []int{1, 2}},
		{"full keeps terminal", []Event{processing(1), processing(2)}, Event{JobID: "j1", Status: models.JobFailed, Progress: 50}, true, []int{2, 50}},
		{"cancelled is terminal", []Event{processing(1), processing(2)}, Event{JobID: "j1", Status: models.JobCancelled, Progress: 5}, true, []int{2, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := make(chan Event, 2)
			for _, ev := range tt.buffered {
				ch <- ev
			}
			assert.Equal(t, tt.wantQueued, offer(ch, tt.ev))
			close(ch)
			var got []int
			for ev := range ch {
				got = append(got, ev.Progress)
			}
			assert.Equal(t, tt.wantProgress, got)
		})
	}
}
