// Package batch runs submitted jobs of document operations on workers.
package batch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/facturaIA/document-enhancement-service/internal/models"
)

var (
	ErrJobNotFound  = errors.New("batch job not found")
	ErrJobTerminal  = errors.New("batch job is already finished")
	ErrNotClaimable = errors.New("batch job is held by another worker")
	ErrLeaseLost    = errors.New("worker no longer holds the batch job lease")
)

// Store persists batch jobs. Implementations must make Claim and RequestCancel atomic.
type Store interface {
	Insert(ctx context.Context, job *models.BatchJob) error
	// Update replaces the stored job. While a job is processing only the worker
	// holding its lease may update it; terminal jobs cannot be updated.
	Update(ctx context.Context, job *models.BatchJob, workerID string) error
	FindByID(ctx context.Context, id string) (*models.BatchJob, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*models.BatchJob, error)
	// Claim moves a pending job, or a processing job whose lease expired, to
	// processing under workerID.
	Claim(ctx context.Context, id, workerID string, lease time.Duration) (*models.BatchJob, error)
	// Renew moves the lease of a processing job held by workerID to until. It fails
	// with ErrLeaseLost when the job is no longer held by workerID.
	Renew(ctx context.Context, id, workerID string, until time.Time) error
	// RequestCancel cancels a pending job outright and flags a processing one.
	RequestCancel(ctx context.Context, id string) (*models.BatchJob, error)
	// ListPending returns the IDs of jobs that a worker could claim now.
	ListPending(ctx context.Context) ([]string, error)
}

// DocumentRecord is the persisted metadata of one processed document
type DocumentRecord struct {
	ID          string
	OwnerID     string
	JobID       string
	DocumentRef string
	TextRef     string
	Result      *models.DocumentResult
	CreatedAt   time.Time
}

// ResultStore persists DocumentResult metadata
type ResultStore interface {
	SaveDocumentResult(ctx context.Context, rec *DocumentRecord) (string, error)
}

// MemoryStore keeps jobs in a map. It is used by tests and single-process deployments.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*models.BatchJob
	now  func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.BatchJob), now: time.Now}
}

func (s *MemoryStore) Insert(ctx context.Context, job *models.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("batch job already exists")
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, job *models.BatchJob, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if stored.Status.IsTerminal() {
		return ErrJobTerminal
	}
	if stored.Status == models.JobProcessing && stored.ClaimedBy != workerID {
		return ErrLeaseLost
	}

	next := job.Clone()
	// a cancel request may have arrived after the worker read the job
	next.CancelRequested = next.CancelRequested || stored.CancelRequested
	s.jobs[job.ID] = next
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

// ListByOwner returns the owner's jobs, newest first
func (s *MemoryStore) ListByOwner(ctx context.Context, ownerID string) ([]*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*models.BatchJob
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			jobs = append(jobs, job.Clone())
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *MemoryStore) Claim(ctx context.Context, id, workerID string, lease time.Duration) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	now := s.now()
	if !claimable(job, now) {
		if job.Status.IsTerminal() {
			return nil, ErrJobTerminal
		}
		return nil, ErrNotClaimable
	}

	until := now.Add(lease)
	job.Status = models.JobProcessing
	job.ClaimedBy = workerID
	job.LeaseUntil = &until
	job.UpdatedAt = now
	return job.Clone(), nil
}

func (s *MemoryStore) Renew(ctx context.Context, id, workerID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	switch {
	case !ok:
		return ErrJobNotFound
	case job.Status.IsTerminal():
		return ErrJobTerminal
	case job.Status != models.JobProcessing || job.ClaimedBy != workerID:
		return ErrLeaseLost
	}
	job.LeaseUntil = &until
	return nil
}

func (s *MemoryStore) RequestCancel(ctx context.Context, id string) (*models.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if job.Status.IsTerminal() {
		return nil, ErrJobTerminal
	}

	ApplyCancel(job, s.now())
	return job.Clone(), nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var pending []*models.BatchJob
	for _, job := range s.jobs {
		if claimable(job, now) {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	ids := make([]string, len(pending))
	for i, job := range pending {
		ids[i] = job.ID
	}
	return ids, nil
}

// ApplyCancel applies a cancel request to a non-terminal job: a pending job is
// cancelled with its operations skipped, a processing job is flagged for its worker.
func ApplyCancel(job *models.BatchJob, now time.Time) {
	job.UpdatedAt = now
	if job.Status == models.JobPending {
		job.Status = models.JobCancelled
		job.CompletedAt = &now
		skipRemaining(job)
		return
	}
	job.CancelRequested = true
}

func claimable(job *models.BatchJob, now time.Time) bool {
	switch job.Status {
	case models.JobPending:
		return true
	case models.JobProcessing:
		return job.LeaseUntil == nil || job.LeaseUntil.Before(now)
	default:
		return false
	}
}

// skipRemaining marks every operation that has not finished as skipped
func skipRemaining(job *models.BatchJob) {
	for i := range job.OperationStates {
		switch job.OperationStates[i].Status {
		case models.OperationPending, models.OperationProcessing:
			job.OperationStates[i].Status = models.OperationSkipped
		}
	}
}

// MemoryResultStore keeps document results in memory
type MemoryResultStore struct {
	mu      sync.Mutex
	records map[string]*DocumentRecord
}

// NewMemoryResultStore creates an empty result store
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{records: make(map[string]*DocumentRecord)}
}

func (s *MemoryResultStore) SaveDocumentResult(ctx context.Context, rec *DocumentRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.records[c.ID] = &c
	return c.ID, nil
}

// Records returns every saved record
func (s *MemoryResultStore) Records() []*DocumentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*DocumentRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
