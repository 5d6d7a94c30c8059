package models

import "time"

// JobStatus is the lifecycle state of a batch job
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// OperationType names a unit of work inside a batch job
type OperationType string

const (
	OpMerge     OperationType = "merge"
	OpSplit     OperationType = "split"
	OpCompress  OperationType = "compress"
	OpConvert   OperationType = "convert"
	OpOCR       OperationType = "ocr"
	OpSummarize OperationType = "summarize"
)

// OperationTypes lists every recognized operation type
var OperationTypes = []OperationType{OpMerge, OpSplit, OpCompress, OpConvert, OpOCR, OpSummarize}

// Valid reports whether t is a recognized operation type
func (t OperationType) Valid() bool {
	for _, known := range OperationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Operation is one typed unit of work referencing documents
type Operation struct {
	Type         OperationType  `json:"type"`
	DocumentRefs []string       `json:"documentRefs"`
	Options      map[string]any `json:"options,omitempty"`
}

// OperationStatus is the execution state of one operation
type OperationStatus string

const (
	OperationPending    OperationStatus = "pending"
	OperationProcessing OperationStatus = "processing"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
	OperationSkipped    OperationStatus = "skipped"
)

// OperationState tracks one operation of a job
type OperationState struct {
	Index       int             `json:"index"`
	Type        OperationType   `json:"type"`
	Status      OperationStatus `json:"status"`
	ResultRefs  []string        `json:"resultRefs,omitempty"`
	FailedRefs  []string        `json:"failedRefs,omitempty"`
	Note        string          `json:"note,omitempty"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// BatchJob is a submitted sequence of operations tracked as one unit
type BatchJob struct {
	ID              string           `json:"id"`
	OwnerID         string           `json:"ownerId"`
	Name            string           `json:"name"`
	Operations      []Operation      `json:"operations"`
	Status          JobStatus        `json:"status"`
	Progress        int              `json:"progress"`
	ResultRefs      []string         `json:"resultRefs"`
	OperationStates []OperationState `json:"operationStates"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	Attempts        int              `json:"attempts"`
	CancelRequested bool             `json:"cancelRequested,omitempty"`
	ClaimedBy       string           `json:"-"`
	LeaseUntil      *time.Time       `json:"-"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
}

// Clone returns a deep copy so stores never share slices with callers.
func (j *BatchJob) Clone() *BatchJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Operations = make([]Operation, len(j.Operations))
	for i, op := range j.Operations {
		c.Operations[i] = Operation{
			Type:         op.Type,
			DocumentRefs: append([]string(nil), op.DocumentRefs...),
			Options:      op.Options,
		}
	}
	c.ResultRefs = append([]string(nil), j.ResultRefs...)
	c.OperationStates = make([]OperationState, len(j.OperationStates))
	for i, st := range j.OperationStates {
		st.ResultRefs = append([]string(nil), st.ResultRefs...)
		st.FailedRefs = append([]string(nil), st.FailedRefs...)
		c.OperationStates[i] = st
	}
	if j.LeaseUntil != nil {
		t := *j.LeaseUntil
		c.LeaseUntil = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Progress is the payload of the progress endpoint
type Progress struct {
	Overall                   int              `json:"overall"`
	Status                    JobStatus        `json:"status"`
	PerOperationStatus        []OperationState `json:"perOperationStatus"`
	EstimatedSecondsRemaining int              `json:"estimatedSecondsRemaining"`
}
