package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/facturaIA/document-enhancement-service/internal/batch"
)

// ResultStore persists DocumentResult metadata. The text itself lives in object
// storage under TextRef.
type ResultStore struct {
	pool *pgxpool.Pool
}

func NewResultStore(pool *pgxpool.Pool) *ResultStore {
	return &ResultStore{pool: pool}
}

var _ batch.ResultStore = (*ResultStore)(nil)

// confidenceValue rounds to the NUMERIC(5,4) column so stored values compare exactly
func confidenceValue(c float64) decimal.Decimal {
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return decimal.NewFromFloat(c).Round(4)
}

// SaveDocumentResult inserts rec and returns its ID
func (s *ResultStore) SaveDocumentResult(ctx context.Context, rec *batch.DocumentRecord) (string, error) {
	if rec.Result == nil {
		return "", fmt.Errorf("document result for %s is empty", rec.DocumentRef)
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	failed := rec.Result.FailedPages
	if failed == nil {
		failed = []int{}
	}
	failedPages, err := json.Marshal(failed)
	if err != nil {
		return "", err
	}

	r := rec.Result
	_, err = s.pool.Exec(ctx, `
		INSERT INTO document_results (
			id, owner_id, job_id, document_ref, text_ref, method, confidence, page_count,
			failed_pages, ai_enhanced, correction_outcome, document_type, detected_language,
			duration_seconds, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		rec.ID, rec.OwnerID, rec.JobID, rec.DocumentRef, rec.TextRef, string(r.Method),
		confidenceValue(r.Confidence), r.PageCount, failedPages, r.AIEnhanced,
		string(r.CorrectionOutcome), r.DocumentType, r.DetectedLanguage, r.Duration, rec.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("failed to save document result: %w", err)
	}
	return rec.ID, nil
}
