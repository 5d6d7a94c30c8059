package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/facturaIA/document-enhancement-service/internal/batch"
	apperrors "github.com/facturaIA/document-enhancement-service/internal/errors"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// SubmitBatchRequest is the body of POST /batch
type SubmitBatchRequest struct {
	Name       string             `json:"name"`
	Operations []models.Operation `json:"operations"`
}

// BatchStatusResponse is returned by submit and cancel
type BatchStatusResponse struct {
	BatchID string           `json:"batchId"`
	Status  models.JobStatus `json:"status"`
}

// SubmitBatch handles POST /batch
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}

	var req SubmitBatchRequest
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.deps.Queue.Submit(r.Context(), ownerID, req.Name, req.Operations)
	if err != nil {
		if errors.Is(err, apperrors.ErrValidation) {
			h.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.log.Error().Err(err).Str("owner_id", ownerID).Msg("batch submission failed")
		h.sendError(w, http.StatusInternalServerError, "failed to submit batch job")
		return
	}

	h.sendJSON(w, http.StatusCreated, BatchStatusResponse{BatchID: job.ID, Status: job.Status})
}

// ListBatches handles GET /batch
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}

	jobs, err := h.deps.Queue.List(r.Context(), ownerID)
	if err != nil {
		h.log.Error().Err(err).Str("owner_id", ownerID).Msg("failed to list batch jobs")
		h.sendError(w, http.StatusInternalServerError, "failed to list batch jobs")
		return
	}
	if jobs == nil {
		jobs = []*models.BatchJob{}
	}
	h.sendJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetBatch handles GET /batch/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}

	job, err := h.deps.Queue.GetStatus(r.Context(), ownerID, mux.Vars(r)["id"])
	if err != nil {
		h.sendJobError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, job)
}

// GetBatchProgress handles GET /batch/{id}/progress
func (h *Handler) GetBatchProgress(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}

	progress, err := h.deps.Queue.Progress(r.Context(), ownerID, mux.Vars(r)["id"])
	if err != nil {
		h.sendJobError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, progress)
}

// CancelBatch handles DELETE /batch/{id}
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := h.owner(w, r)
	if !ok {
		return
	}

	job, err := h.deps.Queue.Cancel(r.Context(), ownerID, mux.Vars(r)["id"])
	if err != nil {
		h.sendJobError(w, err)
		return
	}
	h.sendJSON(w, http.StatusOK, BatchStatusResponse{BatchID: job.ID, Status: job.Status})
}

// sendJobError maps queue errors to status codes
func (h *Handler) sendJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, batch.ErrJobNotFound):
		h.sendError(w, http.StatusNotFound, "batch job not found")
	case errors.Is(err, batch.ErrJobTerminal):
		h.sendError(w, http.StatusConflict, "batch job already finished")
	default:
		h.log.Error().Err(err).Msg("batch job request failed")
		h.sendError(w, http.StatusInternalServerError, "internal error")
	}
}
