package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/facturaIA/document-enhancement-service/internal/auth"
	"github.com/facturaIA/document-enhancement-service/internal/batch"
	apperrors "github.com/facturaIA/document-enhancement-service/internal/errors"
	"github.com/facturaIA/document-enhancement-service/internal/models"
	"github.com/facturaIA/document-enhancement-service/internal/storage"
)

// OCRRequest is the optional body of POST /documents/{id}/ocr
type OCRRequest struct {
	Language            string  `json:"language,omitempty"`
	EnhanceWithAI       bool    `json:"enhanceWithAI,omitempty"`
	ExtractOriginal     bool    `json:"extractOriginal,omitempty"`
	ConfidenceThreshold float64 `json:"confidenceThreshold,omitempty"`
	DocumentType        string  `json:"documentType,omitempty"`
}

// OCRResponse is the result of a synchronous OCR request
type OCRResponse struct {
	Text              string                   `json:"text"`
	Confidence        float64                  `json:"confidence"`
	PageCount         int                      `json:"pageCount"`
	AIEnhanced        bool                     `json:"aiEnhanced"`
	DetectedLanguage  string                   `json:"detectedLanguage,omitempty"`
	Method            models.ExtractionMethod  `json:"method"`
	EnhancedText      string                   `json:"enhancedText,omitempty"`
	FailedPages       []int                    `json:"failedPages,omitempty"`
	DocumentType      string                   `json:"documentType,omitempty"`
	CorrectionOutcome models.CorrectionOutcome `json:"correctionOutcome"`
	Duration          float64                  `json:"duration"`
}

// ProcessDocument handles POST /documents/{id}/ocr
func (h *Handler) ProcessDocument(w http.ResponseWriter, r *http.Request) {
	claims, err := auth.GetClaimsFromContext(r.Context())
	if err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ref := mux.Vars(r)["id"]

	var req OCRRequest
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConfidenceThreshold < 0 || req.ConfidenceThreshold > 1 {
		h.sendError(w, http.StatusBadRequest, "confidenceThreshold must be between 0 and 1")
		return
	}

	log := h.log.With().Str("document", ref).Str("owner_id", claims.UserID).Logger()
	ctx := r.Context()

	doc, err := h.deps.Documents.Download(ctx, ref)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.sendError(w, http.StatusNotFound, "document not found")
			return
		}
		log.Error().Err(err).Msg("failed to load document")
		h.sendError(w, http.StatusInternalServerError, "failed to load document")
		return
	}

	result, err := h.deps.Processor.Process(ctx, doc, models.ProcessOptions{
		Language:            req.Language,
		EnhanceWithAI:       req.EnhanceWithAI,
		ExtractOriginal:     req.ExtractOriginal,
		ConfidenceThreshold: req.ConfidenceThreshold,
		DocumentTypeHint:    req.DocumentType,
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrOCRUnavailable) {
			h.sendError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		log.Error().Err(err).Msg("document processing failed")
		h.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.deps.Results != nil {
		if _, err := h.deps.Results.SaveDocumentResult(ctx, &batch.DocumentRecord{
			OwnerID:     claims.UserID,
			DocumentRef: ref,
			Result:      result,
		}); err != nil {
			log.Warn().Err(err).Msg("failed to save document result")
		}
	}

	h.sendJSON(w, http.StatusOK, OCRResponse{
		Text:              result.Text,
		Confidence:        result.Confidence,
		PageCount:         result.PageCount,
		AIEnhanced:        result.AIEnhanced,
		DetectedLanguage:  result.DetectedLanguage,
		Method:            result.Method,
		EnhancedText:      result.EnhancedText,
		FailedPages:       result.FailedPages,
		DocumentType:      result.DocumentType,
		CorrectionOutcome: result.CorrectionOutcome,
		Duration:          result.Duration,
	})
}
