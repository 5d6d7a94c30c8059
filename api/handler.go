package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/facturaIA/document-enhancement-service/internal/auth"
	"github.com/facturaIA/document-enhancement-service/internal/batch"
	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/models"
	"github.com/facturaIA/document-enhancement-service/internal/storage"
)

const (
	MaxBodySize = 1 << 20 // 1MB of JSON
	Version     = "1.0.0"
)

// Processor runs the document pipeline; *pipeline.Coordinator implements it
type Processor interface {
	Process(ctx context.Context, doc *models.Document, opts models.ProcessOptions) (*models.DocumentResult, error)
	OCRAvailable() bool
}

// HealthCheck reports the status of one dependency
type HealthCheck func(ctx context.Context) ServiceStatus

// Deps are the services behind the endpoints. Notifier and Results may be nil.
type Deps struct {
	Queue     *batch.Queue
	Notifier  batch.Notifier
	Processor Processor
	Documents storage.Store
	Results   batch.ResultStore
	Checks    map[string]HealthCheck
}

// Handler handles HTTP requests for batch jobs and document OCR
type Handler struct {
	config *models.Config
	deps   Deps
	log    zerolog.Logger
}

// NewHandler creates a new API handler
func NewHandler(config *models.Config, deps Deps) *Handler {
	return &Handler{
		config: config,
		deps:   deps,
		log:    logger.WithComponent("api"),
	}
}

// SetupRoutes configures the HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(metricsMiddleware)

	// Batch jobs
	router.HandleFunc("/batch", h.SubmitBatch).Methods("POST")
	router.HandleFunc("/batch", h.ListBatches).Methods("GET")
	router.HandleFunc("/batch/{id}", h.GetBatch).Methods("GET")
	router.HandleFunc("/batch/{id}", h.CancelBatch).Methods("DELETE")
	router.HandleFunc("/batch/{id}/progress", h.GetBatchProgress).Methods("GET")
	router.HandleFunc("/batch/{id}/events", h.BatchEvents).Methods("GET")

	// Synchronous OCR; document refs may contain slashes
	router.HandleFunc("/documents/{id:.+}/ocr", h.ProcessDocument).Methods("POST")

	router.HandleFunc("/health", h.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status       string                   `json:"status"`
	Version      string                   `json:"version"`
	Timestamp    string                   `json:"timestamp"`
	Uptime       string                   `json:"uptime"`
	Memory       MemoryStats              `json:"memory"`
	OCR          ServiceStatus            `json:"ocr"`
	Dependencies map[string]ServiceStatus `json:"dependencies"`
	Queue        map[string]string        `json:"queue"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Allocated string `json:"allocated"`
	Total     string `json:"total"`
	System    string `json:"system"`
}

// ServiceStatus represents the status of a service dependency
type ServiceStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

var startTime = time.Now()

// Health reports dependency status. OCR unavailability marks the service degraded;
// documents with a text layer can still be processed.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(startTime).String(),
		Memory: MemoryStats{
			Allocated: fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
			Total:     fmt.Sprintf("%.2f MB", float64(m.TotalAlloc)/1024/1024),
			System:    fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024),
		},
		OCR:          h.checkOCR(),
		Dependencies: make(map[string]ServiceStatus),
		Queue: map[string]string{
			"backend":   h.config.Queue.Backend,
			"ocrEngine": h.config.OCR.Engine,
		},
	}

	names := make([]string, 0, len(h.deps.Checks))
	for name := range h.deps.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	degraded := !response.OCR.Available
	for _, name := range names {
		status := h.deps.Checks[name](ctx)
		response.Dependencies[name] = status
		if !status.Available {
			degraded = true
		}
	}

	if degraded {
		response.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (h *Handler) checkOCR() ServiceStatus {
	if h.deps.Processor == nil || !h.deps.Processor.OCRAvailable() {
		return ServiceStatus{
			Available: false,
			Version:   h.config.OCR.Engine,
			Error:     "OCR engine not available",
		}
	}
	return ServiceStatus{Available: true, Version: h.config.OCR.Engine}
}

// owner returns the caller's user ID or writes 401
func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims, err := auth.GetClaimsFromContext(r.Context())
	if err != nil {
		h.sendError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return claims.UserID, true
}

// sendJSON writes a JSON response with the given status
func (h *Handler) sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

// sendError sends an error response
func (h *Handler) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
