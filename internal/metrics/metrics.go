package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docenhance_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docenhance_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// OCR metrics
	OCRVariantAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docenhance_ocr_variant_attempts_total",
			Help: "OCR attempts per enhancement variant",
		},
		[]string{"variant", "outcome"}, // outcome: ok, error
	)

	OCREarlyExits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docenhance_ocr_early_exits_total",
			Help: "Pages that stopped trying variants after a high-confidence result",
		},
	)

	OCRPageFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docenhance_ocr_page_failures_total",
			Help: "Pages on which every variant failed",
		},
	)

	OCRConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docenhance_ocr_page_confidence",
			Help:    "Confidence of the selected result per page",
			Buckets: []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, .95, 1},
		},
	)

	// Pipeline metrics
	DocumentsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docenhance_documents_processed_total",
			Help: "Documents processed by the pipeline",
		},
		[]string{"method", "status"}, // method: direct_extraction, ocr
	)

	DocumentDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docenhance_document_duration_seconds",
			Help:    "Pipeline duration per document",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 25, 50, 100, 300},
		},
		[]string{"method"},
	)

	// Correction metrics
	CorrectionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docenhance_correction_outcomes_total",
			Help: "AI correction outcomes (applied, failed, rejected)",
		},
		[]string{"outcome", "category"},
	)

	ModelCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docenhance_model_calls_total",
			Help: "Language model calls per provider/model",
		},
		[]string{"provider", "model", "outcome"},
	)

	// Batch metrics
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docenhance_job_transitions_total",
			Help: "Batch job status transitions",
		},
		[]string{"status"},
	)

	JobAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docenhance_job_attempts_total",
			Help: "Batch job execution attempts, retries included",
		},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docenhance_operation_duration_seconds",
			Help:    "Batch operation duration",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"type", "status"},
	)

	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docenhance_event_subscribers",
			Help: "Open job event stream connections",
		},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docenhance_events_dropped_total",
			Help: "Job events not delivered to a subscriber whose buffer was full",
		},
	)
)
