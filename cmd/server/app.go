package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/facturaIA/document-enhancement-service/api"
	"github.com/facturaIA/document-enhancement-service/internal/ai"
	"github.com/facturaIA/document-enhancement-service/internal/batch"
	"github.com/facturaIA/document-enhancement-service/internal/db"
	"github.com/facturaIA/document-enhancement-service/internal/extract"
	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/models"
	"github.com/facturaIA/document-enhancement-service/internal/ocr"
	"github.com/facturaIA/document-enhancement-service/internal/pipeline"
	"github.com/facturaIA/document-enhancement-service/internal/storage"
)

// app holds every constructed service. Close releases them in reverse order.
type app struct {
	config      *models.Config
	coordinator *pipeline.Coordinator
	objects     storage.Store
	jobs        batch.Store
	results     batch.ResultStore
	notifier    batch.Notifier
	registry    *batch.Registry
	worker      *batch.Worker
	checks      map[string]api.HealthCheck

	closers []func()
	log     zerolog.Logger
}

func (a *app) onClose(f func()) {
	a.closers = append(a.closers, f)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newPipeline builds the OCR engine, enhancement, AI correction and the coordinator
func newPipeline(ctx context.Context, cfg *models.Config, log zerolog.Logger) (*pipeline.Coordinator, *ai.Summarizer, func(), error) {
	var engine ocr.Engine
	cleanup := func() {}
	switch cfg.OCR.Engine {
	case "vision":
		v, err := ocr.NewVisionOCR(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		engine = v
		cleanup = func() { _ = v.Close() }
	default:
		engine = ocr.NewTesseractOCR()
	}
	recognizer := ocr.NewRecognizer(engine, cfg.OCR.Timeout)
	if !recognizer.Available() {
		log.Warn().Str("engine", engine.Name()).Msg("OCR engine unavailable; only documents with a text layer can be processed")
	}

	providers := ai.NewProviders(cfg.AI)
	var corrector pipeline.TextCorrector
	var summarizer *ai.Summarizer
	if len(providers) > 0 {
		corrector = ai.NewCorrector(cfg.AI, providers, nil, cfg.Thresholds)
		summarizer = ai.NewSummarizer(cfg.AI, providers)
	} else {
		log.Warn().Msg("no AI provider configured; correction and summaries disabled")
	}

	coordinator := pipeline.NewCoordinator(pipeline.Deps{
		Extractor:    extract.NewExtractor(cfg.Thresholds),
		Rasterizer:   ocr.NewRasterizer(os.TempDir()),
		Orchestrator: ocr.NewOrchestrator(ocr.NewPreprocessor(), recognizer, cfg.Thresholds.EarlyExit),
		OCR:          recognizer,
		Corrector:    corrector,
	}, *cfg)
	return coordinator, summarizer, cleanup, nil
}

// newApp wires storage, persistence, the pipeline and the batch worker
func newApp(ctx context.Context, cfg *models.Config) (*app, error) {
	a := &app{
		config: cfg,
		checks: make(map[string]api.HealthCheck),
		log:    logger.WithComponent("server"),
	}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// Object storage
	if m, err := storage.NewMinIOFromEnv(ctx); err == nil {
		a.objects = m
		a.checks["storage"] = pingCheck("MinIO S3", m.Ping)
		a.log.Info().Msg("MinIO storage initialized")
	} else {
		a.log.Warn().Err(err).Msg("MinIO storage not available; using in-memory storage")
		a.objects = storage.NewMemory()
	}

	// Job and result persistence
	pool, err := db.Connect(ctx)
	switch {
	case err == nil:
		a.onClose(pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		a.jobs = db.NewJobStore(pool)
		a.results = db.NewResultStore(pool)
		a.checks["database"] = pingCheck("PostgreSQL", pool.Ping)
	case errors.Is(err, db.ErrNotConfigured):
		if cfg.Queue.Backend == "asynq" {
			return nil, errors.New("the asynq queue backend needs a database shared by API and workers")
		}
		a.log.Warn().Msg("no database configured; batch jobs are kept in memory")
		a.jobs = batch.NewMemoryStore()
		a.results = batch.NewMemoryResultStore()
	default:
		return nil, err
	}

	// Job events
	if cfg.Queue.RedisURL != "" {
		n, err := batch.NewRedisNotifier(cfg.Queue.RedisURL)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = n.Close() })
		a.notifier = n
		a.checks["redis"] = pingCheck("Redis", n.Ping)
	} else {
		a.notifier = batch.NewBroadcaster()
	}

	coordinator, summarizer, cleanup, err := newPipeline(ctx, cfg, a.log)
	if err != nil {
		return nil, err
	}
	a.onClose(cleanup)
	a.coordinator = coordinator

	a.registry = batch.NewRegistry()
	var sum batch.Summarizer
	if summarizer != nil {
		sum = summarizer
	}
	batch.NewDocumentHandlers(a.objects, coordinator, a.results, sum, os.TempDir()).Register(a.registry)
	a.worker = batch.NewWorker(workerID(), a.jobs, a.registry, a.notifier, cfg.Queue)

	ok = true
	return a, nil
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

func pingCheck(version string, ping func(context.Context) error) api.HealthCheck {
	return func(ctx context.Context) api.ServiceStatus {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			return api.ServiceStatus{Available: false, Version: version, Error: err.Error()}
		}
		return api.ServiceStatus{Available: true, Version: version}
	}
}
