package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/facturaIA/document-enhancement-service/api"
	"github.com/facturaIA/document-enhancement-service/internal/auth"
	"github.com/facturaIA/document-enhancement-service/internal/batch"
	"github.com/facturaIA/document-enhancement-service/internal/extract"
	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		cfgFile string
		config  *models.Config
	)

	root := &cobra.Command{
		Use:           "document-enhancement-service",
		Short:         "Document OCR, enhancement and batch processing service",
		Version:       api.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			// ocr prints its result on stdout
			if err := logger.SetupWriter(cfg.Log, cmd.ErrOrStderr()); err != nil {
				return err
			}
			config = cfg
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), config)
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "path to the YAML config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and the local worker pool when queue.backend is local)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), config)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "Run a batch worker consuming the Redis queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), config)
		},
	})

	var opts models.ProcessOptions
	ocrCmd := &cobra.Command{
		Use:   "ocr <file>",
		Short: "Process a local document and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOCR(cmd.Context(), config, args[0], opts, cmd.OutOrStdout())
		},
	}
	ocrCmd.Flags().StringVar(&opts.Language, "language", "", "language hint, e.g. spa+eng")
	ocrCmd.Flags().BoolVar(&opts.EnhanceWithAI, "enhance", false, "correct the text with an AI model")
	ocrCmd.Flags().BoolVar(&opts.ExtractOriginal, "extract-original", false, "prefer the embedded text layer when present")
	ocrCmd.Flags().Float64Var(&opts.ConfidenceThreshold, "threshold", 0, "confidence that stops trying enhancement strategies")
	ocrCmd.Flags().StringVar(&opts.DocumentTypeHint, "document-type", "", "document type hint for AI correction")
	root.AddCommand(ocrCmd)

	return root
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runServe(parent context.Context, config *models.Config) error {
	ctx, stop := signalContext(parent)
	defer stop()

	a, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer a.Close()

	var dispatcher batch.Dispatcher
	var local *batch.LocalDispatcher
	switch config.Queue.Backend {
	case "asynq":
		d, err := batch.NewAsynqDispatcher(config.Queue)
		if err != nil {
			return err
		}
		defer d.Close()
		dispatcher = d
	default:
		local = batch.NewLocalDispatcher(a.worker, a.jobs, config.Queue.Workers)
		if err := local.Start(ctx); err != nil {
			return err
		}
		dispatcher = local
	}
	queue := batch.NewQueue(a.jobs, dispatcher, a.notifier, config.Queue)
	queue.UseRegistry(a.registry)

	authn, err := auth.NewAuthenticator(os.Getenv("JWT_SECRET"), 24*time.Hour, "/health", "/metrics")
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	handler := api.NewHandler(config, api.Deps{
		Queue:     queue,
		Notifier:  a.notifier,
		Processor: a.coordinator,
		Documents: a.objects,
		Results:   a.results,
		Checks:    a.checks,
	})

	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           authn.JWTMiddleware(handler.SetupRoutes()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("version", api.Version).
		Str("ocr_engine", config.OCR.Engine).
		Bool("ocr_available", a.coordinator.OCRAvailable()).
		Str("queue_backend", config.Queue.Backend).
		Msg("starting document enhancement service")

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}

	if local != nil {
		stop()
		local.Wait()
	}
	return nil
}

func runWorker(parent context.Context, config *models.Config) error {
	if config.Queue.Backend != "asynq" {
		return errors.New("the worker command needs queue.backend asynq; the local backend runs jobs inside serve")
	}
	ctx, stop := signalContext(parent)
	defer stop()

	a, err := newApp(ctx, config)
	if err != nil {
		return err
	}
	defer a.Close()

	server, mux, err := batch.NewAsynqServer(config.Queue, a.worker)
	if err != nil {
		return err
	}
	if err := server.Start(mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}

	d, err := batch.NewAsynqDispatcher(config.Queue)
	if err != nil {
		server.Shutdown()
		return err
	}
	if n, err := batch.RecoverPending(ctx, a.jobs, d); err != nil {
		log.Warn().Err(err).Msg("failed to recover pending jobs")
	} else if n > 0 {
		log.Info().Int("jobs", n).Msg("recovered pending jobs")
	}
	_ = d.Close()

	log.Info().Str("queue", config.Queue.Name).Int("concurrency", config.Queue.Workers).Msg("batch worker started")
	<-ctx.Done()
	log.Info().Msg("stopping batch worker")
	server.Shutdown()
	return nil
}

func runOCR(parent context.Context, config *models.Config, path string, opts models.ProcessOptions, out io.Writer) error {
	ctx, stop := signalContext(parent)
	defer stop()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	coordinator, _, cleanup, err := newPipeline(ctx, config, logger.WithComponent("ocr"))
	if err != nil {
		return err
	}
	defer cleanup()

	doc := &models.Document{
		Ref:       path,
		Filename:  filepath.Base(path),
		MediaType: extract.DetectMediaType(data, "", filepath.Base(path)),
		Data:      data,
	}
	result, err := coordinator.Process(ctx, doc, opts)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
