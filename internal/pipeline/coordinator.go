// Package pipeline turns a stored document into text: direct extraction when the
// document carries text, multi-variant OCR per page otherwise, then optional AI correction.
package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/facturaIA/document-enhancement-service/internal/ai"
	apperrors "github.com/facturaIA/document-enhancement-service/internal/errors"
	"github.com/facturaIA/document-enhancement-service/internal/extract"
	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/metrics"
	"github.com/facturaIA/document-enhancement-service/internal/models"
	"github.com/facturaIA/document-enhancement-service/internal/ocr"
)

// DirectExtractor returns page text for documents with embedded text, or nil
type DirectExtractor interface {
	TryExtract(ctx context.Context, doc *models.Document) []models.PageResult
}

// PageRasterizer renders a document into page images
type PageRasterizer interface {
	Rasterize(ctx context.Context, doc *models.Document) ([]models.PageImage, error)
}

// OCRCapability reports whether an OCR engine can be used
type OCRCapability interface {
	Available() bool
	EngineName() string
}

// TextCorrector is the AI correction step
type TextCorrector interface {
	Correct(ctx context.Context, rawText, hint string) (string, error)
	Categorize(text, hint string) ai.Category
}

// Coordinator runs the per-document state machine
type Coordinator struct {
	extractor    DirectExtractor
	rasterizer   PageRasterizer
	orchestrator *ocr.Orchestrator
	capability   OCRCapability
	corrector    TextCorrector
	defaultLang  string
	minAIChars   int
	log          zerolog.Logger
}

// Deps are the collaborators of a Coordinator. Corrector may be nil, which disables
// AI correction.
type Deps struct {
	Extractor    DirectExtractor
	Rasterizer   PageRasterizer
	Orchestrator *ocr.Orchestrator
	OCR          OCRCapability
	Corrector    TextCorrector
}

// NewCoordinator creates a coordinator
func NewCoordinator(deps Deps, cfg models.Config) *Coordinator {
	return &Coordinator{
		extractor:    deps.Extractor,
		rasterizer:   deps.Rasterizer,
		orchestrator: deps.Orchestrator,
		capability:   deps.OCR,
		corrector:    deps.Corrector,
		defaultLang:  cfg.OCR.Language,
		minAIChars:   cfg.Thresholds.MinCorrectionInputChars,
		log:          logger.WithComponent("pipeline"),
	}
}

// OCRAvailable reports whether documents without embedded text can be processed
func (c *Coordinator) OCRAvailable() bool {
	return c.capability != nil && c.capability.Available()
}

// Process produces the text of doc. It fails only when OCR is unavailable for a
// document that needs it, when rasterization fails, or when every page failed;
// page and correction failures degrade to the best available text.
func (c *Coordinator) Process(ctx context.Context, doc *models.Document, opts models.ProcessOptions) (*models.DocumentResult, error) {
	start := time.Now()
	if opts.Language == "" {
		opts.Language = c.defaultLang
	}

	d := *doc
	d.MediaType = extract.DetectMediaType(d.Data, d.MediaType, d.Filename)
	log := c.log.With().Str("document", d.Ref).Str("media_type", d.MediaType).Logger()

	method := models.MethodDirectExtraction
	pages := c.extractor.TryExtract(ctx, &d)
	if pages == nil {
		if !c.OCRAvailable() {
			metrics.DocumentsProcessed.WithLabelValues(string(models.MethodOCR), "unavailable").Inc()
			return nil, apperrors.NewOCRUnavailable(c.engineName())
		}

		var err error
		pages, err = c.recognizePages(ctx, &d, opts, log)
		if err != nil {
			metrics.DocumentsProcessed.WithLabelValues(string(models.MethodOCR), "failed").Inc()
			return nil, err
		}
		method = models.MethodOCR
	}

	result := aggregate(pages)
	result.Method = method
	result.DetectedLanguage = detectedLanguage(pages, opts.Language)

	c.correct(ctx, result, opts, log)

	result.ProcessedAt = time.Now()
	result.Duration = time.Since(start).Seconds()

	metrics.DocumentsProcessed.WithLabelValues(string(method), "ok").Inc()
	metrics.DocumentDuration.WithLabelValues(string(method)).Observe(result.Duration)
	log.Info().
		Str("method", string(method)).
		Int("pages", result.PageCount).
		Ints("failed_pages", result.FailedPages).
		Float64("confidence", result.Confidence).
		Bool("ai_enhanced", result.AIEnhanced).
		Dur("duration", time.Since(start)).
		Msg("document processed")

	return result, nil
}

func (c *Coordinator) engineName() string {
	if c.capability == nil {
		return "none"
	}
	return c.capability.EngineName()
}

// recognizePages rasterizes and OCRs every page in index order. A failed page is
// recorded and does not stop the following pages.
func (c *Coordinator) recognizePages(ctx context.Context, doc *models.Document, opts models.ProcessOptions, log zerolog.Logger) ([]models.PageResult, error) {
	images, err := c.rasterizer.Rasterize(ctx, doc)
	if err != nil {
		return nil, apperrors.NewDocumentOCRFailure(doc.Ref, 0, err)
	}

	orchestrator := c.orchestrator
	if opts.ConfidenceThreshold > 0 {
		orchestrator = orchestrator.WithEarlyExit(opts.ConfidenceThreshold)
	}

	results := make([]models.PageResult, 0, len(images))
	var errs []error
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var page *models.PageResult
		if img.Image == nil {
			err = apperrors.NewPageOCRFailure(img.Index, 0, errors.New("page has no renderable image"))
		} else {
			page, err = orchestrator.Orchestrate(ctx, img, opts.Language)
		}
		if err != nil {
			log.Warn().Err(err).Int("page", img.Index).Msg("page failed, continuing")
			errs = append(errs, err)
			results = append(results, models.PageResult{
				Index:  img.Index,
				Method: models.MethodOCR,
				Failed: true,
				Error:  err.Error(),
			})
			continue
		}
		results = append(results, *page)
	}

	if len(errs) == len(results) {
		return nil, apperrors.NewDocumentOCRFailure(doc.Ref, len(results), errors.Join(errs...))
	}
	return results, nil
}

// aggregate joins page text in page order; failed pages contribute an empty segment
// and count as zero confidence.
func aggregate(pages []models.PageResult) *models.DocumentResult {
	texts := make([]string, len(pages))
	var sum float64
	var failed []int
	for i, p := range pages {
		texts[i] = p.Text
		sum += p.Confidence
		if p.Failed {
			failed = append(failed, p.Index)
		}
	}

	text := strings.Join(texts, "\n\n")
	result := &models.DocumentResult{
		Text:         text,
		OriginalText: text,
		PageCount:    len(pages),
		Pages:        pages,
		FailedPages:  failed,
	}
	if len(pages) > 0 {
		result.Confidence = sum / float64(len(pages))
	}
	return result
}

func detectedLanguage(pages []models.PageResult, hint string) string {
	for _, p := range pages {
		if p.Language != "" {
			return p.Language
		}
	}
	return ocr.PrimaryLanguage(hint)
}

// correct runs AI correction when requested. Failures and rejections keep the
// original text.
func (c *Coordinator) correct(ctx context.Context, result *models.DocumentResult, opts models.ProcessOptions, log zerolog.Logger) {
	if c.corrector != nil {
		result.DocumentType = string(c.corrector.Categorize(result.OriginalText, opts.DocumentTypeHint))
	}
	if !opts.EnhanceWithAI {
		return
	}
	if c.corrector == nil || utf8.RuneCountInString(strings.TrimSpace(result.OriginalText)) <= c.minAIChars {
		result.CorrectionOutcome = models.CorrectionSkipped
		return
	}

	corrected, err := c.corrector.Correct(ctx, result.OriginalText, result.DocumentType)
	switch {
	case err == nil:
		result.AIEnhanced = true
		result.CorrectionOutcome = models.CorrectionApplied
		result.EnhancedText = corrected
		if !opts.ExtractOriginal {
			result.Text = corrected
		}
	case errors.Is(err, ai.ErrInputTooShort):
		result.CorrectionOutcome = models.CorrectionSkipped
	case errors.Is(err, apperrors.ErrCorrectionRejected):
		result.CorrectionOutcome = models.CorrectionRejected
		log.Info().Err(err).Msg("correction rejected, keeping original text")
	default:
		result.CorrectionOutcome = models.CorrectionFailed
		log.Warn().Err(err).Msg("correction failed, keeping original text")
	}
}
