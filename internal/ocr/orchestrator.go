package ocr

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	apperrors "github.com/facturaIA/document-enhancement-service/internal/errors"
	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/metrics"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// Enhancer produces candidate variants of a page, the original first
type Enhancer interface {
	Enhance(page models.PageImage) []models.EnhancementVariant
}

// TextRecognizer recognizes one variant
type TextRecognizer interface {
	Recognize(ctx context.Context, variant models.EnhancementVariant, language string) (*models.OCRResult, error)
}

// Orchestrator runs OCR over every enhancement variant of a page and keeps the best result
type Orchestrator struct {
	enhancer   Enhancer
	recognizer TextRecognizer
	earlyExit  float64
	log        zerolog.Logger
}

// NewOrchestrator creates an orchestrator that stops as soon as a result scores above earlyExit
func NewOrchestrator(enhancer Enhancer, recognizer TextRecognizer, earlyExit float64) *Orchestrator {
	return &Orchestrator{
		enhancer:   enhancer,
		recognizer: recognizer,
		earlyExit:  earlyExit,
		log:        logger.WithComponent("ocr.orchestrator"),
	}
}

// WithEarlyExit returns a copy using a different early-exit threshold
func (o *Orchestrator) WithEarlyExit(threshold float64) *Orchestrator {
	c := *o
	c.earlyExit = threshold
	return &c
}

// Orchestrate recognizes a page. Variants are tried in order; a result replaces the
// current best only when strictly more confident, so ties keep the original image.
func (o *Orchestrator) Orchestrate(ctx context.Context, page models.PageImage, language string) (*models.PageResult, error) {
	variants := o.enhancer.Enhance(page)

	var best *models.OCRResult
	var errs []error

	for _, variant := range variants {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		result, err := o.recognizer.Recognize(ctx, variant, language)
		if err != nil {
			metrics.OCRVariantAttempts.WithLabelValues(variant.Label, "error").Inc()
			o.log.Warn().
				Err(err).
				Int("page", page.Index).
				Str("variant", variant.Label).
				Msg("variant recognition failed")
			errs = append(errs, err)
			continue
		}
		metrics.OCRVariantAttempts.WithLabelValues(variant.Label, "ok").Inc()

		if best == nil || result.Confidence > best.Confidence {
			best = result
		}

		if result.Confidence > o.earlyExit {
			metrics.OCREarlyExits.Inc()
			o.log.Debug().
				Int("page", page.Index).
				Str("variant", variant.Label).
				Float64("confidence", result.Confidence).
				Msg("early exit")
			break
		}
	}

	if best == nil {
		metrics.OCRPageFailures.Inc()
		return nil, apperrors.NewPageOCRFailure(page.Index, len(variants), errors.Join(errs...))
	}

	metrics.OCRConfidence.Observe(best.Confidence)
	o.log.Info().
		Int("page", page.Index).
		Str("variant", best.SourceVariant).
		Float64("confidence", best.Confidence).
		Msg("page recognized")

	return &models.PageResult{
		Index:         page.Index,
		Method:        models.MethodOCR,
		Text:          best.Text,
		Confidence:    best.Confidence,
		SourceVariant: best.SourceVariant,
		Language:      best.Language,
		Words:         best.Words,
	}, nil
}
