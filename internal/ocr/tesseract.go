package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	apperrors "github.com/facturaIA/document-enhancement-service/internal/errors"
	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// ErrEngineUnavailable is returned by engines that were not compiled in or could not start
var ErrEngineUnavailable = errors.New("ocr engine unavailable")

// EngineWord is a word as reported by an engine, confidence on the engine's native scale
type EngineWord struct {
	Text       string
	Confidence float64
	Box        models.BoundingBox
}

// EngineResult is the raw output of a recognition call
type EngineResult struct {
	Text     string
	Words    []EngineWord
	Language string // detected language, if the engine reports one
}

// Engine is a text recognition capability
type Engine interface {
	Name() string
	Available() bool
	// ConfidenceScale is the maximum native confidence value (100 for Tesseract, 1 for Vision)
	ConfidenceScale() float64
	// SupportsCompositeLanguage reports whether hints like "spa+eng" can be passed through
	SupportsCompositeLanguage() bool
	Recognize(ctx context.Context, image []byte, language string) (*EngineResult, error)
}

// Recognizer adapts an Engine to the pipeline: it encodes variants, reduces language
// hints, bounds each call with a timeout and normalizes confidence to [0,1].
type Recognizer struct {
	engine  Engine
	timeout time.Duration
	log     zerolog.Logger
}

// NewRecognizer creates a recognizer around engine
func NewRecognizer(engine Engine, timeout time.Duration) *Recognizer {
	return &Recognizer{
		engine:  engine,
		timeout: timeout,
		log:     logger.WithComponent("ocr.recognizer"),
	}
}

// Available reports whether the underlying engine can be used
func (r *Recognizer) Available() bool {
	return r.engine != nil && r.engine.Available()
}

// EngineName returns the name of the wrapped engine
func (r *Recognizer) EngineName() string {
	if r.engine == nil {
		return "none"
	}
	return r.engine.Name()
}

// Recognize performs OCR on one enhancement variant
func (r *Recognizer) Recognize(ctx context.Context, variant models.EnhancementVariant, language string) (*models.OCRResult, error) {
	if !r.Available() {
		return nil, apperrors.NewOCRFailure("engine unavailable", ErrEngineUnavailable)
	}
	if variant.Image == nil {
		return nil, apperrors.NewOCRFailure("variant has no image", nil)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, variant.Image, imaging.PNG); err != nil {
		return nil, apperrors.NewOCRFailure("encode variant", err)
	}

	lang := language
	if !r.engine.SupportsCompositeLanguage() {
		lang = PrimaryLanguage(language)
	}

	raw, err := r.call(ctx, buf.Bytes(), lang)
	if err != nil {
		return nil, err
	}

	result := &models.OCRResult{
		Text:          strings.TrimSpace(raw.Text),
		SourceVariant: variant.Label,
		Language:      raw.Language,
		Words:         make([]models.Word, 0, len(raw.Words)),
	}
	if result.Language == "" {
		result.Language = PrimaryLanguage(language)
	}

	scale := r.engine.ConfidenceScale()
	var sum float64
	for _, w := range raw.Words {
		conf := normalizeConfidence(w.Confidence, scale)
		sum += conf
		result.Words = append(result.Words, models.Word{
			Text:       w.Text,
			Confidence: conf,
			Box:        w.Box,
		})
	}
	if len(result.Words) > 0 && result.Text != "" {
		result.Confidence = sum / float64(len(result.Words))
	}

	r.log.Debug().
		Str("engine", r.engine.Name()).
		Str("variant", variant.Label).
		Str("language", lang).
		Int("words", len(result.Words)).
		Float64("confidence", result.Confidence).
		Msg("variant recognized")

	return result, nil
}

// call runs the engine under the recognizer timeout. A timed out call is abandoned.
func (r *Recognizer) call(ctx context.Context, data []byte, lang string) (*EngineResult, error) {
	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type outcome struct {
		res *EngineResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("engine panicked: %v", p)}
			}
		}()
		res, err := r.engine.Recognize(callCtx, data, lang)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, apperrors.NewOCRFailure(r.engine.Name()+" failed", o.err)
		}
		if o.res == nil {
			return nil, apperrors.NewOCRFailure(r.engine.Name()+" returned no result", nil)
		}
		return o.res, nil
	case <-callCtx.Done():
		return nil, apperrors.NewOCRFailure("timeout", callCtx.Err())
	}
}

// PrimaryLanguage extracts the first component of a composite hint ("spa+eng" -> "spa")
func PrimaryLanguage(hint string) string {
	fields := strings.FieldsFunc(hint, func(r rune) bool {
		return r == '+' || r == ',' || r == ';' || r == ' '
	})
	if len(fields) == 0 {
		return "eng"
	}
	return strings.ToLower(strings.TrimSpace(fields[0]))
}

func normalizeConfidence(value, scale float64) float64 {
	if scale <= 0 {
		scale = 1
	}
	c := value / scale
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
