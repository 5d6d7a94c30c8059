package ocr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/facturaIA/document-enhancement-service/internal/errors"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

type fakeEngine struct {
	available bool
	scale     float64
	composite bool
	result    *EngineResult
	err       error
	delay     time.Duration

	gotLanguage string
	calls       int
}

func (f *fakeEngine) Name() string                    { return "fake" }
func (f *fakeEngine) Available() bool                 { return f.available }
func (f *fakeEngine) ConfidenceScale() float64        { return f.scale }
func (f *fakeEngine) SupportsCompositeLanguage() bool { return f.composite }

func (f *fakeEngine) Recognize(ctx context.Context, image []byte, language string) (*EngineResult, error) {
	f.calls++
	f.gotLanguage = language
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

func variantOf(label string) models.EnhancementVariant {
	return models.EnhancementVariant{Label: label, Image: testPage(20, 20).Image}
}

func TestPrimaryLanguage(t *testing.T) {
	tests := map[string]string{
		"spa+eng": "spa",
		"eng,deu": "eng",
		" FRA ":   "fra",
		"":        "eng",
		"hin":     "hin",
	}
	for in, want := range tests {
		assert.Equal(t, want, PrimaryLanguage(in), in)
	}
}

func TestRecognizer_NormalizesConfidence(t *testing.T) {
	engine := &fakeEngine{
		available: true,
		scale:     100,
		result: &EngineResult{
			Text: "  Invoice 1234  ",
			Words: []EngineWord{
				{Text: "Invoice", Confidence: 90},
				{Text: "1234", Confidence: 70},
				{Text: "noise", Confidence: 140},
			},
		},
	}
	r := NewRecognizer(engine, time.Second)

	res, err := r.Recognize(context.Background(), variantOf("moderate-sharpen"), "spa+eng")
	require.NoError(t, err)

	assert.Equal(t, "Invoice 1234", res.Text)
	assert.Equal(t, "moderate-sharpen", res.SourceVariant)
	assert.Equal(t, "spa", engine.gotLanguage, "composite hints reduced to primary")
	assert.Equal(t, "spa", res.Language)
	require.Len(t, res.Words, 3)
	assert.InDelta(t, 0.9, res.Words[0].Confidence, 1e-9)
	assert.InDelta(t, 1.0, res.Words[2].Confidence, 1e-9, "clamped to 1")
	assert.InDelta(t, (0.9+0.7+1.0)/3, res.Confidence, 1e-9)
}

func TestRecognizer_CompositeLanguagePassThrough(t *testing.T) {
	engine := &fakeEngine{available: true, scale: 1, composite: true, result: &EngineResult{}}
	r := NewRecognizer(engine, time.Second)

	res, err := r.Recognize(context.Background(), variantOf("original"), "spa+eng")
	require.NoError(t, err)
	assert.Equal(t, "spa+eng", engine.gotLanguage)
	assert.Zero(t, res.Confidence, "no words means no confidence")
}

func TestRecognizer_Failures(t *testing.T) {
	t.Run("engine error is an OCR failure", func(t *testing.T) {
		r := NewRecognizer(&fakeEngine{available: true, scale: 100, err: errors.New("bad image")}, time.Second)
		_, err := r.Recognize(context.Background(), variantOf("original"), "eng")
		assert.ErrorIs(t, err, apperrors.ErrOCRFailure)
	})

	t.Run("timeout is an OCR failure", func(t *testing.T) {
		engine := &fakeEngine{available: true, scale: 100, result: &EngineResult{}, delay: time.Second}
		r := NewRecognizer(engine, 20*time.Millisecond)
		start := time.Now()
		_, err := r.Recognize(context.Background(), variantOf("original"), "eng")
		assert.ErrorIs(t, err, apperrors.ErrOCRFailure)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})

	t.Run("unavailable engine", func(t *testing.T) {
		r := NewRecognizer(NewTesseractOCR(), time.Second)
		if r.Available() {
			t.Skip("built with the ocr tag")
		}
		_, err := r.Recognize(context.Background(), variantOf("original"), "eng")
		assert.ErrorIs(t, err, ErrEngineUnavailable)
	})

	t.Run("nil variant image", func(t *testing.T) {
		r := NewRecognizer(&fakeEngine{available: true, scale: 1, result: &EngineResult{}}, time.Second)
		_, err := r.Recognize(context.Background(), models.EnhancementVariant{Label: "original"}, "eng")
		assert.ErrorIs(t, err, apperrors.ErrOCRFailure)
	})
}
