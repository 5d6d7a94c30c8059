package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturaIA/document-enhancement-service/internal/ai"
	apperrors "github.com/facturaIA/document-enhancement-service/internal/errors"
	"github.com/facturaIA/document-enhancement-service/internal/extract"
	"github.com/facturaIA/document-enhancement-service/internal/models"
	"github.com/facturaIA/document-enhancement-service/internal/ocr"
)

// pageImage encodes the page index in the image width so the recognizer can tell pages apart
func pageImage(index int) models.PageImage {
	img := image.NewGray(image.Rect(0, 0, index*10, 10))
	for x := 0; x < index*10; x++ {
		img.SetGray(x, 5, color.Gray{Y: 0})
	}
	return models.PageImage{Index: index, Width: index * 10, Height: 10, Image: img}
}

type fakeRasterizer struct {
	pages []models.PageImage
	err   error
	calls int
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, doc *models.Document) ([]models.PageImage, error) {
	f.calls++
	return f.pages, f.err
}

type countingEnhancer struct{ calls int }

func (e *countingEnhancer) Enhance(page models.PageImage) []models.EnhancementVariant {
	e.calls++
	return []models.EnhancementVariant{
		{Label: "original", Image: page.Image},
		{Label: "high-contrast-binary", Image: page.Image},
	}
}

// pageRecognizer returns text per page; pages listed in fail always error
type pageRecognizer struct {
	fail  map[int]bool
	conf  float64
	calls int
}

func (r *pageRecognizer) Recognize(ctx context.Context, v models.EnhancementVariant, language string) (*models.OCRResult, error) {
	r.calls++
	page := v.Image.Bounds().Dx() / 10
	if r.fail[page] {
		return nil, errors.New("engine error")
	}
	return &models.OCRResult{
		Text:          strings.Repeat("word ", 3) + "page " + string(rune('0'+page)),
		Confidence:    r.conf,
		SourceVariant: v.Label,
		Language:      language,
	}, nil
}

type fakeCapability struct{ available bool }

func (f fakeCapability) Available() bool    { return f.available }
func (f fakeCapability) EngineName() string { return "fake" }

type fakeCorrector struct {
	text  string
	err   error
	calls int
}

func (f *fakeCorrector) Correct(ctx context.Context, rawText, hint string) (string, error) {
	f.calls++
	if f.err != nil {
		return rawText, f.err
	}
	return f.text, nil
}

func (f *fakeCorrector) Categorize(text, hint string) ai.Category { return ai.CategoryGeneral }

type harness struct {
	rasterizer *fakeRasterizer
	enhancer   *countingEnhancer
	recognizer *pageRecognizer
	corrector  TextCorrector
	available  bool
}

func newHarness(pages int) *harness {
	h := &harness{
		rasterizer: &fakeRasterizer{},
		enhancer:   &countingEnhancer{},
		recognizer: &pageRecognizer{fail: map[int]bool{}, conf: 0.9},
		available:  true,
	}
	for i := 1; i <= pages; i++ {
		h.rasterizer.pages = append(h.rasterizer.pages, pageImage(i))
	}
	return h
}

func (h *harness) coordinator() *Coordinator {
	cfg := models.Config{}
	cfg.ApplyDefaults()
	return NewCoordinator(Deps{
		Extractor:    extract.NewExtractor(cfg.Thresholds),
		Rasterizer:   h.rasterizer,
		Orchestrator: ocr.NewOrchestrator(h.enhancer, h.recognizer, cfg.Thresholds.EarlyExit),
		OCR:          fakeCapability{available: h.available},
		Corrector:    h.corrector,
	}, cfg)
}

func scan() *models.Document {
	return &models.Document{Ref: "scan.png", MediaType: "image/png", Data: []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}}
}

func TestCoordinator_DirectExtractionSkipsOCR(t *testing.T) {
	h := newHarness(1)
	doc := &models.Document{Ref: "notes.txt", MediaType: "text/plain", Data: []byte(strings.Repeat("x", 200))}

	result, err := h.coordinator().Process(context.Background(), doc, models.ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.MethodDirectExtraction, result.Method)
	assert.Equal(t, 0.95, result.Confidence)
	assert.Equal(t, 1, result.PageCount)
	assert.Len(t, result.Text, 200)
	assert.Zero(t, h.rasterizer.calls)
	assert.Zero(t, h.enhancer.calls)
	assert.Zero(t, h.recognizer.calls)
}

func TestCoordinator_PartialPageFailure(t *testing.T) {
	h := newHarness(3)
	h.recognizer.fail[2] = true

	result, err := h.coordinator().Process(context.Background(), scan(), models.ProcessOptions{})
	require.NoError(t, err)

	assert.Equal(t, models.MethodOCR, result.Method)
	assert.Equal(t, 3, result.PageCount)
	assert.Equal(t, []int{2}, result.FailedPages)
	require.Len(t, result.Pages, 3)
	assert.True(t, result.Pages[1].Failed)
	assert.Empty(t, result.Pages[1].Text)
	assert.NotEmpty(t, result.Pages[1].Error)
	assert.Contains(t, result.Text, "page 1")
	assert.Contains(t, result.Text, "page 3")
	assert.InDelta(t, 0.6, result.Confidence, 1e-9)
	assert.Equal(t, 3, h.enhancer.calls, "every page is attempted")
}

func TestCoordinator_AllPagesFail(t *testing.T) {
	h := newHarness(2)
	h.recognizer.fail[1] = true
	h.recognizer.fail[2] = true

	_, err := h.coordinator().Process(context.Background(), scan(), models.ProcessOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDocumentOCRFailure))
}

func TestCoordinator_PageWithoutImageFails(t *testing.T) {
	h := newHarness(2)
	h.rasterizer.pages[0].Image = nil

	result, err := h.coordinator().Process(context.Background(), scan(), models.ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{1}, result.FailedPages)
	assert.Equal(t, 1, h.enhancer.calls)
}

func TestCoordinator_OCRUnavailable(t *testing.T) {
	h := newHarness(1)
	h.available = false

	_, err := h.coordinator().Process(context.Background(), scan(), models.ProcessOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrOCRUnavailable))
	assert.Zero(t, h.rasterizer.calls)
}

func TestCoordinator_RasterizationFailure(t *testing.T) {
	h := newHarness(0)
	h.rasterizer.err = errors.New("corrupt container")

	_, err := h.coordinator().Process(context.Background(), scan(), models.ProcessOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrDocumentOCRFailure))
}

func TestCoordinator_ConfidenceThresholdOverride(t *testing.T) {
	h := newHarness(1)
	h.recognizer.conf = 0.85

	_, err := h.coordinator().Process(context.Background(), scan(), models.ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, h.recognizer.calls, "0.85 beats the default early exit")

	h.recognizer.calls = 0
	_, err = h.coordinator().Process(context.Background(), scan(), models.ProcessOptions{ConfidenceThreshold: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 2, h.recognizer.calls, "a stricter threshold tries every variant")
}

func TestCoordinator_Correction(t *testing.T) {
	tests := []struct {
		name            string
		corrector       *fakeCorrector
		opts            models.ProcessOptions
		wantEnhanced    bool
		wantOutcome     models.CorrectionOutcome
		wantCorrectText bool
		wantCalls       int
	}{
		{
			name:            "applied",
			corrector:       &fakeCorrector{text: "corrected text here"},
			opts:            models.ProcessOptions{EnhanceWithAI: true},
			wantEnhanced:    true,
			wantOutcome:     models.CorrectionApplied,
			wantCorrectText: true,
			wantCalls:       1,
		},
		{
			name:         "extract original keeps raw text primary",
			corrector:    &fakeCorrector{text: "corrected text here"},
			opts:         models.ProcessOptions{EnhanceWithAI: true, ExtractOriginal: true},
			wantEnhanced: true,
			wantOutcome:  models.CorrectionApplied,
			wantCalls:    1,
		},
		{
			name:        "failure keeps original",
			corrector:   &fakeCorrector{err: apperrors.NewCorrectionFailure(4, errors.New("down"))},
			opts:        models.ProcessOptions{EnhanceWithAI: true},
			wantOutcome: models.CorrectionFailed,
			wantCalls:   1,
		},
		{
			name:        "rejection keeps original",
			corrector:   &fakeCorrector{err: apperrors.NewCorrectionRejected("length ratio")},
			opts:        models.ProcessOptions{EnhanceWithAI: true},
			wantOutcome: models.CorrectionRejected,
			wantCalls:   1,
		},
		{
			name:        "too short for the corrector",
			corrector:   &fakeCorrector{err: ai.ErrInputTooShort},
			opts:        models.ProcessOptions{EnhanceWithAI: true},
			wantOutcome: models.CorrectionSkipped,
			wantCalls:   1,
		},
		{
			name:      "not requested",
			corrector: &fakeCorrector{text: "corrected text here"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(1)
			h.corrector = tt.corrector

			result, err := h.coordinator().Process(context.Background(), scan(), tt.opts)
			require.NoError(t, err)

			assert.Equal(t, tt.wantEnhanced, result.AIEnhanced)
			assert.Equal(t, tt.wantOutcome, result.CorrectionOutcome)
			assert.Equal(t, tt.wantCalls, tt.corrector.calls)
			assert.Equal(t, "word word word page 1", result.OriginalText)
			if tt.wantCorrectText {
				assert.Equal(t, "corrected text here", result.Text)
			} else {
				assert.Equal(t, result.OriginalText, result.Text)
			}
			if tt.wantEnhanced {
				assert.Equal(t, "corrected text here", result.EnhancedText)
			}
		})
	}
}

func TestCoordinator_ShortTextSkipsCorrection(t *testing.T) {
	h := newHarness(0)
	c := &fakeCorrector{text: "unused"}
	h.corrector = c
	coord := h.coordinator()

	doc := &models.Document{Ref: "a.txt", MediaType: "text/plain", Data: []byte("tiny")}
	coord.extractor = stubExtractor{pages: []models.PageResult{{Index: 1, Method: models.MethodDirectExtraction, Text: "tiny", Confidence: 0.95}}}

	result, err := coord.Process(context.Background(), doc, models.ProcessOptions{EnhanceWithAI: true})
	require.NoError(t, err)
	assert.Equal(t, models.CorrectionSkipped, result.CorrectionOutcome)
	assert.Zero(t, c.calls)
}

type stubExtractor struct{ pages []models.PageResult }

func (s stubExtractor) TryExtract(ctx context.Context, doc *models.Document) []models.PageResult {
	return s.pages
}

// failingProvider is an ai.Provider whose every call fails
type failingProvider struct {
	name  string
	calls int
}

func (p *failingProvider) Name() string { return p.name }
func (p *failingProvider) Generate(ctx context.Context, model string, _ ai.Prompt) (string, error) {
	p.calls++
	return "", errors.New("service unavailable")
}

// echoProvider returns a fixed reply
type echoProvider struct{ reply string }

func (p echoProvider) Name() string { return "openai" }
func (p echoProvider) Generate(ctx context.Context, model string, _ ai.Prompt) (string, error) {
	return p.reply, nil
}

func realCorrector(providers map[string]ai.Provider) *ai.Corrector {
	cfg := models.Config{}
	cfg.ApplyDefaults()
	cfg.AI.Timeout = time.Second
	return ai.NewCorrector(cfg.AI, providers, nil, cfg.Thresholds)
}

func TestCoordinator_ChainExhaustionKeepsOCRText(t *testing.T) {
	openai := &failingProvider{name: "openai"}
	gemini := &failingProvider{name: "gemini"}
	ollama := &failingProvider{name: "ollama"}

	h := newHarness(1)
	h.corrector = realCorrector(map[string]ai.Provider{"openai": openai, "gemini": gemini, "ollama": ollama})

	result, err := h.coordinator().Process(context.Background(), scan(), models.ProcessOptions{EnhanceWithAI: true})
	require.NoError(t, err)

	assert.Equal(t, 4, openai.calls+gemini.calls+ollama.calls, "all four configured models are tried")
	assert.False(t, result.AIEnhanced)
	assert.Equal(t, models.CorrectionFailed, result.CorrectionOutcome)
	assert.Equal(t, "word word word page 1", result.Text)
}

func TestCoordinator_LengthGuardKeepsOriginal(t *testing.T) {
	raw := strings.Repeat("abcdefghij", 100)
	h := newHarness(0)
	h.corrector = realCorrector(map[string]ai.Provider{"openai": echoProvider{reply: strings.Repeat("y", 3500)}})

	doc := &models.Document{Ref: "long.txt", MediaType: "text/plain", Data: []byte(raw)}
	result, err := h.coordinator().Process(context.Background(), doc, models.ProcessOptions{EnhanceWithAI: true})
	require.NoError(t, err)

	assert.False(t, result.AIEnhanced)
	assert.Equal(t, models.CorrectionRejected, result.CorrectionOutcome)
	assert.Equal(t, raw, result.Text)
}
