//go:build ocr

package ocr

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// TesseractOCR implements Engine using the gosseract client (requires libtesseract)
type TesseractOCR struct {
	clientFactory func() *gosseract.Client
}

// NewTesseractOCR creates a new Tesseract engine
func NewTesseractOCR() *TesseractOCR {
	return &TesseractOCR{clientFactory: gosseract.NewClient}
}

func (t *TesseractOCR) Name() string                    { return "tesseract" }
func (t *TesseractOCR) Available() bool                 { return true }
func (t *TesseractOCR) ConfidenceScale() float64        { return 100 }
func (t *TesseractOCR) SupportsCompositeLanguage() bool { return true }

// Recognize performs OCR on encoded image bytes
func (t *TesseractOCR) Recognize(ctx context.Context, image []byte, language string) (*EngineResult, error) {
	client := t.clientFactory()
	defer client.Close()

	if err := client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	if langs := splitLanguages(language); len(langs) > 0 {
		if err := client.SetLanguage(langs...); err != nil {
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text, err := client.Text()
	if err != nil {
		return nil, fmt.Errorf("recognize text: %w", err)
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("word boxes: %w", err)
	}

	words := make([]EngineWord, 0, len(boxes))
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" {
			continue
		}
		words = append(words, EngineWord{
			Text:       b.Word,
			Confidence: b.Confidence,
			Box: models.BoundingBox{
				X:      b.Box.Min.X,
				Y:      b.Box.Min.Y,
				Width:  b.Box.Dx(),
				Height: b.Box.Dy(),
			},
		})
	}

	return &EngineResult{Text: text, Words: words}, nil
}

func splitLanguages(hint string) []string {
	return strings.FieldsFunc(hint, func(r rune) bool {
		return r == '+' || r == ',' || r == ';' || r == ' '
	})
}
