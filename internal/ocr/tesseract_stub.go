//go:build !ocr

package ocr

import "context"

// TesseractOCR is a placeholder used when the binary is built without the "ocr" tag.
// Build with -tags ocr (and libtesseract installed) to enable recognition.
type TesseractOCR struct{}

// NewTesseractOCR creates the unavailable placeholder engine
func NewTesseractOCR() *TesseractOCR {
	return &TesseractOCR{}
}

func (t *TesseractOCR) Name() string                    { return "tesseract" }
func (t *TesseractOCR) Available() bool                 { return false }
func (t *TesseractOCR) ConfidenceScale() float64        { return 100 }
func (t *TesseractOCR) SupportsCompositeLanguage() bool { return true }

func (t *TesseractOCR) Recognize(ctx context.Context, image []byte, language string) (*EngineResult, error) {
	return nil, ErrEngineUnavailable
}
