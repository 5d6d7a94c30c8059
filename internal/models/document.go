package models

import (
	"image"
	"time"
)

// Document is a source file loaded from storage. It is not modified once loaded.
type Document struct {
	Ref       string `json:"ref"`
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	Data      []byte `json:"-"`
}

// PageImage is one rasterized page of a document
type PageImage struct {
	Index  int // 1-based page number
	Width  int
	Height int
	Image  image.Image // nil when the page had no raster content
}

// EnhancementVariant is a labeled transformation of a page image
type EnhancementVariant struct {
	Label  string
	Params string
	Image  image.Image
}

// BoundingBox represents the location of text in the image
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Word contains detailed information about a detected word
type Word struct {
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"` // 0-1
	Box        BoundingBox `json:"box"`
}

// OCRResult is the outcome of recognizing one variant
type OCRResult struct {
	Text          string  `json:"text"`
	Confidence    float64 `json:"confidence"` // 0-1
	Words         []Word  `json:"words,omitempty"`
	SourceVariant string  `json:"sourceVariant"`
	Language      string  `json:"language,omitempty"`
}

// ExtractionMethod tells how a page's text was obtained
type ExtractionMethod string

const (
	MethodDirectExtraction ExtractionMethod = "direct_extraction"
	MethodOCR              ExtractionMethod = "ocr"
)

// PageResult is the selected text for one page.
type PageResult struct {
	Index         int              `json:"index"`
	Method        ExtractionMethod `json:"method"`
	Text          string           `json:"text"`
	Confidence    float64          `json:"confidence"`
	SourceVariant string           `json:"sourceVariant,omitempty"`
	Language      string           `json:"language,omitempty"`
	Words         []Word           `json:"-"`
	Failed        bool             `json:"failed,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// CorrectionOutcome records what happened to the AI correction step
type CorrectionOutcome string

const (
	CorrectionApplied  CorrectionOutcome = "applied"
	CorrectionFailed   CorrectionOutcome = "failed"
	CorrectionRejected CorrectionOutcome = "rejected"
	CorrectionSkipped  CorrectionOutcome = "skipped"
)

// DocumentResult aggregates all page results of a document
type DocumentResult struct {
	Text              string            `json:"text"`
	OriginalText      string            `json:"originalText"`
	EnhancedText      string            `json:"enhancedText,omitempty"`
	Confidence        float64           `json:"confidence"`
	PageCount         int               `json:"pageCount"`
	Pages             []PageResult      `json:"pages"`
	Method            ExtractionMethod  `json:"method"`
	AIEnhanced        bool              `json:"aiEnhanced"`
	CorrectionOutcome CorrectionOutcome `json:"correctionOutcome"`
	DocumentType      string            `json:"documentType,omitempty"`
	DetectedLanguage  string            `json:"detectedLanguage,omitempty"`
	FailedPages       []int             `json:"failedPages,omitempty"`
	ProcessedAt       time.Time         `json:"processedAt"`
	Duration          float64           `json:"duration"` // seconds
}

// ProcessOptions controls a single pipeline run
type ProcessOptions struct {
	Language            string  `json:"language,omitempty"`
	EnhanceWithAI       bool    `json:"enhanceWithAI,omitempty"`
	ExtractOriginal     bool    `json:"extractOriginal,omitempty"`
	ConfidenceThreshold float64 `json:"confidenceThreshold,omitempty"` // overrides the early-exit threshold when > 0
	DocumentTypeHint    string  `json:"documentTypeHint,omitempty"`
}
