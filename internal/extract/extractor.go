package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dslipak/pdf"
	"github.com/rs/zerolog"

	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// Extractor pulls machine-encoded text out of documents that are not scans
type Extractor struct {
	minChars   int
	confidence float64
	log        zerolog.Logger
}

// NewExtractor creates an extractor using the direct-extraction thresholds
func NewExtractor(t models.Thresholds) *Extractor {
	return &Extractor{
		minChars:   t.DirectExtractionMinChars,
		confidence: t.DirectExtractionConfidence,
		log:        logger.WithComponent("extract"),
	}
}

// TryExtract returns one PageResult per page when the document carries more than
// minChars characters of embedded text, and nil otherwise. Parse failures are
// reported as nil, never as errors.
func (e *Extractor) TryExtract(ctx context.Context, doc *models.Document) []models.PageResult {
	if ctx.Err() != nil || len(doc.Data) == 0 {
		return nil
	}

	var pages []string
	var err error

	mediaType := DetectMediaType(doc.Data, doc.MediaType, doc.Filename)
	switch {
	case mediaType == "application/pdf":
		pages, err = pdfPages(doc.Data)
	case strings.HasPrefix(mediaType, "text/"):
		pages = []string{strings.ToValidUTF8(string(doc.Data), "")}
	default:
		return nil
	}
	if err != nil {
		e.log.Debug().Err(err).Str("document", doc.Ref).Msg("direct extraction unavailable")
		return nil
	}

	total := 0
	for _, p := range pages {
		total += utf8.RuneCountInString(strings.TrimSpace(p))
	}
	if total <= e.minChars {
		e.log.Debug().
			Str("document", doc.Ref).
			Int("chars", total).
			Msg("embedded text below threshold")
		return nil
	}

	results := make([]models.PageResult, len(pages))
	for i, text := range pages {
		results[i] = models.PageResult{
			Index:      i + 1,
			Method:     models.MethodDirectExtraction,
			Text:       strings.TrimSpace(text),
			Confidence: e.confidence,
		}
	}

	e.log.Info().
		Str("document", doc.Ref).
		Int("pages", len(results)).
		Int("chars", total).
		Msg("text extracted directly")
	return results
}

// pdfPages reads the plain text of every page. dslipak/pdf panics on some malformed
// inputs; the panic is turned into an error.
func pdfPages(data []byte) (pages []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("pdf parser panicked: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}

	total := reader.NumPage()
	pages = make([]string, 0, total)
	for i := 1; i <= total; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return pages, nil
}
