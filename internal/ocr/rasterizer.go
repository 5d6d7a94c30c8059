package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/webp"

	"github.com/facturaIA/document-enhancement-service/internal/fallback"
	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// Rasterizer turns a document into page images
type Rasterizer struct {
	tempDir string
	log     zerolog.Logger
}

// NewRasterizer creates a rasterizer writing scratch files under tempDir ("" = os default)
func NewRasterizer(tempDir string) *Rasterizer {
	return &Rasterizer{
		tempDir: tempDir,
		log:     logger.WithComponent("ocr.rasterizer"),
	}
}

// Rasterize returns one PageImage per page in page order. Pages without raster
// content are returned with a nil Image so that they still count as pages.
func (r *Rasterizer) Rasterize(ctx context.Context, doc *models.Document) ([]models.PageImage, error) {
	var strategies []fallback.Attempt[[]models.PageImage]

	imageStrategy := fallback.Attempt[[]models.PageImage]{Name: "image", Run: func(ctx context.Context) ([]models.PageImage, error) {
		return decodeSingleImage(doc.Data)
	}}
	pdfStrategy := fallback.Attempt[[]models.PageImage]{Name: "pdf", Run: func(ctx context.Context) ([]models.PageImage, error) {
		return r.extractPDFPages(ctx, doc.Data)
	}}

	switch {
	case doc.MediaType == "application/pdf":
		strategies = append(strategies, pdfStrategy)
	case strings.HasPrefix(doc.MediaType, "image/"):
		strategies = append(strategies, imageStrategy)
	default:
		strategies = append(strategies, imageStrategy, pdfStrategy)
	}

	pages, used, err := fallback.First(ctx, strategies, fallback.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to rasterize %s (%s): %w", doc.Ref, doc.MediaType, err)
	}

	r.log.Debug().
		Str("document", doc.Ref).
		Str("strategy", used).
		Int("pages", len(pages)).
		Msg("document rasterized")
	return pages, nil
}

func decodeSingleImage(data []byte) ([]models.PageImage, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := img.Bounds()
	return []models.PageImage{{Index: 1, Width: b.Dx(), Height: b.Dy(), Image: img}}, nil
}

// extractPDFPages pulls the embedded page images out of a scanned PDF with pdfcpu.
// The scratch directory is removed on every return path.
func (r *Rasterizer) extractPDFPages(ctx context.Context, data []byte) ([]models.PageImage, error) {
	dir, err := os.MkdirTemp(r.tempDir, "rasterize-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	// pdfcpu names extracted images <base>_<page>_<name>.<ext>
	inFile := filepath.Join(dir, "page.pdf")
	if err := os.WriteFile(inFile, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}

	pageCount, err := api.PageCountFile(inFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read pdf: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outDir := filepath.Join(dir, "images")
	if err := os.Mkdir(outDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	if err := api.ExtractImagesFile(inFile, outDir, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to extract images from PDF: %w", err)
	}

	largest, err := collectLargestPerPage(outDir)
	if err != nil {
		return nil, err
	}

	pages := make([]models.PageImage, pageCount)
	for i := range pages {
		pages[i] = models.PageImage{Index: i + 1}
		if img, ok := largest[i+1]; ok {
			b := img.Bounds()
			pages[i].Width, pages[i].Height, pages[i].Image = b.Dx(), b.Dy(), img
		}
	}
	return pages, nil
}

// collectLargestPerPage keeps the biggest image of each page, which for scans is the page itself
func collectLargestPerPage(dir string) (map[int]image.Image, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list extracted images: %w", err)
	}

	result := make(map[int]image.Image)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		pageNum, err := parsePageFromFilename(entry.Name())
		if err != nil {
			continue
		}
		img, err := imaging.Open(filepath.Join(dir, entry.Name()))
		if err != nil {
			// Skip unreadable images
			continue
		}
		if cur, ok := result[pageNum]; ok && area(cur) >= area(img) {
			continue
		}
		result[pageNum] = img
	}
	return result, nil
}

func parsePageFromFilename(filename string) (int, error) {
	parts := strings.Split(filename, "_")
	if len(parts) < 3 {
		return 0, fmt.Errorf("invalid filename format: %s", filename)
	}
	return strconv.Atoi(parts[1])
}

func area(img image.Image) int {
	b := img.Bounds()
	return b.Dx() * b.Dy()
}
