package ocr

import (
	"context"
	"fmt"
	"os"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// VisionOCR implements Engine with Google Cloud Vision document text detection
type VisionOCR struct {
	client *vision.ImageAnnotatorClient
}

// NewVisionOCR creates a Vision engine from GOOGLE_CREDENTIALS (inline JSON),
// GOOGLE_APPLICATION_CREDENTIALS (file) or ambient credentials.
func NewVisionOCR(ctx context.Context) (*VisionOCR, error) {
	var opts []option.ClientOption
	if credJSON := os.Getenv("GOOGLE_CREDENTIALS"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	} else if credFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credFile != "" {
		opts = append(opts, option.WithCredentialsFile(credFile))
	}

	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create vision client: %w", err)
	}
	return &VisionOCR{client: client}, nil
}

func (v *VisionOCR) Name() string                    { return "vision" }
func (v *VisionOCR) Available() bool                 { return v.client != nil }
func (v *VisionOCR) ConfidenceScale() float64        { return 1 }
func (v *VisionOCR) SupportsCompositeLanguage() bool { return false }

// Recognize sends one image to the Vision API
func (v *VisionOCR) Recognize(ctx context.Context, image []byte, language string) (*EngineResult, error) {
	req := &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{
			{
				Image: &visionpb.Image{Content: image},
				Features: []*visionpb.Feature{
					{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
				},
				ImageContext: &visionpb.ImageContext{LanguageHints: []string{language}},
			},
		},
	}

	resp, err := v.client.BatchAnnotateImages(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vision API call failed: %w", err)
	}
	if len(resp.GetResponses()) == 0 {
		return nil, fmt.Errorf("no response from vision API")
	}

	annotated := resp.GetResponses()[0]
	if annotated.GetError() != nil {
		return nil, fmt.Errorf("vision API error: %s", annotated.GetError().GetMessage())
	}

	full := annotated.GetFullTextAnnotation()
	if full == nil {
		return &EngineResult{}, nil
	}

	words, lang := wordsFromAnnotation(full)
	return &EngineResult{
		Text:     full.GetText(),
		Words:    words,
		Language: lang,
	}, nil
}

// Close releases the underlying client
func (v *VisionOCR) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}

// wordsFromAnnotation flattens pages/blocks/paragraphs into words and returns the first detected language
func wordsFromAnnotation(full *visionpb.TextAnnotation) ([]EngineWord, string) {
	var words []EngineWord
	var lang string

	for _, page := range full.GetPages() {
		if lang == "" {
			for _, dl := range page.GetProperty().GetDetectedLanguages() {
				if dl.GetLanguageCode() != "" {
					lang = dl.GetLanguageCode()
					break
				}
			}
		}
		for _, block := range page.GetBlocks() {
			for _, para := range block.GetParagraphs() {
				for _, word := range para.GetWords() {
					var sb strings.Builder
					for _, sym := range word.GetSymbols() {
						sb.WriteString(sym.GetText())
					}
					if sb.Len() == 0 {
						continue
					}
					words = append(words, EngineWord{
						Text:       sb.String(),
						Confidence: float64(word.GetConfidence()),
						Box:        boxFromVertices(word.GetBoundingBox().GetVertices()),
					})
				}
			}
		}
	}
	return words, lang
}

func boxFromVertices(vertices []*visionpb.Vertex) models.BoundingBox {
	if len(vertices) == 0 {
		return models.BoundingBox{}
	}
	minX, minY := vertices[0].GetX(), vertices[0].GetY()
	maxX, maxY := minX, minY
	for _, vx := range vertices[1:] {
		minX = min(minX, vx.GetX())
		minY = min(minY, vx.GetY())
		maxX = max(maxX, vx.GetX())
		maxY = max(maxY, vx.GetY())
	}
	return models.BoundingBox{
		X:      int(minX),
		Y:      int(minY),
		Width:  int(maxX - minX),
		Height: int(maxY - minY),
	}
}
