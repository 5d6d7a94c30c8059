package ocr

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// testPage draws dark "text bars" on a light background
func testPage(w, h int) models.PageImage {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: 230, G: 225, B: 210, A: 255}
			if (y/8)%3 == 0 && x > w/10 && x < w-w/10 {
				c = color.NRGBA{R: 60, G: 60, B: 70, A: 255}
			}
			img.Set(x, y, c)
		}
	}
	return models.PageImage{Index: 1, Width: w, Height: h, Image: img}
}

func TestPreprocessor_EnhanceDiversity(t *testing.T) {
	p := NewPreprocessor()

	for _, size := range []struct{ w, h int }{{120, 80}, {400, 600}, {2600, 100}} {
		variants := p.Enhance(testPage(size.w, size.h))

		require.GreaterOrEqual(t, len(variants), 3)
		assert.Equal(t, VariantOriginal, variants[0].Label)

		labels := map[string]bool{}
		params := map[string]bool{}
		for _, v := range variants {
			require.NotNil(t, v.Image, v.Label)
			labels[v.Label] = true
			params[v.Params] = true
		}
		assert.Len(t, labels, len(variants), "labels must be distinct")
		assert.Len(t, params, len(variants), "parameter sets must be distinct")
	}
}

func TestPreprocessor_EnhanceIsDeterministic(t *testing.T) {
	p := NewPreprocessor()
	page := testPage(100, 60)

	first := p.Enhance(page)
	second := p.Enhance(page)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Label, second[i].Label)
		assert.Equal(t, first[i].Image, second[i].Image)
	}
}

func TestPreprocessor_HighContrastBinaryIsBinary(t *testing.T) {
	p := NewPreprocessor()
	variants := p.Enhance(testPage(100, 60))

	var binary image.Image
	for _, v := range variants {
		if v.Label == VariantHighContrastBinary {
			binary = v.Image
		}
	}
	require.NotNil(t, binary)
	assert.Equal(t, 400, binary.Bounds().Dx(), "upscaling is capped at 4x")
	assert.Equal(t, 240, binary.Bounds().Dy())

	b := binary.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y += 7 {
		for x := b.Min.X; x < b.Max.X; x += 7 {
			r, _, _, _ := binary.At(x, y).RGBA()
			assert.True(t, r == 0 || r == 0xffff, "pixel (%d,%d) is not binary", x, y)
		}
	}
}

func TestUpscaleTo(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		wantW, wantH  int
	}{
		{"reaches target", 600, 400, 2000, 1333},
		{"portrait", 500, 1000, 1000, 2000},
		{"capped", 100, 60, 400, 240},
		{"already large", 2400, 1800, 2400, 1800},
		{"exactly target", 2000, 1000, 2000, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := upscaleTo(testPage(tt.width, tt.height).Image, 2000, 4)
			assert.Equal(t, tt.wantW, got.Bounds().Dx())
			assert.Equal(t, tt.wantH, got.Bounds().Dy())
		})
	}
}

func TestPreprocessor_HighContrastBinaryReachesTargetSize(t *testing.T) {
	variants := NewPreprocessor().Enhance(testPage(600, 400))

	for _, v := range variants {
		if v.Label == VariantHighContrastBinary {
			b := v.Image.Bounds()
			assert.Equal(t, 2000, max(b.Dx(), b.Dy()))
			return
		}
	}
	t.Fatal("high-contrast-binary variant missing")
}

func TestPreprocessor_FailingStrategyIsSkipped(t *testing.T) {
	p := NewPreprocessor()
	p.strategies = append([]strategy{
		{label: "explodes", params: "panic", apply: func(image.Image) image.Image { panic("bad transform") }},
		{label: "empty", params: "empty", apply: func(image.Image) image.Image { return image.NewNRGBA(image.Rect(0, 0, 0, 0)) }},
	}, p.strategies...)

	variants := p.Enhance(testPage(50, 50))

	require.Len(t, variants, 4)
	for _, v := range variants {
		assert.NotEqual(t, "explodes", v.Label)
		assert.NotEqual(t, "empty", v.Label)
	}
}

func TestPreprocessor_NilImageKeepsOriginal(t *testing.T) {
	variants := NewPreprocessor().Enhance(models.PageImage{Index: 2})
	require.Len(t, variants, 1)
	assert.Equal(t, VariantOriginal, variants[0].Label)
}
