package ocr

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// Variant labels
const (
	VariantOriginal           = "original"
	VariantHighContrastBinary = "high-contrast-binary"
	VariantModerateSharpen    = "moderate-sharpen"
	VariantStampAdaptive      = "stamp-adaptive"
)

// strategy is one deterministic transform chain
type strategy struct {
	label  string
	params string
	apply  func(img image.Image) image.Image
}

// Preprocessor produces enhancement variants of a page image for OCR
type Preprocessor struct {
	strategies []strategy
	log        zerolog.Logger
}

// NewPreprocessor creates a new image preprocessor with the default strategy set
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		strategies: defaultStrategies(),
		log:        logger.WithComponent("ocr.preprocessor"),
	}
}

func defaultStrategies() []strategy {
	return []strategy{
		{
			// Aggressive binarization at high resolution, for faint or low-contrast scans
			label:  VariantHighContrastBinary,
			params: "upscale=2000px(max 4x) gray contrast=+40 threshold=160",
			apply: func(img image.Image) image.Image {
				out := upscaleTo(img, 2000, 4)
				gray := imaging.Grayscale(out)
				gray = imaging.AdjustContrast(gray, 40)
				return threshold(gray, 160)
			},
		},
		{
			// Moderate sharpening at bounded resolution, for photos and heavy fonts
			label:  VariantModerateSharpen,
			params: "fit=2000px gray contrast=+20 sharpen=1.0",
			apply: func(img image.Image) image.Image {
				out := fitLarge(img, 2000)
				gray := imaging.Grayscale(out)
				gray = imaging.AdjustContrast(gray, 20)
				return imaging.Sharpen(gray, 1.0)
			},
		},
		{
			// Stamps, seals and uneven lighting
			label:  VariantStampAdaptive,
			params: "fit=2500px gray blur=0.6 contrast=+60 sharpen=2.0",
			apply: func(img image.Image) image.Image {
				out := fitLarge(img, 2500)
				gray := imaging.Grayscale(out)
				gray = imaging.Blur(gray, 0.6)
				gray = imaging.AdjustContrast(gray, 60)
				return imaging.Sharpen(gray, 2.0)
			},
		},
	}
}

// Enhance returns the original image followed by every enhancement that succeeded.
// A strategy that panics or produces an empty image is skipped.
func (p *Preprocessor) Enhance(page models.PageImage) []models.EnhancementVariant {
	variants := []models.EnhancementVariant{{
		Label:  VariantOriginal,
		Params: "identity",
		Image:  page.Image,
	}}
	if page.Image == nil || page.Image.Bounds().Empty() {
		return variants
	}

	for _, s := range p.strategies {
		img, err := p.applySafely(s, page.Image)
		if err != nil {
			p.log.Warn().
				Err(err).
				Int("page", page.Index).
				Str("variant", s.label).
				Msg("enhancement skipped")
			continue
		}
		variants = append(variants, models.EnhancementVariant{
			Label:  s.label,
			Params: s.params,
			Image:  img,
		})
	}

	p.log.Debug().
		Int("page", page.Index).
		Int("variants", len(variants)).
		Msg("page enhanced")
	return variants
}

func (p *Preprocessor) applySafely(s strategy, src image.Image) (out image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("transform panicked: %v", r)
		}
	}()

	out = s.apply(src)
	if out == nil || out.Bounds().Empty() {
		return nil, fmt.Errorf("transform produced an empty image")
	}
	return out, nil
}

// upscaleTo enlarges images so the long edge reaches target, scaling by at most maxFactor
func upscaleTo(img image.Image, target int, maxFactor float64) image.Image {
	b := img.Bounds()
	long := max(b.Dx(), b.Dy())
	if long == 0 || long >= target {
		return img
	}
	scale := math.Min(float64(target)/float64(long), maxFactor)
	w := int(math.Round(float64(b.Dx()) * scale))
	h := int(math.Round(float64(b.Dy()) * scale))
	return imaging.Resize(img, w, h, imaging.Lanczos)
}

// fitLarge shrinks images whose long edge exceeds limit, keeping aspect ratio
func fitLarge(img image.Image, limit int) image.Image {
	b := img.Bounds()
	if max(b.Dx(), b.Dy()) <= limit {
		return img
	}
	return imaging.Fit(img, limit, limit, imaging.Lanczos)
}

// threshold binarizes a grayscale image at the given luminance
func threshold(img image.Image, level uint8) *image.NRGBA {
	return imaging.AdjustFunc(img, func(c color.NRGBA) color.NRGBA {
		lum := uint8((299*uint32(c.R) + 587*uint32(c.G) + 114*uint32(c.B)) / 1000)
		if lum >= level {
			return color.NRGBA{R: 255, G: 255, B: 255, A: c.A}
		}
		return color.NRGBA{A: c.A}
	})
}
