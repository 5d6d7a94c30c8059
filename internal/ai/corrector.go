package ai

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"

	apperrors "github.com/facturaIA/document-enhancement-service/internal/errors"
	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/metrics"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// importantInfo matches content that a correction must not drop: ID numbers, dates,
// currency amounts and numeric codes of three or more digits.
var importantInfo = []*regexp.Regexp{
	regexp.MustCompile(`\b[A-Z]{5}[0-9]{4}[A-Z]\b`),
	regexp.MustCompile(`\b[A-Z]{1,4}-?[0-9]{6,}\b`),
	regexp.MustCompile(`\b\d{1,2}[/.-]\d{1,2}[/.-]\d{2,4}\b`),
	regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`),
	regexp.MustCompile(`[$€£¥₹]\s?\d[\d,.]*`),
	regexp.MustCompile(`(?i)\b\d[\d,.]*\s?(usd|eur|dop|inr|gbp|rd\$)`),
	regexp.MustCompile(`\b\d{3,}\b`),
}

func hasImportantInfo(s string) bool {
	for _, re := range importantInfo {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Corrector cleans up OCR text with a language model behind a fallback chain and
// accepts the answer only when it passes the length and content-preservation checks.
type Corrector struct {
	chain      *modelChain
	classifier Classifier
	minRatio   float64
	maxRatio   float64
	minInput   int
	log        zerolog.Logger
}

// NewCorrector builds a corrector for the configured chain
func NewCorrector(cfg models.AIConfig, providers map[string]Provider, classifier Classifier, t models.Thresholds) *Corrector {
	if classifier == nil {
		classifier = NewKeywordClassifier()
	}
	log := logger.WithComponent("corrector")
	return &Corrector{
		chain: &modelChain{
			steps:     cfg.Correction.Chain(),
			providers: providers,
			timeout:   cfg.Timeout,
			log:       log,
		},
		classifier: classifier,
		minRatio:   t.MinCorrectionRatio,
		maxRatio:   t.MaxCorrectionRatio,
		minInput:   t.MinCorrectionInputChars,
		log:        log,
	}
}

// Categorize returns the category for text. A valid hint wins over classification.
func (c *Corrector) Categorize(text, hint string) Category {
	if cat, ok := ParseCategory(hint); ok {
		return cat
	}
	return c.classifier.Classify(text)
}

// ErrInputTooShort is returned, with the raw text, when there is too little text to correct
var ErrInputTooShort = errors.New("input too short to correct")

// codeFence opens and closes a markdown code block
const codeFence = "```"

// Correct returns the corrected text. On any failure it returns rawText unchanged
// together with a CorrectionFailure (no model answered) or CorrectionRejected (the
// answer failed validation) error. Input at or under the minimum length is not
// sent and yields ErrInputTooShort.
func (c *Corrector) Correct(ctx context.Context, rawText, hint string) (string, error) {
	cat := c.Categorize(rawText, hint)

	if utf8.RuneCountInString(strings.TrimSpace(rawText)) <= c.minInput {
		metrics.CorrectionOutcomes.WithLabelValues(string(models.CorrectionSkipped), string(cat)).Inc()
		return rawText, ErrInputTooShort
	}

	g, err := c.chain.generate(ctx, correctionPrompt(cat, rawText))
	if err != nil {
		metrics.CorrectionOutcomes.WithLabelValues(string(models.CorrectionFailed), string(cat)).Inc()
		c.log.Warn().Err(err).Str("category", string(cat)).Msg("correction chain exhausted")
		return rawText, apperrors.NewCorrectionFailure(len(c.chain.steps), err)
	}

	corrected := cleanResponse(g.text)
	if reason := c.validate(rawText, corrected); reason != "" {
		metrics.CorrectionOutcomes.WithLabelValues(string(models.CorrectionRejected), string(cat)).Inc()
		c.log.Warn().
			Str("category", string(cat)).
			Str("model", g.step.Provider+"/"+g.step.Model).
			Str("reason", reason).
			Msg("correction rejected")
		return rawText, apperrors.NewCorrectionRejected(reason)
	}

	metrics.CorrectionOutcomes.WithLabelValues(string(models.CorrectionApplied), string(cat)).Inc()
	c.log.Debug().
		Str("category", string(cat)).
		Str("model", g.step.Provider+"/"+g.step.Model).
		Int("input_chars", utf8.RuneCountInString(rawText)).
		Int("output_chars", utf8.RuneCountInString(corrected)).
		Msg("correction applied")
	return corrected, nil
}

// validate returns a non-empty reason when corrected must not replace original
func (c *Corrector) validate(original, corrected string) string {
	in := utf8.RuneCountInString(original)
	out := utf8.RuneCountInString(corrected)
	if out == 0 {
		return "empty correction"
	}

	ratio := float64(out) / float64(in)
	if ratio < c.minRatio || ratio > c.maxRatio {
		return fmt.Sprintf("length ratio %.2f outside [%.2f, %.2f]", ratio, c.minRatio, c.maxRatio)
	}

	if hasImportantInfo(original) && !hasImportantInfo(corrected) {
		return "important information missing from correction"
	}
	return ""
}

var preamble = regexp.MustCompile(`(?i)^(here is|here's|sure|below is|the corrected|corrected text)[^\n]*:\s*\n`)

// cleanResponse strips markdown fences and a leading "Here is the corrected text:" line
func cleanResponse(s string) string {
	cleaned := strings.TrimSpace(s)
	cleaned = preamble.ReplaceAllString(cleaned, "")
	cleaned = strings.TrimSpace(cleaned)

	if strings.HasPrefix(cleaned, codeFence) {
		cleaned = strings.TrimPrefix(cleaned, codeFence)
		// drop the language tag on the opening fence
		if nl := strings.IndexByte(cleaned, '\n'); nl >= 0 && !strings.ContainsAny(cleaned[:nl], " \t") {
			cleaned = cleaned[nl+1:]
		}
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), codeFence)
	}
	return strings.TrimSpace(cleaned)
}
