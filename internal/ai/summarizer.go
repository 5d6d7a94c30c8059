package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/facturaIA/document-enhancement-service/internal/logger"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// maxSummaryInput bounds the number of runes sent for summarization
const maxSummaryInput = 12000

// Summarizer produces short summaries through the correction fallback chain
type Summarizer struct {
	chain *modelChain
}

// NewSummarizer uses the same providers and chain as the corrector
func NewSummarizer(cfg models.AIConfig, providers map[string]Provider) *Summarizer {
	return &Summarizer{chain: &modelChain{
		steps:     cfg.Correction.Chain(),
		providers: providers,
		timeout:   cfg.Timeout,
		log:       logger.WithComponent("summarizer"),
	}}
}

// Summarize returns a plain-text summary of text
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("nothing to summarize")
	}
	if r := []rune(text); len(r) > maxSummaryInput {
		text = string(r[:maxSummaryInput])
	}

	g, err := s.chain.generate(ctx, summaryPrompt(text))
	if err != nil {
		return "", fmt.Errorf("summarization failed: %w", err)
	}
	summary := cleanResponse(g.text)
	if summary == "" {
		return "", ErrEmptyResponse
	}
	return summary, nil
}
