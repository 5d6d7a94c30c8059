package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/facturaIA/document-enhancement-service/internal/fallback"
	"github.com/facturaIA/document-enhancement-service/internal/metrics"
	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// modelChain runs a prompt against an ordered list of models until one answers
type modelChain struct {
	steps     []models.ModelRef
	providers map[string]Provider
	timeout   time.Duration
	log       zerolog.Logger
}

type generation struct {
	text string
	step models.ModelRef
}

func (c *modelChain) attempts(p Prompt) []fallback.Attempt[generation] {
	attempts := make([]fallback.Attempt[generation], 0, len(c.steps))
	for _, step := range c.steps {
		step := step
		attempts = append(attempts, fallback.Attempt[generation]{
			Name: step.Provider + "/" + step.Model,
			Run: func(ctx context.Context) (generation, error) {
				provider, ok := c.providers[step.Provider]
				if !ok {
					return generation{}, fmt.Errorf("provider %q not configured", step.Provider)
				}
				text, err := provider.Generate(ctx, step.Model, p)
				if err != nil {
					metrics.ModelCalls.WithLabelValues(step.Provider, step.Model, "error").Inc()
					return generation{}, err
				}
				metrics.ModelCalls.WithLabelValues(step.Provider, step.Model, "ok").Inc()
				return generation{text: text, step: step}, nil
			},
		})
	}
	return attempts
}

// generate returns the first successful answer. The error wraps fallback.ErrExhausted
// when every step failed.
func (c *modelChain) generate(ctx context.Context, p Prompt) (generation, error) {
	g, _, err := fallback.First(ctx, c.attempts(p), fallback.Options{
		Timeout: c.timeout,
		OnFailure: func(name string, err error) {
			c.log.Warn().Err(err).Str("model", name).Msg("model call failed, trying next")
		},
	})
	return g, err
}
