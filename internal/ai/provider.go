package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/option"

	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// ErrEmptyResponse is returned when a model answers with no text
var ErrEmptyResponse = errors.New("model returned an empty response")

// Prompt is a single instruction/input pair sent to a model
type Prompt struct {
	System string
	User   string
}

// Provider is a language-generation backend. Model selects the model per call so a
// single provider can serve several steps of a fallback chain.
type Provider interface {
	Name() string
	Generate(ctx context.Context, model string, p Prompt) (string, error)
}

// OpenAIProvider talks to OpenAI or any OpenAI-compatible endpoint
type OpenAIProvider struct {
	name   string
	client *openai.Client
}

// NewOpenAIProvider creates a provider for OpenAI. baseURL may be empty.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{name: "openai", client: openai.NewClientWithConfig(cfg)}
}

// NewOllamaProvider creates a provider for a local Ollama server through its
// OpenAI-compatible API.
func NewOllamaProvider(baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig("ollama")
	cfg.BaseURL = strings.TrimRight(baseURL, "/") + "/v1"
	return &OpenAIProvider{name: "ollama", client: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) Name() string { return p.name }

// Generate runs a chat completion with a low temperature
func (p *OpenAIProvider) Generate(ctx context.Context, model string, prompt Prompt) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if prompt.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: prompt.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt.User,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: 0.1,
	})
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", p.name, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// GeminiProvider talks to Google Gemini
type GeminiProvider struct {
	apiKey string
}

// NewGeminiProvider creates a Gemini provider
func NewGeminiProvider(apiKey string) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey}
}

func (p *GeminiProvider) Name() string { return "gemini" }

// Generate sends the system instruction and input as a single text request
func (p *GeminiProvider) Generate(ctx context.Context, model string, prompt Prompt) (string, error) {
	if p.apiKey == "" {
		return "", errors.New("gemini api key not configured")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
	if err != nil {
		return "", fmt.Errorf("failed to create gemini client: %w", err)
	}
	defer client.Close()

	gm := client.GenerativeModel(model)
	gm.SetTemperature(0.1)
	if prompt.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(prompt.System)}}
	}

	resp, err := gm.GenerateContent(ctx, genai.Text(prompt.User))
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}

	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		break
	}
	if strings.TrimSpace(sb.String()) == "" {
		return "", ErrEmptyResponse
	}
	return sb.String(), nil
}

// NewProviders builds one provider per configured backend, keyed by provider name
func NewProviders(cfg models.AIConfig) map[string]Provider {
	return map[string]Provider{
		"openai": NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL),
		"gemini": NewGeminiProvider(cfg.Gemini.APIKey),
		"ollama": NewOllamaProvider(cfg.Ollama.BaseURL),
	}
}
