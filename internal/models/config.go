package models

import (
	"fmt"
	"strings"
	"time"
)

// Config represents the service configuration
type Config struct {
	// Server config
	Port int    `yaml:"port"`
	Host string `yaml:"host"`

	Log LogConfig `yaml:"log"`

	// OCR config
	OCR OCRConfig `yaml:"ocr"`

	// Confidence and length thresholds used by the pipeline
	Thresholds Thresholds `yaml:"thresholds"`

	// AI config
	AI AIConfig `yaml:"ai"`

	// Batch queue config
	Queue QueueConfig `yaml:"queue"`
}

// LogConfig selects the log level and output format
type LogConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// OCRConfig represents OCR-specific configuration
type OCRConfig struct {
	Engine   string        `yaml:"engine"`   // "tesseract" or "vision"
	Language string        `yaml:"language"` // OCR language hint (default: "eng"), may be composite ("spa+eng")
	Timeout  time.Duration `yaml:"timeout"`  // Per recognition call
}

// Thresholds groups every tunable number that drives pipeline decisions.
type Thresholds struct {
	EarlyExit                  float64 `yaml:"early_exit"`
	DirectExtractionConfidence float64 `yaml:"direct_extraction_confidence"`
	DirectExtractionMinChars   int     `yaml:"direct_extraction_min_chars"`
	MinCorrectionRatio         float64 `yaml:"min_correction_ratio"`
	MaxCorrectionRatio         float64 `yaml:"max_correction_ratio"`
	MinCorrectionInputChars    int     `yaml:"min_correction_input_chars"`
}

// DefaultThresholds returns the production threshold set.
func DefaultThresholds() Thresholds {
	return Thresholds{
		EarlyExit:                  0.8,
		DirectExtractionConfidence: 0.95,
		DirectExtractionMinChars:   50,
		MinCorrectionRatio:         0.3,
		MaxCorrectionRatio:         3.0,
		MinCorrectionInputChars:    10,
	}
}

// AIConfig represents AI provider configuration
type AIConfig struct {
	// OpenAI
	OpenAI OpenAIConfig `yaml:"openai"`

	// Gemini
	Gemini GeminiConfig `yaml:"gemini"`

	// Ollama (local)
	Ollama OllamaConfig `yaml:"ollama"`

	// Correction fallback chain
	Correction CorrectionConfig `yaml:"correction"`

	// Timeout for a single model call
	Timeout time.Duration `yaml:"timeout"`
}

// OpenAIConfig for OpenAI/Azure OpenAI
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url,omitempty"` // For custom endpoints
	Model   string `yaml:"model"`              // Default: "gpt-4o-mini"
}

// GeminiConfig for Google Gemini
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"` // Default: "gemini-1.5-flash"
}

// OllamaConfig for local Ollama
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"` // Default: "http://localhost:11434"
	Model   string `yaml:"model"`    // e.g., "mistral", "llama3"
}

// ModelRef names one step of a fallback chain.
type ModelRef struct {
	Provider string `yaml:"provider"` // "openai", "gemini", "ollama"
	Model    string `yaml:"model"`
}

// CorrectionConfig declares the primary model and its fallbacks, tried in order.
type CorrectionConfig struct {
	Primary   ModelRef   `yaml:"primary"`
	Fallbacks []ModelRef `yaml:"fallbacks"`
}

// Chain returns the primary followed by the fallbacks.
func (c CorrectionConfig) Chain() []ModelRef {
	chain := make([]ModelRef, 0, len(c.Fallbacks)+1)
	if c.Primary.Provider != "" {
		chain = append(chain, c.Primary)
	}
	return append(chain, c.Fallbacks...)
}

// QueueConfig configures batch job dispatch and execution
type QueueConfig struct {
	Backend             string        `yaml:"backend"`   // "local" or "asynq"
	RedisURL            string        `yaml:"redis_url"` // Used by asynq and the event notifier
	Name                string        `yaml:"name"`      // asynq queue name
	Workers             int           `yaml:"workers"`
	MaxAttempts         int           `yaml:"max_attempts"`
	BaseDelay           time.Duration `yaml:"base_delay"`
	MaxDelay            time.Duration `yaml:"max_delay"`
	LeaseDuration       time.Duration `yaml:"lease_duration"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"` // lease renewal while an operation runs
	JobTimeout          time.Duration `yaml:"job_timeout"`
	SecondsPerOperation int           `yaml:"seconds_per_operation"` // ETA estimate
}

// ApplyDefaults fills every zero value with its default.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.OCR.Engine == "" {
		c.OCR.Engine = "tesseract"
	}
	if c.OCR.Language == "" {
		c.OCR.Language = "eng"
	}
	if c.OCR.Timeout == 0 {
		c.OCR.Timeout = 60 * time.Second
	}

	d := DefaultThresholds()
	t := &c.Thresholds
	if t.EarlyExit == 0 {
		t.EarlyExit = d.EarlyExit
	}
	if t.DirectExtractionConfidence == 0 {
		t.DirectExtractionConfidence = d.DirectExtractionConfidence
	}
	if t.DirectExtractionMinChars == 0 {
		t.DirectExtractionMinChars = d.DirectExtractionMinChars
	}
	if t.MinCorrectionRatio == 0 {
		t.MinCorrectionRatio = d.MinCorrectionRatio
	}
	if t.MaxCorrectionRatio == 0 {
		t.MaxCorrectionRatio = d.MaxCorrectionRatio
	}
	if t.MinCorrectionInputChars == 0 {
		t.MinCorrectionInputChars = d.MinCorrectionInputChars
	}

	if c.AI.OpenAI.Model == "" {
		c.AI.OpenAI.Model = "gpt-4o-mini"
	}
	if c.AI.Gemini.Model == "" {
		c.AI.Gemini.Model = "gemini-1.5-flash"
	}
	if c.AI.Ollama.BaseURL == "" {
		c.AI.Ollama.BaseURL = "http://localhost:11434"
	}
	if c.AI.Ollama.Model == "" {
		c.AI.Ollama.Model = "llama3"
	}
	if c.AI.Timeout == 0 {
		c.AI.Timeout = 30 * time.Second
	}
	if len(c.AI.Correction.Chain()) == 0 {
		c.AI.Correction = CorrectionConfig{
			Primary: ModelRef{Provider: "openai", Model: c.AI.OpenAI.Model},
			Fallbacks: []ModelRef{
				{Provider: "openai", Model: "gpt-4o"},
				{Provider: "gemini", Model: c.AI.Gemini.Model},
				{Provider: "ollama", Model: c.AI.Ollama.Model},
			},
		}
	}

	q := &c.Queue
	if q.Backend == "" {
		q.Backend = "local"
	}
	if q.Name == "" {
		q.Name = "batch"
	}
	if q.Workers == 0 {
		q.Workers = 4
	}
	if q.MaxAttempts == 0 {
		q.MaxAttempts = 3
	}
	if q.BaseDelay == 0 {
		q.BaseDelay = 5 * time.Second
	}
	if q.MaxDelay == 0 {
		q.MaxDelay = 60 * time.Second
	}
	if q.LeaseDuration == 0 {
		q.LeaseDuration = 10 * time.Minute
	}
	if q.HeartbeatInterval == 0 {
		q.HeartbeatInterval = q.LeaseDuration / 3
	}
	if q.JobTimeout == 0 {
		q.JobTimeout = 30 * time.Minute
	}
	if q.SecondsPerOperation == 0 {
		q.SecondsPerOperation = 30
	}
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	var problems []string

	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	switch c.OCR.Engine {
	case "tesseract", "vision":
	default:
		problems = append(problems, fmt.Sprintf("unsupported ocr engine %q", c.OCR.Engine))
	}
	t := c.Thresholds
	if t.EarlyExit <= 0 || t.EarlyExit > 1 {
		problems = append(problems, "thresholds.early_exit must be in (0,1]")
	}
	if t.MinCorrectionRatio >= t.MaxCorrectionRatio {
		problems = append(problems, "thresholds.min_correction_ratio must be below max_correction_ratio")
	}
	for _, ref := range c.AI.Correction.Chain() {
		switch ref.Provider {
		case "openai", "gemini", "ollama":
		default:
			problems = append(problems, fmt.Sprintf("unsupported correction provider %q", ref.Provider))
		}
	}
	switch c.Queue.Backend {
	case "local":
	case "asynq":
		if c.Queue.RedisURL == "" {
			problems = append(problems, "queue.redis_url is required for the asynq backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported queue backend %q", c.Queue.Backend))
	}
	if c.Queue.HeartbeatInterval <= 0 || c.Queue.HeartbeatInterval >= c.Queue.LeaseDuration {
		problems = append(problems, "queue.heartbeat_interval must be positive and shorter than queue.lease_duration")
	}
	if c.Queue.MaxAttempts < 1 {
		problems = append(problems, "queue.max_attempts must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
