package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// loadConfig reads the YAML file at path, applies environment overrides and defaults,
// and validates the result. A missing file leaves every value to env and defaults.
func loadConfig(path string) (*models.Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var config models.Config

	// Read config file
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		// Parse YAML
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case errors.Is(err, fs.ErrNotExist):
		log.Debug().Str("path", path).Msg("config file not found, using environment and defaults")
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := applyEnv(&config, os.Getenv); err != nil {
		return nil, err
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnv overrides config with environment variables if present
func applyEnv(config *models.Config, getenv func(string) string) error {
	if port := getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		config.Port = p
	}
	if host := getenv("HOST"); host != "" {
		config.Host = host
	}
	if level := getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if format := getenv("LOG_FORMAT"); format != "" {
		config.Log.Format = format
	}
	if engine := getenv("OCR_ENGINE"); engine != "" {
		config.OCR.Engine = engine
	}
	if lang := getenv("OCR_LANGUAGE"); lang != "" {
		config.OCR.Language = lang
	}
	if apiKey := getenv("OPENAI_API_KEY"); apiKey != "" {
		config.AI.OpenAI.APIKey = apiKey
	}
	if apiKey := getenv("GEMINI_API_KEY"); apiKey != "" {
		config.AI.Gemini.APIKey = apiKey
	}
	if baseURL := getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.AI.Ollama.BaseURL = baseURL
	}
	if baseURL := getenv("OPENAI_BASE_URL"); baseURL != "" {
		config.AI.OpenAI.BaseURL = baseURL
	}
	if model := getenv("OPENAI_MODEL"); model != "" {
		config.AI.OpenAI.Model = model
	}
	if model := getenv("GEMINI_MODEL"); model != "" {
		config.AI.Gemini.Model = model
	}
	if backend := getenv("QUEUE_BACKEND"); backend != "" {
		config.Queue.Backend = backend
	}
	if redisURL := getenv("REDIS_URL"); redisURL != "" {
		config.Queue.RedisURL = redisURL
	}
	if workers := getenv("QUEUE_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return fmt.Errorf("invalid QUEUE_WORKERS %q: %w", workers, err)
		}
		config.Queue.Workers = n
	}
	return nil
}
