package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturaIA/document-enhancement-service/internal/models"
)

var overrideVars = []string{
	"PORT", "HOST", "LOG_LEVEL", "LOG_FORMAT", "OCR_ENGINE", "OCR_LANGUAGE",
	"OPENAI_API_KEY", "GEMINI_API_KEY", "OLLAMA_BASE_URL", "OPENAI_BASE_URL",
	"OPENAI_MODEL", "GEMINI_MODEL", "QUEUE_BACKEND", "REDIS_URL", "QUEUE_WORKERS",
}

func clearOverrides(t *testing.T) {
	t.Helper()
	for _, k := range overrideVars {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFromFile(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, `
port: 9090
ocr:
  engine: tesseract
  language: spa+eng
  timeout: 45s
thresholds:
  early_exit: 0.85
ai:
  correction:
    primary: {provider: gemini, model: gemini-1.5-pro}
queue:
  workers: 2
  seconds_per_operation: 10
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "spa+eng", cfg.OCR.Language)
	assert.Equal(t, 45*time.Second, cfg.OCR.Timeout)
	assert.Equal(t, 0.85, cfg.Thresholds.EarlyExit)
	assert.Equal(t, 0.95, cfg.Thresholds.DirectExtractionConfidence)
	assert.Equal(t, []models.ModelRef{{Provider: "gemini", Model: "gemini-1.5-pro"}}, cfg.AI.Correction.Chain())
	assert.Equal(t, 2, cfg.Queue.Workers)
	assert.Equal(t, 10, cfg.Queue.SecondsPerOperation)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, "local", cfg.Queue.Backend)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	clearOverrides(t)

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "tesseract", cfg.OCR.Engine)
	assert.Equal(t, models.DefaultThresholds(), cfg.Thresholds)
	assert.Len(t, cfg.AI.Correction.Chain(), 4)
	assert.Equal(t, 10*time.Minute, cfg.Queue.LeaseDuration)
	assert.Equal(t, 10*time.Minute/3, cfg.Queue.HeartbeatInterval)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			content: "port: [",
			wantErr: "failed to parse config",
		},
		{
			name:    "unknown engine",
			content: "ocr: {engine: paddle}",
			wantErr: `unsupported ocr engine "paddle"`,
		},
		{
			name:    "asynq without redis",
			content: "queue: {backend: asynq}",
			wantErr: "queue.redis_url is required",
		},
		{
			name:    "heartbeat not shorter than lease",
			content: "queue: {lease_duration: 30s, heartbeat_interval: 30s}",
			wantErr: "queue.heartbeat_interval must be positive",
		},
		{
			name:    "bad port override",
			content: "",
			env:     map[string]string{"PORT": "http"},
			wantErr: "invalid PORT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearOverrides(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := loadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	env := map[string]string{
		"PORT":           "7000",
		"OCR_ENGINE":     "vision",
		"OCR_LANGUAGE":   "fra",
		"OPENAI_API_KEY": "sk-test",
		"QUEUE_BACKEND":  "asynq",
		"REDIS_URL":      "redis://localhost:6379/1",
		"QUEUE_WORKERS":  "8",
		"LOG_LEVEL":      "debug",
	}
	cfg := models.Config{Port: 9090, OCR: models.OCRConfig{Engine: "tesseract", Language: "eng"}}

	require.NoError(t, applyEnv(&cfg, func(k string) string { return env[k] }))

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, "vision", cfg.OCR.Engine)
	assert.Equal(t, "fra", cfg.OCR.Language)
	assert.Equal(t, "sk-test", cfg.AI.OpenAI.APIKey)
	assert.Equal(t, "asynq", cfg.Queue.Backend)
	assert.Equal(t, "redis://localhost:6379/1", cfg.Queue.RedisURL)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestWorkerCommandNeedsAsynq(t *testing.T) {
	clearOverrides(t)
	path := writeConfig(t, "log: {level: error}")

	cmd := newRootCommand()
	var stderr bytes.Buffer
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--config", path, "worker"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.backend asynq")
}
