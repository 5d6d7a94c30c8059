package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/facturaIA/document-enhancement-service/internal/models"
)

// Setup initializes the global logger with the provided configuration
func Setup(config models.LogConfig) error {
	return SetupWriter(config, os.Stdout)
}

// SetupWriter is Setup with an explicit destination
func SetupWriter(config models.LogConfig, out io.Writer) error {
	levelName := strings.ToLower(config.Level)
	if levelName == "" {
		levelName = "info"
	}
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	output := out
	if strings.ToLower(config.Format) == "console" {
		output = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	log.Logger = zerolog.New(output).With().
		Timestamp().
		Str("service", "document-enhancement").
		Logger()

	return nil
}

// WithComponent returns a logger with a component field
func WithComponent(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}

// WithJob returns a component logger bound to a batch job
func WithJob(component, jobID string) zerolog.Logger {
	return log.Logger.With().
		Str("component", component).
		Str("job_id", jobID).
		Logger()
}
