// Package logging provides structured logging for goquest.
//
// Process logs go through log/slog. Per-run logs are captured alongside with a
// LogCollector so every finished run carries its own log lines, and the AuditLog keeps a
// human-readable session trail.
//
// Example usage:
//
//	logger, err := logging.New(logging.Config{Level: "info", Format: "json"})
//	if err != nil {
//		return err
//	}
//	defer logger.Close()
//	logger.Info("task started", "task_id", "cooks-assistant", "node", "gather")
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	defaultLevel  = "info"
	defaultFormat = "json"
	defaultOutput = "stdout"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config holds the configuration for the logger.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	// Format is json or text.
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
	// Output is stdout, stderr or a file path. Missing parent directories are created.
	Output string `yaml:"output"`
	// AddSource adds source code position to log records.
	AddSource bool `yaml:"add_source"`
}

// Logger is an slog.Logger that owns its output.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// New creates a logger from cfg. Unset fields take their defaults.
func New(cfg Config) (*Logger, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}
	cfg.setDefaults()

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	w, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(handler), closer: closer}, nil
}

// Close closes a file output. It is a no-op for stdout and stderr.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

func (cfg *Config) setDefaults() {
	if cfg.Level == "" {
		cfg.Level = defaultLevel
	}
	if cfg.Format == "" {
		cfg.Format = defaultFormat
	}
	if cfg.Output == "" {
		cfg.Output = defaultOutput
	}
}

// replaceAttr renders timestamps as RFC3339 and durations as strings, so task timings
// read the same in JSON and text output.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindTime:
		if a.Key == slog.TimeKey {
			return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
		}
	case slog.KindDuration:
		return slog.String(a.Key, a.Value.Duration().String())
	}
	return a
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file %q: %w", output, err)
	}
	return f, f, nil
}
