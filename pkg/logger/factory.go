package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the level and format of the stdout logger.
type Config struct {
	Level  slog.Level `env:"LOG_LEVEL" envDefault:"INFO" yaml:"level"`
	Format string     `env:"LOG_FORMAT" envDefault:"json" yaml:"format"` // json or text
}

// New creates a JSON-formatted logger with optional context extractors.
func New(extractors ...ContextExtractor) *slog.Logger {
	return NewWithConfig(Config{Level: slog.LevelInfo}, extractors...)
}

// NewWithConfig creates a stdout logger using cfg.
func NewWithConfig(cfg Config, extractors ...ContextExtractor) *slog.Logger {
	return slog.New(NewLogHandlerDecorator(newHandler(os.Stdout, cfg), extractors...))
}

func newHandler(w io.Writer, cfg Config) slog.Handler {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
