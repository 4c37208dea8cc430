/*
Package observability builds the logger and the metrics instance.

Both are constructed once in main and passed down; nothing in this package
holds process-wide state.

SEE ALSO:
  - metrics.go: Prometheus collectors
  - api/server.go: request logging middleware
*/
package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects level and output format.
type LogConfig struct {
	Level   string
	Pretty  bool
	Service string
}

// NewLogger returns a logger writing to stderr.
func NewLogger(cfg LogConfig) zerolog.Logger {
	return NewLoggerTo(os.Stderr, cfg)
}

// NewLoggerTo returns a logger writing to w. An unknown level falls back to info.
func NewLoggerTo(w io.Writer, cfg LogConfig) zerolog.Logger {
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Service != "" {
		logger = logger.Str("service", cfg.Service)
	}
	return logger.Logger()
}
