package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// base is the process-wide root logger. Until Setup runs it discards
// everything, so applications that embed the storage layer without
// configuring logging get silence instead of writes to a nil sink.
var base = zerolog.New(io.Discard)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum severity (debug, info, warn, error). Unknown
	// values fall back to info.
	Level string

	// JSON switches from the human console format to one JSON object per
	// line.
	JSON bool

	// Output defaults to stderr so machine-readable command output on
	// stdout stays clean.
	Output io.Writer
}

// Setup configures the process-wide logger.
func Setup(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger for one storage component (the router,
// the transcript reader, the CLI).
func Component(name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Backend returns a child logger for one storage backend. Every line
// carries the backend tag so per-backend failures can be filtered in
// aggregate across namespaces.
func Backend(tag string) zerolog.Logger {
	return base.With().Str("component", "storage").Str("backend", tag).Logger()
}
