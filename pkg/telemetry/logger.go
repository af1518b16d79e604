package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger owns the root zerolog logger of the process. Packages receive a
// component child of it through their constructors.
type Logger struct {
	root zerolog.Logger
	file *os.File
}

// NewLogger opens cfg.Output and builds the root logger on it.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	var (
		w    io.Writer
		file *os.File
	)
	switch cfg.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, err
		}
		w, file = f, f
	}

	l := NewLoggerWithWriter(cfg, w)
	l.file = file
	return l, nil
}

// NewLoggerWithWriter builds the root logger on w. Anything but the json
// format gets the human console encoding.
func NewLoggerWithWriter(cfg LoggingConfig, w io.Writer) *Logger {
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	ctx := zerolog.New(w).Level(level).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return &Logger{root: ctx.Logger()}
}

// Zerolog returns the root logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.root
}

// Component returns a child logger tagged with component=name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.root.With().Str("component", name).Logger()
}

// Close closes the log file, if logging goes to one.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
