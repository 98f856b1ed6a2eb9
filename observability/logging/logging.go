package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options extends Setup with a level and an optional rotating file sink.
type Options struct {
	Service string
	Env     string
	// Level is one of debug, info, warn or error. Empty means info.
	Level string
	// File, when set, receives a copy of every log line and is rotated by
	// size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Output replaces stdout. Tests use it to capture lines.
	Output io.Writer
}

// Setup configures the standard library logger to emit structured JSON and returns
// the underlying slog.Logger for richer logging within the service. All log lines
// include the service name and environment when provided.
func Setup(service, env string) *slog.Logger {
	logger, _ := SetupWithOptions(Options{Service: service, Env: env})
	return logger
}

// SetupWithOptions behaves like Setup and additionally returns a closer for
// the file sink. The closer is a no-op when no file is configured.
func SetupWithOptions(opts Options) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}
	var closer io.Closer = nopCloser{}
	if file := strings.TrimSpace(opts.File); file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		out = io.MultiWriter(out, rotator)
		closer = rotator
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		AddSource: false,
		Level:     ParseLevel(opts.Level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				level := strings.ToUpper(attr.Value.String())
				return slog.String("severity", level)
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return Redact(attr)
		},
	})

	attrs := []slog.Attr{
		slog.String("service", strings.TrimSpace(opts.Service)),
	}
	if env := strings.TrimSpace(opts.Env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}

	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base, closer
}

// ParseLevel maps a textual level to slog. Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
