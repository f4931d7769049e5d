// Package logging builds the slog.Logger a Tracker logs through,
// mirroring the teacher's pkg/logger: JSON or text handler, stdout/stderr
// or a rotating file via lumberjack, and a request-id context helper used
// to correlate the log lines one TrackAsync call produces.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config mirrors the settings.Settings ambient logging fields.
type Config struct {
	Level      string // DEBUG, INFO, WARN, ERROR
	Format     string // "json" or "text"
	Output     string // "stdout", "stderr", or "file"
	Filename   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// NewLogger builds a slog.Logger per cfg. An invalid level falls back to
// INFO rather than failing construction, since a misconfigured logger
// should never prevent a Tracker from starting.
func NewLogger(cfg Config) *slog.Logger {
	w := SetupWriter(cfg)
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// SetupWriter resolves cfg.Output to a writer: stdout, stderr, or a
// lumberjack-rotated file.
func SetupWriter(cfg Config) io.Writer {
	switch strings.ToLower(cfg.Output) {
	case "file":
		maxSize := cfg.MaxSize
		if maxSize == 0 {
			maxSize = 100
		}
		maxBackups := cfg.MaxBackups
		if maxBackups == 0 {
			maxBackups = 3
		}
		maxAge := cfg.MaxAge
		if maxAge == 0 {
			maxAge = 28
		}
		return &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   cfg.Compress,
		}
	case "stderr":
		return os.Stderr
	default:
		return os.Stdout
	}
}

// ParseLevel converts a level name to a slog.Level, defaulting to Info
// for anything unrecognized.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type requestIDKey struct{}

// GenerateRequestID returns a random 16-byte hex id, falling back to a
// timestamp-derived id if the crypto/rand read fails (which in practice
// never happens on a supported OS, but a logging helper must not panic).
func GenerateRequestID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// WithRequestID attaches id to ctx for later retrieval by GetRequestID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID returns the request id attached to ctx, or "" if none.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// FromContext returns l annotated with ctx's request id, if any, so every
// log line a single Track/TrackAsync call produces carries the same id.
func FromContext(ctx context.Context, l *slog.Logger) *slog.Logger {
	if id := GetRequestID(ctx); id != "" {
		return l.With("request_id", id)
	}
	return l
}
