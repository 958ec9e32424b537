// Package telemetry owns the process logger: JSON lines in the home
// directory with secrets scrubbed before they hit any sink.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/clawgate/internal/shared"
)

// levelVar backs the process-wide log level so config reloads can swap it
// without rebuilding the handler chain.
var levelVar = new(slog.LevelVar)

// SetLevel adjusts the level of every logger built by NewLogger.
func SetLevel(level string) {
	levelVar.Set(parseLevel(level))
}

// sensitiveKeyParts flags attribute keys whose values are always secrets.
var sensitiveKeyParts = []string{
	"token", "secret", "password", "authorization",
	"api_key", "apikey", "bearer", "pairing_code",
}

// NewLogger builds the daemon's slog logger: JSON lines appended to
// <homeDir>/logs/system.jsonl, mirrored to stdout unless quiet. The
// returned closer owns the log file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	sink, closer, err := openLogSink(homeDir, quiet)
	if err != nil {
		return nil, nil, err
	}

	levelVar.Set(parseLevel(level))
	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: scrubAttr,
	})
	logger := slog.New(handler).With("component", "gateway", "trace_id", "-")
	return logger, closer, nil
}

// openLogSink opens logs/system.jsonl for append, creating the directory
// on first use.
func openLogSink(homeDir string, quiet bool) (io.Writer, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	if quiet {
		return file, file, nil
	}
	return io.MultiWriter(os.Stdout, file), file, nil
}

// scrubAttr renames the time key to timestamp and redacts any attribute
// that looks like it carries a credential, by key or by value.
func scrubAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if clean, changed := scrubValue(a.Value.String()); changed {
			return slog.String(a.Key, clean)
		}
	}
	return a
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// scrubValue redacts string values wholesale when they embed auth
// material, and otherwise defers to the shared pattern table.
func scrubValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	for _, marker := range []string{"bearer ", "api_key", "authorization:"} {
		if strings.Contains(lower, marker) {
			return "[REDACTED]", true
		}
	}
	if clean := shared.Redact(v); clean != v {
		return clean, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
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
