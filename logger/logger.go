// Package logger provides structured logging with secret redaction.
//
// It wraps log/slog with package-level helpers backed by a global DefaultLogger.
// Records are enriched with session fields carried on context.Context, and
// upstream URLs and credentials are scrubbed with RedactSensitiveData before
// they reach any sink.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
)

// Output formats accepted by Configure.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is initialized at info level, or from the LOG_LEVEL environment variable.
	DefaultLogger *slog.Logger

	level = new(slog.LevelVar)
	mu    sync.Mutex
)

func init() {
	level.Set(slog.LevelInfo)
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		if l, err := ParseLevel(envLevel); err == nil {
			level.Set(l)
		}
	}
	DefaultLogger = slog.New(NewContextHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// SetLevel changes the logging level for all subsequent log operations.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// SetVerbose enables debug-level logging when verbose is true, otherwise sets info-level.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// Spec describes the logging section of a config file.
type Spec struct {
	Level  string            `yaml:"level"`
	Format string            `yaml:"format"`
	Fields map[string]string `yaml:"fields"`
}

// Configure rebuilds DefaultLogger from spec, writing to w (stderr when nil).
func Configure(spec *Spec, w io.Writer) error {
	if spec == nil {
		return nil
	}
	if w == nil {
		w = os.Stderr
	}
	l, err := ParseLevel(spec.Level)
	if err != nil {
		return err
	}

	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	switch strings.ToLower(spec.Format) {
	case "", FormatText:
		inner = slog.NewTextHandler(w, opts)
	case FormatJSON:
		inner = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", spec.Format)
	}

	common := make([]slog.Attr, 0, len(spec.Fields))
	for k, v := range spec.Fields {
		common = append(common, slog.String(k, v))
	}

	mu.Lock()
	defer mu.Unlock()
	level.Set(l)
	DefaultLogger = slog.New(NewContextHandler(inner, common...))
	return nil
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context fields.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context fields.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context fields.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context fields.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

var (
	// sensitivePatterns match credentials that may appear in URLs, headers or payloads.
	sensitivePatterns = []*regexp.Regexp{
		regexp.MustCompile(`AIza[a-zA-Z0-9_-]{35}`),                   // Google API keys
		regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/=-]+`),            // Bearer tokens
		regexp.MustCompile(`([?&](?:key|token|access_token)=)[^&\s]+`), // query credentials
	}
)

// RedactSensitiveData masks API keys, bearer tokens and credential query parameters.
// Google keys keep their first four characters for debugging.
func RedactSensitiveData(input string) string {
	result := input
	for i, pattern := range sensitivePatterns {
		if i == len(sensitivePatterns)-1 {
			result = pattern.ReplaceAllString(result, "${1}[REDACTED]")
			continue
		}
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer") {
				return "Bearer [REDACTED]"
			}
			if len(match) > 8 {
				return match[:4] + "...[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return result
}
