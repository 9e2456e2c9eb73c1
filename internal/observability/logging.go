package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is "debug", "info", "warn", or "error". Defaults to "info".
	Level string
	// Format is "json" or "text". Defaults to "json".
	Format string
	// Output defaults to os.Stderr so agent output on stdout stays clean.
	Output io.Writer
}

// secretPatterns cover the credentials that flow through agent and bridge
// logs: provider API keys, bearer tokens, and key=value style secrets.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9_\-.]{16,}`),
	regexp.MustCompile(`(?i)((?:api[_-]?key|token|secret|password)[\s:=]+)["']?[^\s"']{8,}["']?`),
}

// NewLogger builds the structured logger. All string attribute values pass
// through secret redaction before they reach the handler.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(config.Level),
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}

// SetDefault installs the logger as the slog default.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(Redact(a.Value.String()))
	}
	return a
}

// Redact replaces credential-shaped substrings with a placeholder. Exposed
// for the MCP traffic log, which forwards raw tool payloads to clients.
func Redact(s string) string {
	for _, pattern := range secretPatterns {
		s = pattern.ReplaceAllStringFunc(s, func(match string) string {
			if idx := pattern.FindStringSubmatchIndex(match); len(idx) >= 4 && idx[2] >= 0 {
				// Keep the matched prefix (e.g. "api_key: ") and redact the rest.
				return match[idx[2]:idx[3]] + "[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return s
}

// LoggerFromContext returns the default logger annotated with the active
// trace ID when one is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if id := TraceID(ctx); id != "" {
		logger = logger.With("trace_id", id)
	}
	return logger
}
