package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/lumberjack"
)

// LevelTrace sits below [slog.LevelDebug] and carries full wire
// payloads: model requests and responses, MCP frames. It uses -8 like
// other slog extensions.
const LevelTrace = slog.Level(-8)

// ParseLogLevel converts a case-insensitive level name to an
// [slog.Level]. Empty means info; "warning" is accepted for warn.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
}

// ReplaceLogLevelNames prints [LevelTrace] as "TRACE" rather than
// slog's "DEBUG-4". Use it as [slog.HandlerOptions.ReplaceAttr].
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

// LogOptions configures NewLogger.
type LogOptions struct {
	Level  string
	Format string // text (default) or json
	// File, when set, receives the log through a size-rotated writer
	// instead of w.
	File string
}

// NewLogger builds the process logger. The returned closer releases
// the log file, if any.
func NewLogger(w io.Writer, opts LogOptions) (*slog.Logger, io.Closer, error) {
	level, err := ParseLogLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	var closer io.Closer = io.NopCloser(nil)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    20, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		w, closer = rotator, rotator
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: ReplaceLogLevelNames,
	}
	var handler slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, handlerOpts)
	case "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q (valid: text, json)", opts.Format)
	}
	return slog.New(handler), closer, nil
}
