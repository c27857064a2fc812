// Package logger provides component-scoped structured logging on top of log/slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu       sync.RWMutex
	levelVar = new(slog.LevelVar)
	base     = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
)

func init() {
	levelVar.Set(slog.LevelInfo)
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel maps "debug", "info", "warn" and "error" to a LogLevel.
// Unknown values fall back to INFO.
func ParseLevel(raw string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func SetLevel(level LogLevel) {
	levelVar.Set(toSlogLevel(level))
}

func GetLevel() LogLevel {
	switch l := levelVar.Level(); {
	case l <= slog.LevelDebug:
		return DEBUG
	case l <= slog.LevelInfo:
		return INFO
	case l <= slog.LevelWarn:
		return WARN
	default:
		return ERROR
	}
}

// Configure swaps the output sink. format is "json" or "text".
func Configure(w io.Writer, format string) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: levelVar}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	mu.Lock()
	base = slog.New(handler)
	mu.Unlock()
}

// Slog returns the underlying logger, for libraries that take a *slog.Logger.
func Slog() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func logf(level LogLevel, component, message string, fields map[string]interface{}) {
	l := Slog()
	lvl := toSlogLevel(level)
	if !l.Enabled(context.Background(), lvl) {
		return
	}
	attrs := make([]slog.Attr, 0, len(fields)+1)
	if component != "" {
		attrs = append(attrs, slog.String("component", component))
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, fields[k]))
	}
	l.LogAttrs(context.Background(), lvl, message, attrs...)
}

func DebugC(component, message string) { logf(DEBUG, component, message, nil) }
func InfoC(component, message string)  { logf(INFO, component, message, nil) }
func WarnC(component, message string)  { logf(WARN, component, message, nil) }
func ErrorC(component, message string) { logf(ERROR, component, message, nil) }

func DebugCF(component, message string, fields map[string]interface{}) {
	logf(DEBUG, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logf(INFO, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logf(WARN, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logf(ERROR, component, message, fields)
}
