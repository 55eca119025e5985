package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel defines the severity of the log entry.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levels = [...]struct {
	name    string
	slog    slog.Level
	aliases []string
}{
	LevelDebug: {"DEBUG", slog.LevelDebug, []string{"debug"}},
	LevelInfo:  {"INFO", slog.LevelInfo, []string{"info", ""}},
	LevelWarn:  {"WARN", slog.LevelWarn, []string{"warn", "warning"}},
	LevelError: {"ERROR", slog.LevelError, []string{"error"}},
}

func (l LogLevel) valid() bool { return l >= LevelDebug && l <= LevelError }

func (l LogLevel) String() string {
	if !l.valid() {
		return "UNKNOWN"
	}
	return levels[l].name
}

// SlogLevel maps l onto slog; unknown levels log at info.
func (l LogLevel) SlogLevel() slog.Level {
	if !l.valid() {
		return slog.LevelInfo
	}
	return levels[l].slog
}

// ParseLevel converts a level name such as "debug" or "WARN" into a LogLevel.
// Unknown names fall back to LevelInfo and report false.
func ParseLevel(name string) (LogLevel, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for l, def := range levels {
		for _, alias := range def.aliases {
			if alias == name {
				return LogLevel(l), true
			}
		}
	}
	return LevelInfo, false
}

var (
	mu     sync.RWMutex
	logger *slog.Logger
)

func install(level LogLevel, w io.Writer) {
	l := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level.SlogLevel()}))

	mu.Lock()
	logger = l
	mu.Unlock()

	slog.SetDefault(l)
}

// InitForCLI sends logs for one-shot commands to w. Commands pass stderr so
// that table and JSON output on stdout stays clean.
func InitForCLI(level LogLevel, w io.Writer) {
	install(level, w)
}

// InitForServer sends logs to stderr; stdout carries the MCP stream.
func InitForServer(level LogLevel) {
	install(level, os.Stderr)
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func logInternal(level LogLevel, subsystem string, err error, messageFmt string, args ...any) {
	l := current()
	if l == nil {
		// Before Init only warnings and errors get through.
		if level < LevelWarn {
			return
		}
		fmt.Fprintf(os.Stderr, "%s [%s] %s: %s\n", time.Now().Format(time.RFC3339), level, subsystem, format(messageFmt, args))
		return
	}

	ctx := context.Background()
	if !l.Enabled(ctx, level.SlogLevel()) {
		return
	}

	attrs := []slog.Attr{slog.String("subsystem", subsystem)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.LogAttrs(ctx, level.SlogLevel(), format(messageFmt, args), attrs...)
}

func format(messageFmt string, args []any) string {
	if len(args) == 0 {
		return messageFmt
	}
	return fmt.Sprintf(messageFmt, args...)
}

// Debug logs a debug message.
func Debug(subsystem string, messageFmt string, args ...any) {
	logInternal(LevelDebug, subsystem, nil, messageFmt, args...)
}

// Info logs an informational message.
func Info(subsystem string, messageFmt string, args ...any) {
	logInternal(LevelInfo, subsystem, nil, messageFmt, args...)
}

// Warn logs a warning message.
func Warn(subsystem string, messageFmt string, args ...any) {
	logInternal(LevelWarn, subsystem, nil, messageFmt, args...)
}

// Error logs an error message with err attached as an attribute.
func Error(subsystem string, err error, messageFmt string, args ...any) {
	logInternal(LevelError, subsystem, err, messageFmt, args...)
}
