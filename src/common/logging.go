package common

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var GLogger, _ = NewLogger(os.Stdout, "info", "text")

type Logger struct {
	slog   *slog.Logger
	output io.Writer

	mu             sync.Mutex
	debugStartTime time.Time
}

func NewLogger(output io.Writer, level string, format string) (*Logger, error) {
	if output == nil {
		output = os.Stdout
	}
	slogLevel, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: slogLevel}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(output, opts)
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		return nil, fmt.Errorf("unknown log format \"%s\", expected one of text, json", format)
	}
	return &Logger{
		slog:   slog.New(handler),
		output: output,
	}, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level \"%s\", expected one of debug, info, warn, error", level)
}

func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

func (l *Logger) ConsolePrintf(format string, v ...any) {
	l.slog.Info(fmt.Sprintf(format, v...))
}

func (l *Logger) ConsoleFatal(v ...any) {
	l.slog.Error(fmt.Sprint(v...))
	os.Exit(1)
}

// DebugPrintf appends the time elapsed since the previous debug line, which
// makes per-step timings of the generation loop visible.
func (l *Logger) DebugPrintf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.debugStartTime.IsZero() {
		format += fmt.Sprintf(" (%.4f secs)", time.Since(l.debugStartTime).Seconds())
	}
	l.slog.Debug(fmt.Sprintf(format, v...))
	l.debugStartTime = time.Now()
}

func (l *Logger) Info(msg string, args ...any) {
	l.slog.Info(msg, args...)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.slog.Warn(msg, args...)
}

func (l *Logger) Error(msg string, args ...any) {
	l.slog.Error(msg, args...)
}

func (l *Logger) Close() {
	if f, ok := l.output.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		f.Close()
	}
}
