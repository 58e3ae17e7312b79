package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const tsLayout = "2006-01-02T15:04:05.000Z07:00"

// frames between runtime.Caller and the code that called Info/Warn/...
const callerDepth = 2

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = tsLayout
}

// Logger is a value type; copies are cheap and share the same sinks.
// Loggers handed out by a Service follow every Service.Apply. The zero
// Logger discards everything.
type Logger struct {
	src   func() zerolog.Logger
	attrs []Field
}

var nopRoot = zerolog.Nop()

// Nop returns a non-zero Logger that discards everything.
func Nop() Logger {
	return Logger{src: func() zerolog.Logger { return nopRoot }}
}

func fixed(zl zerolog.Logger) Logger {
	return Logger{src: func() zerolog.Logger { return zl }}
}

// NewConsole is the bootstrap logger used until config is loaded.
func NewConsole(level string) Logger {
	return fixed(build(consoleOut(os.Stdout), parseLevel(level, LevelInfo)))
}

// NewWriter logs JSON lines to w.
func NewWriter(w io.Writer, level string) Logger {
	return fixed(build(w, parseLevel(level, LevelDebug)))
}

func build(w io.Writer, lvl Level) zerolog.Logger {
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func consoleOut(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   tsLayout,
		FormatCaller: func(v any) string { return fmt.Sprint(v) },
	}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.attrs) == 0 }

// With returns a child logger carrying fields on every line.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.attrs)+len(fields))
	merged = append(merged, l.attrs...)
	return Logger{src: l.src, attrs: append(merged, fields...)}
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l Logger) emit(lvl Level, msg string, fields []Field) {
	if l.src == nil {
		return
	}
	root := l.src()
	ev := root.WithLevel(lvl)
	if ev == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(callerDepth); ok {
		ev.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, f := range l.attrs {
		f.put(ev)
	}
	for _, f := range fields {
		f.put(ev)
	}
	ev.Msg(msg)
}

// parseLevel accepts the usual spellings; anything else yields def.
func parseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return def
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
