package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/rs/zerolog"
)

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// source yields the zerolog logger a Logger writes through. A Service is a
// source that changes on Apply; fixed never changes.
type source interface {
	current() zerolog.Logger
}

type fixed zerolog.Logger

func (f fixed) current() zerolog.Logger { return zerolog.Logger(f) }

// Logger is the structured logger handed to every component. The zero value
// discards everything; loggers taken from a Service follow its Apply calls.
type Logger struct {
	src    source
	fields []Field
}

// Nop returns a logger that writes nothing.
func Nop() Logger { return Logger{src: fixed(zerolog.Nop())} }

// NewWriter returns a JSON logger writing to w, detached from any Service.
func NewWriter(w io.Writer, level string) Logger {
	zl := zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
	return Logger{src: fixed(zl)}
}

// IsZero reports whether l is the zero Logger. Constructors use it to
// substitute Nop for an unset logger option.
func (l Logger) IsZero() bool { return l.src == nil && l.fields == nil }

// Enabled reports whether a message at level would be written.
func (l Logger) Enabled(level Level) bool { return level >= l.zl().GetLevel() }

// With returns a child logger that adds fields to every message.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	l.fields = append(merged, fields...)
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) zl() zerolog.Logger {
	if l.src == nil {
		return zerolog.Nop()
	}
	return l.src.current()
}

// emit must be called directly from the level methods; the caller skip
// count depends on it.
func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	zl := l.zl()
	ev := zl.WithLevel(level)
	if ev == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		ev.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	for _, group := range [][]Field{l.fields, fields} {
		for _, f := range group {
			if f != nil {
				f(ev)
			}
		}
	}
	ev.Msg(msg)
}
