// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging provides structured logging for the orchestrator runtime,
// keeping the call-site shape (Logger/Field/Level) small and stable while
// delegating the actual write path to logiface+zerolog.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"

	izerolog "github.com/joeycumines/izerolog"
)

// Level represents a log level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger provides structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	WithFields(fields ...Field) Logger
}

// Field represents a key-value pair in structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// NewField creates a new field.
func NewField(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// loggerImpl backs Logger with a logiface.Logger over zerolog, carrying a
// fixed set of base fields the way the teacher's loggerImpl carried a
// fields slice.
type loggerImpl struct {
	inner  *logiface.Logger[*izerolog.Event]
	fields []Field
}

// NewLogger creates a new logger writing newline-delimited JSON to stdout,
// except LevelError records, which go to stderr instead (matching the
// teacher's split).
// If verbose is true, Debug level logs are shown.
func NewLogger(verbose bool) Logger {
	return newLoggerWithWriter(os.Stdout, os.Stderr, verbose)
}

func newLoggerWithWriter(out, errOut io.Writer, verbose bool) Logger {
	level := logiface.LevelInformational
	if verbose {
		level = logiface.LevelDebug
	}
	z := zerolog.New(zerolog.MultiLevelWriter(&levelSplitWriter{out: out, errOut: errOut})).With().Timestamp().Logger()
	inner := logiface.New[*izerolog.Event](
		izerolog.WithZerolog(z),
		logiface.WithLevel[*izerolog.Event](level),
	)
	return &loggerImpl{inner: inner}
}

// levelSplitWriter routes zerolog's "error" and above records to errOut,
// everything else to out, mirroring the teacher's out/errOut split.
type levelSplitWriter struct {
	out    io.Writer
	errOut io.Writer
}

func (w *levelSplitWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level >= zerolog.ErrorLevel {
		return w.errOut.Write(p)
	}
	return w.out.Write(p)
}

func (w *levelSplitWriter) Write(p []byte) (int, error) {
	return w.out.Write(p)
}

func (l *loggerImpl) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields...) }
func (l *loggerImpl) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields...) }
func (l *loggerImpl) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields...) }
func (l *loggerImpl) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields...) }

// WithFields returns a new logger with additional base fields.
func (l *loggerImpl) WithFields(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &loggerImpl{inner: l.inner, fields: merged}
}

func (l *loggerImpl) log(level Level, msg string, fields ...Field) {
	b := l.inner.Build(toLogifaceLevel(level))
	for _, f := range l.fields {
		b = b.Any(f.Key, f.Value)
	}
	for _, f := range fields {
		b = b.Any(f.Key, f.Value)
	}
	b.Log(msg)
}

func toLogifaceLevel(l Level) logiface.Level {
	switch l {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
