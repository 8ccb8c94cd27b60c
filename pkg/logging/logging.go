// Package logging provides the structured logger used by the batching
// engine and cache.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level controls which messages a Logger emits.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// OutputType selects the rendering of log lines.
type OutputType string

const (
	OutputJSON   OutputType = "json"
	OutputPretty OutputType = "pretty"
)

// Logger is the minimal structured-logging surface used internally.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, err error, fields ...Field)
}

// Field is a single structured key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

// Str builds a string field.
func Str(key, value string) Field { return Field{Key: key, Value: value} }

// Int builds an integer field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Bool builds a boolean field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration builds a duration field.
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

func toZerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// defaultLogger is the zerolog-backed Logger used unless the caller supplies
// their own via config.WithLogger.
type defaultLogger struct {
	logger zerolog.Logger
}

// NewDefault creates a zerolog-backed Logger writing to stdout at the given
// level and output shape.
func NewDefault(level Level, output OutputType) Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	var w = os.Stdout
	var logger zerolog.Logger
	if output == OutputPretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(w).With().Timestamp().Logger()
	}
	logger = logger.Level(toZerologLevel(level))

	return &defaultLogger{logger: logger}
}

func apply(e *zerolog.Event, fields []Field) *zerolog.Event {
	for _, f := range fields {
		e = e.Interface(f.Key, f.Value)
	}
	return e
}

func (l *defaultLogger) Debug(msg string, fields ...Field) {
	apply(l.logger.Debug(), fields).Msg(msg)
}

func (l *defaultLogger) Info(msg string, fields ...Field) {
	apply(l.logger.Info(), fields).Msg(msg)
}

func (l *defaultLogger) Warn(msg string, fields ...Field) {
	apply(l.logger.Warn(), fields).Msg(msg)
}

func (l *defaultLogger) Error(msg string, err error, fields ...Field) {
	e := l.logger.Error()
	if err != nil {
		e = e.Err(err)
	}
	apply(e, fields).Msg(msg)
}

// Noop is a Logger that discards everything, used as a safe zero-value.
type Noop struct{}

func (Noop) Debug(string, ...Field)        {}
func (Noop) Info(string, ...Field)         {}
func (Noop) Warn(string, ...Field)         {}
func (Noop) Error(string, error, ...Field) {}

var _ Logger = (*defaultLogger)(nil)
var _ Logger = Noop{}
