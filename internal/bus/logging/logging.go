// Package logging defines the minimal structured logging contract used
// across the bus. The bus emits records but owns no logging
// configuration; callers bring their own slog.Logger (or any adapter).
package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured key/value pairs attached to a record.
type LogFields map[string]any

// ServiceLogger is the logging contract required by the bus.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
}

// NewSlogServiceLogger wraps a slog.Logger so it satisfies ServiceLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("eventbus: slog logger cannot be nil")
	}
	return &slogServiceLogger{inner: log}
}

// Nop returns a logger that discards everything.
func Nop() ServiceLogger { return nopLogger{} }

type slogServiceLogger struct {
	inner *slog.Logger
}

func (s *slogServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return s
	}
	return &slogServiceLogger{inner: s.inner.With(toArgs(fields)...)}
}

func (s *slogServiceLogger) Debug(msg string, fields LogFields) {
	s.inner.Debug(msg, toArgs(fields)...)
}

func (s *slogServiceLogger) Info(msg string, fields LogFields) {
	s.inner.Info(msg, toArgs(fields)...)
}

func (s *slogServiceLogger) Warn(msg string, fields LogFields) {
	s.inner.Warn(msg, toArgs(fields)...)
}

func (s *slogServiceLogger) Error(msg string, err error, fields LogFields) {
	args := toArgs(fields)
	if err != nil {
		args = append(args, slog.Any("error", err))
	}
	s.inner.Error(msg, args...)
}

func toArgs(fields LogFields) []any {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields))
	for k, v := range fields {
		args = append(args, slog.Any(k, v))
	}
	return args
}

type nopLogger struct{}

func (nopLogger) With(LogFields) ServiceLogger   { return nopLogger{} }
func (nopLogger) Debug(string, LogFields)        {}
func (nopLogger) Info(string, LogFields)         {}
func (nopLogger) Warn(string, LogFields)         {}
func (nopLogger) Error(string, error, LogFields) {}

// NewWatermillAdapter converts a ServiceLogger into a Watermill
// LoggerAdapter so the Watermill integration can reuse the same logger.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("eventbus: ServiceLogger cannot be nil")
	}
	return &watermillAdapter{base: log}
}

type watermillAdapter struct {
	base ServiceLogger
}

func (w *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.base.Error(msg, err, fromWatermillFields(fields))
}

func (w *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	w.base.Info(msg, fromWatermillFields(fields))
}

func (w *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	w.base.Debug(msg, fromWatermillFields(fields))
}

func (w *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	w.base.Debug(msg, fromWatermillFields(fields))
}

func (w *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{base: w.base.With(fromWatermillFields(fields))}
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
