// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package logging provides structured, component-tagged logging for the
// control plane, built on log/slog.
package logging

import (
	"log/slog"
	"os"
)

var base = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Logger is a component-scoped logger. The zero value is not usable; use
// WithComponent or New.
type Logger struct {
	inner *slog.Logger
}

// New returns a Logger writing through the package-wide base handler.
func New() *Logger {
	return &Logger{inner: base}
}

// WithComponent returns a Logger that tags every record with component=name.
func WithComponent(name string) *Logger {
	return &Logger{inner: base.With("component", name)}
}

// WithError returns a Logger that tags every subsequent record with error=err.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{inner: l.inner.With("error", err)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.inner.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.inner.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.inner.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.inner.Error(msg, kv...) }

// Package-level convenience functions logging through the unscoped base logger.
func Debug(msg string, kv ...any) { base.Debug(msg, kv...) }
func Info(msg string, kv ...any)  { base.Info(msg, kv...) }
func Warn(msg string, kv ...any)  { base.Warn(msg, kv...) }
func Error(msg string, kv ...any) { base.Error(msg, kv...) }
