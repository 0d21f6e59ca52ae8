// Package logging provides the small, source-tagged leveled logger every
// other package in this module depends on instead of calling log.Printf
// directly.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the leveled, source-tagged logging contract consumed throughout
// the forward subsystem. "source" is a short tag (e.g. "forward", "client",
// "limits") that ends up as a structured field rather than a log-line prefix,
// so it stays greppable once it hits a log aggregator.
type Logger interface {
	Debug(source, msg string, kv ...any)
	Info(source, msg string, kv ...any)
	Warn(source, msg string, kv ...any)
	Error(source, msg string, kv ...any)
	Sync() error
}

// zapLogger adapts *zap.SugaredLogger to Logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a production-profile zap logger (JSON, epoch-seconds timestamps).
func New() (Logger, error) {
	base, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: base.Sugar()}, nil
}

// NewDevelopment builds a human-readable console logger, for a developer
// watching the terminal rather than shipping logs to a collector. The CLI
// in cmd/llmrouter does not call it; `serve` uses New.
func NewDevelopment() (Logger, error) {
	base, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: base.Sugar()}, nil
}

// Noop returns a Logger that discards everything. Useful in unit tests that
// don't want to assert on log output but still need to satisfy the Logger
// parameter.
func Noop() Logger { return &zapLogger{sugar: zap.NewNop().Sugar()} }

func (l *zapLogger) Debug(source, msg string, kv ...any) {
	l.sugar.Debugw(msg, append([]any{"source", source}, kv...)...)
}

func (l *zapLogger) Info(source, msg string, kv ...any) {
	l.sugar.Infow(msg, append([]any{"source", source}, kv...)...)
}

func (l *zapLogger) Warn(source, msg string, kv ...any) {
	l.sugar.Warnw(msg, append([]any{"source", source}, kv...)...)
}

func (l *zapLogger) Error(source, msg string, kv ...any) {
	l.sugar.Errorw(msg, append([]any{"source", source}, kv...)...)
}

func (l *zapLogger) Sync() error { return l.sugar.Sync() }
