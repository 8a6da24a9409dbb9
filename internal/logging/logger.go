// Package logging defines the structured logger interface the engine's
// packages accept, so tests can assert on emitted events (notably the
// InvariantViolation observability event) without a real sink.
package logging

import (
	"go.uber.org/zap"
)

// Logger is the minimal structured-logging surface the engine depends on.
type Logger interface {
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)
}

// zapLogger adapts *zap.SugaredLogger to Logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZap builds a zap logger wrapped as a Logger: zap's production config
// when env is "production", its development config otherwise.
func NewZap(env string) (Logger, error) {
	var cfg zap.Config
	if env == "production" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return &zapLogger{sugar: l.Sugar()}, nil
}

func (z *zapLogger) Infow(msg string, kv ...any)  { z.sugar.Infow(msg, kv...) }
func (z *zapLogger) Warnw(msg string, kv ...any)  { z.sugar.Warnw(msg, kv...) }
func (z *zapLogger) Errorw(msg string, kv ...any) { z.sugar.Errorw(msg, kv...) }

// Recorder is an in-memory Logger used by tests to assert on emitted
// events without a real sink.
type Recorder struct {
	Entries []Entry
}

// Entry is one recorded log call.
type Entry struct {
	Level string
	Msg   string
	KV    []any
}

// NewRecorder builds an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Infow(msg string, kv ...any)  { r.Entries = append(r.Entries, Entry{"info", msg, kv}) }
func (r *Recorder) Warnw(msg string, kv ...any)  { r.Entries = append(r.Entries, Entry{"warn", msg, kv}) }
func (r *Recorder) Errorw(msg string, kv ...any) { r.Entries = append(r.Entries, Entry{"error", msg, kv}) }
