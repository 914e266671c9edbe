package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured logging handle passed into every component.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// With returns a child logger that always carries keysAndValues.
	With(keysAndValues ...any) Logger
	// Sync flushes any buffered log entries.
	Sync() error
}

// Options controls how the zap logger is built.
type Options struct {
	Level       string
	Development bool
	// OutputPaths defaults to stderr.
	OutputPaths []string
}

// zapLogger wraps a *zap.SugaredLogger and implements Logger.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

var _ Logger = (*zapLogger)(nil)

// Debug logs at DebugLevel. keysAndValues are alternating key/value pairs.
func (l *zapLogger) Debug(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info logs at InfoLevel.
func (l *zapLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs at WarnLevel.
func (l *zapLogger) Warn(msg string, keysAndValues ...any) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs at ErrorLevel.
func (l *zapLogger) Error(msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *zapLogger) With(keysAndValues ...any) Logger {
	return &zapLogger{sugar: l.sugar.With(keysAndValues...)}
}

func (l *zapLogger) Sync() error {
	return l.sugar.Sync()
}

// New builds a zap-backed Logger. Call this once at startup and hand the
// result to the components that need it.
func New(opts Options) (Logger, error) {
	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if opts.Level != "" {
		level, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(level)
	}
	if len(opts.OutputPaths) > 0 {
		cfg.OutputPaths = opts.OutputPaths
	}

	zapLog, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}
	return &zapLogger{sugar: zapLog.Sugar()}, nil
}

// NewNop returns a Logger that discards everything.
func NewNop() Logger {
	return &zapLogger{sugar: zap.NewNop().Sugar()}
}
