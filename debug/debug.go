// Package debug adapts a zap logger to the logging collaborator used by
// module routers and forwards guest log records onto it.
package debug

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the zap-backed debug collaborator.
type Logger struct {
	log *zap.SugaredLogger
}

// New wraps log. A nil log discards everything.
func New(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log.Sugar()}
}

// Level maps a guest severity onto a zap level. Unknown severities log at
// info.
func Level(severity string) zapcore.Level {
	switch strings.ToLower(severity) {
	case "debug", "trace":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Format records one log line produced inside a module.
func (l *Logger) Format(severity, source, msg string) {
	l.log.Desugar().Check(Level(severity), msg).Write(zap.String("source", source))
}

func (l *Logger) Debug(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l *Logger) Warn(msg string, keysAndValues ...any) {
	l.log.Warnw(msg, keysAndValues...)
}

func (l *Logger) Error(msg string, keysAndValues ...any) {
	l.log.Errorw(msg, keysAndValues...)
}
