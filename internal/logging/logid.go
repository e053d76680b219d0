package logging

import (
	"context"

	"runcore/internal/observability"
)

// FromContext returns a logger that prefixes lines with the session and run
// ids carried by ctx, if any.
func FromContext(ctx context.Context, logger Logger) Logger {
	logger = OrNop(logger)
	if ctx == nil {
		return logger
	}
	sessionID := observability.SessionIDFromContext(ctx)
	runID := observability.RunIDFromContext(ctx)
	if sessionID == "" && runID == "" {
		return logger
	}
	prefix := ""
	if sessionID != "" {
		prefix += "session=" + sessionID + " "
	}
	if runID != "" {
		prefix += "run=" + runID + " "
	}
	return &prefixLogger{logger: logger, prefix: prefix}
}

type prefixLogger struct {
	logger Logger
	prefix string
}

func (l *prefixLogger) Debug(format string, args ...any) { l.logger.Debug(l.prefix+format, args...) }
func (l *prefixLogger) Info(format string, args ...any)  { l.logger.Info(l.prefix+format, args...) }
func (l *prefixLogger) Warn(format string, args ...any)  { l.logger.Warn(l.prefix+format, args...) }
func (l *prefixLogger) Error(format string, args ...any) { l.logger.Error(l.prefix+format, args...) }
