package obslog

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextLogger carries a fixed set of structured fields through a request's
// lifetime so every log line emitted along a single pipeline run shares them.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger returns a ContextLogger seeded with the given fields, using
// the package logger when logger is nil.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	if logger == nil {
		logger = Logger
	}
	f := make(logrus.Fields, len(fields))
	for k, v := range fields {
		f[k] = v
	}
	return &ContextLogger{logger: logger, fields: f}
}

func (cl *ContextLogger) with(key string, value interface{}) *ContextLogger {
	f := make(logrus.Fields, len(cl.fields)+1)
	for k, v := range cl.fields {
		f[k] = v
	}
	f[key] = value
	return &ContextLogger{logger: cl.logger, fields: f}
}

// WithField returns a derived logger carrying one additional field.
func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	return cl.with(key, value)
}

// WithError returns a derived logger carrying the given error's message.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.with("error", err.Error())
}

func (cl *ContextLogger) Debug(msg string) { cl.logger.WithFields(cl.fields).Debug(msg) }
func (cl *ContextLogger) Info(msg string)  { cl.logger.WithFields(cl.fields).Info(msg) }
func (cl *ContextLogger) Warn(msg string)  { cl.logger.WithFields(cl.fields).Warn(msg) }
func (cl *ContextLogger) Error(msg string) { cl.logger.WithFields(cl.fields).Error(msg) }

// RequestLogger seeds a ContextLogger with the fields common to an HTTP request.
func RequestLogger(method, path, requestID string) *ContextLogger {
	return NewContextLogger(Logger, map[string]interface{}{
		"method":     method,
		"path":       path,
		"request_id": requestID,
	})
}

// WithContext pulls a request id out of ctx, if present, as an additional field.
func (cl *ContextLogger) WithContext(ctx context.Context) *ContextLogger {
	if v := ctx.Value(requestIDKey{}); v != nil {
		return cl.with("request_id", v)
	}
	return cl
}

type requestIDKey struct{}

// LogDuration returns a func that, when called, logs how long has elapsed
// since LogDuration was invoked, under the given operation name.
func LogDuration(logger *ContextLogger, operation string) func() {
	start := time.Now()
	return func() {
		logger.WithField("operation", operation).
			WithField("duration_ms", time.Since(start).Milliseconds()).
			Info("operation completed")
	}
}
