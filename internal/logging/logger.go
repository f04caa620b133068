package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a structured logger. Production JSON output is the default;
// development switches to the console encoder with stack traces on warnings.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.EncoderConfig.TimeKey = "timestamp"

	if level = strings.TrimSpace(level); level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return cfg.Build()
}

// WithOperation enriches the logger with operation and request identifiers.
func WithOperation(logger *zap.Logger, operation, requestID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	return logger.With(fields...)
}
