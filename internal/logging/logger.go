package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "sketchpad-api"

// NewLogger returns a JSON zap logger tagged with the service name.
func NewLogger(level string) (*zap.Logger, error) {
	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]any{"service": serviceName}

	return cfg.Build()
}

// ParseLevel maps a configured level name onto a zap level. An empty name
// means info.
func ParseLevel(level string) (zapcore.Level, error) {
	switch normalized := strings.ToLower(strings.TrimSpace(level)); normalized {
	case "":
		return zapcore.InfoLevel, nil
	case "warning":
		return zapcore.WarnLevel, nil
	default:
		parsed, err := zapcore.ParseLevel(normalized)
		if err != nil {
			return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
		}
		return parsed, nil
	}
}
