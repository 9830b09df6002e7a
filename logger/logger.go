package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/mcpsandbox/config"
)

// NewFromConfig builds the process logger and tags it with the active
// transport and default sandbox backend.
func NewFromConfig(cfg *config.Config) (*zap.Logger, error) {
	l, err := New(cfg.Logging.Mode, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	return l.With(
		zap.String("transport", cfg.Server.Transport),
		zap.String("default_backend", cfg.Sandbox.Backend),
	), nil
}

// New creates a new logger instance. Output always goes to stderr because
// stdout carries the MCP stream when the stdio transport is active.
func New(mode, level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch mode {
	case "development":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid logging mode: %s, must be 'production' or 'development'", mode)
	}

	logLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging level: %s, must be one of 'debug', 'info', 'warn', 'error', 'dpanic', 'panic', 'fatal'", level)
	}
	cfg.Level = zap.NewAtomicLevelAt(logLevel)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}

// ForSandbox returns a child logger scoped to one sandbox.
func ForSandbox(l *zap.Logger, id, backend string) *zap.Logger {
	return l.With(zap.String("sandbox_id", id), zap.String("backend", backend))
}
