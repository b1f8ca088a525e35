package app

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mcproute/internal/infra/telemetry"
)

// LoggingConfig configures logging wiring.
type LoggingConfig struct {
	Logger *zap.Logger
	Level  string
}

// Logging bundles the process logger and its flush hook.
type Logging struct {
	Logger *zap.Logger
	Sync   func()
}

// NewLogging builds a production JSON logger on stderr. Stdout is reserved for the protocol stream.
func NewLogging(cfg LoggingConfig) (Logging, error) {
	if cfg.Logger != nil {
		return Logging{Logger: cfg.Logger, Sync: func() { _ = cfg.Logger.Sync() }}, nil
	}

	level, err := parseLevel(cfg.Level)
	if err != nil {
		return Logging{}, err
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.OutputPaths = []string{"stderr"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		return Logging{}, fmt.Errorf("build logger: %w", err)
	}
	return Logging{
		Logger: logger.With(zap.String(telemetry.FieldLogSource, telemetry.LogSourceCore)),
		Sync:   func() { _ = logger.Sync() },
	}, nil
}

// NewLogger returns the logger from a Logging bundle.
func NewLogger(logging Logging) *zap.Logger {
	if logging.Logger == nil {
		return zap.NewNop()
	}
	return logging.Logger
}

func parseLevel(raw string) (zapcore.Level, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return zapcore.InfoLevel, nil
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(raw))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}
