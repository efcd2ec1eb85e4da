// Package logger builds the application's zap logger.
package logger

import (
	"fmt"
	"strings"

	"bloodbank-api/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger from config. "json" selects the production encoder;
// anything else gets the human-readable development encoder.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if strings.EqualFold(cfg.Format, "json") {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}

// Install makes l the global zap logger and routes the standard library
// log package through it. The returned func restores the previous state.
func Install(l *zap.Logger) func() {
	restoreGlobals := zap.ReplaceGlobals(l)
	restoreStd := zap.RedirectStdLog(l.Named("std"))
	return func() {
		restoreStd()
		restoreGlobals()
	}
}
