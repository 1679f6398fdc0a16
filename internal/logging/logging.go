package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/example/lecturegrab/internal/events"
)

// New builds the process logger: JSON in production, colored console
// otherwise. When hub is non-nil every entry at info or above is also
// published to it.
func New(env, level string, hub *events.Hub) (*zap.Logger, error) {
	var cfg zap.Config
	if IsProduction(env) {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		cfg.Level.SetLevel(lvl)
	}

	opts := []zap.Option{}
	if hub != nil {
		hubLevel := zapcore.InfoLevel
		if cfg.Level.Level() > hubLevel {
			hubLevel = cfg.Level.Level()
		}
		opts = append(opts, zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, events.NewCore(hub, hubLevel))
		}))
	}
	return cfg.Build(opts...)
}

func IsProduction(env string) bool {
	switch strings.ToLower(env) {
	case "production", "prod":
		return true
	}
	return false
}
