// Package logging builds the zap logger shared by every component.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and161185/oga-courier/internal/config"
)

// New returns a JSON production logger in production and a console development
// logger elsewhere. An unparsable level keeps the environment default.
func New(env config.Environment, level string) (*zap.Logger, error) {
	var zc zap.Config
	if env == config.Production {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	if level != "" {
		if lvl, err := zapcore.ParseLevel(level); err == nil {
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	zc.InitialFields = map[string]any{"environment": string(env)}

	log, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return log, nil
}

// OrNop returns log, or a no-op logger when log is nil.
func OrNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
