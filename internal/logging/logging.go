// Package logging builds the process-wide structured logger via
// go.uber.org/zap, the logging library the retrieval pack's service
// repositories standardize on.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the logger's output format and level.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Development switches to a human-friendly console encoder instead of
	// JSON.
	Development bool
}

// New builds a *zap.Logger per cfg.
func New(cfg Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}

func parseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}
	return l, nil
}

// Printf adapts a *zap.SugaredLogger method set to the plain
// func(format string, args ...any) signature internal/reactor, session,
// and sink expect for their Logf hooks, so those packages don't need to
// import zap directly.
func Printf(sugar *zap.SugaredLogger) func(format string, args ...any) {
	return func(format string, args ...any) {
		sugar.Infof(format, args...)
	}
}
