// Package xlog wraps go.uber.org/zap with the teacher's own call-site
// convention: every log line in internal/rotator and internal/monitor was
// written as log.Printf("[component] ..."). Component wraps a
// *zap.SugaredLogger pre-tagged with a "component" field so call sites
// keep that same readable shape while the output is structured.
package xlog

import (
	"go.uber.org/zap"
)

// Base is the process-wide root logger. Replace it in tests or demo
// entry points with New before any component logger is taken from it.
var Base = mustNewProduction()

func mustNewProduction() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}

// New builds a fresh root logger; development builds typically call this
// with a console-encoder config instead of relying on the production
// default.
func New(cfg zap.Config) (*zap.Logger, error) {
	return cfg.Build()
}

// SetBase replaces the process-wide root logger, e.g. for the demo CLI's
// --verbose flag or for test setup.
func SetBase(l *zap.Logger) {
	Base = l
}

// Component returns a sugared logger tagged component=name, mirroring the
// teacher's "[name] ..." prefix convention without losing structured
// fields.
func Component(name string) *zap.SugaredLogger {
	return Base.With(zap.String("component", name)).Sugar()
}

// Sync flushes buffered log entries; call it once at process shutdown.
func Sync() {
	_ = Base.Sync()
}
