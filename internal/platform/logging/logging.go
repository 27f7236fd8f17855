// Package logging builds the process-wide zap logger. Components receive
// the logger as an explicit dependency; nothing in the tree reaches for a
// global.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a logger configured for the deployment mode. Local mode gets
// the human-readable development encoder; everything else logs JSON at
// info and above.
func New(mode string) (*zap.Logger, error) {
	if mode == "local" {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	return cfg.Build()
}

// Nop is a discard logger for tests.
func Nop() *zap.Logger { return zap.NewNop() }
