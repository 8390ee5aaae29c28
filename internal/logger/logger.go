package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a zap.Logger configured for the given environment. Anything
// other than "production" gets the development encoder with debug output.
func New(env string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if env != "production" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return cfg.Build()
}

// Must is New for process start-up, falling back to a no-op logger.
func Must(env string) *zap.Logger {
	lg, err := New(env)
	if err != nil {
		return zap.NewNop()
	}
	return lg
}

// MaskID keeps log lines short and avoids leaking full identifiers.
func MaskID(id string) string {
	r := []rune(id)
	if len(r) <= 8 {
		return id
	}
	return string(r[:8]) + "…"
}
