package log

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	LevelInfo  = "info"
	LevelDebug = "debug"
)

// New builds the JSON logger shared by every subcommand. Debug enables V(1) output.
func New(level string) (logr.Logger, error) {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	config.DisableStacktrace = true

	switch level {
	case "", LevelInfo:
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case LevelDebug:
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	default:
		return logr.Discard(), fmt.Errorf("unsupported log level %q, must be one of %q or %q", level, LevelInfo, LevelDebug)
	}

	zapLogger, err := config.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("failed to create logger: %w", err)
	}
	return zapr.NewLogger(zapLogger), nil
}

// BindFlags registers the logging flags shared by every subcommand.
func BindFlags(fs *pflag.FlagSet, level *string) {
	fs.StringVar(level, "log-level", LevelInfo, fmt.Sprintf("Log verbosity, one of %q or %q", LevelInfo, LevelDebug))
}
