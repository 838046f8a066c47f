// Package observability holds the process-wide loggers and Prometheus metrics.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

var (
	// CLILogger is used by commands. It writes human-readable lines to stderr.
	CLILogger = zap.NewNop()

	// ServerLogger is used by the HTTP server and its middleware.
	ServerLogger = zap.NewNop()
)

// Init builds both loggers from a level name and a profile.
func Init(level, profile string) error {
	if err := InitCLILogger(level); err != nil {
		return err
	}
	return InitServerLogger(level, profile)
}

// InitCLILogger replaces CLILogger with a console logger at level.
func InitCLILogger(level string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	CLILogger = newLogger(lvl, ProfileConsole)
	return nil
}

// InitServerLogger replaces ServerLogger. The structured profile emits JSON.
func InitServerLogger(level, profile string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	switch normalizeProfile(profile) {
	case ProfileStructured, ProfileConsole:
	default:
		return fmt.Errorf("unknown logging profile %q", profile)
	}
	ServerLogger = newLogger(lvl, normalizeProfile(profile))
	return nil
}

// ParseLevel accepts zap level names, case insensitive. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zapcore.InfoLevel, nil
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return lvl, nil
}

// Sync flushes both loggers.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}

func normalizeProfile(profile string) string {
	p := strings.ToLower(strings.TrimSpace(profile))
	if p == "" {
		return ProfileStructured
	}
	return p
}

func newLogger(level zapcore.Level, profile string) *zap.Logger {
	var encoder zapcore.Encoder
	if profile == ProfileConsole {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		encoder = zapcore.NewConsoleEncoder(cfg)
	} else {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()).With(zap.String("service", "nimbusgate"))
}
