// Package observability holds the process loggers and metrics.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

var (
	// CLILogger is used by CLI commands. It writes human-readable lines to
	// stderr so stdout stays free for command output.
	CLILogger = zap.NewNop()

	// ServerLogger is used by the HTTP server and background jobs.
	ServerLogger = zap.NewNop()
)

// LogConfig configures the server logger.
type LogConfig struct {
	Level   string
	Profile string

	// File, when set, receives a copy of every entry with size-based
	// rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitCLILogger replaces CLILogger. verbose lowers the level to debug.
func InitCLILogger(service string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	enc.CallerKey = ""
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level)
	CLILogger = zap.New(core).Named(service)
}

// InitServerLogger replaces ServerLogger according to cfg.
func InitServerLogger(service string, cfg LogConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return err
	}
	ServerLogger = logger.With(zap.String("service", service))
	return nil
}

// NewLogger builds a logger for cfg without touching the package loggers.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	switch strings.ToUpper(strings.TrimSpace(cfg.Profile)) {
	case "", ProfileStructured:
		ec := zap.NewProductionEncoderConfig()
		ec.TimeKey = "timestamp"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(ec)
	case ProfileConsole:
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	default:
		return nil, fmt.Errorf("unknown log profile %q (expected structured or console)", cfg.Profile)
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
	if cfg.File != "" {
		sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    positiveOr(cfg.MaxSizeMB, 100),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(sinks...), level)
	return zap.New(core, zap.AddCaller()), nil
}

// ParseLevel maps a level name to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return l, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

func positiveOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
