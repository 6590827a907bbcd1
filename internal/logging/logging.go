// Package logging owns the zap logger setup shared by every muster
// component. Components take a *zap.Logger as a dependency; only the
// CLI entry points call Init.
package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level, encoding, and output destination.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Format is console or json.
	Format string `mapstructure:"format"`
	// Output is stdout, file, or both.
	Output string `mapstructure:"output"`
	// FilePath is where file output goes.
	FilePath string `mapstructure:"file_path"`
	// MaxSizeMB rotates the log file once it exceeds this size.
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups bounds how many rotated files are kept.
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAgeDays bounds how long rotated files are kept.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// DefaultConfig logs info-level console output to stderr.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		MaxSizeMB:  50,
		MaxBackups: 3,
		MaxAgeDays: 14,
	}
}

var (
	mu     sync.Mutex
	global = zap.NewNop()
)

// Init builds the process logger from cfg and installs it as the one
// returned by L. Later calls replace the previous logger.
func Init(cfg Config) *zap.Logger {
	log := New(cfg)
	mu.Lock()
	global = log
	mu.Unlock()
	return log
}

// L returns the installed process logger. Before Init it is a no-op
// logger, so library code may always log safely.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return global
}

// New builds a logger from cfg without installing it.
func New(cfg Config) *zap.Logger {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var encoder zapcore.Encoder
	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var cores []zapcore.Core
	if cfg.Output == "stdout" || cfg.Output == "both" || cfg.Output == "" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level))
	}
	if (cfg.Output == "file" || cfg.Output == "both") && cfg.FilePath != "" {
		writer := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		// File output stays machine-readable regardless of the console
		// format choice.
		fileEnc := zapcore.NewJSONEncoder(encCfg)
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(writer), level))
	}
	if len(cores) == 0 {
		return zap.NewNop()
	}
	return zap.New(zapcore.NewTee(cores...))
}
