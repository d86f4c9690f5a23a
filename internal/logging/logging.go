// Package logging builds the process logger.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EnvLogLevel   = "MYO_LOG_LEVEL"
	EnvLogFormat  = "MYO_LOG_FORMAT"
	EnvLogNoColor = "MYO_LOG_NOCOLOR"
)

// Config selects level, format and an optional rotated log file.
type Config struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"` // "console" or "json"
	NoColor bool   `toml:"no_color"`

	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		MaxSizeMB:  20,
		MaxBackups: 3,
		MaxAgeDays: 14,
	}
}

// New returns the root logger for app and installs it as the zerolog global.
// Environment variables override cfg.
func New(app string, cfg Config, stdout io.Writer) zerolog.Logger {
	applyEnvOverrides(&cfg)

	var out io.Writer = stdout
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        stdout,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}
	if cfg.File != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		})
	}

	lvl, ok := ParseLevel(cfg.Level)
	if !ok {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(out).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

// Default is New with DefaultConfig on stdout.
func Default(app string) zerolog.Logger { return New(app, DefaultConfig(), os.Stdout) }

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		if _, ok := ParseLevel(v); ok {
			cfg.Level = v
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v == "json" || v == "console" {
		cfg.Format = v
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor))); err == nil {
		cfg.NoColor = v
	}
}

// ParseLevel accepts the usual level names plus a few aliases.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace", "diagnostics":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info", "":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}
