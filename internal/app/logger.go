package app

import (
	"io"
	"log/slog"
	"os"
)

// NewLogger returns the service logger writing to stdout.
func NewLogger(cfg *Config) *slog.Logger {
	return NewLoggerTo(os.Stdout, cfg)
}

// NewLoggerTo builds a text or JSON logger tagged with the environment.
// Development environments log at debug level.
func NewLoggerTo(w io.Writer, cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: true, Level: slog.LevelInfo}
	env := ""
	if cfg != nil {
		env = cfg.AppEnv
		if env == "development" {
			opts.Level = slog.LevelDebug
		}
	}
	var handler slog.Handler
	if cfg != nil && cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	if env != "" {
		logger = logger.With(slog.String("env", env))
	}
	return logger
}
