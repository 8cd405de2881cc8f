package util

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Rysertio/screenstreaming/config"
)

var logger *slog.Logger

// InitLogger configures the global slog logger on stderr. Debug records are
// kept only when verbose is set; the record format comes from log.format.
func InitLogger(verbose bool) {
	InitLoggerTo(os.Stderr, verbose)
}

func InitLoggerTo(w io.Writer, verbose bool) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if strings.EqualFold(config.LogFormat(), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// GetLogger returns the configured logger instance
func GetLogger() *slog.Logger {
	if logger == nil {
		InitLogger(false)
	}
	return logger
}
