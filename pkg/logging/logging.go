// Package logging configures zerolog for the gqlite binary: a console or
// JSON writer on stdout, plus an optional rotating log file.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/orneryd/gqlite/pkg/config"
)

const timeFormat = "2006-01-02 15:04:05"

// Apply sets the global level and log.Logger from cfg. The returned closer
// flushes and closes the log file, if any.
func Apply(cfg config.LoggingConfig) io.Closer {
	applyLevel(cfg.Level)
	logger, closer := New(cfg, os.Stdout)
	log.Logger = logger
	return closer
}

// New builds a logger writing to out and, when cfg.File is set, to a
// lumberjack-rotated file. It does not touch global state.
func New(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, io.Closer) {
	console := consoleWriter(cfg.Format, out, false)
	if cfg.File == "" {
		return zerolog.New(console).With().Timestamp().Logger(), nopCloser{}
	}

	if err := ensureLogDir(cfg.File); err != nil {
		logger := zerolog.New(console).With().Timestamp().Logger()
		logger.Error().Err(err).Str("path", cfg.File).Msg("Failed to prepare log directory; logging to console only")
		return logger, nopCloser{}
	}

	fileWriter := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	multi := zerolog.MultiLevelWriter(console, consoleWriter(cfg.Format, fileWriter, true))
	return zerolog.New(multi).With().Timestamp().Logger(), fileWriter
}

// ParseLevel maps a config level name to a zerolog level. Unknown names are info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func applyLevel(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
}

func consoleWriter(format string, out io.Writer, noColor bool) io.Writer {
	if strings.EqualFold(format, "json") {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: timeFormat, NoColor: noColor}
}

func ensureLogDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
