// Package log implements structured logging on logrus.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"firestige.xyz/rawnet/internal/config"
)

// Init builds a logger from configuration and installs it as the process
// logger.
func Init(cfg config.LogConfig) error {
	l, err := New(cfg, os.Stdout)
	if err != nil {
		return err
	}
	SetLogger(l)
	return nil
}

// New builds a logger writing to out and, when enabled, to a rotating file.
func New(cfg config.LogConfig, out io.Writer) (Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	writers := NewMultiWriter().Add(out)
	if cfg.Outputs.File.Enabled {
		if cfg.Outputs.File.Path == "" {
			return nil, fmt.Errorf("file output requires 'path' field")
		}
		writers.AddFileAppender(cfg.Outputs.File)
	}

	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = defaultTimeFormat
	}

	l := logrus.New()
	l.SetLevel(level)
	l.SetOutput(writers)

	switch strings.ToLower(cfg.Format) {
	case "pattern", "":
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = defaultPattern
		}
		l.SetFormatter(&formatter{pattern: pattern, time: timeFormat})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timeFormat})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			DisableColors:   true,
			FullTimestamp:   true,
			TimestampFormat: timeFormat,
		})
	default:
		return nil, fmt.Errorf("unsupported log format: %s (must be pattern, json or text)", cfg.Format)
	}

	return &logrusAdapter{entry: logrus.NewEntry(l)}, nil
}

// parseLevel converts a configured level name to a logrus level.
func parseLevel(levelStr string) (logrus.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn", "warning":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.InfoLevel, fmt.Errorf("unknown level: %s", levelStr)
	}
}
