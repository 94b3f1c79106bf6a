// FILE: logging.go
// Package main – Logger construction.
//
// One *logrus.Logger is built at boot and handed to every component. Lines keep
// the bracketed tags ([BOOT], [LIVE], [BT], [SWEEP], [GATE]) so grep-based
// dashboards keep working; per-symbol context travels in WithFields.

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// newLogger builds a logger for level (debug|info|warn|error) and format (json|text).
func newLogger(level, format string) (*logrus.Logger, error) {
	return newLoggerTo(os.Stderr, level, format)
}

func newLoggerTo(w io.Writer, level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(w)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("log format %q: want json or text", format)
	}
	return logger, nil
}

// symbolLog scopes a logger to one symbol's loop.
func symbolLog(log *logrus.Logger, symbol string) *logrus.Entry {
	return log.WithField("symbol", symbol)
}
