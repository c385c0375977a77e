// Package logging builds the process-wide structured logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"fleetcore/internal/config"
)

// New returns a logrus logger configured from LOG_LEVEL and LOG_FORMAT.
// An unknown level falls back to info.
func New(cfg config.Config, service string) *logrus.Entry {
	return newWithOutput(cfg, service, os.Stdout)
}

func newWithOutput(cfg config.Config, service string, out io.Writer) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch cfg.LogFormat {
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	return l.WithFields(logrus.Fields{
		"service": service,
		"env":     cfg.Env,
	})
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}
