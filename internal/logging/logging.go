package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"fieldproof/internal/config"
)

// New builds a logger from the log section of the config. Unknown levels fall
// back to info.
func New(cfg config.Log) *logrus.Logger {
	return NewWithOutput(cfg, os.Stderr)
}

func NewWithOutput(cfg config.Log, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// Discard returns a logger that drops everything. Used by tests and by
// components constructed without a logger.
func Discard() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
