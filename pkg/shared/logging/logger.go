package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the root logrus.Logger for the process from the
// configured level ("debug"|"info"|"warn"|"error") and format ("json"|"text").
func NewLogger(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger.SetLevel(lvl)

	switch format {
	case "", "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	return logger, nil
}
