// Package log provides the module-scoped loggers used throughout the holder.
package log

import (
	"github.com/sirupsen/logrus"
)

const (
	// FieldModule is the log field for the module name.
	FieldModule = "module"
	// FieldState is the log field for a presentment session state.
	FieldState = "state"
	// FieldAttempt is the log field for the ID of a presentment attempt.
	FieldAttempt = "attempt"
	// FieldMethod is the log field for a connection method.
	FieldMethod = "method"
	// FieldRole is the log field for a transport role.
	FieldRole = "role"
)

var _logger = logrus.StandardLogger().WithField(FieldModule, "mdoc-holder")

// Logger returns the root logger of the holder.
func Logger() *logrus.Entry {
	return _logger
}

// Module returns a logger for the given module, e.g. "transport" or "presentment".
func Module(name string) *logrus.Entry {
	return logrus.StandardLogger().WithField(FieldModule, name)
}

// Configure sets the level and format of the standard logger.
func Configure(verbosity, format string) error {
	level, err := logrus.ParseLevel(verbosity)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	switch format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return &UnsupportedFormatError{Format: format}
	}
	return nil
}

// UnsupportedFormatError is returned by Configure for an unknown logger format.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return "unsupported logger format: " + e.Format
}
