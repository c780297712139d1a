// Package logger wraps zerolog with the component-tagged calls used across cryobackproject.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger writes structured, component-tagged log events
type Logger struct {
	logger zerolog.Logger
}

// New creates a logger writing JSON events to writer at the given level
func New(writer io.Writer, level zerolog.Level) *Logger {
	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	return &Logger{logger: logger}
}

// NewConsole creates a human readable logger on stderr
func NewConsole(level zerolog.Level) *Logger {
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return New(consoleWriter, level)
}

// Nop returns a logger that discards everything, used by tests
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return level
}

func (l *Logger) Info(component, message string, fields map[string]interface{}) {
	event := l.logger.Info().Str("component", component)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(message)
}

func (l *Logger) Error(component string, err error, fields map[string]interface{}) {
	event := l.logger.Error().Str("component", component).Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg("operation failed")
}

func (l *Logger) Warning(component, message string, fields map[string]interface{}) {
	event := l.logger.Warn().Str("component", component)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(message)
}

func (l *Logger) Debug(component, message string, fields map[string]interface{}) {
	event := l.logger.Debug().Str("component", component)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(message)
}

// Fatal logs err and exits the process with status 1
func (l *Logger) Fatal(component string, err error) {
	l.logger.Fatal().Str("component", component).Err(err).Msg("fatal")
}
