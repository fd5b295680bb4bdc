// Package logging wraps zerolog the way the upstream service layer
// expects: a value embeddable in any component, cheap to pass by value,
// with a Printf escape hatch for call sites that predate structured
// fields.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger embeds zerolog.Logger so callers keep the fluent
// Debug()/Info()/Error() API while getting a Printf method for the
// handful of call sites that just want a formatted line.
type Logger struct {
	zerolog.Logger
}

// New builds a console-writer logger at the given level, suited to
// tests and local runs.
func New(level zerolog.Level) Logger {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false}).
		Level(level).
		With().Timestamp().Logger()
	return Logger{Logger: l}
}

// NewJSON builds a structured JSON logger for production deployments.
func NewJSON(level zerolog.Level) Logger {
	l := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	return Logger{Logger: l}
}

// Printf gives fmt-style call sites a home without reaching for the
// global zerolog logger.
func (l Logger) Printf(format string, v ...interface{}) {
	l.Logger.Printf(format, v...)
}

// Named returns a child logger decorated with a component field.
func (l Logger) Named(component string) Logger {
	return Logger{Logger: l.Logger.With().Str("component", component).Logger()}
}

// ParseLevel resolves a level name to a zerolog.Level, defaulting to
// InfoLevel for an empty or unrecognized name.
func ParseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
