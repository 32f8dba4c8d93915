// Package logging wraps logrus with a component field so every line says
// which part of the service produced it.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a logrus entry bound to a component.
type Logger struct {
	*logrus.Entry
	component string
}

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error
	Format    string // json or text
	Component string
	Output    io.Writer
}

// DefaultConfig returns sensible defaults for logging
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "text",
		Component: "app",
		Output:    os.Stdout,
	}
}

// New creates a new logger with the given configuration
func New(cfg Config) *Logger {
	base := logrus.New()
	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	}
	if strings.EqualFold(cfg.Format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	component := cfg.Component
	if component == "" {
		component = "app"
	}
	return &Logger{
		Entry:     base.WithField("component", component),
		component: component,
	}
}

// Discard returns a logger that writes nothing. Used as the zero-config default.
func Discard() *Logger {
	return New(Config{Level: "panic", Output: io.Discard, Component: "discard"})
}

// WithComponent returns a new logger with a specific component name
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Entry:     l.Entry.WithField("component", component),
		component: component,
	}
}

// Component returns the logger's component name
func (l *Logger) Component() string {
	return l.component
}

// Fields is re-exported so callers don't need to import logrus for it.
type Fields = logrus.Fields
