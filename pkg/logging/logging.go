// Package logging provides structured logging for the swap watcher.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

// Logger wraps charmbracelet/log. Component loggers derived from it keep
// its output, format and level.
type Logger struct {
	*log.Logger
	opts   log.Options
	output io.Writer
}

// Config holds logger configuration.
type Config struct {
	Level      string
	Format     string // text (default), json or logfmt
	TimeFormat string
	Prefix     string
	Output     io.Writer
}

// DefaultConfig returns a default logging configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
		Output:     os.Stderr,
	}
}

// New creates a new logger with the given configuration.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.TimeOnly
	}

	f, _ := formatter(cfg.Format)
	opts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Prefix:          cfg.Prefix,
		Formatter:       f,
		Level:           ParseLevel(cfg.Level),
	}

	return &Logger{Logger: log.NewWithOptions(output, opts), opts: opts, output: output}
}

// Default returns a logger with the default configuration.
func Default() *Logger {
	return New(DefaultConfig())
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return New(&Config{Level: "fatal", Output: io.Discard})
}

// LookupLevel resolves a level name. Names are case-insensitive and
// "warning" is accepted for warn.
func LookupLevel(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", level)
}

// ParseLevel is LookupLevel falling back to info.
func ParseLevel(level string) Level {
	lvl, _ := LookupLevel(level)
	return lvl
}

// Output formats.
const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatLogfmt = "logfmt"
)

func formatter(format string) (log.Formatter, error) {
	switch strings.ToLower(format) {
	case FormatText, "":
		return log.TextFormatter, nil
	case FormatJSON:
		return log.JSONFormatter, nil
	case FormatLogfmt:
		return log.LogfmtFormatter, nil
	}
	return log.TextFormatter, fmt.Errorf("unknown log format %q", format)
}

// ValidateFormat reports whether format names a supported output format.
func ValidateFormat(format string) error {
	_, err := formatter(format)
	return err
}

// With returns a new logger with the given key-value pairs.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...), opts: l.opts, output: l.output}
}

// WithPrefix returns a new logger with the given prefix.
func (l *Logger) WithPrefix(prefix string) *Logger {
	opts := l.opts
	opts.Prefix = prefix
	opts.Level = l.GetLevel()
	output := l.output
	if output == nil {
		output = os.Stderr
	}
	return &Logger{Logger: log.NewWithOptions(output, opts), opts: opts, output: output}
}

// Component returns a logger for a specific component.
func (l *Logger) Component(name string) *Logger {
	return l.WithPrefix(name)
}

var defaultLogger = Default()

// SetDefault sets the default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
}

// GetDefault returns the default logger.
func GetDefault() *Logger {
	return defaultLogger
}
