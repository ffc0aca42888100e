// Package logger provides leveled structured logging.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Level represents a logging level.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

// Logger provides leveled logging.
type Logger struct {
	level  Level
	format string
	zl     zerolog.Logger
}

var defaultLogger *Logger

func parseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "warn":
		return WarnLevel
	case "error":
		return ErrorLevel
	default:
		return InfoLevel
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Init initializes the default logger with the specified level and format.
// Format "text" produces human-readable console output; anything else is JSON.
func Init(level string, format string) {
	defaultLogger = build(parseLevel(level), strings.ToLower(format), os.Stderr)
}

// SetOutput redirects the default logger, keeping its level and format.
func SetOutput(w io.Writer) {
	if defaultLogger == nil {
		defaultLogger = build(InfoLevel, "json", w)
		return
	}
	defaultLogger = build(defaultLogger.level, defaultLogger.format, w)
}

func build(l Level, format string, w io.Writer) *Logger {
	out := w
	if format == "text" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	}
	zl := zerolog.New(out).
		Level(l.zerolog()).
		With().
		Timestamp().
		Logger()
	return &Logger{level: l, format: format, zl: zl}
}

func Debug(format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= DebugLevel {
		defaultLogger.zl.Debug().Msgf(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= InfoLevel {
		defaultLogger.zl.Info().Msgf(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= WarnLevel {
		defaultLogger.zl.Warn().Msgf(format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if defaultLogger != nil && defaultLogger.level <= ErrorLevel {
		defaultLogger.zl.Error().Msgf(format, args...)
	}
}

func Fatal(format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.zl.WithLevel(zerolog.FatalLevel).Msgf(format, args...)
	} else {
		fmt.Fprintf(os.Stderr, "[FATAL] "+format+"\n", args...)
	}
	os.Exit(1)
}
