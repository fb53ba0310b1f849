// Copyright (C) 2025 fleetops contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// Level represents the severity of a log message
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// Logger is a leveled printf-style logger
type Logger struct {
	level  Level
	prefix string
	out    *log.Logger
}

// Global logger instance
var Global *Logger

var (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGray   = "\033[90m"
)

// Init initializes the global logger at the given level
func Init(levelStr string) {
	Global = NewLogger(levelStr, "")
}

// NewLogger creates a logger with the given level and prefix
func NewLogger(levelStr, prefix string) *Logger {
	return &Logger{
		level:  ParseLevel(levelStr),
		prefix: prefix,
		out:    log.New(os.Stdout, "", 0),
	}
}

// ParseLevel converts a level name to a Level, defaulting to INFO
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// WithPrefix returns a child logger with the given component prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	return &Logger{level: l.level, prefix: prefix, out: l.out}
}

// SetLevel changes the log level
func (l *Logger) SetLevel(levelStr string) {
	l.level = ParseLevel(levelStr)
}

func (l *Logger) write(level, color, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		msg = fmt.Sprintf("[%s] %s", l.prefix, msg)
	}
	ts := time.Now().Format("2006/01/02 15:04:05")
	if useColor() && color != "" {
		l.out.Printf("%s %s[%s]%s %s", ts, color, level, colorReset, msg)
		return
	}
	l.out.Printf("%s [%s] %s", ts, level, msg)
}

func useColor() bool {
	if os.Getenv("FORCE_LOG_COLOR") == "1" {
		return true
	}
	info, err := os.Stdout.Stat()
	return err == nil && (info.Mode()&os.ModeCharDevice) != 0
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.level <= DEBUG {
		l.write("DEBUG", colorGray, format, args...)
	}
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.level <= INFO {
		l.write("INFO", "", format, args...)
	}
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.level <= WARN {
		l.write("WARN", colorYellow, format, args...)
	}
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.level <= ERROR {
		l.write("ERROR", colorRed, format, args...)
	}
}

// Package-level helpers that use the global logger

func Debug(format string, args ...interface{}) { get().Debug(format, args...) }
func Info(format string, args ...interface{})  { get().Info(format, args...) }
func Warn(format string, args ...interface{})  { get().Warn(format, args...) }
func Error(format string, args ...interface{}) { get().Error(format, args...) }

func get() *Logger {
	if Global == nil {
		Global = NewLogger("info", "")
	}
	return Global
}
