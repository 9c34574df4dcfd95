// Copyright 2024 The kmem Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log implements a library for logging.
//
// This is separate from the standard logging package because logging may be a
// high-impact activity on the fault-handling path, and therefore we wanted to
// provide as much flexibility as possible in the underlying implementation.
package log

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// Level is the log level.
type Level uint32

// The following levels are fixed and can never be changed. It is only
// possible to add additional levels; the existing ones cannot be removed.
const (
	// Warning indicates that output should always be emitted.
	Warning Level = iota

	// Info indicates that output should normally be emitted.
	Info

	// Debug indicates that output should not normally be emitted.
	Debug
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "Warning"
	case Info:
		return "Info"
	case Debug:
		return "Debug"
	default:
		return fmt.Sprintf("Invalid level: %d", l)
	}
}

// Emitter is the final destination for logs.
type Emitter interface {
	// Emit emits the given log statement. This allows for control over the
	// timestamp used for logging.
	Emit(level Level, timestamp time.Time, format string, v ...any)
}

// Writer writes the output to the given writer.
type Writer struct {
	// Next is where output is written.
	Next io.Writer
}

// Emit emits the message.
func (l *Writer) Emit(level Level, timestamp time.Time, format string, args ...any) {
	fmt.Fprintf(l.Next, "%c%s] %s\n", level.String()[0], timestamp.Format("0102 15:04:05.000000"), fmt.Sprintf(format, args...))
}

// Logger is a high-level logging interface. Components hold a Logger so that
// contextual loggers (prefixed, rate-limited) can be substituted freely.
type Logger interface {
	// Debugf logs a debug statement.
	Debugf(format string, v ...any)

	// Infof logs at an info level.
	Infof(format string, v ...any)

	// Warningf logs at a warning level.
	Warningf(format string, v ...any)

	// IsLogging returns true iff this level is being logged. This may be
	// used to short-circuit expensive operations for debugging calls.
	IsLogging(level Level) bool
}

// BasicLogger is the default implementation of Logger.
type BasicLogger struct {
	Level
	Emitter
}

// Debugf implements Logger.Debugf.
func (l *BasicLogger) Debugf(format string, v ...any) {
	if l.IsLogging(Debug) {
		l.Emit(Debug, time.Now(), format, v...)
	}
}

// Infof implements Logger.Infof.
func (l *BasicLogger) Infof(format string, v ...any) {
	if l.IsLogging(Info) {
		l.Emit(Info, time.Now(), format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (l *BasicLogger) Warningf(format string, v ...any) {
	if l.IsLogging(Warning) {
		l.Emit(Warning, time.Now(), format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (l *BasicLogger) IsLogging(level Level) bool {
	return level <= l.Level
}

// log is the global logger.
var log atomic.Pointer[BasicLogger]

// Log retrieves the global logger.
func Log() *BasicLogger {
	return log.Load()
}

// SetTarget sets the log target.
//
// This is not thread safe and shouldn't be changed while logging is going on.
func SetTarget(target Emitter) {
	old := Log()
	log.Store(&BasicLogger{Level: old.Level, Emitter: target})
}

// SetLevel sets the log level.
func SetLevel(newLevel Level) {
	old := Log()
	log.Store(&BasicLogger{Level: newLevel, Emitter: old.Emitter})
}

// Debugf logs to the global logger.
func Debugf(format string, v ...any) {
	Log().Debugf(format, v...)
}

// Infof logs to the global logger.
func Infof(format string, v ...any) {
	Log().Infof(format, v...)
}

// Warningf logs to the global logger.
func Warningf(format string, v ...any) {
	Log().Warningf(format, v...)
}

// IsLogging returns whether the global logger is logging at the given level.
func IsLogging(level Level) bool {
	return Log().IsLogging(level)
}

// Prefixed returns a Logger that prepends the given component prefix to every
// statement logged through it.
func Prefixed(prefix string, logger Logger) Logger {
	return &prefixLogger{prefix: prefix, logger: logger}
}

type prefixLogger struct {
	prefix string
	logger Logger
}

func (pl *prefixLogger) Debugf(format string, v ...any) {
	pl.logger.Debugf(pl.prefix+format, v...)
}

func (pl *prefixLogger) Infof(format string, v ...any) {
	pl.logger.Infof(pl.prefix+format, v...)
}

func (pl *prefixLogger) Warningf(format string, v ...any) {
	pl.logger.Warningf(pl.prefix+format, v...)
}

func (pl *prefixLogger) IsLogging(level Level) bool {
	return pl.logger.IsLogging(level)
}

func init() {
	log.Store(&BasicLogger{Level: Info, Emitter: &Writer{Next: os.Stderr}})
}
