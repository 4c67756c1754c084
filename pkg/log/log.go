// Copyright 2025 The Teevisor Authors.
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

// Package log is the logging sink for the hypervisor core. The core never
// talks to an output device directly; it emits through the process-wide
// Logger installed here, which defaults to logrus on stderr.
package log

import (
	"github.com/sirupsen/logrus"
)

// Logger is a minimal leveled logger.
type Logger interface {
	// Debugf logs a debug statement.
	Debugf(format string, v ...any)

	// Infof logs at the info level.
	Infof(format string, v ...any)

	// Warningf logs at the warning level.
	Warningf(format string, v ...any)
}

type logrusLogger struct {
	entry *logrus.Entry
}

func (l *logrusLogger) Debugf(format string, v ...any)   { l.entry.Debugf(format, v...) }
func (l *logrusLogger) Infof(format string, v ...any)    { l.entry.Infof(format, v...) }
func (l *logrusLogger) Warningf(format string, v ...any) { l.entry.Warnf(format, v...) }

var global Logger = &logrusLogger{entry: logrus.NewEntry(logrus.StandardLogger())}

// Log returns the process-wide logger.
func Log() Logger {
	return global
}

// SetTarget installs a new process-wide logger. Called once at boot before
// any virtual CPU runs; not synchronized against concurrent emitters.
func SetTarget(l Logger) {
	global = l
}

// Debugf logs a debug statement to the global logger.
func Debugf(format string, v ...any) {
	global.Debugf(format, v...)
}

// Infof logs to the global logger at the info level.
func Infof(format string, v ...any) {
	global.Infof(format, v...)
}

// Warningf logs to the global logger at the warning level.
func Warningf(format string, v ...any) {
	global.Warningf(format, v...)
}
