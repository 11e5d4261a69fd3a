// Copyright 2024 The ursoDB Authors.
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

/*
Package logger manages the named loggers used by all ursodb packages.

Each package declares its own logger once, typically as

	var plog = logger.GetLogger("transport")

and logs through the ILogger interface. By default records are written by a
shared logrus logger with a "pkg" field set to the package name. Users can
plug in their own implementation with SetLoggerFactory before any logger is
used.
*/
package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel is the log level type.
type LogLevel int

const (
	// CRITICAL is the CRITICAL log level
	CRITICAL LogLevel = iota - 1
	// ERROR is the ERROR log level
	ERROR
	// WARNING is the WARNING log level
	WARNING
	// INFO is the INFO log level
	INFO
	// DEBUG is the DEBUG log level
	DEBUG
)

// ILogger is the interface implemented by loggers that can be used by
// ursodb.
type ILogger interface {
	SetLevel(LogLevel)
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Panicf(format string, args ...interface{})
}

// Factory is the factory method for creating logger used for the specified
// package.
type Factory func(pkgName string) ILogger

var (
	mu      sync.Mutex
	factory Factory = newLogrusLogger
	loggers         = make(map[string]*dynamicLogger)
	root            = newRootLogger()
)

func newRootLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetLoggerFactory sets the factory function used to create ILogger
// instances. Loggers already returned by GetLogger switch to the new
// implementation as well.
func SetLoggerFactory(f Factory) {
	mu.Lock()
	defer mu.Unlock()
	factory = f
	for name, l := range loggers {
		l.set(f(name))
	}
}

// SetOutput redirects the output of the default logrus based loggers.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}

// SetLevel sets the level of every logger already returned by GetLogger.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	for _, l := range loggers {
		l.SetLevel(level)
	}
}

// ParseLevel converts a level name such as "debug" or "warning" into a
// LogLevel.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(name) {
	case "critical":
		return CRITICAL, nil
	case "error":
		return ERROR, nil
	case "warn", "warning":
		return WARNING, nil
	case "info":
		return INFO, nil
	case "debug":
		return DEBUG, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", name)
}

// GetLogger returns the logger for the specified package name. The same
// logger instance is returned for the same name.
func GetLogger(pkgName string) ILogger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[pkgName]; ok {
		return l
	}
	l := &dynamicLogger{}
	l.set(factory(pkgName))
	loggers[pkgName] = l
	return l
}

// dynamicLogger allows the underlying implementation to be replaced after
// package level loggers have already been created.
type dynamicLogger struct {
	mu     sync.RWMutex
	logger ILogger
}

var _ ILogger = (*dynamicLogger)(nil)

func (d *dynamicLogger) set(l ILogger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.logger = l
}

func (d *dynamicLogger) get() ILogger {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.logger
}

func (d *dynamicLogger) SetLevel(level LogLevel) {
	d.get().SetLevel(level)
}

func (d *dynamicLogger) Debugf(format string, args ...interface{}) {
	d.get().Debugf(format, args...)
}

func (d *dynamicLogger) Infof(format string, args ...interface{}) {
	d.get().Infof(format, args...)
}

func (d *dynamicLogger) Warningf(format string, args ...interface{}) {
	d.get().Warningf(format, args...)
}

func (d *dynamicLogger) Errorf(format string, args ...interface{}) {
	d.get().Errorf(format, args...)
}

func (d *dynamicLogger) Panicf(format string, args ...interface{}) {
	d.get().Panicf(format, args...)
}

type logrusLogger struct {
	mu    sync.RWMutex
	level LogLevel
	entry *logrus.Entry
}

func newLogrusLogger(pkgName string) ILogger {
	return &logrusLogger{
		level: INFO,
		entry: root.WithField("pkg", pkgName),
	}
}

func (l *logrusLogger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	if level == DEBUG && !root.IsLevelEnabled(logrus.DebugLevel) {
		root.SetLevel(logrus.DebugLevel)
	}
}

func (l *logrusLogger) enabled(level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level <= l.level
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(DEBUG) {
		l.entry.Debugf(format, args...)
	}
}

func (l *logrusLogger) Infof(format string, args ...interface{}) {
	if l.enabled(INFO) {
		l.entry.Infof(format, args...)
	}
}

func (l *logrusLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(WARNING) {
		l.entry.Warnf(format, args...)
	}
}

func (l *logrusLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(ERROR) {
		l.entry.Errorf(format, args...)
	}
}

func (l *logrusLogger) Panicf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
	panic(fmt.Sprintf(format, args...))
}
