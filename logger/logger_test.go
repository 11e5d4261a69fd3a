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

package logger

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLoggerReturnsSameInstance(t *testing.T) {
	assert.Same(t, GetLogger("same"), GetLogger("same"))
}

func TestLogrusLoggerHonoursLevel(t *testing.T) {
	buf := &bytes.Buffer{}
	SetOutput(buf)
	defer SetOutput(os.Stderr)
	l := GetLogger("leveltest")
	l.SetLevel(WARNING)
	l.Infof("hidden %d", 1)
	assert.Empty(t, buf.String())
	l.Warningf("shown %d", 2)
	assert.Contains(t, buf.String(), "shown 2")
	assert.Contains(t, buf.String(), "pkg=leveltest")
	l.SetLevel(INFO)
}

func TestPanicfPanics(t *testing.T) {
	buf := &bytes.Buffer{}
	SetOutput(buf)
	defer SetOutput(os.Stderr)
	assert.PanicsWithValue(t, "boom 3", func() {
		GetLogger("panictest").Panicf("boom %d", 3)
	})
}

type recordingLogger struct {
	infos []string
}

func (r *recordingLogger) SetLevel(LogLevel) {}
func (r *recordingLogger) Debugf(format string, args ...interface{}) {}
func (r *recordingLogger) Warningf(format string, args ...interface{}) {}
func (r *recordingLogger) Errorf(format string, args ...interface{}) {}
func (r *recordingLogger) Panicf(format string, args ...interface{}) {}
func (r *recordingLogger) Infof(format string, args ...interface{}) {
	r.infos = append(r.infos, format)
}

func TestSetLoggerFactorySwitchesExistingLoggers(t *testing.T) {
	l := GetLogger("factorytest")
	rec := &recordingLogger{}
	SetLoggerFactory(func(string) ILogger { return rec })
	defer SetLoggerFactory(newLogrusLogger)
	l.Infof("hello")
	require.Len(t, rec.infos, 1)
	assert.Equal(t, "hello", rec.infos[0])
}

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"warn":    WARNING,
		"warning": WARNING,
		"error":   ERROR,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}
