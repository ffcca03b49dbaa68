/*
Copyright 2021 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// TextFormatter is a logrus.Formatter that renders log entries as
// single-line text with a bracketed component label, with optional ANSI coloring for
// interactive terminals.
type TextFormatter struct {
	// EnableColors turns on ANSI level coloring, normally enabled only when
	// the output is attached to a terminal.
	EnableColors bool
}

// NewDefaultTextFormatter returns a text formatter suited for interactive
// terminal output when enableColors is true, and a plain non-colored
// formatter otherwise (redirected to a file, journald, systemd unit, etc).
func NewDefaultTextFormatter(enableColors bool) *TextFormatter {
	return &TextFormatter{EnableColors: enableColors}
}

// Format implements logrus.Formatter.
func (f *TextFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var buf strings.Builder

	levelText := strings.ToUpper(e.Level.String())[:4]
	if f.EnableColors {
		levelText = Color(levelColor(e.Level), levelText)
	}

	fmt.Fprintf(&buf, "%s %s %s",
		e.Time.Format("2006-01-02T15:04:05.000Z07:00"),
		levelText,
		e.Message)

	if component, ok := e.Data[fieldComponent]; ok {
		fmt.Fprintf(&buf, " [%v]", component)
	}

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		if k == fieldComponent {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s:%v", k, e.Data[k])
	}
	buf.WriteByte('\n')
	return []byte(buf.String()), nil
}

func levelColor(level logrus.Level) int {
	switch level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return Red
	case logrus.WarnLevel:
		return Yellow
	case logrus.DebugLevel, logrus.TraceLevel:
		return Gray
	default:
		return Blue
	}
}

// fieldComponent is the logrus field name used to carry a component label,
// printed in brackets right after the message rather than as a key:value pair.
const fieldComponent = "component"

// TestJSONFormatter is a logrus.Formatter that renders entries as
// single-line JSON objects, used so test logs are both readable and
// greppable by field.
type TestJSONFormatter struct {
	inner logrus.JSONFormatter
}

// NewTestJSONFormatter returns a JSON formatter configured for test output.
func NewTestJSONFormatter() *TestJSONFormatter {
	return &TestJSONFormatter{
		inner: logrus.JSONFormatter{
			TimestampFormat: "15:04:05.000",
		},
	}
}

// Format implements logrus.Formatter.
func (f *TestJSONFormatter) Format(e *logrus.Entry) ([]byte, error) {
	return f.inner.Format(e)
}
