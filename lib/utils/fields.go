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
	"time"

	"github.com/gravitational/trace"
)

// Fields is a string-keyed bag of arbitrary values, used as the backing
// store for audit events so that new event kinds never require a wire
// schema change.
type Fields map[string]interface{}

// GetString returns a string value for key, or "" if it's not present or
// not a string.
func (f Fields) GetString(key string) string {
	v, ok := f[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// GetStrings returns a string slice value for key, accepting both
// []string and []interface{} of strings (the shape produced by a round
// trip through JSON).
func (f Fields) GetStrings(key string) []string {
	v, ok := f[key]
	if !ok {
		return nil
	}
	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, e := range val {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// GetInt returns an int value for key, or 0 if it's not present or not a
// numeric type.
func (f Fields) GetInt(key string) int {
	v, ok := f[key]
	if !ok {
		return 0
	}
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	default:
		return 0
	}
}

// GetTime returns a time.Time value for key, parsing RFC3339 strings if
// necessary (the shape produced by a round trip through JSON).
func (f Fields) GetTime(key string) time.Time {
	v, ok := f[key]
	if !ok {
		return time.Time{}
	}
	switch val := v.(type) {
	case time.Time:
		return val
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}
		}
		return t
	default:
		return time.Time{}
	}
}

// HasField returns true if key is present in the field bag.
func (f Fields) HasField(key string) bool {
	_, ok := f[key]
	return ok
}

// AsString returns the field bag serialized as a single-line string, for
// logging.
func (f Fields) AsString() string {
	data, err := FastMarshal(f)
	if err != nil {
		return trace.Wrap(err).Error()
	}
	return string(data)
}

// GetType returns the event's Type field.
func (f Fields) GetType() string {
	return f.GetString(FieldType)
}

// GetID returns the event's ID field.
func (f Fields) GetID() string {
	return f.GetString(FieldID)
}

// GetCode returns the event's Code field.
func (f Fields) GetCode() string {
	return f.GetString(FieldCode)
}

// GetTimestamp returns the event's Time field.
func (f Fields) GetTimestamp() time.Time {
	return f.GetTime(FieldTime)
}

// Well-known field names shared by every audit event, mirroring the fixed
// envelope fields of the wire event schema.
const (
	FieldType = "event"
	FieldID   = "uid"
	FieldCode = "code"
	FieldTime = "time"
)

// String implements fmt.Stringer for debugging.
func (f Fields) String() string {
	return fmt.Sprintf("%v", map[string]interface{}(f))
}
