/*
Copyright 2023 Gravitational, Inc.

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

// Package auditlog records authentication outcomes, authorization
// decisions, and session lifecycle events as an append-only stream of
// structured, field-bag events. Never records raw token bytes or input
// payloads.
package auditlog

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/shellterm/shellterm/lib/utils"
)

// Event kinds, mirroring the teacher's event-type string constants
// (`lib/events/api.go`). Kept as a flat string type rather than an enum so
// new kinds never require a wire schema change.
const (
	EventAuthSuccess      = "auth.success"
	EventAuthFailure      = "auth.failure"
	EventAuthzDecision    = "authz.decision"
	EventSessionCreate    = "session.create"
	EventSessionAttach    = "session.attach"
	EventSessionDetach    = "session.detach"
	EventSessionTerminate = "session.terminate"
	EventSessionResize    = "session.resize"
	EventSessionSignal    = "session.signal"
	EventRateLimitDenied  = "rate.denied"
	EventQuotaDenied      = "quota.denied"
)

// Event is a single audit record: a stable Type/Code pair plus a free-form
// field bag, mirroring `lib/events/api.go`'s `EventFields utils.Fields`
// design so new event kinds never require a schema migration.
type Event struct {
	utils.Fields
}

// NewEvent constructs an Event of the given type/code carrying a copy of
// the caller's fields. It adds no timestamp; a caller that wants one puts
// it in fields.
func NewEvent(eventType, code string, fields utils.Fields) Event {
	if fields == nil {
		fields = utils.Fields{}
	}
	out := make(utils.Fields, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out[utils.FieldType] = eventType
	out[utils.FieldCode] = code
	return Event{Fields: out}
}

// Emitter accepts audit events. The sink (stdout JSON, a file, or a test
// recorder) is swappable behind this seam without touching call sites —
// the same shape as the teacher's `apievents.Emitter`.
type Emitter interface {
	EmitAuditEvent(event Event) error
}

// JSONEmitter writes one JSON object per line to the given writer, guarded
// by a mutex since multiple components emit concurrently.
type JSONEmitter struct {
	mu  sync.Mutex
	out io.Writer
	log logrus.FieldLogger
}

// NewJSONEmitter returns an Emitter that serializes each event as a single
// line of JSON to out.
func NewJSONEmitter(out io.Writer) *JSONEmitter {
	return &JSONEmitter{out: out, log: logrus.StandardLogger()}
}

// EmitAuditEvent implements Emitter.
func (e *JSONEmitter) EmitAuditEvent(event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := json.Marshal(map[string]interface{}(event.Fields))
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = e.out.Write(data)
	return err
}

// DiscardEmitter drops every event. Used when no audit sink is configured.
type DiscardEmitter struct{}

// EmitAuditEvent implements Emitter.
func (DiscardEmitter) EmitAuditEvent(Event) error { return nil }

// Recorder is a test Emitter that keeps every event in memory in arrival
// order, for assertions in package tests across the rest of the tree.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// EmitAuditEvent implements Emitter.
func (r *Recorder) EmitAuditEvent(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a snapshot of every event recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns every recorded event of the given type, in arrival order.
func (r *Recorder) ByType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.GetType() == eventType {
			out = append(out, e)
		}
	}
	return out
}
