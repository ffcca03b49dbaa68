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

package auditlog

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shellterm/shellterm/lib/utils"
)

func TestNewEventSetsTypeAndCode(t *testing.T) {
	e := NewEvent(EventAuthFailure, "auth.expired", utils.Fields{"user": "u:alice"})
	require.Equal(t, EventAuthFailure, e.GetType())
	require.Equal(t, "auth.expired", e.GetCode())
	require.Equal(t, "u:alice", e.GetString("user"))
}

func TestJSONEmitterWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewJSONEmitter(&buf)

	require.NoError(t, emitter.EmitAuditEvent(NewEvent(EventSessionCreate, "", utils.Fields{"session_id": "abc"})))
	require.NoError(t, emitter.EmitAuditEvent(NewEvent(EventSessionTerminate, "", utils.Fields{"session_id": "abc"})))

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 2)

	var first map[string]interface{}
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.Equal(t, EventSessionCreate, first[utils.FieldType])
}

func TestRecorderByType(t *testing.T) {
	r := NewRecorder()
	require.NoError(t, r.EmitAuditEvent(NewEvent(EventAuthSuccess, "", nil)))
	require.NoError(t, r.EmitAuditEvent(NewEvent(EventAuthFailure, "auth.expired", nil)))
	require.NoError(t, r.EmitAuditEvent(NewEvent(EventAuthSuccess, "", nil)))

	require.Len(t, r.ByType(EventAuthSuccess), 2)
	require.Len(t, r.ByType(EventAuthFailure), 1)
	require.Len(t, r.Events(), 3)
}

func TestDiscardEmitterNeverErrors(t *testing.T) {
	require.NoError(t, DiscardEmitter{}.EmitAuditEvent(NewEvent(EventAuthSuccess, "", nil)))
}
