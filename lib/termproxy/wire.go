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

package termproxy

import (
	"github.com/shellterm/shellterm/lib/types"
	"github.com/shellterm/shellterm/lib/utils"
)

// Message type discriminants, client -> server.
const (
	msgAuth           = "auth"
	msgCreateSession  = "create_session"
	msgAttachSession  = "attach_session"
	msgInput          = "input"
	msgResize         = "resize"
	msgSignal         = "signal"
	msgDetach         = "detach"
	msgTerminate      = "terminate"
)

// Message type discriminants, server -> client.
const (
	msgAuthenticated = "authenticated"
	msgSession       = "session"
	msgOutput        = "output"
	msgExit          = "exit"
	msgError         = "error"
)

// frame is the single wire shape for every message in both directions, one
// struct of optional fields keyed by Type, mirroring the teacher's
// metaMessage tagged-union-of-optionals idiom in
// lib/kube/proxy/streamproto/proto.go (there: one struct carrying Resize/
// ForceTerminate/handshake payloads; here: the full client/server schema of
// spec §6).
type frame struct {
	Type string `json:"type"`

	// client -> server
	Token     string `json:"token,omitempty"`
	Cols      uint16 `json:"cols,omitempty"`
	Rows      uint16 `json:"rows,omitempty"`
	Shell     string `json:"shell,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Kind      string `json:"kind,omitempty"`

	// server -> client
	UserID  string `json:"user_id,omitempty"`
	Status  *int   `json:"status,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func decodeFrame(data []byte) (frame, error) {
	var f frame
	if err := utils.FastUnmarshal(data, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}

func encodeFrame(f frame) ([]byte, error) {
	return utils.FastMarshal(f)
}

func authenticatedFrame(userID string) frame {
	return frame{Type: msgAuthenticated, UserID: userID}
}

func sessionFrame(id types.SessionID, cols, rows uint16) frame {
	return frame{Type: msgSession, SessionID: string(id), Cols: cols, Rows: rows}
}

func outputFrame(data []byte) frame {
	return frame{Type: msgOutput, Data: string(data)}
}

func exitFrame(status *int) frame {
	return frame{Type: msgExit, Status: status}
}

func errorFrame(code types.ErrorCode, message string) frame {
	return frame{Type: msgError, Code: string(code), Message: message}
}

func signalKindFor(kind string) (types.SignalKind, bool) {
	switch kind {
	case "interrupt":
		return types.SignalInterrupt, true
	case "terminate":
		return types.SignalTerminate, true
	case "kill":
		return types.SignalKill, true
	default:
		return "", false
	}
}
