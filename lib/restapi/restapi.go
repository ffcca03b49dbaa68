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

// Package restapi serves the request/response surface alongside the
// streaming upgrade handled by lib/termproxy: GET/POST /sessions,
// GET /sessions/:id, DELETE /sessions/:id, GET /health, and GET /metrics.
// Grounded on lib/auth/apiserver.go's httprouter wiring and withAuth
// wrapper shape.
package restapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	"github.com/shellterm/shellterm/lib/auditlog"
	"github.com/shellterm/shellterm/lib/authz"
	"github.com/shellterm/shellterm/lib/registry"
	"github.com/shellterm/shellterm/lib/session"
	"github.com/shellterm/shellterm/lib/tokenverify"
	"github.com/shellterm/shellterm/lib/types"
	"github.com/shellterm/shellterm/lib/utils"
)

// Deps are the shared components the REST surface relays through, the same
// Verifier/Authorizer/Registry wired into lib/termproxy.
type Deps struct {
	Verifier   *tokenverify.Verifier
	Authorizer *authz.Authorizer
	Registry   *registry.Registry
	Emitter    auditlog.Emitter
	Clock      clockwork.Clock
	Logger     *logrus.Entry
}

// CheckAndSetDefaults validates deps and fills in defaults.
func (d *Deps) CheckAndSetDefaults() error {
	if d.Verifier == nil {
		return trace.BadParameter("Verifier must be provided")
	}
	if d.Authorizer == nil {
		return trace.BadParameter("Authorizer must be provided")
	}
	if d.Registry == nil {
		return trace.BadParameter("Registry must be provided")
	}
	if d.Emitter == nil {
		d.Emitter = auditlog.DiscardEmitter{}
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = logrus.WithField("component", "restapi")
	}
	return nil
}

// NewHandler builds the full REST surface as an http.Handler.
func NewHandler(deps Deps) (http.Handler, error) {
	if err := deps.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &handler{deps: deps}

	router := httprouter.New()
	router.GET("/health", h.health)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.GET("/sessions", h.withAuth(h.listSessions))
	router.POST("/sessions", h.withAuth(h.createSession))
	router.GET("/sessions/:id", h.withAuth(h.getSession))
	router.DELETE("/sessions/:id", h.withAuth(h.terminateSession))
	return router, nil
}

type handler struct {
	deps Deps
}

// authedHandlerFunc is a handler with the caller's verified identity bound
// in, mirroring the teacher's HandlerWithAuthFunc shape in
// lib/auth/apiserver.go.
type authedHandlerFunc func(identity types.Identity, w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// withAuth verifies the bearer token and authorizes the identity before
// calling handler, writing a stable error code + HTTP status on failure.
// Per invariant 5, no handler below this wrapper runs without a validated
// identity.
func (h *handler) withAuth(handler authedHandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, types.ErrAuthInvalidToken, "missing bearer token", http.StatusUnauthorized)
			return
		}

		identity, err := h.deps.Verifier.Verify(r.Context(), token)
		if err != nil {
			code := types.ErrAuthInvalidToken
			var verr *tokenverify.VerifyError
			if errors.As(err, &verr) {
				code = verr.Code
			}
			writeError(w, code, "authentication failed", statusForCode(code))
			return
		}

		if _, err := h.deps.Authorizer.Authorize(identity); err != nil {
			var denied *authz.DeniedError
			if errors.As(err, &denied) {
				writeError(w, denied.Code(), denied.Error(), statusForCode(denied.Code()))
				return
			}
			writeError(w, types.ErrAuthzDenied, "authorization failed", http.StatusForbidden)
			return
		}

		result, err := handler(identity, w, r, p)
		if err != nil {
			code := types.ErrProtocolMalformed
			if e, ok := err.(interface{ Code() types.ErrorCode }); ok {
				code = e.Code()
			}
			writeError(w, code, err.Error(), statusForCode(code))
			return
		}
		if result != nil {
			writeJSON(w, http.StatusOK, result)
		}
	}
}

func bearerToken(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code types.ErrorCode, message string, status int) {
	writeJSON(w, status, errorBody{Code: string(code), Message: message})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusForCode maps a stable wire ErrorCode to an HTTP status, never
// leaking internal error text to the client.
func statusForCode(code types.ErrorCode) int {
	switch code {
	case types.ErrAuthInvalidToken, types.ErrAuthExpired, types.ErrAuthUnknownIssuer,
		types.ErrAuthUnknownKey, types.ErrAuthAlgorithmNotAllowed:
		return http.StatusUnauthorized
	case types.ErrAuthProviderUnhealthy:
		return http.StatusServiceUnavailable
	case types.ErrAuthzDenied, types.ErrSessionNotOwner:
		return http.StatusForbidden
	case types.ErrSessionNotFound:
		return http.StatusNotFound
	case types.ErrQuotaGlobal, types.ErrQuotaPerUser, types.ErrRateExceeded, types.ErrRateLockout:
		return http.StatusTooManyRequests
	case types.ErrProtocolMalformed, types.ErrProtocolSizeExceeded, types.ErrPtyResizeInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (h *handler) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionBody struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func sessionToBody(sess *session.Session) sessionBody {
	return sessionBody{
		ID:           string(sess.ID()),
		Owner:        sess.Owner(),
		State:        sess.State().String(),
		CreatedAt:    sess.CreatedAt(),
		LastActivity: sess.LastActivity(),
	}
}

func (h *handler) listSessions(identity types.Identity, _ http.ResponseWriter, _ *http.Request, _ httprouter.Params) (interface{}, error) {
	sessions := h.deps.Registry.List(identity.UserID)
	out := make([]sessionBody, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionToBody(sess))
	}
	return out, nil
}

type createSessionRequest struct {
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
	Shell string `json:"shell"`
}

func (h *handler) createSession(identity types.Identity, _ http.ResponseWriter, r *http.Request, _ httprouter.Params) (interface{}, error) {
	var req createSessionRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return nil, &malformedRequestError{message: "invalid request body"}
		}
	}
	cols, rows := req.Cols, req.Rows
	if cols == 0 || rows == 0 {
		cols, rows = 80, 24
	}

	sess, err := h.deps.Registry.Create(identity.UserID, cols, rows, req.Shell)
	if err != nil {
		return nil, err
	}
	return sessionToBody(sess), nil
}

// malformedRequestError reports a request body the REST surface could not
// decode, mapped to the same protocol.malformed wire code the streaming
// surface uses for unparsable frames.
type malformedRequestError struct {
	message string
}

func (e *malformedRequestError) Error() string { return e.message }

func (e *malformedRequestError) Code() types.ErrorCode { return types.ErrProtocolMalformed }

func (h *handler) sessionForRequest(identity types.Identity, p httprouter.Params) (*session.Session, error) {
	id := types.SessionID(p.ByName("id"))
	sess, err := h.deps.Registry.Get(id)
	if err != nil {
		return nil, &notFoundError{}
	}
	if sess.Owner() != identity.UserID && !h.deps.Authorizer.IsAdmin(identity) {
		return nil, &notOwnerError{}
	}
	return sess, nil
}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "session not found" }

func (e *notFoundError) Code() types.ErrorCode { return types.ErrSessionNotFound }

type notOwnerError struct{}

func (e *notOwnerError) Error() string { return "not the owner of this session" }

func (e *notOwnerError) Code() types.ErrorCode { return types.ErrSessionNotOwner }

func (h *handler) getSession(identity types.Identity, _ http.ResponseWriter, _ *http.Request, p httprouter.Params) (interface{}, error) {
	sess, err := h.sessionForRequest(identity, p)
	if err != nil {
		return nil, err
	}
	return sessionToBody(sess), nil
}

func (h *handler) terminateSession(identity types.Identity, _ http.ResponseWriter, _ *http.Request, p httprouter.Params) (interface{}, error) {
	sess, err := h.sessionForRequest(identity, p)
	if err != nil {
		return nil, err
	}
	if err := h.deps.Registry.Terminate(sess.ID()); err != nil {
		return nil, &notFoundError{}
	}
	_ = h.deps.Emitter.EmitAuditEvent(auditlog.NewEvent(auditlog.EventSessionTerminate, "", utils.Fields{
		"user":       identity.UserID,
		"session_id": string(sess.ID()),
		"time":       h.deps.Clock.Now(),
	}))
	return map[string]string{"status": "terminated"}, nil
}
