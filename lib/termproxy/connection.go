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

// Package termproxy is the Connection Handler: one goroutine pair per
// client websocket, running the Unauthenticated -> Authenticated ->
// Attached -> Detaching/Closed state machine of spec §4.G, relaying typed
// JSON frames between the wire and a Session.
package termproxy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/moby/term"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	"github.com/shellterm/shellterm/lib/auditlog"
	"github.com/shellterm/shellterm/lib/authz"
	"github.com/shellterm/shellterm/lib/registry"
	"github.com/shellterm/shellterm/lib/ratelimit"
	"github.com/shellterm/shellterm/lib/session"
	"github.com/shellterm/shellterm/lib/tokenverify"
	"github.com/shellterm/shellterm/lib/types"
	"github.com/shellterm/shellterm/lib/utils"
)

// connState is the Connection's lifecycle state.
type connState int32

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateAttached
	stateDetaching
	stateClosed
)

// defaultMaxMessageBytes bounds a single input frame's data payload, per
// spec §6, when Deps.MaxMessageBytes is unset.
const defaultMaxMessageBytes = 65536

// Deps are the shared, process-wide components a Connection relays
// through: Token Verifier, Authorizer, Rate Limiter, Session Registry, and
// Audit Log.
type Deps struct {
	Verifier   *tokenverify.Verifier
	Authorizer *authz.Authorizer
	Limiter    *ratelimit.Limiter
	Registry   *registry.Registry
	Emitter    auditlog.Emitter
	Clock      clockwork.Clock
	Logger     *logrus.Entry

	// MaxMessageBytes bounds a single input frame's data payload. Zero
	// defers to defaultMaxMessageBytes.
	MaxMessageBytes int
}

// CheckAndSetDefaults validates deps and fills in defaults.
func (d *Deps) CheckAndSetDefaults() error {
	if d.Verifier == nil {
		return trace.BadParameter("Verifier must be provided")
	}
	if d.Authorizer == nil {
		return trace.BadParameter("Authorizer must be provided")
	}
	if d.Limiter == nil {
		return trace.BadParameter("Limiter must be provided")
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
		d.Logger = logrus.WithField("component", "termproxy")
	}
	if d.MaxMessageBytes <= 0 {
		d.MaxMessageBytes = defaultMaxMessageBytes
	}
	return nil
}

// Connection is one client's streaming endpoint.
type Connection struct {
	conn       *websocket.Conn
	deps       Deps
	remoteAddr string

	state atomic.Int32

	writeMu sync.Mutex

	identity  types.Identity
	sess      *session.Session
	unsub     func()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler returns an http.HandlerFunc that upgrades each request to a
// websocket connection and runs the Connection Handler state machine on
// it, grounded on lib/web/conn_upgrade.go's hijack-and-upgrade shape (here
// performed by gorilla/websocket's Upgrader, which hijacks internally) and
// lib/kube/proxy/streamproto/proto.go's message-relay goroutine pair.
func Handler(deps Deps) (http.HandlerFunc, error) {
	if err := deps.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			deps.Logger.WithError(err).Warn("failed to upgrade connection")
			return
		}
		c := &Connection{conn: conn, deps: deps, remoteAddr: r.RemoteAddr}
		c.serve()
	}, nil
}

func (c *Connection) getState() connState { return connState(c.state.Load()) }
func (c *Connection) setState(s connState) { c.state.Store(int32(s)) }

func (c *Connection) writeFrame(f frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return trace.Wrap(err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) closeWithError(code types.ErrorCode, message string) {
	_ = c.writeFrame(errorFrame(code, message))
	c.setState(stateClosed)
	_ = c.conn.Close()
}

// serve runs the full connection lifecycle to completion; it does not
// return until the connection is closed.
func (c *Connection) serve() {
	defer c.teardown()

	if !c.handshake() {
		return
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !utils.IsOKNetworkError(err) {
				c.deps.Logger.WithError(err).Warn("connection read failed")
			}
			return
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.closeWithError(types.ErrProtocolMalformed, "malformed frame")
			return
		}

		switch c.getState() {
		case stateAuthenticated:
			if !c.handleAttach(f) {
				return
			}
		case stateAttached:
			if !c.handleAttached(f) {
				return
			}
		default:
			c.closeWithError(types.ErrProtocolOutOfSequence, "unexpected message in this state")
			return
		}
	}
}

// handshake processes the mandatory first auth frame. Per invariant 5, no
// side effect beyond this handshake is possible before it succeeds.
func (c *Connection) handshake() bool {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}
	f, err := decodeFrame(data)
	if err != nil || f.Type != msgAuth {
		c.closeWithError(types.ErrProtocolOutOfSequence, "first message must be auth")
		return false
	}

	identity, err := c.deps.Verifier.Verify(context.Background(), f.Token)
	if err != nil {
		code := types.ErrAuthInvalidToken
		var verr *tokenverify.VerifyError
		if errors.As(err, &verr) {
			code = verr.Code
		}
		c.closeWithError(code, "authentication failed")
		return false
	}

	if _, err := c.deps.Authorizer.Authorize(identity); err != nil {
		var denied *authz.DeniedError
		if errors.As(err, &denied) {
			c.closeWithError(denied.Code(), denied.Error())
			return false
		}
		c.closeWithError(types.ErrAuthzDenied, "authorization failed")
		return false
	}

	if err := c.deps.Limiter.AllowConnection(identity.UserID); err != nil {
		code := types.ErrRateExceeded
		var lockout *ratelimit.LockoutError
		if errors.As(err, &lockout) {
			code = lockout.Code()
		}
		c.closeWithError(code, "rate limit exceeded")
		return false
	}

	c.identity = identity
	c.setState(stateAuthenticated)
	_ = c.deps.Emitter.EmitAuditEvent(auditlog.NewEvent(auditlog.EventAuthSuccess, "", utils.Fields{
		"user":        identity.UserID,
		"provider":    identity.Provider,
		"remote_addr": c.remoteAddr,
		"time":        c.deps.Clock.Now(),
	}))
	return c.writeFrame(authenticatedFrame(identity.UserID)) == nil
}

func (c *Connection) handleAttach(f frame) bool {
	switch f.Type {
	case msgCreateSession:
		cols, rows := f.Cols, f.Rows
		if cols == 0 || rows == 0 {
			cols, rows = 80, 24
		}
		sess, err := c.deps.Registry.Create(c.identity.UserID, cols, rows, f.Shell)
		if err != nil {
			c.closeWithError(quotaCode(err), err.Error())
			return false
		}
		return c.attach(sess, cols, rows)

	case msgAttachSession:
		sess, err := c.deps.Registry.Get(types.SessionID(f.SessionID))
		if err != nil {
			c.closeWithError(types.ErrSessionNotFound, "session not found")
			return false
		}
		if sess.Owner() != c.identity.UserID && !c.deps.Authorizer.IsAdmin(c.identity) {
			c.closeWithError(types.ErrSessionNotOwner, "not the owner of this session")
			return false
		}
		cols, rows := 80, 24
		return c.attach(sess, uint16(cols), uint16(rows))

	default:
		c.closeWithError(types.ErrProtocolOutOfSequence, "expected create_session or attach_session")
		return false
	}
}

func quotaCode(err error) types.ErrorCode {
	if err == nil {
		return types.ErrProtocolMalformed
	}
	if e, ok := err.(interface{ Code() types.ErrorCode }); ok {
		return e.Code()
	}
	return types.ErrProtocolMalformed
}

func (c *Connection) attach(sess *session.Session, cols, rows uint16) bool {
	ch, unsub := sess.Subscribe()
	c.sess = sess
	c.unsub = unsub
	c.setState(stateAttached)

	_ = c.deps.Emitter.EmitAuditEvent(auditlog.NewEvent(auditlog.EventSessionAttach, "", utils.Fields{
		"user":       c.identity.UserID,
		"session_id": string(sess.ID()),
		"time":       c.deps.Clock.Now(),
	}))

	if err := c.writeFrame(sessionFrame(sess.ID(), cols, rows)); err != nil {
		return false
	}

	go c.outputPump(ch)
	return true
}

// outputPump drains the session's broadcast subscription and relays
// output/exit frames to the client, serialized against the inbound loop's
// writes to the same connection by writeMu.
func (c *Connection) outputPump(ch <-chan session.Message) {
	for msg := range ch {
		if msg.Exit != nil {
			_ = c.writeFrame(exitFrame(msg.Exit))
			_ = c.conn.Close()
			return
		}
		if err := c.writeFrame(outputFrame(msg.Data)); err != nil {
			return
		}
	}
}

func (c *Connection) handleAttached(f frame) bool {
	switch f.Type {
	case msgInput:
		data := []byte(f.Data)
		if len(data) > c.deps.MaxMessageBytes {
			c.closeWithError(types.ErrProtocolSizeExceeded, "input exceeds maximum message size")
			return false
		}
		if err := c.deps.Limiter.AllowMessage(c.identity.UserID); err != nil {
			c.closeWithError(types.ErrRateExceeded, "message rate exceeded")
			return false
		}
		if err := c.deps.Limiter.AllowBytes(c.identity.UserID, len(data)); err != nil {
			c.closeWithError(types.ErrRateExceeded, "byte rate exceeded")
			return false
		}
		if err := c.sess.Input(data); err != nil {
			c.closeWithError(types.ErrPtyIOError, "write failed")
			return false
		}
		return true

	case msgResize:
		if f.Cols < 1 || f.Cols > 500 || f.Rows < 1 || f.Rows > 500 {
			c.closeWithError(types.ErrPtyResizeInvalid, "cols and rows must be within [1, 500]")
			return false
		}
		if err := c.sess.Resize(term.Winsize{Width: f.Cols, Height: f.Rows}); err != nil {
			c.closeWithError(types.ErrPtyIOError, "resize failed")
			return false
		}
		return true

	case msgSignal:
		kind, ok := signalKindFor(f.Kind)
		if !ok {
			c.closeWithError(types.ErrProtocolMalformed, "unknown signal kind")
			return false
		}
		if err := c.sess.Signal(kind); err != nil {
			// rate-limited signals are a transient condition, not fatal to
			// the connection.
			return true
		}
		return true

	case msgDetach:
		c.setState(stateDetaching)
		c.detach()
		c.setState(stateClosed)
		return false

	case msgTerminate:
		if c.sess.Owner() != c.identity.UserID && !c.deps.Authorizer.IsAdmin(c.identity) {
			c.closeWithError(types.ErrSessionNotOwner, "not the owner of this session")
			return false
		}
		if err := c.deps.Registry.Terminate(c.sess.ID()); err != nil {
			c.closeWithError(types.ErrSessionNotFound, "session not found")
			return false
		}
		_ = c.deps.Emitter.EmitAuditEvent(auditlog.NewEvent(auditlog.EventSessionTerminate, "", utils.Fields{
			"user":       c.identity.UserID,
			"session_id": string(c.sess.ID()),
			"time":       c.deps.Clock.Now(),
		}))
		return false

	default:
		c.closeWithError(types.ErrProtocolMalformed, "unrecognized message type")
		return false
	}
}

func (c *Connection) detach() {
	if c.unsub != nil {
		c.unsub()
	}
	_ = c.deps.Emitter.EmitAuditEvent(auditlog.NewEvent(auditlog.EventSessionDetach, "", utils.Fields{
		"user":       c.identity.UserID,
		"session_id": string(c.sess.ID()),
		"time":       c.deps.Clock.Now(),
	}))
}

func (c *Connection) teardown() {
	if c.unsub != nil {
		c.unsub()
	}
	c.setState(stateClosed)
	_ = c.conn.Close()
}
