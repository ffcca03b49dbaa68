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

// Package registry is the process-wide Session Registry: a concurrent map
// of session id to Session, per-user and global admission quotas, and a
// background reaper that terminates idle, expired, or already-terminating
// sessions.
package registry

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	"github.com/shellterm/shellterm/lib/auditlog"
	"github.com/shellterm/shellterm/lib/metrics"
	"github.com/shellterm/shellterm/lib/pty"
	"github.com/shellterm/shellterm/lib/session"
	"github.com/shellterm/shellterm/lib/types"
	"github.com/shellterm/shellterm/lib/utils"
)

var quotaExceededCount = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "shellterm",
		Subsystem: "registry",
		Name:      "quota_exceeded_total",
		Help:      "Number of session creation attempts rejected for exceeding a quota.",
	},
	[]string{"scope"},
)

func init() {
	_ = metrics.RegisterPrometheusCollectors(quotaExceededCount)
}

// PTYFactory spawns the PtyHandle backing a new Session. Tests substitute a
// fake so Create doesn't actually fork a shell.
type PTYFactory func(owner string, cols, rows uint16, shell string) (session.PTY, error)

// Config configures a Registry.
type Config struct {
	// GlobalMax is the maximum number of sessions across all users. Zero
	// means unlimited.
	GlobalMax int
	// PerUserMax is the maximum number of concurrent sessions any one user
	// may own. Zero means unlimited.
	PerUserMax int
	// IdleTimeout reaps a session whose last activity is older than this.
	IdleTimeout time.Duration
	// AbsoluteTimeout reaps a session whose creation time is older than
	// this, regardless of activity.
	AbsoluteTimeout time.Duration
	// ReapInterval is how often the background reaper scans the registry.
	ReapInterval time.Duration
	// QueueDepth bounds each subscriber's per-session output queue. Zero
	// defers to session.Config's own default.
	QueueDepth int
	// ChunkSize bounds how many bytes a session's output pump reads from
	// the PTY per iteration. Zero defers to session.Config's own default.
	ChunkSize int

	Spawn   PTYFactory
	Emitter auditlog.Emitter
	Clock   clockwork.Clock
	Logger  *logrus.Entry
}

// CheckAndSetDefaults validates cfg and fills in defaults, following the
// teacher's CheckAndSetDefaults idiom.
func (c *Config) CheckAndSetDefaults() error {
	if c.Spawn == nil {
		return trace.BadParameter("Spawn must be provided")
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.AbsoluteTimeout <= 0 {
		c.AbsoluteTimeout = 12 * time.Hour
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 10 * time.Second
	}
	if c.Emitter == nil {
		c.Emitter = auditlog.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("component", "registry")
	}
	return nil
}

// ErrQuotaExceeded is returned by Create when a global or per-user cap would
// be exceeded.
type ErrQuotaExceeded struct {
	Scope string // "global" or "user"
}

func (e *ErrQuotaExceeded) Error() string {
	return "session quota exceeded: " + e.Scope
}

func (e *ErrQuotaExceeded) Code() types.ErrorCode {
	if e.Scope == "global" {
		return types.ErrQuotaGlobal
	}
	return types.ErrQuotaPerUser
}

// Registry is the process-wide session table.
type Registry struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[types.SessionID]*session.Session

	userMu    sync.Mutex
	userCount map[string]int
	total     int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Registry and starts its background reaper.
func New(cfg Config) (*Registry, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	r := &Registry{
		cfg:       cfg,
		sessions:  make(map[types.SessionID]*session.Session),
		userCount: make(map[string]int),
		stopCh:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.reapLoop()
	return r, nil
}

// Stop halts the background reaper. It does not terminate existing
// sessions.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Create admits a new session for owner, subject to global and per-user
// quotas. The counter check-and-increment is serialized by userMu so two
// concurrent Create calls for the same user cannot both observe room under
// the cap (invariant 4, the quota-atomicity note in §4.F).
func (r *Registry) Create(owner string, cols, rows uint16, shell string) (*session.Session, error) {
	r.userMu.Lock()
	if r.cfg.GlobalMax > 0 && r.total >= r.cfg.GlobalMax {
		r.userMu.Unlock()
		quotaExceededCount.WithLabelValues("global").Inc()
		r.emitQuotaDenied(owner, "global")
		return nil, &ErrQuotaExceeded{Scope: "global"}
	}
	if r.cfg.PerUserMax > 0 && r.userCount[owner] >= r.cfg.PerUserMax {
		r.userMu.Unlock()
		quotaExceededCount.WithLabelValues("user").Inc()
		r.emitQuotaDenied(owner, "user")
		return nil, &ErrQuotaExceeded{Scope: "user"}
	}
	r.userCount[owner]++
	r.total++
	r.userMu.Unlock()

	id, err := types.NewSessionID()
	if err != nil {
		r.releaseQuota(owner)
		return nil, trace.Wrap(err)
	}

	p, err := r.cfg.Spawn(owner, cols, rows, shell)
	if err != nil {
		r.releaseQuota(owner)
		return nil, trace.Wrap(err)
	}

	sess := session.New(session.Config{
		ID:         id,
		Owner:      owner,
		PTY:        p,
		Clock:      r.cfg.Clock,
		QueueDepth: r.cfg.QueueDepth,
		ChunkSize:  r.cfg.ChunkSize,
	})

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	_ = r.cfg.Emitter.EmitAuditEvent(auditlog.NewEvent(auditlog.EventSessionCreate, "", utils.Fields{
		"user":       owner,
		"session_id": string(id),
	}))
	return sess, nil
}

func (r *Registry) releaseQuota(owner string) {
	r.userMu.Lock()
	defer r.userMu.Unlock()
	r.userCount[owner]--
	if r.userCount[owner] <= 0 {
		delete(r.userCount, owner)
	}
	r.total--
}

func (r *Registry) emitQuotaDenied(owner, scope string) {
	_ = r.cfg.Emitter.EmitAuditEvent(auditlog.NewEvent(auditlog.EventQuotaDenied, scope, utils.Fields{
		"user": owner,
	}))
}

// Get looks up a session by id.
func (r *Registry) Get(id types.SessionID) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, trace.NotFound("session %q not found", id)
	}
	return sess, nil
}

// List returns a bounded snapshot of sessions, optionally filtered to one
// owner. It is not a live view: callers that need freshness must call List
// again.
func (r *Registry) List(ownerFilter string) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if ownerFilter != "" && sess.Owner() != ownerFilter {
			continue
		}
		out = append(out, sess)
	}
	return out
}

// Terminate marks a session Terminating; the reaper completes teardown and
// removes it from the registry.
func (r *Registry) Terminate(id types.SessionID) error {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return trace.NotFound("session %q not found", id)
	}
	return trace.Wrap(sess.Terminate())
}

func (r *Registry) reapLoop() {
	defer r.wg.Done()
	ticker := r.cfg.Clock.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.Chan():
			r.reapOnce()
		}
	}
}

// reapOnce scans the registry once, tearing down any session that is idle,
// past its absolute lifetime, or already Terminating. Idempotent under
// concurrent termination requests: Session.Terminate and PTY.Kill are both
// safe to call more than once.
func (r *Registry) reapOnce() {
	now := r.cfg.Clock.Now()

	r.mu.RLock()
	candidates := make([]*session.Session, 0)
	for _, sess := range r.sessions {
		idle := now.Sub(sess.LastActivity()) > r.cfg.IdleTimeout
		expired := now.Sub(sess.CreatedAt()) > r.cfg.AbsoluteTimeout
		if idle || expired || sess.State() == types.Terminating {
			candidates = append(candidates, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range candidates {
		_ = sess.Terminate()
		sess.WaitTerminated()

		r.mu.Lock()
		delete(r.sessions, sess.ID())
		r.mu.Unlock()

		r.releaseQuota(sess.Owner())
		r.cfg.Logger.WithField("session", sess.ID()).Debug("reaped session")
	}
}

// DefaultPTYFactory adapts lib/pty.Spawn into a PTYFactory bound to a fixed
// workspace root, shell allowlist, and environment blocklist.
func DefaultPTYFactory(workspaceRoot string, shellAllowlist []string, defaultShell string, envBlocklist []string) PTYFactory {
	return func(owner string, cols, rows uint16, shell string) (session.PTY, error) {
		if shell == "" {
			shell = defaultShell
		}
		return pty.Spawn(pty.SpawnConfig{
			ShellPath:      shell,
			ShellAllowlist: shellAllowlist,
			WorkspaceRoot:  workspaceRoot,
			EnvBlocklist:   envBlocklist,
			Cols:           cols,
			Rows:           rows,
		})
	}
}
