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

// Package ratelimit enforces per-identity sliding-window limits on
// connection rate, message rate, and input byte rate, escalating an
// identity that keeps tripping a limit into a temporary lockout.
package ratelimit

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/gravitational/ttlmap"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/shellterm/shellterm/lib/types"
)

// Config configures a Limiter. Each *PerMinute/*PerSecond value is the
// steady-state rate; bursts up to that same value are permitted.
type Config struct {
	ConnectionsPerMinute int
	MessagesPerMinute    int
	InputBytesPerSecond  int

	// LockoutThreshold is the number of consecutive window violations by one
	// identity before it is locked out entirely.
	LockoutThreshold int
	// LockoutDuration is how long a locked-out identity is refused outright.
	LockoutDuration time.Duration
	// EntryTTL bounds how long an idle identity's counters are retained.
	EntryTTL time.Duration
	// Capacity bounds the number of distinct identities tracked at once.
	Capacity int

	Clock clockwork.Clock
}

// CheckAndSetDefaults validates cfg and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ConnectionsPerMinute <= 0 {
		c.ConnectionsPerMinute = 30
	}
	if c.MessagesPerMinute <= 0 {
		c.MessagesPerMinute = 600
	}
	if c.InputBytesPerSecond <= 0 {
		c.InputBytesPerSecond = 1 << 20
	}
	if c.LockoutThreshold <= 0 {
		c.LockoutThreshold = 5
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = 5 * time.Minute
	}
	if c.EntryTTL <= 0 {
		c.EntryTTL = time.Hour
	}
	if c.Capacity <= 0 {
		c.Capacity = 10000
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// window holds the per-identity limiter state. Stored in a ttlmap so an
// identity that stops connecting is evicted rather than retained forever.
type window struct {
	conn  *rate.Limiter
	msg   *rate.Limiter
	bytes *rate.Limiter

	mu          sync.Mutex
	violations  int
	lockedUntil time.Time
}

// Limiter tracks sliding-window rate state per identity.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	entries *ttlmap.TTLMap
}

// New constructs a Limiter.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	entries, err := ttlmap.New(cfg.Capacity)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Limiter{cfg: cfg, entries: entries}, nil
}

func (l *Limiter) windowFor(identity string) *window {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.entries.Get(identity); ok {
		return v.(*window)
	}

	w := &window{
		conn:  rate.NewLimiter(rate.Limit(float64(l.cfg.ConnectionsPerMinute)/60.0), l.cfg.ConnectionsPerMinute),
		msg:   rate.NewLimiter(rate.Limit(float64(l.cfg.MessagesPerMinute)/60.0), l.cfg.MessagesPerMinute),
		bytes: rate.NewLimiter(rate.Limit(l.cfg.InputBytesPerSecond), l.cfg.InputBytesPerSecond),
	}
	_ = l.entries.Set(identity, w, l.cfg.EntryTTL)
	return w
}

// LockoutError reports that an identity has been temporarily locked out
// after repeatedly exceeding a limit.
type LockoutError struct {
	Identity string
	Until    time.Time
}

func (e *LockoutError) Error() string {
	return "identity locked out until " + e.Until.Format(time.RFC3339)
}

func (e *LockoutError) Code() types.ErrorCode { return types.ErrRateLockout }

// ExceededError reports a single transient limit violation.
type ExceededError struct {
	Identity string
	Limit    string
}

func (e *ExceededError) Error() string {
	return "rate limit exceeded: " + e.Limit
}

func (e *ExceededError) Code() types.ErrorCode { return types.ErrRateExceeded }

func (l *Limiter) checkLockout(identity string, w *window) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.lockedUntil.IsZero() && l.cfg.Clock.Now().Before(w.lockedUntil) {
		return &LockoutError{Identity: identity, Until: w.lockedUntil}
	}
	return nil
}

func (l *Limiter) recordViolation(identity string, w *window, limit string) error {
	w.mu.Lock()
	w.violations++
	violations := w.violations
	if violations >= l.cfg.LockoutThreshold {
		w.lockedUntil = l.cfg.Clock.Now().Add(l.cfg.LockoutDuration)
		w.violations = 0
		until := w.lockedUntil
		w.mu.Unlock()
		return &LockoutError{Identity: identity, Until: until}
	}
	w.mu.Unlock()
	return &ExceededError{Identity: identity, Limit: limit}
}

func (l *Limiter) recordSuccess(w *window) {
	w.mu.Lock()
	w.violations = 0
	w.mu.Unlock()
}

// AllowConnection checks the connections-per-minute limit for identity.
func (l *Limiter) AllowConnection(identity string) error {
	w := l.windowFor(identity)
	if err := l.checkLockout(identity, w); err != nil {
		return err
	}
	if !w.conn.Allow() {
		return l.recordViolation(identity, w, "connections_per_minute")
	}
	l.recordSuccess(w)
	return nil
}

// AllowMessage checks the messages-per-minute limit for identity.
func (l *Limiter) AllowMessage(identity string) error {
	w := l.windowFor(identity)
	if err := l.checkLockout(identity, w); err != nil {
		return err
	}
	if !w.msg.Allow() {
		return l.recordViolation(identity, w, "messages_per_minute")
	}
	l.recordSuccess(w)
	return nil
}

// AllowBytes checks the input-bytes-per-second limit for identity, charging
// n bytes against the token bucket.
func (l *Limiter) AllowBytes(identity string, n int) error {
	w := l.windowFor(identity)
	if err := l.checkLockout(identity, w); err != nil {
		return err
	}
	if !w.bytes.AllowN(l.cfg.Clock.Now(), n) {
		return l.recordViolation(identity, w, "input_bytes_per_second")
	}
	l.recordSuccess(w)
	return nil
}
