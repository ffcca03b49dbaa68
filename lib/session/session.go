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

// Package session implements a single logical shell session: owner
// identity, a PTY Handle, a last-activity clock, and a broadcast fan-out of
// output bytes to connected subscribers. State is held in atomics and
// state changes are signaled by closing channels; each subscriber has its
// own bounded channel fed by the single output pump.
package session

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/moby/term"

	"github.com/gravitational/trace"

	"github.com/shellterm/shellterm/lib/pty"
	"github.com/shellterm/shellterm/lib/types"
)

// defaultChunkSize is the maximum number of bytes the output pump reads
// from the PTY at a time when Config.ChunkSize is unset, per spec §4.E.
const defaultChunkSize = 64 * 1024

// Message is either an output chunk or a terminal exit sentinel, never
// both. Subscribers receive these in strict master-PTY byte order.
type Message struct {
	Data []byte
	Exit *int // non-nil at most once, as the final message on a subscription; a subscriber that is dropped, or that subscribes after the session left Running, gets no Exit
}

// PTY is the subset of *pty.Handle that Session depends on, so tests can
// substitute a fake.
type PTY interface {
	io.Reader
	Write(p []byte) (int, error)
	Resize(size term.Winsize) error
	Signal(kind types.SignalKind) error
	Kill() error
	Done() <-chan struct{}
	ExitCode() int
}

var _ PTY = (*pty.Handle)(nil)

type subscriber struct {
	id   uint64
	ch   chan Message
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Config configures a Session.
type Config struct {
	ID         types.SessionID
	Owner      string
	PTY        PTY
	Clock      clockwork.Clock
	QueueDepth int // per-subscriber bounded queue depth
	ChunkSize  int // bytes read from the PTY per outputPump iteration
}

// Session is a single logical shell session.
type Session struct {
	id    types.SessionID
	owner string
	pty   PTY
	clock clockwork.Clock

	createdAt time.Time

	lastActivity atomic.Int64 // unix nanos

	state atomic.Int32 // types.SessionState

	writeMu sync.Mutex

	subMu      sync.Mutex
	subs       map[uint64]*subscriber
	nextSubID  uint64
	queueDepth int
	chunkSize  int

	pumpDone chan struct{}
}

// New constructs a Session and starts its output pump. The caller retains
// ownership of cfg.PTY's lifecycle via Terminate/Kill.
func New(cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	s := &Session{
		id:         cfg.ID,
		owner:      cfg.Owner,
		pty:        cfg.PTY,
		clock:      cfg.Clock,
		createdAt:  cfg.Clock.Now(),
		subs:       make(map[uint64]*subscriber),
		queueDepth: cfg.QueueDepth,
		chunkSize:  cfg.ChunkSize,
		pumpDone:   make(chan struct{}),
	}
	s.lastActivity.Store(s.createdAt.UnixNano())
	s.state.Store(int32(types.Running))
	go s.outputPump()
	return s
}

// ID returns the session's identifier.
func (s *Session) ID() types.SessionID { return s.id }

// Owner returns the session's owning user id. Per invariant 1, this never
// changes after creation.
func (s *Session) Owner() string { return s.owner }

// CreatedAt returns the session's creation timestamp.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the timestamp of the most recent input or output
// activity.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

func (s *Session) touch() {
	s.lastActivity.Store(s.clock.Now().UnixNano())
}

// State returns the session's current lifecycle state.
func (s *Session) State() types.SessionState {
	return types.SessionState(s.state.Load())
}

func (s *Session) setState(next types.SessionState) {
	s.state.Store(int32(next))
}

// outputPump is the single long-lived task that owns reading from the PTY.
// Per invariant 3, exactly one task reads the PTY read-half.
func (s *Session) outputPump() {
	defer close(s.pumpDone)
	buf := make([]byte, s.chunkSize)
	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.touch()
			s.publish(Message{Data: chunk})
		}
		if err != nil {
			s.setState(types.Terminating)
			code := s.pty.ExitCode()
			s.publish(Message{Exit: &code})
			s.closeAllSubscribers()
			return
		}
	}
}

// publish fans a message out to every subscriber without blocking the
// pump: a subscriber whose queue is full is dropped, never the producer
// and never a peer.
func (s *Session) publish(msg Message) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, sub := range s.subs {
		select {
		case sub.ch <- msg:
		default:
			sub.close()
			delete(s.subs, id)
		}
	}
}

func (s *Session) closeAllSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, sub := range s.subs {
		sub.close()
		delete(s.subs, id)
	}
}

// Subscribe registers a new subscriber and returns a receive-only channel
// of Messages plus an unsubscribe function. The channel is closed when the
// session terminates or when the subscriber is dropped for overflow.
func (s *Session) Subscribe() (<-chan Message, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSubID
	s.nextSubID++
	sub := &subscriber{id: id, ch: make(chan Message, s.queueDepth)}

	// outputPump flips state to Terminating and runs closeAllSubscribers
	// under subMu before it exits; checking for anything other than
	// Running here (rather than waiting for the reaper to later promote
	// Terminating to Terminated) keeps this in lockstep with that call so
	// a subscriber never lands in s.subs after the last close has run.
	if s.State() != types.Running {
		sub.close()
		return sub.ch, func() {}
	}

	s.subs[id] = sub
	unsubscribe := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if existing, ok := s.subs[id]; ok {
			existing.close()
			delete(s.subs, id)
		}
	}
	return sub.ch, unsubscribe
}

// Input writes bytes to the PTY, serialized through the session's write
// mutex. Callers must enforce per-message size limits before calling.
func (s *Session) Input(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.State() != types.Running {
		return trace.Errorf("session is not running")
	}
	if _, err := s.pty.Write(data); err != nil {
		return trace.Wrap(err)
	}
	s.touch()
	return nil
}

// Resize forwards a validated resize request to the PTY.
func (s *Session) Resize(size term.Winsize) error {
	return trace.Wrap(s.pty.Resize(size))
}

// Signal forwards a signal request to the PTY.
func (s *Session) Signal(kind types.SignalKind) error {
	return trace.Wrap(s.pty.Signal(kind))
}

// Terminate transitions the session to Terminating and kills the PTY. It is
// safe to call concurrently and more than once.
func (s *Session) Terminate() error {
	s.setState(types.Terminating)
	return trace.Wrap(s.pty.Kill())
}

// WaitTerminated blocks until the output pump has observed PTY EOF, then
// marks the session Terminated. Called by the Registry's reaper.
func (s *Session) WaitTerminated() {
	<-s.pumpDone
	s.setState(types.Terminated)
}

// Done returns a channel closed once the output pump has exited.
func (s *Session) Done() <-chan struct{} {
	return s.pumpDone
}
