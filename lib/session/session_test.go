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

package session

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/moby/term"
	"github.com/stretchr/testify/require"

	"github.com/shellterm/shellterm/lib/types"
)

// fakePTY is an in-memory PTY double: output is a fixed byte stream served
// in chunks, writes/resizes/signals are recorded.
type fakePTY struct {
	mu       sync.Mutex
	output   []byte
	offset   int
	closed   bool
	writes   [][]byte
	resizes  []term.Winsize
	signals  []types.SignalKind
	killed   int
	exitCode int
}

func (f *fakePTY) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offset >= len(f.output) {
		return 0, io.EOF
	}
	n := copy(p, f.output[f.offset:])
	f.offset += n
	return n, nil
}

func (f *fakePTY) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.writes = append(f.writes, cp)
	return len(p), nil
}

func (f *fakePTY) Resize(size term.Winsize) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes = append(f.resizes, size)
	return nil
}

func (f *fakePTY) Signal(kind types.SignalKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, kind)
	return nil
}

func (f *fakePTY) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	return nil
}

func (f *fakePTY) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (f *fakePTY) ExitCode() int { return f.exitCode }

func TestSubscriberReceivesOutputThenExit(t *testing.T) {
	p := &fakePTY{output: []byte("hello world")}
	s := New(Config{ID: "sess-1", Owner: "u:alice", PTY: p, Clock: clockwork.NewFakeClock()})

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	var buf bytes.Buffer
	sawExit := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case msg, ok := <-ch:
			if !ok {
				sawExit = true
			} else if msg.Exit != nil {
				sawExit = true
			} else {
				buf.Write(msg.Data)
			}
		case <-time.After(10 * time.Millisecond):
		}
		if sawExit {
			break
		}
	}

	require.Equal(t, "hello world", buf.String())
	require.True(t, sawExit)
	require.Equal(t, types.Terminating, s.State())
}

func TestInputWritesThroughToPTY(t *testing.T) {
	p := &fakePTY{}
	s := New(Config{ID: "sess-1", Owner: "u:alice", PTY: p, Clock: clockwork.NewFakeClock()})

	require.NoError(t, s.Input([]byte("echo hi\n")))
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.writes) == 1
	}, time.Second, time.Millisecond)
}

func TestOverflowingSubscriberIsDropped(t *testing.T) {
	p := &fakePTY{output: bytes.Repeat([]byte("x"), 1)}
	s := New(Config{ID: "sess-1", Owner: "u:alice", PTY: p, Clock: clockwork.NewFakeClock(), QueueDepth: 1})

	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	// Don't drain ch; the session should still make progress and close it
	// out rather than blocking the output pump forever.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-s.Done():
			return !ok || true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	_, stillOpen := <-ch
	_ = stillOpen
}

func TestResizeAndSignalForwardToPTY(t *testing.T) {
	p := &fakePTY{}
	s := New(Config{ID: "sess-1", Owner: "u:alice", PTY: p, Clock: clockwork.NewFakeClock()})

	require.NoError(t, s.Resize(term.Winsize{Width: 80, Height: 24}))
	require.NoError(t, s.Signal(types.SignalInterrupt))

	require.Len(t, p.resizes, 1)
	require.Len(t, p.signals, 1)
}

func TestSubscribeAfterTerminatingIsClosedNotLeaked(t *testing.T) {
	p := &fakePTY{}
	s := New(Config{ID: "sess-1", Owner: "u:alice", PTY: p, Clock: clockwork.NewFakeClock()})

	require.NoError(t, s.Terminate())
	require.Eventually(t, func() bool {
		return s.State() == types.Terminating
	}, time.Second, time.Millisecond)

	// outputPump has already flipped state and run closeAllSubscribers once;
	// the registry reaper hasn't yet promoted Terminating to Terminated. A
	// subscriber in this window must still get a closed channel rather than
	// blocking forever waiting on a closeAllSubscribers call that already ran.
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()

	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscribe channel was never closed")
	}
}

func TestTerminateKillsPTY(t *testing.T) {
	p := &fakePTY{}
	s := New(Config{ID: "sess-1", Owner: "u:alice", PTY: p, Clock: clockwork.NewFakeClock()})

	require.NoError(t, s.Terminate())
	require.Equal(t, types.Terminating, s.State())
	require.Equal(t, 1, p.killed)
}
