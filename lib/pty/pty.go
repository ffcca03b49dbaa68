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

// Package pty owns one spawned shell process and its master
// pseudo-terminal, exposing byte-stream read/write, resize, signal, and
// kill, with workspace-root confinement and an environment blocklist
// enforced at spawn time.
package pty

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/moby/term"

	"github.com/gravitational/trace"

	"github.com/shellterm/shellterm/lib/types"
)

// defaultDangerousEnvVars are stripped from every spawned shell's
// environment by default even if not explicitly blocklisted in
// configuration: dynamic-linker influence variables that could be used to
// hijack the shell's own execution.
var defaultDangerousEnvVars = []string{
	"LD_PRELOAD", "LD_LIBRARY_PATH", "LD_AUDIT", "DYLD_INSERT_LIBRARIES",
	"DYLD_LIBRARY_PATH",
}

// SpawnConfig describes a shell process to spawn under a new PTY.
type SpawnConfig struct {
	// ShellPath is the executable to run; it must appear in ShellAllowlist.
	ShellPath string
	// Args are passed to the shell.
	Args []string
	// Env is the requested environment; entries whose key is on the
	// effective blocklist are rejected.
	Env []string
	// Cwd is the requested working directory; it must canonicalize to a
	// descendant of WorkspaceRoot.
	Cwd string
	// Cols, Rows are the initial window size.
	Cols, Rows uint16

	// WorkspaceRoot bounds every session's working directory (invariant 6).
	WorkspaceRoot string
	// ShellAllowlist is the set of executables Spawn will accept.
	ShellAllowlist []string
	// EnvBlocklist adds additional blocked environment variable names on
	// top of defaultDangerousEnvVars.
	EnvBlocklist []string
}

// SpawnError reports why Spawn refused or failed to start a shell.
type SpawnError struct {
	Code    types.ErrorCode
	Message string
}

func (e *SpawnError) Error() string { return e.Message }

func newSpawnError(code types.ErrorCode, format string, args ...interface{}) *SpawnError {
	return &SpawnError{Code: code, Message: trace.Errorf(format, args...).Error()}
}

// Handle owns one spawned shell process plus its master PTY file
// descriptor. Reads follow a single-reader discipline; writes are
// serialized by writeMu.
type Handle struct {
	cmd    *exec.Cmd
	master *os.File

	writeMu sync.Mutex

	resizeMu sync.Mutex
	cols, rows uint16

	lastSignal atomic.Int64 // unix nanos of last Signal() call

	killOnce sync.Once
	done     chan struct{}
	waitErr  error
}

// minSignalGap is the minimum interval enforced between Signal() calls on
// one Handle.
const minSignalGap = 100 * time.Millisecond

// Spawn validates cfg and, if valid, opens a master/slave PTY pair, starts
// the shell attached to the slave, and returns a Handle owning the master
// end.
func Spawn(cfg SpawnConfig) (*Handle, error) {
	if err := validateShell(cfg.ShellPath, cfg.ShellAllowlist); err != nil {
		return nil, err
	}
	cwd, err := validateCwd(cfg.Cwd, cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}
	env, err := filterEnv(cfg.Env, cfg.EnvBlocklist)
	if err != nil {
		return nil, err
	}
	if cfg.Cols == 0 || cfg.Rows == 0 {
		cfg.Cols, cfg.Rows = 80, 24
	}

	cmd := exec.Command(cfg.ShellPath, cfg.Args...)
	cmd.Dir = cwd
	cmd.Env = env

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cfg.Cols, Rows: cfg.Rows})
	if err != nil {
		return nil, newSpawnError(types.ErrPtySpawnFailed, "starting shell: %v", err)
	}

	h := &Handle{
		cmd:    cmd,
		master: master,
		cols:   cfg.Cols,
		rows:   cfg.Rows,
		done:   make(chan struct{}),
	}

	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	return h, nil
}

func validateShell(shellPath string, allowlist []string) error {
	for _, allowed := range allowlist {
		if shellPath == allowed {
			return nil
		}
	}
	return newSpawnError(types.ErrPtySpawnFailed, "shell %q is not in the configured allowlist", shellPath)
}

func validateCwd(cwd, workspaceRoot string) (string, error) {
	root, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return "", newSpawnError(types.ErrPtySpawnFailed, "resolving workspace root: %v", err)
	}
	root = filepath.Clean(root)

	candidate := cwd
	if candidate == "" {
		candidate = root
	}
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(root, candidate)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		// The directory may not exist yet (this is a spawn-time check, not
		// a filesystem stat), fall back to purely lexical cleaning.
		resolved = filepath.Clean(candidate)
	}

	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", &SpawnError{Code: types.ErrPathEscapeAttempt, Message: "working directory escapes the workspace root"}
	}
	return resolved, nil
}

func filterEnv(env []string, extraBlocklist []string) ([]string, error) {
	blocked := make(map[string]bool, len(defaultDangerousEnvVars)+len(extraBlocklist))
	for _, k := range defaultDangerousEnvVars {
		blocked[k] = true
	}
	for _, k := range extraBlocklist {
		blocked[k] = true
	}

	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if blocked[key] {
			return nil, newSpawnError(types.ErrPtySpawnFailed, "environment variable %q is not permitted", key)
		}
		out = append(out, kv)
	}
	return out, nil
}

// Read reads from the PTY master. An io.EOF (or an equivalent syscall
// error from a closed master) is the shell's normal exit signal, not an
// error condition — callers distinguish it from IoError.
func (h *Handle) Read(buf []byte) (int, error) {
	return h.master.Read(buf)
}

// Write writes to the PTY master. The caller is expected to hold whatever
// higher-level write discipline is required (the Session's write mutex);
// Write itself also serializes against concurrent callers and may split
// large writes across multiple underlying writes.
func (h *Handle) Write(buf []byte) (int, error) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	total := 0
	for total < len(buf) {
		n, err := h.master.Write(buf[total:])
		total += n
		if err != nil {
			return total, trace.Wrap(err)
		}
	}
	return total, nil
}

// Resize sets the PTY window size, validating 1 <= cols,rows <= 500.
func (h *Handle) Resize(size term.Winsize) error {
	if size.Width < 1 || size.Width > 500 || size.Height < 1 || size.Height > 500 {
		return &SpawnError{Code: types.ErrPtyResizeInvalid, Message: "cols and rows must be within [1, 500]"}
	}

	h.resizeMu.Lock()
	defer h.resizeMu.Unlock()

	if err := pty.Setsize(h.master, &pty.Winsize{Cols: size.Width, Rows: size.Height}); err != nil {
		return trace.Wrap(err)
	}
	h.cols, h.rows = size.Width, size.Height
	return nil
}

// Size returns the current window size.
func (h *Handle) Size() (cols, rows uint16) {
	h.resizeMu.Lock()
	defer h.resizeMu.Unlock()
	return h.cols, h.rows
}

// Signal delivers kind to the shell process, rate-limited to at most one
// signal per minSignalGap.
func (h *Handle) Signal(kind types.SignalKind) error {
	now := time.Now().UnixNano()
	last := h.lastSignal.Load()
	if now-last < int64(minSignalGap) {
		return trace.LimitExceeded("signal rate exceeded, retry later")
	}
	if !h.lastSignal.CompareAndSwap(last, now) {
		return trace.LimitExceeded("signal rate exceeded, retry later")
	}

	sig, err := signalFor(kind)
	if err != nil {
		return err
	}
	if err := h.cmd.Process.Signal(sig); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

func signalFor(kind types.SignalKind) (os.Signal, error) {
	switch kind {
	case types.SignalInterrupt:
		return syscall.SIGINT, nil
	case types.SignalTerminate:
		return syscall.SIGTERM, nil
	case types.SignalKill:
		return syscall.SIGKILL, nil
	default:
		return nil, trace.BadParameter("unknown signal kind %q", kind)
	}
}

// killReapTimeout bounds how long Kill waits for the child to be reaped
// before leaving a detached background waiter.
const killReapTimeout = 2 * time.Second

// Kill is idempotent: it sends SIGKILL, closes the master fd, and waits up
// to killReapTimeout for the child to be reaped. If the child does not
// reap in time, a background goroutine continues waiting so the process is
// never left as a zombie.
func (h *Handle) Kill() error {
	h.killOnce.Do(func() {
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Signal(syscall.SIGKILL)
		}
		_ = h.master.Close()

		ctx, cancel := context.WithTimeout(context.Background(), killReapTimeout)
		defer cancel()

		select {
		case <-h.done:
		case <-ctx.Done():
			// Leave a detached waiter so the eventual exit is reaped and
			// doesn't linger as a zombie.
			go func() { <-h.done }()
		}
	})
	return nil
}

// Done returns a channel closed once the child process has exited and been
// reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode returns the shell's exit status. Only meaningful after Done is
// closed.
func (h *Handle) ExitCode() int {
	if h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}
