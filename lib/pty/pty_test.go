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

package pty

import (
	"bufio"
	"strings"
	"testing"
	"time"

	"github.com/moby/term"
	"github.com/stretchr/testify/require"

	"github.com/shellterm/shellterm/lib/types"
)

func TestSpawnRejectsUnlistedShell(t *testing.T) {
	_, err := Spawn(SpawnConfig{
		ShellPath:      "/bin/sh",
		ShellAllowlist: []string{"/bin/bash"},
		WorkspaceRoot:  t.TempDir(),
	})
	require.Error(t, err)
	var serr *SpawnError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, types.ErrPtySpawnFailed, serr.Code)
}

func TestSpawnRejectsCwdEscape(t *testing.T) {
	root := t.TempDir()
	_, err := Spawn(SpawnConfig{
		ShellPath:      "/bin/sh",
		ShellAllowlist: []string{"/bin/sh"},
		WorkspaceRoot:  root,
		Cwd:            root + "/../etc",
	})
	require.Error(t, err)
	var serr *SpawnError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, types.ErrPathEscapeAttempt, serr.Code)
}

func TestSpawnRejectsBlockedEnvVar(t *testing.T) {
	_, err := Spawn(SpawnConfig{
		ShellPath:      "/bin/sh",
		ShellAllowlist: []string{"/bin/sh"},
		WorkspaceRoot:  t.TempDir(),
		Env:            []string{"LD_PRELOAD=/tmp/evil.so"},
	})
	require.Error(t, err)
}

func TestSpawnAndReadOutput(t *testing.T) {
	root := t.TempDir()
	h, err := Spawn(SpawnConfig{
		ShellPath:      "/bin/sh",
		Args:           []string{"-c", "echo hi"},
		ShellAllowlist: []string{"/bin/sh"},
		WorkspaceRoot:  root,
		Cols:           80,
		Rows:           24,
	})
	require.NoError(t, err)
	defer h.Kill()

	scanner := bufio.NewScanner(h)
	found := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && scanner.Scan() {
		if strings.Contains(scanner.Text(), "hi") {
			found = true
			break
		}
	}
	require.True(t, found, "expected shell output to contain 'hi'")

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell did not exit")
	}
}

func TestResizeValidatesBounds(t *testing.T) {
	root := t.TempDir()
	h, err := Spawn(SpawnConfig{
		ShellPath:      "/bin/sh",
		ShellAllowlist: []string{"/bin/sh"},
		WorkspaceRoot:  root,
		Cols:           80,
		Rows:           24,
	})
	require.NoError(t, err)
	defer h.Kill()

	require.Error(t, h.Resize(term.Winsize{Width: 0, Height: 24}))
	require.NoError(t, h.Resize(term.Winsize{Width: 1, Height: 1}))
	require.NoError(t, h.Resize(term.Winsize{Width: 500, Height: 500}))
	require.Error(t, h.Resize(term.Winsize{Width: 501, Height: 24}))
}

func TestKillIsIdempotent(t *testing.T) {
	root := t.TempDir()
	h, err := Spawn(SpawnConfig{
		ShellPath:      "/bin/sh",
		Args:           []string{"-c", "sleep 30"},
		ShellAllowlist: []string{"/bin/sh"},
		WorkspaceRoot:  root,
	})
	require.NoError(t, err)

	require.NoError(t, h.Kill())
	require.NoError(t, h.Kill())

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process was not reaped after Kill")
	}
}
