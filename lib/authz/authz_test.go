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

package authz

import (
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/shellterm/shellterm/lib/auditlog"
	"github.com/shellterm/shellterm/lib/types"
)

func TestAuthorizeAllowByGroup(t *testing.T) {
	recorder := auditlog.NewRecorder()
	a, err := New(Config{
		Policy: types.AccessPolicy{AllowGroups: []string{"g:team"}},
		Emitter: recorder,
		Clock:  clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	decision, err := a.Authorize(types.Identity{UserID: "u:alice", Groups: []string{"g:team"}})
	require.NoError(t, err)
	require.Equal(t, types.Allow, decision)
	require.Len(t, recorder.ByType(auditlog.EventAuthzDecision), 1)
}

func TestAuthorizeDenyTakesPrecedence(t *testing.T) {
	a, err := New(Config{
		Policy: types.AccessPolicy{
			AllowGroups: []string{"g:team"},
			DenyUsers:   []string{"u:alice"},
		},
	})
	require.NoError(t, err)

	_, err = a.Authorize(types.Identity{UserID: "u:alice", Groups: []string{"g:team"}})
	require.Error(t, err)
	var denied *DeniedError
	require.ErrorAs(t, err, &denied)
}

func TestAuthorizeEmptyPolicyDeniesAll(t *testing.T) {
	a, err := New(Config{})
	require.NoError(t, err)

	decision, err := a.Authorize(types.Identity{UserID: "u:anyone"})
	require.Error(t, err)
	require.Equal(t, types.Deny, decision)
}

func TestIsAdmin(t *testing.T) {
	a, err := New(Config{Policy: types.AccessPolicy{AdminGroups: []string{"g:admins"}}})
	require.NoError(t, err)

	require.True(t, a.IsAdmin(types.Identity{Groups: []string{"g:admins"}}))
	require.False(t, a.IsAdmin(types.Identity{Groups: []string{"g:team"}}))
}
