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

package restapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"
	"github.com/moby/term"
	"github.com/stretchr/testify/require"

	"github.com/shellterm/shellterm/lib/authz"
	"github.com/shellterm/shellterm/lib/registry"
	"github.com/shellterm/shellterm/lib/session"
	"github.com/shellterm/shellterm/lib/tokenverify"
	"github.com/shellterm/shellterm/lib/types"
)

type fakeKeyCache struct {
	provider string
	keyID    string
	pub      *rsa.PublicKey
}

func (f *fakeKeyCache) Get(_ context.Context, provider, keyID string) (types.SigningKey, error) {
	if provider != f.provider || keyID != f.keyID {
		return types.SigningKey{}, errNotFound
	}
	return types.SigningKey{ID: keyID, Algorithm: types.AlgorithmRS256, Public: f.pub, Provider: provider}, nil
}

var errNotFound = errors.New("unknown key")

// fakePTY blocks forever on Read until closed, so a created Session's
// output pump doesn't spin hot while idle in these tests.
type fakePTY struct {
	closed chan struct{}
	once   sync.Once
}

func newFakePTY() *fakePTY { return &fakePTY{closed: make(chan struct{})} }

func (f *fakePTY) Read(p []byte) (int, error) {
	<-f.closed
	return 0, io.EOF
}

func (f *fakePTY) Write(p []byte) (int, error)   { return len(p), nil }
func (f *fakePTY) Resize(term.Winsize) error     { return nil }
func (f *fakePTY) Signal(types.SignalKind) error { return nil }

func (f *fakePTY) Kill() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakePTY) Done() <-chan struct{} { return f.closed }
func (f *fakePTY) ExitCode() int         { return 0 }

func issueToken(t *testing.T, priv *rsa.PrivateKey, sub string, now time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": "https://issuer.example.com",
		"aud": "shellterm",
		"sub": sub,
		"exp": now.Add(time.Hour).Unix(),
		"iat": now.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "kid-1"
	signed, err := tok.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func newTestHandler(t *testing.T, priv *rsa.PrivateKey, clock clockwork.Clock) (http.Handler, *registry.Registry) {
	t.Helper()

	verifier, err := tokenverify.New(tokenverify.Config{
		Providers: map[string]types.Provider{
			"idp": {Name: "idp", Issuer: "https://issuer.example.com", Audience: "shellterm", Algorithms: []types.Algorithm{types.AlgorithmRS256}, ClockSkew: time.Minute},
		},
		Keys:  &fakeKeyCache{provider: "idp", keyID: "kid-1", pub: &priv.PublicKey},
		Clock: clock,
	})
	require.NoError(t, err)

	authorizer, err := authz.New(authz.Config{
		Policy: types.AccessPolicy{AllowUsers: []string{"u:alice", "u:bob"}},
		Clock:  clock,
	})
	require.NoError(t, err)

	reg, err := registry.New(registry.Config{
		Spawn: func(owner string, cols, rows uint16, shell string) (session.PTY, error) {
			return newFakePTY(), nil
		},
		Clock: clock,
	})
	require.NoError(t, err)

	handler, err := NewHandler(Deps{Verifier: verifier, Authorizer: authorizer, Registry: reg, Clock: clock})
	require.NoError(t, err)
	return handler, reg
}

func TestHealthRequiresNoAuth(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	handler, _ := newTestHandler(t, priv, clockwork.NewFakeClock())

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionsRequireBearerToken(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	handler, _ := newTestHandler(t, priv, clockwork.NewFakeClock())

	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateListGetTerminateSession(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	handler, _ := newTestHandler(t, priv, clock)

	srv := httptest.NewServer(handler)
	defer srv.Close()

	token := issueToken(t, priv, "u:alice", clock.Now())
	authHeader := "Bearer " + token

	createReq, err := http.NewRequest(http.MethodPost, srv.URL+"/sessions", bytes.NewReader([]byte(`{"cols":80,"rows":24}`)))
	require.NoError(t, err)
	createReq.Header.Set("Authorization", authHeader)
	createResp, err := http.DefaultClient.Do(createReq)
	require.NoError(t, err)
	defer createResp.Body.Close()
	require.Equal(t, http.StatusOK, createResp.StatusCode)

	var created sessionBody
	require.NoError(t, json.NewDecoder(createResp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)
	require.Equal(t, "u:alice", created.Owner)

	listReq, err := http.NewRequest(http.MethodGet, srv.URL+"/sessions", nil)
	require.NoError(t, err)
	listReq.Header.Set("Authorization", authHeader)
	listResp, err := http.DefaultClient.Do(listReq)
	require.NoError(t, err)
	defer listResp.Body.Close()
	var sessions []sessionBody
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)

	getReq, err := http.NewRequest(http.MethodGet, srv.URL+"/sessions/"+created.ID, nil)
	require.NoError(t, err)
	getReq.Header.Set("Authorization", authHeader)
	getResp, err := http.DefaultClient.Do(getReq)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	bobToken := issueToken(t, priv, "u:bob", clock.Now())
	forbiddenReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/"+created.ID, nil)
	require.NoError(t, err)
	forbiddenReq.Header.Set("Authorization", "Bearer "+bobToken)
	forbiddenResp, err := http.DefaultClient.Do(forbiddenReq)
	require.NoError(t, err)
	defer forbiddenResp.Body.Close()
	require.Equal(t, http.StatusForbidden, forbiddenResp.StatusCode)

	deleteReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/"+created.ID, nil)
	require.NoError(t, err)
	deleteReq.Header.Set("Authorization", authHeader)
	deleteResp, err := http.DefaultClient.Do(deleteReq)
	require.NoError(t, err)
	defer deleteResp.Body.Close()
	require.Equal(t, http.StatusOK, deleteResp.StatusCode)
}

func TestGetUnknownSessionReturnsNotFound(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	handler, _ := newTestHandler(t, priv, clock)

	srv := httptest.NewServer(handler)
	defer srv.Close()

	token := issueToken(t, priv, "u:alice", clock.Now())
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/sessions/does-not-exist", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
