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

package keycache

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"

	"github.com/shellterm/shellterm/lib/types"
)

func testProvider(name, url string) types.Provider {
	return types.Provider{
		Name:            name,
		KeySetURL:       url,
		Issuer:          "https://issuer.example.com",
		Audience:        "shellterm",
		Algorithms:      []types.Algorithm{types.AlgorithmRS256},
		CacheTTL:        time.Hour,
		RefreshInterval: time.Minute,
		Timeout:         time.Second,
		ClockSkew:       time.Minute,
	}
}

func jwksServer(t *testing.T, keyID string) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwk := jose.JSONWebKey{Key: &priv.PublicKey, KeyID: keyID, Algorithm: "RS256", Use: "sig"}
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(set))
	}))
	return srv, priv
}

func TestCacheGetFetchesOnFirstUse(t *testing.T) {
	srv, priv := jwksServer(t, "kid-1")
	defer srv.Close()

	c, err := New(Config{
		Providers: []types.Provider{testProvider("idp", srv.URL)},
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	key, err := c.Get(context.Background(), "idp", "kid-1")
	require.NoError(t, err)
	require.Equal(t, "kid-1", key.ID)
	require.Equal(t, priv.PublicKey, *key.Public.(*rsa.PublicKey))
}

func TestCacheGetUnknownProvider(t *testing.T) {
	c, err := New(Config{
		Providers: []types.Provider{testProvider("idp", "https://example.com")},
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "other", "kid-1")
	require.Error(t, err)
}

func TestCacheGetUnknownKeyID(t *testing.T) {
	srv, _ := jwksServer(t, "kid-1")
	defer srv.Close()

	c, err := New(Config{
		Providers: []types.Provider{testProvider("idp", srv.URL)},
		Clock:     clockwork.NewFakeClock(),
	})
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "idp", "kid-does-not-exist")
	require.Error(t, err)
}

func TestCacheBackgroundRefreshReplacesKeys(t *testing.T) {
	keyID := "kid-1"
	srv, _ := jwksServer(t, keyID)
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	c, err := New(Config{
		Providers: []types.Provider{testProvider("idp", srv.URL)},
		Clock:     clock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	require.Eventually(t, func() bool {
		_, err := c.Get(context.Background(), "idp", keyID)
		return err == nil
	}, time.Second, time.Millisecond)
}

func TestAlgorithmForUsesJWKAlgMember(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	alg, ok := algorithmFor(jose.JSONWebKey{Key: &priv.PublicKey, Algorithm: "RS384"})
	require.True(t, ok)
	require.Equal(t, types.AlgorithmRS384, alg)
}

func TestAlgorithmForRejectsRSAKeyWithoutAlgMember(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, ok := algorithmFor(jose.JSONWebKey{Key: &priv.PublicKey})
	require.False(t, ok)
}
