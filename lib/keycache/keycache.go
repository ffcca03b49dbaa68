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

// Package keycache fetches and caches signing public keys published by one
// or more external identity providers, refreshing each provider's key set
// on a background schedule and serving single-flight-deduplicated lookups
// to the token verifier.
package keycache

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
	"gopkg.in/square/go-jose.v2"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/shellterm/shellterm/lib/retryutils"
	"github.com/shellterm/shellterm/lib/types"
)

// Config configures a Cache.
type Config struct {
	// Providers is the set of identity providers to fetch and cache keys
	// for, keyed by Provider.Name.
	Providers []types.Provider
	// Clock is used to control the passage of time for refresh scheduling.
	Clock clockwork.Clock
	// HTTPClient performs the key-set fetch. A provider-specific timeout is
	// still applied per request via context.
	HTTPClient *http.Client
	// Logger receives background refresh failures.
	Logger logrus.FieldLogger
	// entriesPerProvider bounds the LRU size for each provider's key cache.
	// 0 selects a sensible default.
	entriesPerProvider int
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Providers) == 0 {
		return trace.BadParameter("at least one provider is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	if c.entriesPerProvider == 0 {
		c.entriesPerProvider = 64
	}
	return nil
}

// providerState is the mutable cached state for a single Provider, swapped
// atomically on each successful refresh (copy-on-write: readers never block
// a refresh in progress).
type providerState struct {
	keys      *lru.Cache
	expiresAt time.Time
	healthy   bool
}

// Cache maintains a fresh local copy of each configured Provider's signing
// key set.
type Cache struct {
	cfg Config

	mu        sync.RWMutex
	providers map[string]types.Provider
	state     map[string]*providerState
	group     singleflight.Group

	cancel context.CancelFunc
}

// New constructs a Cache. Call Start to begin background refresh.
func New(cfg Config) (*Cache, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	c := &Cache{
		cfg:       cfg,
		providers: make(map[string]types.Provider, len(cfg.Providers)),
		state:     make(map[string]*providerState, len(cfg.Providers)),
	}
	for _, p := range cfg.Providers {
		c.providers[p.Name] = p
		cache, err := lru.New(cfg.entriesPerProvider)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		c.state[p.Name] = &providerState{keys: cache}
	}
	return c, nil
}

// Start launches the per-provider background refresh loop. It returns
// immediately; call Stop (or cancel ctx) to stop all loops.
func (c *Cache) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	for name := range c.providers {
		go c.refreshLoop(ctx, name)
	}
}

// Stop halts all background refresh loops.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Cache) refreshLoop(ctx context.Context, provider string) {
	p := c.providers[provider]
	ticker := c.cfg.Clock.NewTicker(p.RefreshInterval)
	defer ticker.Stop()

	retry, err := retryutils.NewLinear(retryutils.LinearConfig{
		Clock:  c.cfg.Clock,
		First:  time.Second,
		Step:   time.Second * 5,
		Max:    p.RefreshInterval,
		Jitter: retryutils.NewHalfJitter(),
	})
	if err != nil {
		c.cfg.Logger.WithError(err).Error("failed to construct refresh retry, background refresh disabled")
		return
	}

	// populate on startup so the first Get doesn't pay a synchronous fetch.
	failing := false
	if err := c.refresh(ctx, provider); err != nil {
		c.cfg.Logger.WithError(err).WithField("provider", provider).
			Warn("initial key set fetch failed, will retry")
		failing = true
		retry.Inc()
	} else {
		retry.Reset()
	}

	for {
		var wait <-chan time.Time
		if failing && retry.Duration() < p.RefreshInterval {
			wait = retry.After()
		} else {
			wait = ticker.Chan()
		}

		select {
		case <-ctx.Done():
			return
		case <-wait:
			if err := c.refresh(ctx, provider); err != nil {
				c.cfg.Logger.WithError(err).WithField("provider", provider).
					Warn("key set refresh failed, retaining previous set")
				c.markUnhealthyIfExpired(provider)
				failing = true
				retry.Inc()
			} else {
				failing = false
				retry.Reset()
			}
		}
	}
}

func (c *Cache) markUnhealthyIfExpired(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state[provider]
	if st != nil && c.cfg.Clock.Now().After(st.expiresAt) {
		st.healthy = false
	}
}

// refresh fetches and atomically swaps in the key set for one provider,
// deduplicating concurrent callers via single-flight.
func (c *Cache) refresh(ctx context.Context, provider string) error {
	_, err, _ := c.group.Do(provider, func() (interface{}, error) {
		p, ok := c.providers[provider]
		if !ok {
			return nil, trace.NotFound("unknown provider %q", provider)
		}

		fetchCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		keys, err := c.fetchKeySet(fetchCtx, p)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		cache, err := lru.New(c.cfg.entriesPerProvider)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, k := range keys {
			cache.Add(k.ID, k)
		}

		c.mu.Lock()
		c.state[provider] = &providerState{
			keys:      cache,
			expiresAt: c.cfg.Clock.Now().Add(p.CacheTTL),
			healthy:   true,
		}
		c.mu.Unlock()
		return nil, nil
	})
	return trace.Wrap(err)
}

func (c *Cache) fetchKeySet(ctx context.Context, p types.Provider) ([]types.SigningKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.KeySetURL, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, trace.Errorf("fetching key set for provider %q: unexpected status %d", p.Name, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(body, &jwks); err != nil {
		return nil, trace.Wrap(err)
	}

	now := c.cfg.Clock.Now()
	keys := make([]types.SigningKey, 0, len(jwks.Keys))
	for _, jwk := range jwks.Keys {
		alg, ok := algorithmFor(jwk)
		if !ok {
			c.cfg.Logger.WithField("kid", jwk.KeyID).WithField("provider", p.Name).
				Warn("skipping key with unsupported key type")
			continue
		}
		keys = append(keys, types.SigningKey{
			ID:        jwk.KeyID,
			Algorithm: alg,
			Public:    jwk.Key,
			Provider:  p.Name,
			FetchedAt: now,
			ExpiresAt: now.Add(p.CacheTTL),
		})
	}
	return keys, nil
}

// algorithmFor determines a JWK's signing algorithm: RSA keys take it from
// the JWK's "alg" member (and are rejected when it is absent), ECDSA keys
// from their curve size. Unknown key types are skipped rather than treated
// as fatal, so a provider's rotation stays forward-compatible with new key
// types.
func algorithmFor(jwk jose.JSONWebKey) (types.Algorithm, bool) {
	switch key := jwk.Key.(type) {
	case *rsa.PublicKey:
		// RSA key size alone can't distinguish RS256/RS384/RS512; the
		// JWK's own "alg" member is the only reliable source for that.
		return types.Algorithm(jwk.Algorithm), jwk.Algorithm != ""
	case *ecdsa.PublicKey:
		switch key.Curve.Params().BitSize {
		case 256:
			return types.AlgorithmES256, true
		case 384:
			return types.AlgorithmES384, true
		case 521:
			return types.AlgorithmES512, true
		default:
			return "", false
		}
	default:
		return "", false
	}
}

// Get returns the cached signing key for provider/keyID. If the provider has
// never been fetched, it performs a synchronous fetch (deduplicated via
// single-flight so concurrent callers share one fetch).
func (c *Cache) Get(ctx context.Context, provider, keyID string) (types.SigningKey, error) {
	if _, ok := c.providers[provider]; !ok {
		return types.SigningKey{}, trace.NotFound("unknown provider %q", provider)
	}

	c.mu.RLock()
	st := c.state[provider]
	c.mu.RUnlock()

	if st == nil || st.keys.Len() == 0 {
		if err := c.refresh(ctx, provider); err != nil {
			return types.SigningKey{}, trace.Wrap(err)
		}
		c.mu.RLock()
		st = c.state[provider]
		c.mu.RUnlock()
	}

	if st != nil && !st.healthy && c.cfg.Clock.Now().After(st.expiresAt) {
		return types.SigningKey{}, ErrProviderUnhealthy(provider)
	}

	v, ok := st.keys.Get(keyID)
	if !ok {
		return types.SigningKey{}, trace.NotFound("no key %q cached for provider %q", keyID, provider)
	}
	return v.(types.SigningKey), nil
}

// ErrProviderUnhealthy is returned by Get when a provider's key set has
// expired with no successful refresh.
func ErrProviderUnhealthy(provider string) error {
	return trace.ConnectionProblem(nil, "provider %q is unhealthy: %s", provider, providerUnhealthyMessage)
}

const providerUnhealthyMessage = "key set fetch has been failing past cache expiry"
