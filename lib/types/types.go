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

// Package types holds the plain data structures shared across the server:
// signing keys, identities, access policy, and session identifiers. Kept as
// a uniform set of structs with no polymorphism, mirroring the way the
// teacher models its resources: behavior differs by configuration, not by
// type hierarchy.
package types

import (
	"crypto"
	"crypto/rand"
	"encoding/base64"
	"time"
)

// Algorithm identifies an asymmetric signing algorithm a Provider may use.
type Algorithm string

const (
	AlgorithmRS256 Algorithm = "RS256"
	AlgorithmRS384 Algorithm = "RS384"
	AlgorithmRS512 Algorithm = "RS512"
	AlgorithmES256 Algorithm = "ES256"
	AlgorithmES384 Algorithm = "ES384"
	AlgorithmES512 Algorithm = "ES512"
)

// SigningKey is an immutable, cached public signing key belonging to one
// Provider. Once cached it is never mutated; a refresh replaces the whole
// cached set rather than editing an entry in place.
type SigningKey struct {
	// ID is the provider-assigned key id ("kid").
	ID string
	// Algorithm is the algorithm this key is used with.
	Algorithm Algorithm
	// Public is the parsed public key material.
	Public crypto.PublicKey
	// Provider is the name of the owning Provider.
	Provider string
	// FetchedAt is when this key was pulled from the provider's key set.
	FetchedAt time.Time
	// ExpiresAt is when this key should no longer be trusted absent a
	// successful refresh.
	ExpiresAt time.Time
}

// Provider describes one external identity provider's key-set endpoint and
// the claims a token from it must satisfy. Read-only after startup.
type Provider struct {
	// Name is the provider's configured name, used to route tokens to it.
	Name string
	// KeySetURL is the HTTPS endpoint serving the provider's JSON Web Key Set.
	KeySetURL string
	// Issuer is the expected `iss` claim.
	Issuer string
	// Audience is the expected `aud` claim (token's audience list must
	// contain this value).
	Audience string
	// Algorithms is the set of algorithms this provider is allowed to sign
	// with; tokens using any other algorithm are rejected before a key
	// lookup is even attempted.
	Algorithms []Algorithm
	// CacheTTL is how long a fetched key set is considered fresh absent an
	// explicit refresh.
	CacheTTL time.Duration
	// RefreshInterval is how often the background refresh task re-fetches
	// the key set.
	RefreshInterval time.Duration
	// Timeout bounds each HTTP fetch of the key set.
	Timeout time.Duration
	// ClockSkew is the allowed leeway applied to exp/nbf/iat checks.
	ClockSkew time.Duration
}

// AllowsAlgorithm reports whether alg is in the provider's allowed set.
func (p Provider) AllowsAlgorithm(alg Algorithm) bool {
	for _, a := range p.Algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// Identity is the authenticated caller extracted from a validated bearer
// token.
type Identity struct {
	// UserID is the subject ("sub") claim.
	UserID string
	// Email is the optional "email" claim.
	Email string
	// Groups is the set of group identifiers the identity belongs to, drawn
	// from the `groups` claim plus any provider-specific entity/ownership
	// reference arrays.
	Groups []string
	// Provider is the name of the Provider that issued and verified this
	// identity's token.
	Provider string
	// Claims carries the raw claim bag through to the audit log, opaque to
	// every other component.
	Claims map[string]interface{}
}

// HasGroup reports whether the identity belongs to the named group.
func (id Identity) HasGroup(group string) bool {
	for _, g := range id.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// AccessPolicy is an allow/deny list pair evaluated against an Identity.
// Deny always takes precedence over allow.
type AccessPolicy struct {
	AllowUsers  []string
	AllowGroups []string
	DenyUsers   []string
	DenyGroups  []string
	// AdminGroups identifies groups whose members may attach to or
	// terminate sessions they do not own.
	AdminGroups []string
}

func containsString(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

func intersects(list []string, values []string) bool {
	for _, v := range values {
		if containsString(list, v) {
			return true
		}
	}
	return false
}

// Decision is the result of evaluating an AccessPolicy against an Identity.
type Decision int

const (
	Deny Decision = iota
	Allow
)

// Evaluate applies the AccessPolicy rules to identity, per the precedence:
// an empty allow-users and allow-groups means deny-all; deny always wins.
func (p AccessPolicy) Evaluate(id Identity) (Decision, string) {
	if containsString(p.DenyUsers, id.UserID) {
		return Deny, "user explicitly denied"
	}
	if intersects(p.DenyGroups, id.Groups) {
		return Deny, "group explicitly denied"
	}
	allowed := containsString(p.AllowUsers, id.UserID) || intersects(p.AllowGroups, id.Groups)
	if !allowed {
		return Deny, "not in any allow list"
	}
	return Allow, "matched allow list"
}

// IsAdmin reports whether the identity belongs to one of the configured
// admin groups.
func (p AccessPolicy) IsAdmin(id Identity) bool {
	return intersects(p.AdminGroups, id.Groups)
}

// SessionID is an opaque, URL-safe session identifier with 128 bits of
// entropy, unique across the process lifetime.
type SessionID string

// NewSessionID generates a fresh, cryptographically random SessionID.
func NewSessionID() (SessionID, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return SessionID(base64.RawURLEncoding.EncodeToString(buf[:])), nil
}

// SessionState is the lifecycle state of a Session.
type SessionState int

const (
	Running SessionState = iota
	Terminating
	Terminated
)

func (s SessionState) String() string {
	switch s {
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// SignalKind is one of the signal kinds a client may request be delivered
// to a session's shell process.
type SignalKind string

const (
	SignalInterrupt SignalKind = "interrupt"
	SignalTerminate SignalKind = "terminate"
	SignalKill      SignalKind = "kill"
)
