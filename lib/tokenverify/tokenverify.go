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

// Package tokenverify validates bearer-token signatures against the Key
// Cache, checks standard time/issuer/audience claims, and extracts the
// caller's Identity.
package tokenverify

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/jonboulle/clockwork"

	"github.com/gravitational/trace"

	"github.com/shellterm/shellterm/lib/keycache"
	"github.com/shellterm/shellterm/lib/types"
)

// KeyCache is the subset of *keycache.Cache the verifier depends on.
type KeyCache interface {
	Get(ctx context.Context, provider, keyID string) (types.SigningKey, error)
}

var _ KeyCache = (*keycache.Cache)(nil)

// Config configures a Verifier.
type Config struct {
	// Providers is keyed by Provider.Name.
	Providers map[string]types.Provider
	// Keys resolves signing keys, normally a *keycache.Cache.
	Keys KeyCache
	// Clock is used for all time-claim validation.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.Providers) == 0 {
		return trace.BadParameter("at least one provider is required")
	}
	if c.Keys == nil {
		return trace.BadParameter("Keys is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Verifier validates bearer tokens against a set of configured providers.
type Verifier struct {
	cfg Config
}

// New constructs a Verifier.
func New(cfg Config) (*Verifier, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Verifier{cfg: cfg}, nil
}

// VerifyError wraps a verification failure with a stable ErrorCode safe to
// send to the client, as distinguished in spec §4.B.
type VerifyError struct {
	Code    types.ErrorCode
	Message string
	cause   error
}

func (e *VerifyError) Error() string {
	return e.Message
}

func (e *VerifyError) Unwrap() error {
	return e.cause
}

func newVerifyError(code types.ErrorCode, cause error, format string, args ...interface{}) error {
	return trace.Wrap(&VerifyError{Code: code, Message: trace.Errorf(format, args...).Error(), cause: cause})
}

// Verify implements the seven-step algorithm of spec §4.B: parse header,
// select provider from the unverified issuer claim, fetch the key, verify
// the signature, validate time claims, validate issuer/audience, and
// extract the Identity.
func (v *Verifier) Verify(ctx context.Context, rawToken string) (types.Identity, error) {
	rawToken = strings.TrimPrefix(rawToken, "Bearer ")
	rawToken = strings.TrimSpace(rawToken)

	// Step 1: parse header only, reject symmetric or unrecognized algorithms
	// up front, before any key-id lookup.
	unverifiedParser := jwt.NewParser(jwt.WithoutClaimsValidation())
	unverifiedToken, _, err := unverifiedParser.ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return types.Identity{}, newVerifyError(types.ErrAuthInvalidToken, err, "malformed token")
	}
	algHeader, _ := unverifiedToken.Header["alg"].(string)
	if isSymmetricAlgorithm(algHeader) {
		return types.Identity{}, newVerifyError(types.ErrAuthAlgorithmNotAllowed, nil, "symmetric algorithms are not accepted")
	}
	keyID, _ := unverifiedToken.Header["kid"].(string)
	if keyID == "" {
		return types.Identity{}, newVerifyError(types.ErrAuthInvalidToken, nil, "token is missing a key id")
	}

	// Step 2: tentatively extract issuer to select a provider.
	claims, _ := unverifiedToken.Claims.(jwt.MapClaims)
	issuer, _ := claims["iss"].(string)
	provider, ok := v.providerForIssuer(issuer)
	if !ok {
		return types.Identity{}, newVerifyError(types.ErrAuthUnknownIssuer, nil, "no provider configured for issuer %q", issuer)
	}
	if !provider.AllowsAlgorithm(types.Algorithm(algHeader)) {
		return types.Identity{}, newVerifyError(types.ErrAuthAlgorithmNotAllowed, nil, "algorithm %q is not allowed for provider %q", algHeader, provider.Name)
	}

	// Step 3: fetch the key from the Key Cache.
	signingKey, err := v.cfg.Keys.Get(ctx, provider.Name, keyID)
	if err != nil {
		if trace.IsConnectionProblem(err) {
			return types.Identity{}, newVerifyError(types.ErrAuthProviderUnhealthy, err, "provider %q is unhealthy", provider.Name)
		}
		return types.Identity{}, newVerifyError(types.ErrAuthUnknownKey, err, "unknown key %q for provider %q", keyID, provider.Name)
	}

	// Step 4: verify the signature, requiring an exact alg match.
	parsed, err := jwt.Parse(rawToken, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != algHeader {
			return nil, trace.BadParameter("algorithm mismatch")
		}
		return signingKey.Public, nil
	}, jwt.WithValidMethods([]string{algHeader}), jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return types.Identity{}, newVerifyError(types.ErrAuthInvalidToken, err, "signature verification failed")
	}

	verifiedClaims, _ := parsed.Claims.(jwt.MapClaims)

	// Step 5: validate time claims with clock skew tolerance.
	if err := v.validateTimeClaims(verifiedClaims, provider); err != nil {
		return types.Identity{}, err
	}

	// Step 6: validate issuer and audience exactly.
	if vIssuer, _ := verifiedClaims["iss"].(string); vIssuer != provider.Issuer {
		return types.Identity{}, newVerifyError(types.ErrAuthUnknownIssuer, nil, "issuer mismatch")
	}
	if !audienceContains(verifiedClaims["aud"], provider.Audience) {
		return types.Identity{}, newVerifyError(types.ErrAuthInvalidToken, nil, "audience mismatch")
	}

	// Step 7: extract identity.
	return v.extractIdentity(verifiedClaims, provider)
}

func (v *Verifier) providerForIssuer(issuer string) (types.Provider, bool) {
	for _, p := range v.cfg.Providers {
		if p.Issuer == issuer {
			return p, true
		}
	}
	return types.Provider{}, false
}

func isSymmetricAlgorithm(alg string) bool {
	return strings.HasPrefix(alg, "HS")
}

func (v *Verifier) validateTimeClaims(claims jwt.MapClaims, p types.Provider) error {
	now := v.cfg.Clock.Now()
	skew := p.ClockSkew

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return newVerifyError(types.ErrAuthInvalidToken, err, "missing required claim: exp")
	}
	if !now.Before(exp.Time.Add(skew)) {
		return newVerifyError(types.ErrAuthExpired, nil, "token is expired")
	}

	if nbf, _ := claims.GetNotBefore(); nbf != nil {
		if now.Add(skew).Before(nbf.Time) {
			return newVerifyError(types.ErrAuthInvalidToken, nil, "token is not yet valid")
		}
	}

	if iat, _ := claims.GetIssuedAt(); iat != nil {
		if now.Add(skew).Before(iat.Time) {
			return newVerifyError(types.ErrAuthInvalidToken, nil, "token issued in the future")
		}
	}

	return nil
}

func audienceContains(aud interface{}, expect string) bool {
	switch v := aud.(type) {
	case string:
		return v == expect
	case []interface{}:
		for _, a := range v {
			if s, ok := a.(string); ok && s == expect {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == expect {
				return true
			}
		}
	}
	return false
}

// groupClaimNames is the ordered set of claims unioned to build Identity.Groups:
// a generic "groups" claim plus common provider-specific entity/ownership
// reference array names, each optional.
var groupClaimNames = []string{"groups", "entities", "owned_groups"}

func (v *Verifier) extractIdentity(claims jwt.MapClaims, p types.Provider) (types.Identity, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return types.Identity{}, newVerifyError(types.ErrAuthInvalidToken, nil, "missing required claim: sub")
	}
	email, _ := claims["email"].(string)

	seen := make(map[string]bool)
	var groups []string
	for _, name := range groupClaimNames {
		for _, g := range stringsFromClaim(claims[name]) {
			if !seen[g] {
				seen[g] = true
				groups = append(groups, g)
			}
		}
	}

	raw := make(map[string]interface{}, len(claims))
	for k, val := range claims {
		raw[k] = val
	}

	return types.Identity{
		UserID:   sub,
		Email:    email,
		Groups:   groups,
		Provider: p.Name,
		Claims:   raw,
	}, nil
}

func stringsFromClaim(v interface{}) []string {
	switch val := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, e := range val {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return val
	default:
		return nil
	}
}
