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

// Package authz maps a validated Identity to an allow/deny decision using
// the configured AccessPolicy. Intentionally stateless: a pure function of
// its input, plus an audit record of every decision.
package authz

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shellterm/shellterm/lib/auditlog"
	"github.com/shellterm/shellterm/lib/metrics"
	"github.com/shellterm/shellterm/lib/types"
	"github.com/shellterm/shellterm/lib/utils"
)

var authzDeniedCount = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "shellterm",
	Subsystem: "authz",
	Name:      "denied_total",
	Help:      "Number of identities denied by the access policy.",
})

func init() {
	_ = metrics.RegisterPrometheusCollectors(authzDeniedCount)
}

// Config configures an Authorizer.
type Config struct {
	Policy  types.AccessPolicy
	Emitter auditlog.Emitter
	Clock   clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Emitter == nil {
		c.Emitter = auditlog.DiscardEmitter{}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Authorizer evaluates identities against the configured AccessPolicy.
type Authorizer struct {
	cfg Config
}

// New constructs an Authorizer.
func New(cfg Config) (*Authorizer, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Authorizer{cfg: cfg}, nil
}

// Authorize applies the AccessPolicy to identity and records the decision
// in the audit log with an identity fingerprint and reason code.
func (a *Authorizer) Authorize(identity types.Identity) (types.Decision, error) {
	decision, reason := a.cfg.Policy.Evaluate(identity)

	if decision == types.Deny {
		authzDeniedCount.Inc()
	}

	event := auditlog.NewEvent(auditlog.EventAuthzDecision, decisionCode(decision), utils.Fields{
		"user":     identity.UserID,
		"provider": identity.Provider,
		"decision": decisionString(decision),
		"reason":   reason,
		"time":     a.cfg.Clock.Now(),
	})
	if err := a.cfg.Emitter.EmitAuditEvent(event); err != nil {
		return decision, fmt.Errorf("emitting audit event: %w", err)
	}

	if decision == types.Deny {
		return decision, &DeniedError{Identity: identity, Reason: reason}
	}
	return decision, nil
}

// IsAdmin reports whether identity belongs to an admin group per the
// configured policy, used by the Connection Handler to allow
// attach/terminate of sessions the caller does not own.
func (a *Authorizer) IsAdmin(identity types.Identity) bool {
	return a.cfg.Policy.IsAdmin(identity)
}

func decisionString(d types.Decision) string {
	if d == types.Allow {
		return "allow"
	}
	return "deny"
}

func decisionCode(d types.Decision) string {
	if d == types.Allow {
		return ""
	}
	return string(types.ErrAuthzDenied)
}

// DeniedError reports that an identity was denied by the access policy.
type DeniedError struct {
	Identity types.Identity
	Reason   string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access denied for %q: %s", e.Identity.UserID, e.Reason)
}

// Code implements the interface the Connection Handler uses to map
// component errors to stable wire error codes.
func (e *DeniedError) Code() types.ErrorCode {
	return types.ErrAuthzDenied
}
