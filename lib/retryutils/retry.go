/*
Copyright 2021 Gravitational, Inc.

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

// Package retryutils implements a linear backoff with jitter, used by
// background tasks (the key set refresh loop) that need to retry
// after a transient failure without a thundering herd on the next attempt.
package retryutils

import (
	"math/rand"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Jitter perturbs a duration, used to avoid synchronized retries across
// many instances of a background task.
type Jitter func(time.Duration) time.Duration

// NewHalfJitter returns a Jitter that returns a value in [d/2, d].
func NewHalfJitter() Jitter {
	return func(d time.Duration) time.Duration {
		if d <= 0 {
			return 0
		}
		half := d / 2
		return half + time.Duration(rand.Int63n(int64(half)+1))
	}
}

// NewFullJitter returns a Jitter that returns a value in [0, d).
func NewFullJitter() Jitter {
	return func(d time.Duration) time.Duration {
		if d <= 0 {
			return 0
		}
		return time.Duration(rand.Int63n(int64(d)))
	}
}

// LinearConfig configures a Linear retry.
type LinearConfig struct {
	// Clock is used to control the passage of time, overridable in tests.
	Clock clockwork.Clock
	// First is the delay before the first retry. Defaults to Step.
	First time.Duration
	// Step is how much the delay grows with each attempt.
	Step time.Duration
	// Max is the ceiling the delay will not grow past.
	Max time.Duration
	// Jitter perturbs the computed delay, if set.
	Jitter Jitter
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *LinearConfig) CheckAndSetDefaults() error {
	if c.Step <= 0 {
		return trace.BadParameter("Step must be positive")
	}
	if c.Max <= 0 {
		return trace.BadParameter("Max must be positive")
	}
	if c.First <= 0 {
		c.First = c.Step
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Linear is a retry strategy whose delay grows by a fixed step on each
// attempt, capped at Max, optionally perturbed by a Jitter.
type Linear struct {
	LinearConfig
	attempt int
}

// NewLinear returns a new Linear retry from config.
func NewLinear(cfg LinearConfig) (*Linear, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Linear{LinearConfig: cfg}, nil
}

// Duration returns the delay for the current attempt without advancing it.
func (r *Linear) Duration() time.Duration {
	d := r.First + time.Duration(r.attempt)*r.Step
	if d > r.Max {
		d = r.Max
	}
	if r.Jitter != nil {
		d = r.Jitter(d)
	}
	return d
}

// Inc advances the retry to its next, larger delay.
func (r *Linear) Inc() {
	r.attempt++
}

// Reset returns the retry to its initial delay.
func (r *Linear) Reset() {
	r.attempt = 0
}

// After returns a channel that fires after the current delay, per the
// injected clock (so tests can advance a clockwork.FakeClock instead of
// sleeping).
func (r *Linear) After() <-chan time.Time {
	return r.Clock.After(r.Duration())
}
