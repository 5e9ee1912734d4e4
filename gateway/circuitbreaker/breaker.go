// Copyright 2025 AegisGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package circuitbreaker implements a per-downstream breaker with the
// classic closed, open, half-open states. Security-critical downstreams
// fail closed while the breaker is open; degradable ones proceed with a
// warning.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrOpen is returned by Allow while the breaker refuses calls.
var ErrOpen = errors.New("circuitbreaker: open")

// Breaker guards one downstream dependency.
type Breaker struct {
	name             string
	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	openedAt     time.Time
	halfOpenBusy bool
}

// Config tunes a breaker. Zero values take the defaults: 5 consecutive
// failures to open, 30s cooldown before probing.
type Config struct {
	Name             string
	FailureThreshold int
	Cooldown         time.Duration
}

// New builds a breaker in the closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		name:             cfg.Name,
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		now:              time.Now,
	}
}

// Name identifies the guarded downstream.
func (b *Breaker) Name() string { return b.name }

// State reports the current state, applying the open→half-open
// transition when the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Allow reports whether a call may proceed. In half-open state exactly
// one probe call is admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	switch b.state {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if b.halfOpenBusy {
			return ErrOpen
		}
		b.halfOpenBusy = true
		return nil
	default:
		return nil
	}
}

// Success records a successful call. A half-open success closes the
// breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.halfOpenBusy = false
	b.state = StateClosed
}

// Failure records a failed call. Reaching the threshold, or failing the
// half-open probe, opens the breaker.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.failureThreshold {
		b.trip()
	}
}

// Do wraps a call with the breaker.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure()
		return err
	}
	b.Success()
	return nil
}

func (b *Breaker) trip() {
	b.state = StateOpen
	b.failures = 0
	b.halfOpenBusy = false
	b.openedAt = b.now()
}

// maybeHalfOpen transitions open→half-open after the cooldown. Caller
// holds the lock.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.halfOpenBusy = false
	}
}
