// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package daemons

import (
	"sync"
	"time"

	"github.com/arkrelay/gatewaygo/utils/timer/mockable"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	default:
		return "half_open"
	}
}

// Breaker trips after [FailureThreshold] consecutive retryable failures
// and stays open for [ResetTimeout]. The first call after the timeout
// probes the daemon; its outcome closes or re-opens the breaker.
type Breaker struct {
	FailureThreshold int
	ResetTimeout     time.Duration

	clock *mockable.Clock

	lock     sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

func NewBreaker(failureThreshold int, resetTimeout time.Duration, clock *mockable.Clock) *Breaker {
	return &Breaker{
		FailureThreshold: failureThreshold,
		ResetTimeout:     resetTimeout,
		clock:            clock,
	}
}

// Allow reports whether a call may proceed. A half-open breaker admits
// exactly one probe until its outcome is recorded.
func (b *Breaker) Allow() error {
	b.lock.Lock()
	defer b.lock.Unlock()

	switch b.state {
	case breakerClosed:
		return nil
	case breakerOpen:
		if b.clock.Time().Sub(b.openedAt) < b.ResetTimeout {
			return ErrBreakerOpen
		}
		b.state = breakerHalfOpen
		return nil
	default:
		// A probe is already in flight.
		return ErrBreakerOpen
	}
}

// Success records a completed call and closes the breaker.
func (b *Breaker) Success() {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.state = breakerClosed
	b.failures = 0
}

// Failure records a retryable failure. Closed breakers trip on the
// threshold; a failed half-open probe re-opens immediately.
func (b *Breaker) Failure() {
	b.lock.Lock()
	defer b.lock.Unlock()

	switch b.state {
	case breakerHalfOpen:
		b.trip()
	case breakerClosed:
		b.failures++
		if b.failures >= b.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = breakerOpen
	b.failures = 0
	b.openedAt = b.clock.Time()
}

// State returns the breaker state name, for health reporting.
func (b *Breaker) State() string {
	b.lock.Lock()
	defer b.lock.Unlock()

	return b.state.String()
}
