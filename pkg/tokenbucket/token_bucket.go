// Copyright (c) 2019 PKU Systems Group or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package tokenbucket

import (
	"sync"
	"time"
)

// TokenBucket implements the basic token bucket rate limiting algorithm.
// It is safe for use by multiple threads at once.
type TokenBucket struct {
	lock     sync.Mutex
	rate     float32
	capacity float32
	current  float32
	last     time.Time
}

// New returns a new token bucket that fills at the given rate
// (tokens per second) and has the given capacity (tokens).
func New(rate float32, capacity float32) *TokenBucket {
	return &TokenBucket{
		rate:     rate,
		capacity: capacity,
		current:  capacity,
		last:     time.Now(),
	}
}

// Take consumes n tokens from the bucket and sleeps until those tokens are replenished.
func (tb *TokenBucket) Take(n float32) {
	time.Sleep(tb.TakeAndUpdate(n, time.Now()))
}

// TryTake consumes n tokens if they are available right now and returns true,
// or leaves the bucket unchanged and returns false. Request admission uses
// this form: an over-rate request is rejected, never delayed.
func (tb *TokenBucket) TryTake(n float32) bool {
	now := time.Now()
	tb.lock.Lock()
	defer tb.lock.Unlock()
	tb.refill(now)
	if tb.current < n {
		return false
	}
	tb.current -= n
	return true
}

// TakeAndUpdate updates the state of the bucket to a new time, consumes n tokens, leaving
// a negative balance if necessary, and returns how long the caller should sleep until
// there's a non-negative balance again (may be negative if there was enough capacity).
func (tb *TokenBucket) TakeAndUpdate(n float32, now time.Time) (sleepTime time.Duration) {
	tb.lock.Lock()
	tb.refill(now)
	tb.current -= n
	sleepTime = time.Duration(-tb.current / tb.rate * float32(time.Second))
	tb.lock.Unlock()
	return
}

// refill adds capacity based on elapsed time, capped at capacity.
// Caller must hold tb.lock.
func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.last)
	tb.last = now
	tb.current += tb.rate * float32(elapsed.Seconds())
	if tb.current > tb.capacity {
		tb.current = tb.capacity
	}
}
