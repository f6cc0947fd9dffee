// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for deterministic tests.
//
// The sync engine's retry backoff, long-poll pacing, and the vault's
// session rotation deadlines all depend on wall-clock time. Code
// that would otherwise call the time package directly takes a Clock
// instead; production wiring passes Real(), tests pass Fake() and
// drive time explicitly with Advance.
package clock

import "time"

// Clock is the subset of the time package the engine uses.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc waits for d, then calls f. The returned Timer can
	// cancel the pending call with Stop; its C field is nil, matching
	// time.AfterFunc.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker delivering ticks on C every d.
	// Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. The channel has capacity 1;
// if the consumer falls behind, ticks are dropped rather than
// queued, matching time.Ticker.
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the interval and restarts the tick cycle.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a scheduled one-shot event. Timers created by AfterFunc
// have a nil C.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop prevents the timer from firing. Reports whether the call
// stopped it (false if it already fired or was stopped).
func (t *Timer) Stop() bool { return t.stop() }

// Reset changes the timer to fire after d. Reports whether the timer
// was active before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }
