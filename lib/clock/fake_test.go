// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	fake := Fake(epoch)
	if got := fake.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	fake.Advance(5 * time.Second)
	if got, want := fake.Now(), epoch.Add(5*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFakeClockAfter(t *testing.T) {
	t.Run("fires on advance", func(t *testing.T) {
		fake := Fake(epoch)
		ch := fake.After(3 * time.Second)

		select {
		case <-ch:
			t.Fatal("After fired before Advance")
		default:
		}

		fake.Advance(3 * time.Second)
		select {
		case <-ch:
		default:
			t.Fatal("After did not fire after Advance")
		}
	})

	t.Run("partial advance does not fire", func(t *testing.T) {
		fake := Fake(epoch)
		ch := fake.After(5 * time.Second)

		fake.Advance(3 * time.Second)
		select {
		case <-ch:
			t.Fatal("After fired before deadline")
		default:
		}

		fake.Advance(2 * time.Second)
		select {
		case <-ch:
		default:
			t.Fatal("After did not fire at exact deadline")
		}
	})

	t.Run("non-positive duration fires immediately", func(t *testing.T) {
		fake := Fake(epoch)
		for _, d := range []time.Duration{0, -time.Second} {
			select {
			case <-fake.After(d):
			default:
				t.Fatalf("After(%v) did not fire immediately", d)
			}
		}
	})
}

func TestFakeClockAfterFunc(t *testing.T) {
	t.Run("fires at deadline", func(t *testing.T) {
		fake := Fake(epoch)
		var called atomic.Bool
		fake.AfterFunc(2*time.Second, func() { called.Store(true) })

		fake.Advance(1 * time.Second)
		if called.Load() {
			t.Fatal("AfterFunc fired before deadline")
		}
		fake.Advance(1 * time.Second)
		if !called.Load() {
			t.Fatal("AfterFunc did not fire at deadline")
		}
	})

	t.Run("zero duration runs synchronously", func(t *testing.T) {
		fake := Fake(epoch)
		var called atomic.Bool
		fake.AfterFunc(0, func() { called.Store(true) })
		if !called.Load() {
			t.Fatal("AfterFunc(0) did not run synchronously")
		}
	})

	t.Run("stop prevents firing", func(t *testing.T) {
		fake := Fake(epoch)
		var called atomic.Bool
		timer := fake.AfterFunc(2*time.Second, func() { called.Store(true) })

		if !timer.Stop() {
			t.Fatal("Stop() = false for unfired timer")
		}
		if timer.Stop() {
			t.Fatal("second Stop() = true")
		}
		fake.Advance(5 * time.Second)
		if called.Load() {
			t.Fatal("callback ran after Stop")
		}
	})

	t.Run("stop after firing reports false", func(t *testing.T) {
		fake := Fake(epoch)
		timer := fake.AfterFunc(time.Second, func() {})
		fake.Advance(time.Second)
		if timer.Stop() {
			t.Fatal("Stop() = true for fired timer")
		}
	})

	t.Run("reset moves deadline", func(t *testing.T) {
		fake := Fake(epoch)
		var called atomic.Bool
		timer := fake.AfterFunc(5*time.Second, func() { called.Store(true) })

		if !timer.Reset(2 * time.Second) {
			t.Fatal("Reset() = false for active timer")
		}
		fake.Advance(2 * time.Second)
		if !called.Load() {
			t.Fatal("callback did not fire at new deadline")
		}
	})

	t.Run("one-shot does not repeat", func(t *testing.T) {
		fake := Fake(epoch)
		var count atomic.Int32
		fake.AfterFunc(time.Second, func() { count.Add(1) })

		fake.Advance(time.Second)
		fake.Advance(time.Second)
		fake.Advance(time.Second)
		if got := count.Load(); got != 1 {
			t.Fatalf("AfterFunc fired %d times, want 1", got)
		}
	})
}

func TestFakeClockTicker(t *testing.T) {
	t.Run("fires each interval", func(t *testing.T) {
		fake := Fake(epoch)
		ticker := fake.NewTicker(time.Second)
		defer ticker.Stop()

		for i := 0; i < 2; i++ {
			fake.Advance(time.Second)
			select {
			case <-ticker.C:
			default:
				t.Fatalf("no tick after interval %d", i+1)
			}
		}
	})

	t.Run("stop silences", func(t *testing.T) {
		fake := Fake(epoch)
		ticker := fake.NewTicker(time.Second)
		ticker.Stop()
		fake.Advance(5 * time.Second)
		select {
		case <-ticker.C:
			t.Fatal("tick after Stop")
		default:
		}
	})

	t.Run("reset changes interval", func(t *testing.T) {
		fake := Fake(epoch)
		ticker := fake.NewTicker(5 * time.Second)
		defer ticker.Stop()

		ticker.Reset(time.Second)
		fake.Advance(time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatal("no tick after Reset to shorter interval")
		}
	})

	t.Run("overflowing ticks are dropped", func(t *testing.T) {
		fake := Fake(epoch)
		ticker := fake.NewTicker(time.Second)
		defer ticker.Stop()

		// Five intervals, nobody reading. Buffer holds one tick.
		fake.Advance(5 * time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatal("expected one buffered tick")
		}
		select {
		case <-ticker.C:
			t.Fatal("extra tick buffered")
		default:
		}
	})

	t.Run("panics on non-positive interval", func(t *testing.T) {
		fake := Fake(epoch)
		defer func() {
			if recover() == nil {
				t.Fatal("NewTicker(0) did not panic")
			}
		}()
		fake.NewTicker(0)
	})
}

func TestFakeClockSleep(t *testing.T) {
	fake := Fake(epoch)

	done := make(chan struct{})
	go func() {
		fake.Sleep(3 * time.Second)
		close(done)
	}()

	fake.WaitForTimers(1)
	fake.Advance(3 * time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Sleep did not return after Advance")
	}

	// Non-positive sleeps return immediately.
	fake.Sleep(0)
	fake.Sleep(-time.Second)
}

func TestFakeClockWaitForTimers(t *testing.T) {
	fake := Fake(epoch)
	for i := 0; i < 3; i++ {
		go func() { fake.Sleep(5 * time.Second) }()
	}

	fake.WaitForTimers(3)
	if got := fake.PendingCount(); got != 3 {
		t.Fatalf("PendingCount() = %d, want 3", got)
	}
}

func TestFakeClockCallbacksFireInDeadlineOrder(t *testing.T) {
	fake := Fake(epoch)

	var mu sync.Mutex
	var order []int
	record := func(n int) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}

	fake.AfterFunc(3*time.Second, record(3))
	fake.AfterFunc(1*time.Second, record(1))
	fake.AfterFunc(2*time.Second, record(2))

	fake.Advance(5 * time.Second)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("fired in order %v, want [1 2 3]", order)
	}
}

func TestFakeClockPendingCount(t *testing.T) {
	fake := Fake(epoch)
	ticker := fake.NewTicker(time.Second)
	fake.After(1 * time.Second)
	fake.After(3 * time.Second)

	if got := fake.PendingCount(); got != 3 {
		t.Fatalf("PendingCount() = %d, want 3", got)
	}

	ticker.Stop()
	fake.Advance(2 * time.Second)
	if got := fake.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() after stop and fire = %d, want 1", got)
	}
}

func TestClockInterfaces(t *testing.T) {
	var _ Clock = (*FakeClock)(nil)
	var _ Clock = Real()
}

func TestFakeClockConcurrentAccess(t *testing.T) {
	fake := Fake(epoch)
	const goroutines = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			fake.After(time.Second)
			fake.Now()
		}()
	}
	wg.Wait()

	fake.WaitForTimers(goroutines)
	fake.Advance(time.Second)
}
