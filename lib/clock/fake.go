// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Time moves only
// when Advance is called; pending After channels and tickers fire when
// the clock crosses their deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{current: initial}
	fake.pendingChanged = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests. Advance fires due
// waiters in deadline order, so a test that cools a key down for 60s
// and advances by 59s then 2s observes the exact boundary behavior.
type FakeClock struct {
	mu             sync.Mutex
	current        time.Time
	pending        []*pendingEvent
	pendingChanged *sync.Cond
}

// pendingEvent is one registered After channel or ticker.
type pendingEvent struct {
	deadline time.Time
	channel  chan time.Time

	// interval is non-zero for tickers; after firing, the event is
	// rescheduled at deadline + interval.
	interval time.Duration

	// stopped events are skipped on Advance and dropped from the
	// pending list.
	stopped bool
}

// Now returns the frozen current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// now + d. If d <= 0 the channel receives immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}

	c.pending = append(c.pending, &pendingEvent{
		deadline: c.current.Add(d),
		channel:  channel,
	})
	c.pendingChanged.Broadcast()
	return channel
}

// NewTicker returns a Ticker firing every d in fake time. Panics if
// d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	event := &pendingEvent{
		deadline: c.current.Add(d),
		channel:  channel,
		interval: d,
	}
	c.pending = append(c.pending, event)
	c.pendingChanged.Broadcast()

	return &Ticker{
		C: channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			event.stopped = true
		},
	}
}

// Advance moves the clock forward by d and fires every pending event
// whose deadline falls within the new time, in deadline order. Channel
// sends are non-blocking: ticks that overflow the one-slot buffer are
// dropped, matching time.Ticker. A ticker whose interval is crossed
// several times fires once per interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}

		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})

		for _, event := range due {
			select {
			case event.channel <- target:
			default:
			}
		}
	}
}

// takeDue removes events with deadlines at or before target from the
// pending list, rescheduling tickers for their next interval, and
// returns them for firing.
func (c *FakeClock) takeDue(target time.Time) []*pendingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*pendingEvent
	var remaining []*pendingEvent

	for _, event := range c.pending {
		if event.stopped {
			continue
		}
		if !event.deadline.After(target) {
			due = append(due, event)
		} else {
			remaining = append(remaining, event)
		}
	}

	for _, event := range due {
		if event.interval > 0 {
			event.deadline = event.deadline.Add(event.interval)
			remaining = append(remaining, event)
		}
	}

	c.pending = remaining
	return due
}

// WaitForTimers blocks until at least n events (After channels or
// tickers) are registered and unfired. This removes the race between a
// background goroutine registering its ticker and the test advancing
// the clock:
//
//	go monitor.Run(ctx)
//	fake.WaitForTimers(1)              // monitor's ticker is registered
//	fake.Advance(probeInterval)        // deterministically fires it
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeCountLocked() < n {
		c.pendingChanged.Wait()
	}
}

// PendingCount returns the number of registered, unstopped events.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCountLocked()
}

func (c *FakeClock) activeCountLocked() int {
	count := 0
	for _, event := range c.pending {
		if !event.stopped {
			count++
		}
	}
	return count
}
