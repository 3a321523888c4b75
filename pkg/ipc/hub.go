package ipc

import (
	"sync"
	"time"

	"github.com/thor-os/thor/pkg/thorsync"
)

// EventHub is the asynchronous completion queue of spec.md §4.7.
// Posting never blocks; draining blocks the calling goroutine until an
// event is ready or a deadline passes. This does not move a thread to
// the Blocked state; only a thread's own call to sched.Thread.Block
// does that.
//
// A condition variable with a deadline has no direct stdlib primitive
// (sync.Cond.Wait has no timeout), so waiters block on a channel that
// Post closes to broadcast a wakeup; this is an ordinary Go
// concurrency idiom, not a concern any library in the retrieval pack
// addresses better than channels + a mutex do.
type EventHub struct {
	mu     sync.Mutex
	ref    thorsync.RefCount
	events []Event
	notify chan struct{}
}

// NewEventHub returns an empty hub with one reference held by the
// caller.
func NewEventHub() *EventHub {
	return &EventHub{ref: thorsync.NewRefCount(), notify: make(chan struct{})}
}

// Retain adds a reference, e.g. when a second descriptor is attached
// pointing at the same hub.
func (h *EventHub) Retain() { h.ref.Retain() }

// Release drops a reference. A hub has no backing resource beyond Go
// memory, so the last release is a no-op beyond bookkeeping.
func (h *EventHub) Release() { h.ref.Release() }

// Post appends ev and wakes every blocked WaitForEvents caller.
func (h *EventHub) Post(ev Event) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	wake := h.notify
	h.notify = make(chan struct{})
	h.mu.Unlock()
	close(wake)
}

// WaitForEvents drains up to capHint queued events. If none are
// queued it blocks until Post makes the hub non-empty or timeout
// elapses. timeout == 0 returns immediately (possibly empty); timeout
// < 0 waits indefinitely.
func (h *EventHub) WaitForEvents(capHint int, timeout time.Duration) []Event {
	var timer *time.Timer
	var expired <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		h.mu.Lock()
		if n := len(h.events); n > 0 {
			if capHint > 0 && capHint < n {
				n = capHint
			}
			out := append([]Event(nil), h.events[:n]...)
			h.events = h.events[n:]
			h.mu.Unlock()
			return out
		}
		wake := h.notify
		h.mu.Unlock()

		if timeout == 0 {
			return nil
		}
		if timeout < 0 {
			<-wake
			continue
		}
		select {
		case <-wake:
			continue
		case <-expired:
			return nil
		}
	}
}
