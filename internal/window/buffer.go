// Package window holds the sliding-window buffer of pending mono events.
//
// The buffer is owned by exactly one CEP worker and is not safe for
// concurrent use. Events arrive in broker order per stream, which may diverge
// from timestamp order across streams; pruning and rule evaluation compare
// timestamps, not arrival positions.
package window

import (
	"time"

	"github.com/ocx/leaflet/internal/event"
)

// Buffer is a bounded deque of mono events ordered by arrival.
type Buffer struct {
	events    []event.Mono // ring storage
	head      int
	size      int
	maxWindow time.Duration
	now       func() time.Time
}

// New creates a buffer with the given size cap and prune horizon. maxWindow
// should be the largest window across all active rules so no rule ever loses
// an event it could still correlate.
func New(capacity int, maxWindow time.Duration) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		events:    make([]event.Mono, capacity),
		maxWindow: maxWindow,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (b *Buffer) SetClock(now func() time.Time) { b.now = now }

// Push appends an event at the tail, evicting the oldest entry when the cap
// is reached, then prunes expired heads. Amortized O(1).
func (b *Buffer) Push(e event.Mono) {
	if b.size == len(b.events) {
		// Overflow: drop the oldest.
		b.head = (b.head + 1) % len(b.events)
		b.size--
	}
	b.events[(b.head+b.size)%len(b.events)] = e
	b.size++
	b.prune()
}

// prune drops head entries whose timestamp fell out of the maximum window.
// A late arrival older than the horizon is accepted by Push and removed here
// on the next call; it still had one evaluation chance in between.
func (b *Buffer) prune() {
	cutoff := b.now().Add(-b.maxWindow)
	for b.size > 0 && b.events[b.head].Timestamp.Before(cutoff) {
		b.events[b.head] = event.Mono{}
		b.head = (b.head + 1) % len(b.events)
		b.size--
	}
}

// Recent returns, in arrival order, the buffered events with
// timestamp >= now − window.
func (b *Buffer) Recent(window time.Duration) []event.Mono {
	cutoff := b.now().Add(-window)
	out := make([]event.Mono, 0, b.size)
	for i := 0; i < b.size; i++ {
		e := b.events[(b.head+i)%len(b.events)]
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the number of buffered events.
func (b *Buffer) Len() int { return b.size }

// Oldest returns the timestamp of the oldest buffered event, or the zero
// time when the buffer is empty.
func (b *Buffer) Oldest() time.Time {
	if b.size == 0 {
		return time.Time{}
	}
	return b.events[b.head].Timestamp
}
