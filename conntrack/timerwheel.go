package conntrack

import "time"

// TimerWheel is a hashed timing wheel used to reap inactive connections.
// Insertion is O(1); Advance visits only the buckets whose deadline passed
// since the previous call. Entries are revalidated against the connection's
// last-seen timestamp on expiry, so an entry updated more recently than one
// wheel revolution is never reaped.
type TimerWheel struct {
	period  time.Duration
	start   time.Time
	next    int64 // next bucket index to expire
	buckets [][]ConnId
}

// NewTimerWheel creates a wheel spanning maxTimeout with the given check
// resolution.
func NewTimerWheel(maxTimeout, resolution time.Duration, start time.Time) *TimerWheel {
	if resolution > maxTimeout {
		panic("timer wheel resolution must not exceed the maximum timeout")
	}
	n := int(maxTimeout / resolution)
	if n < 1 {
		n = 1
	}
	return &TimerWheel{
		period:  resolution,
		start:   start,
		buckets: make([][]ConnId, n),
	}
}

// Insert schedules id for an expiry check one inactivity window after
// lastSeen.
func (w *TimerWheel) Insert(id ConnId, lastSeen time.Time, window time.Duration) {
	// Ticks count from the Unix epoch, so timestamps earlier than start
	// (capture time behind the wall clock) still map to a valid bucket.
	idx := lastSeen.Add(window).UnixNano() / int64(w.period) % int64(len(w.buckets))
	w.buckets[idx] = append(w.buckets[idx], id)
}

// Advance yields every id whose bucket deadline passed. The caller decides
// whether the connection is actually idle.
func (w *TimerWheel) Advance(now time.Time, expired func(ConnId)) {
	last := now.UnixNano() / int64(w.period)
	if last-w.next >= int64(len(w.buckets)) {
		// Never walk more than one full revolution.
		w.next = last - int64(len(w.buckets)) + 1
	}
	for ; w.next <= last; w.next++ {
		idx := w.next % int64(len(w.buckets))
		ids := w.buckets[idx]
		w.buckets[idx] = nil
		// expired may re-insert, including into this bucket.
		for _, id := range ids {
			expired(id)
		}
	}
}
