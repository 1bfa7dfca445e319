package fanout

import (
	"sync"
	"time"
)

// Dedup prevents a fan-out job from being processed more than once within a
// configurable time-to-live window. Stream delivery is at-least-once, so a
// worker restarting from an older stream ID can see the same job again. It is
// safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // trade ID -> last seen time
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup instance that considers a job a duplicate if it
// has been seen within the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
	}
}

// IsDuplicate returns true if the tradeID has been seen within the TTL
// window. If the job has not been seen (or has expired), it is recorded and
// false is returned.
func (d *Dedup) IsDuplicate(tradeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if lastSeen, ok := d.seen[tradeID]; ok {
		if now.Sub(lastSeen) < d.ttl {
			return true
		}
	}

	d.seen[tradeID] = now
	return false
}

// Cleanup removes entries that have expired beyond the TTL. This should be
// called periodically to prevent unbounded memory growth.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
