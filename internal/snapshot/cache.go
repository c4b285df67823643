package snapshot

import (
	"sync/atomic"
	"time"

	"sxwatch.onebusaway.org/internal/aggregate"
)

// Cache is the single-slot store of the last complete FeedSnapshot.
// Store swaps the whole snapshot at once, so readers never see a partial one.
type Cache struct {
	current atomic.Pointer[entry]
}

type entry struct {
	snap     aggregate.FeedSnapshot
	storedAt time.Time
}

func New() *Cache {
	return &Cache{}
}

// Load returns the cached snapshot, or false before the first Store.
func (c *Cache) Load() (aggregate.FeedSnapshot, bool) {
	e := c.current.Load()
	if e == nil {
		return aggregate.FeedSnapshot{}, false
	}
	return e.snap, true
}

// Store replaces the cached snapshot.
func (c *Cache) Store(snap aggregate.FeedSnapshot) {
	c.current.Store(&entry{snap: snap, storedAt: snap.GeneratedAt})
}

// StoredAt returns the generation time of the cached snapshot.
func (c *Cache) StoredAt() (time.Time, bool) {
	e := c.current.Load()
	if e == nil {
		return time.Time{}, false
	}
	return e.storedAt, true
}

// Age returns how old the cached snapshot is at now, or zero when empty.
func (c *Cache) Age(now time.Time) time.Duration {
	at, ok := c.StoredAt()
	if !ok {
		return 0
	}
	return now.Sub(at)
}
