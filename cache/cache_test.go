package cache

import (
	"context"
	"testing"
	"time"

	"github.com/Sebastian464/couchdb"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// manualClock lets tests advance time deterministically instead of sleeping.
type manualClock struct {
	t time.Time
}

func (c *manualClock) now() time.Time { return c.t }
func (c *manualClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestCache(t *testing.T, limit int, maxAge time.Duration) (*Cache, *manualClock) {
	t.Helper()
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	c := New(Config{Limit: limit, MaxAge: maxAge, CheckInterval: time.Hour})
	c.SetClock(clock.now)
	return c, clock
}

func randKey(t *testing.T) couchdb.DbKey {
	t.Helper()
	var k couchdb.DbKey
	k[0] = 0x01
	return k
}

func TestCacheInsertLookupRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, 100, time.Hour)
	id := uuid.New()
	key := randKey(t)

	c.Insert(id, key)

	got, ok := c.Lookup(id)
	require.True(t, ok)
	require.Equal(t, key, got)
	require.True(t, c.IsFresh(id))
}

func TestCacheLookupMissReturnsFalse(t *testing.T) {
	c, _ := newTestCache(t, 100, time.Hour)
	_, ok := c.Lookup(uuid.New())
	require.False(t, ok)
	require.False(t, c.IsFresh(uuid.New()))
}

func TestCacheReInsertReplacesEntry(t *testing.T) {
	c, _ := newTestCache(t, 100, time.Hour)
	id := uuid.New()
	c.Insert(id, randKey(t))

	var second couchdb.DbKey
	second[0] = 0x02
	c.Insert(id, second)

	require.Equal(t, 1, c.Stats().Entries)
	got, ok := c.Lookup(id)
	require.True(t, ok)
	require.Equal(t, second, got)
}

func TestCacheLRUEvictionAtLimit(t *testing.T) {
	c, _ := newTestCache(t, 2, time.Hour)
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()

	c.Insert(u1, randKey(t))
	c.Insert(u2, randKey(t))
	c.Insert(u3, randKey(t))

	require.Equal(t, 2, c.Stats().Entries)
	_, ok := c.Lookup(u1)
	require.False(t, ok, "least-recently-inserted entry should have been evicted")

	_, ok = c.Lookup(u2)
	require.True(t, ok)
	_, ok = c.Lookup(u3)
	require.True(t, ok)
}

func TestCacheRecencyPreservationAfterBump(t *testing.T) {
	c, clock := newTestCache(t, 2, time.Hour)
	u1, u2, u3 := uuid.New(), uuid.New(), uuid.New()

	c.Insert(u1, randKey(t))
	c.Insert(u2, randKey(t))

	clock.advance(11 * time.Second)
	_, ok := c.Lookup(u1) // schedules a bump: last access was > 10s ago
	require.True(t, ok)

	// Drain the queued bump synchronously, as the background goroutine would.
	c.doBump(u1)

	c.Insert(u3, randKey(t))

	_, ok = c.Lookup(u2)
	require.False(t, ok, "u2 should be evicted: it is now the least recently used")
	_, ok = c.Lookup(u1)
	require.True(t, ok, "u1 was bumped and should survive")
	_, ok = c.Lookup(u3)
	require.True(t, ok)
}

func TestCacheBumpIsDedupedWithinInactivityWindow(t *testing.T) {
	c, clock := newTestCache(t, 100, time.Hour)
	id := uuid.New()
	c.Insert(id, randKey(t))

	clock.advance(11 * time.Second)

	_, _ = c.Lookup(id)
	_, _ = c.Lookup(id)
	_, _ = c.Lookup(id)

	require.Len(t, c.bumpCh, 1, "repeated lookups within the same stale window schedule at most one bump")
}

func TestCacheTTLSweepRemovesExpiredEntries(t *testing.T) {
	c, clock := newTestCache(t, 100, 2*time.Second)
	id := uuid.New()
	c.Insert(id, randKey(t))

	clock.advance(3 * time.Second)
	deleted := c.SweepExpired()

	require.Equal(t, 1, deleted)
	_, ok := c.Lookup(id)
	require.False(t, ok)
	require.False(t, c.IsFresh(id))
	require.Equal(t, 0, c.Stats().Entries)
}

func TestCacheSweepLeavesFreshEntriesInPlace(t *testing.T) {
	c, clock := newTestCache(t, 100, 10*time.Second)
	id := uuid.New()
	c.Insert(id, randKey(t))

	clock.advance(1 * time.Second)
	deleted := c.SweepExpired()

	require.Equal(t, 0, deleted)
	_, ok := c.Lookup(id)
	require.True(t, ok)
}

func TestCacheBackgroundGoroutineSweepsOnTicker(t *testing.T) {
	c := New(Config{Limit: 100, MaxAge: 20 * time.Millisecond, CheckInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	id := uuid.New()
	c.Insert(id, randKey(t))

	require.Eventually(t, func() bool {
		_, ok := c.Lookup(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
}
