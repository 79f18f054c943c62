// Package cache implements the dual-indexed, bounded DbKey cache the key
// service consults on every encrypt/decrypt call: a by-UUID map for O(1)
// lookup, a by-recency list for O(1) LRU eviction, and a lock-light
// freshness index that lets callers check staleness without taking the
// cache's write mutex.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sebastian464/couchdb"
	"github.com/Sebastian464/couchdb/telemetry"
	"github.com/google/uuid"
)

// LastAccessedInactivitySec is the minimum time since an entry's last
// recency bump before a Lookup hit schedules another one. It amortizes the
// cost of recency tracking under read-heavy, repeat-key workloads.
const LastAccessedInactivitySec = 10

// Config configures a Cache.
type Config struct {
	// Limit is the maximum number of entries in the by-UUID index. Once
	// exceeded after an insert, the least-recently-used entry is evicted.
	Limit int

	// MaxAge is the TTL applied to every entry at insert time.
	MaxAge time.Duration

	// CheckInterval is how often the background sweep for expired entries
	// runs.
	CheckInterval time.Duration

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Cache is the sole coordinator for cache writes; see the package doc for
// its indexing scheme. The zero value is not usable; construct with New.
type Cache struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	byUUID    map[uuid.UUID]*entry
	byRecency *list.List

	freshness sync.Map // uuid.UUID -> time.Time (expiresAt)

	nextCounter int64 // atomic

	bumpCh chan uuid.UUID
	errCh  chan error
	stopCh chan struct{}
	doneCh chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// New constructs a Cache. Call Start to begin the background sweep and
// bump-processing goroutine.
func New(cfg Config) *Cache {
	if cfg.Limit <= 0 {
		cfg.Limit = 100000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 1800 * time.Second
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Cache{
		cfg:       cfg,
		logger:    cfg.Logger,
		now:       time.Now,
		byUUID:    make(map[uuid.UUID]*entry),
		byRecency: list.New(),
		bumpCh:    make(chan uuid.UUID, 1024),
		errCh:     make(chan error, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Err returns a channel that holds at most one undelivered error: a fatal
// invariant-violation report from the background sweep or from Insert.
// After the sweep reports one, the background goroutine exits and the cache
// stops sweeping; callers should treat any report as a signal to restart
// the service, per the invariant-violation error handling policy.
func (c *Cache) Err() <-chan error {
	return c.errCh
}

// SetClock overrides the cache's time source. Test-only.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Start launches the background goroutine that runs the TTL sweep on a
// ticker and drains asynchronous recency bumps. It must be called once.
func (c *Cache) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

// Stop signals the background goroutine to exit and waits for it to finish.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
	})
}

func (c *Cache) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case id := <-c.bumpCh:
			c.doBump(id)
		case <-ticker.C:
			if !c.safeSweep() {
				return
			}
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Insert installs dbKey for uuid, replacing any existing entry for the same
// UUID. It assigns a fresh counter and expiry, then evicts the
// least-recently-used entry if the by-UUID index now exceeds the
// configured limit.
func (c *Cache) Insert(id uuid.UUID, dbKey couchdb.DbKey) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byUUID[id]; ok {
		c.removeLocked(existing)
	}

	e := &entry{
		uuid:         id,
		dbKey:        dbKey,
		counter:      atomic.AddInt64(&c.nextCounter, 1),
		lastAccessed: now,
		expiresAt:    now.Add(c.cfg.MaxAge),
	}
	e.elem = c.byRecency.PushBack(e)
	c.byUUID[id] = e
	c.freshness.Store(id, e.expiresAt)

	if len(c.byUUID) > c.cfg.Limit {
		victim := c.byRecency.Front()
		if victim == nil {
			// byUUID is over limit but byRecency is empty: the two indexes
			// have already diverged, so there is no victim left to pick.
			// Insert runs on whatever goroutine called it (an HTTP handler,
			// the CLI), not the background coordinator, so this is reported
			// through the same channel safeSweep uses rather than panicking
			// across a caller we don't own.
			c.reportInvariantViolation(couchdb.ErrInvariantViolation)
			return
		}
		ve := victim.Value.(*entry)
		c.removeLocked(ve)
		c.cfg.Metrics.RecordEviction(context.Background())
	}

	c.cfg.Metrics.SetEntries(context.Background(), int64(len(c.byUUID)))
}

// removeLocked deletes e from all three indexes. Callers must hold c.mu.
func (c *Cache) removeLocked(e *entry) {
	delete(c.byUUID, e.uuid)
	c.byRecency.Remove(e.elem)
	c.freshness.Delete(e.uuid)
}

// IsFresh reports whether uuid has a non-expired entry, without taking the
// cache's write lock. It is the fast-path check the key service consults
// before deciding whether a full Lookup (and possibly a key manager round
// trip) is needed.
func (c *Cache) IsFresh(id uuid.UUID) bool {
	v, ok := c.freshness.Load(id)
	if !ok {
		return false
	}
	expiresAt := v.(time.Time)
	return !c.now().After(expiresAt)
}

// Lookup returns the DbKey cached for uuid and whether it was present. A
// hit whose last recency bump is older than LastAccessedInactivitySec
// schedules an asynchronous bump before returning.
func (c *Cache) Lookup(id uuid.UUID) (couchdb.DbKey, bool) {
	c.mu.RLock()
	e, ok := c.byUUID[id]
	if !ok {
		c.mu.RUnlock()
		return couchdb.DbKey{}, false
	}
	dbKey := e.dbKey
	stale := c.now().Sub(e.lastAccessed) > LastAccessedInactivitySec*time.Second
	c.mu.RUnlock()

	if stale {
		c.scheduleBump(id, e)
	}
	return dbKey, true
}

func (c *Cache) scheduleBump(id uuid.UUID, e *entry) {
	if !atomic.CompareAndSwapInt32(&e.pendingBump, 0, 1) {
		return
	}
	select {
	case c.bumpCh <- id:
	default:
		// Queue full: let the flag reset so the next Lookup retries.
		atomic.StoreInt32(&e.pendingBump, 0)
	}
}

// doBump performs the actual recency update queued by scheduleBump. It
// leaves expires_at untouched, matching the bump/lookup semantics: a bump
// refreshes recency, not TTL.
func (c *Cache) doBump(id uuid.UUID) {
	c.mu.Lock()
	e, ok := c.byUUID[id]
	if !ok {
		c.mu.Unlock()
		return
	}

	c.byRecency.Remove(e.elem)
	e.counter = atomic.AddInt64(&c.nextCounter, 1)
	e.lastAccessed = c.now()
	e.elem = c.byRecency.PushBack(e)
	c.mu.Unlock()

	atomic.StoreInt32(&e.pendingBump, 0)
	c.cfg.Metrics.RecordBump(context.Background())
}

// reportInvariantViolation logs a fatal coordinator bug and delivers it on
// Err() without blocking or panicking the calling goroutine. It is the
// single reporting path for a broken index invariant, whether detected by
// the background sweep goroutine or by Insert running on a caller-supplied
// goroutine (an HTTP handler, the CLI's roundtrip command).
func (c *Cache) reportInvariantViolation(err error) {
	c.logger.Error("cache: fatal invariant violation", "error", err)
	select {
	case c.errCh <- err:
	default:
	}
}

// safeSweep runs SweepExpired and converts any panic it raises into a
// fatal error delivered on Err() via reportInvariantViolation, per the
// sweep divergence handling policy, and then reports false so the
// background goroutine stops sweeping rather than crashing or silently
// repairing a diverged index.
func (c *Cache) safeSweep() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			err, isErr := r.(error)
			if !isErr {
				err = couchdb.ErrInvariantViolation
			}
			c.reportInvariantViolation(err)
			ok = false
		}
	}()
	c.SweepExpired()
	return true
}

// SweepExpired deletes every entry whose expiry has passed. Deletions are
// applied jointly to all three indexes inside removeLocked while c.mu is
// held, so the indexes cannot disagree on membership as a result of a
// sweep itself; a freshness read observed just after this call returns is
// the benign is_fresh race a concurrent Insert can produce, not a
// divergence, and is not treated as one.
func (c *Cache) SweepExpired() int {
	now := c.now()

	c.mu.Lock()
	var expired []*entry
	for elem := c.byRecency.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if !e.expiresAt.After(now) {
			expired = append(expired, e)
		}
	}

	for _, e := range expired {
		c.removeLocked(e)
	}
	uuidLen := len(c.byUUID)
	c.mu.Unlock()

	c.cfg.Metrics.RecordSweep(context.Background(), len(expired))
	c.cfg.Metrics.SetEntries(context.Background(), int64(uuidLen))
	return len(expired)
}

// Stats is a point-in-time snapshot of cache occupancy.
type Stats struct {
	Entries     int
	NextCounter int64
}

// Stats returns a snapshot of the cache's current size and counter state.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{
		Entries:     len(c.byUUID),
		NextCounter: atomic.LoadInt64(&c.nextCounter),
	}
}
