package cache

import (
	"container/list"
	"time"

	"github.com/Sebastian464/couchdb"
	"github.com/google/uuid"
)

// entry is one row of the key cache. It lives simultaneously in the
// by-UUID map and the by-recency list; elem points back at its own list
// node so recency bumps and eviction can splice it out in O(1).
type entry struct {
	uuid         uuid.UUID
	dbKey        couchdb.DbKey
	counter      int64
	lastAccessed time.Time
	expiresAt    time.Time
	elem         *list.Element

	// pendingBump is set (via CompareAndSwap) while an asynchronous
	// recency bump for this entry is queued, so a burst of lookups within
	// the inactivity window schedules at most one bump.
	pendingBump int32
}
