// Package keymanager defines the external Key Manager contract the key
// service depends on but does not implement, plus an in-memory reference
// implementation used by tests and the demo CLI.
package keymanager

import (
	"context"

	"github.com/Sebastian464/couchdb"
	"github.com/google/uuid"
)

// DBDescriptor identifies a database the Key Manager can init or open. It
// is intentionally opaque beyond its UUID: real providers carry their own
// connection or credential state behind this interface.
type DBDescriptor interface {
	UUID() uuid.UUID
}

// Interface is the two-operation contract a Key Manager backend must
// satisfy. Both calls are external I/O and may block or fail; the key
// service treats failure of either as couchdb.ErrKeyManagerUnavailable.
type Interface interface {
	// InitDB provisions a new database's DbKey. options carries
	// provider-specific parameters (e.g. KMS key ARN, region).
	InitDB(ctx context.Context, db DBDescriptor, options map[string]string) (couchdb.DbKey, error)

	// OpenDB retrieves the DbKey for an existing database, called on a
	// cache miss or stale hit.
	OpenDB(ctx context.Context, db DBDescriptor) (couchdb.DbKey, error)
}

// Descriptor is the reference DBDescriptor implementation: a UUID plus a
// free-form options bag.
type Descriptor struct {
	ID      uuid.UUID
	Options map[string]string
}

// UUID implements DBDescriptor.
func (d Descriptor) UUID() uuid.UUID { return d.ID }
