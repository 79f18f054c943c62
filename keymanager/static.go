package keymanager

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/Sebastian464/couchdb"
	"github.com/google/uuid"
)

// Static is an in-memory Interface implementation with no persistence and
// no real KMS round trip. It exists to exercise the key service in tests
// and in the roundtrip CLI subcommand; it is not a production Key Manager.
type Static struct {
	mu   sync.Mutex
	keys map[uuid.UUID]couchdb.DbKey
}

// NewStatic returns an empty Static key manager.
func NewStatic() *Static {
	return &Static{keys: make(map[uuid.UUID]couchdb.DbKey)}
}

// InitDB generates a fresh random DbKey for db.UUID() and stores it,
// overwriting any prior key for the same UUID. options is accepted for
// interface compatibility and otherwise ignored.
func (s *Static) InitDB(_ context.Context, db DBDescriptor, _ map[string]string) (couchdb.DbKey, error) {
	var key couchdb.DbKey
	if _, err := io.ReadFull(rand.Reader, key[:]); err != nil {
		return couchdb.DbKey{}, fmt.Errorf("keymanager: generating db key: %w", err)
	}

	s.mu.Lock()
	s.keys[db.UUID()] = key
	s.mu.Unlock()
	return key, nil
}

// OpenDB returns the previously provisioned DbKey for db.UUID(), or
// couchdb.ErrKeyManagerUnavailable if InitDB was never called for it.
func (s *Static) OpenDB(_ context.Context, db DBDescriptor) (couchdb.DbKey, error) {
	s.mu.Lock()
	key, ok := s.keys[db.UUID()]
	s.mu.Unlock()
	if !ok {
		return couchdb.DbKey{}, couchdb.ErrKeyManagerUnavailable
	}
	return key, nil
}

// Seed installs a caller-provided DbKey for uuid, bypassing InitDB. Useful
// for tests that need a known key value.
func (s *Static) Seed(id uuid.UUID, key couchdb.DbKey) {
	s.mu.Lock()
	s.keys[id] = key
	s.mu.Unlock()
}
