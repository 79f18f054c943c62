// Package keyservice implements the single coordinator that serializes
// cache writes, calls the key manager on miss/stale, and exposes the
// encrypt/decrypt operations the rest of the system uses.
package keyservice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Sebastian464/couchdb"
	"github.com/Sebastian464/couchdb/cache"
	"github.com/Sebastian464/couchdb/crypto"
	"github.com/Sebastian464/couchdb/envelope"
	"github.com/Sebastian464/couchdb/internal/fingerprint"
	"github.com/Sebastian464/couchdb/keymanager"
	"github.com/Sebastian464/couchdb/telemetry"
	"golang.org/x/sync/singleflight"
)

// Kms is the coordinator described by the cache's concurrency model: it
// owns the cache, delegates to a keymanager.Interface on miss or stale
// hit, and exposes InitDB/OpenDB/Encrypt/Decrypt.
type Kms struct {
	cache      *cache.Cache
	keyManager keymanager.Interface
	metrics    *telemetry.Metrics
	logger     *slog.Logger

	group singleflight.Group
}

// New constructs a Kms. cache must already be started (cache.Start) by the
// caller; Kms does not own its lifecycle.
func New(c *cache.Cache, km keymanager.Interface, metrics *telemetry.Metrics, logger *slog.Logger) *Kms {
	if logger == nil {
		logger = slog.Default()
	}
	return &Kms{cache: c, keyManager: km, metrics: metrics, logger: logger}
}

// InitDB provisions a new database via the key manager and installs the
// returned DbKey into the cache. It reports success as a bool, matching
// the key manager contract's Ok/Err shape rather than surfacing an error
// type to callers that only need to know whether the database is usable.
func (k *Kms) InitDB(ctx context.Context, db keymanager.DBDescriptor, options map[string]string) bool {
	dbKey, err := k.keyManager.InitDB(ctx, db, options)
	if err != nil {
		k.metrics.RecordKeyManagerCall(ctx, "init_db", false)
		k.logger.Warn("keyservice: init_db failed", "uuid", db.UUID(), "error", err)
		return false
	}
	k.metrics.RecordKeyManagerCall(ctx, "init_db", true)
	k.cache.Insert(db.UUID(), dbKey)
	k.logger.Info("keyservice: init_db provisioned key", "uuid", db.UUID(), "key_fingerprint", fingerprint.Of(dbKey.Bytes()))
	return true
}

// OpenDB warms the cache for an existing database without returning its
// DbKey. It is the public form of the same fetch path Encrypt/Decrypt use
// internally on a cache miss.
func (k *Kms) OpenDB(ctx context.Context, db keymanager.DBDescriptor) bool {
	_, err := k.fetchDbKey(ctx, db)
	return err == nil
}

// Encrypt seals plaintext under a fresh per-value key, wraps that key
// under db's DbKey, and frames the result as a ciphertext envelope bound
// to db's UUID and logicalKey.
func (k *Kms) Encrypt(ctx context.Context, db keymanager.DBDescriptor, logicalKey string, plaintext []byte) ([]byte, error) {
	dbKey, err := k.fetchDbKey(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("keyservice: encrypt: %w", err)
	}

	perValueKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("keyservice: encrypt: %w", err)
	}

	aad := envelope.AssociatedData(db.UUID(), logicalKey)
	sealed, err := crypto.Seal(perValueKey, plaintext, aad)
	if err != nil {
		return nil, fmt.Errorf("keyservice: encrypt: %w", err)
	}

	wrapped, err := crypto.WrapKey(dbKey, perValueKey)
	if err != nil {
		return nil, fmt.Errorf("keyservice: encrypt: %w", err)
	}

	out, err := envelope.EncodeSealed(wrapped, sealed)
	if err != nil {
		return nil, fmt.Errorf("keyservice: encrypt: %w", err)
	}

	k.metrics.RecordEncrypt(ctx)
	return out, nil
}

// Decrypt reverses Encrypt: it parses the envelope, fetches db's DbKey,
// unwraps the per-value key, and authenticates the ciphertext against the
// same associated data Encrypt bound it to.
func (k *Kms) Decrypt(ctx context.Context, db keymanager.DBDescriptor, logicalKey string, ciphertext []byte) ([]byte, error) {
	env, err := envelope.Parse(ciphertext)
	if err != nil {
		k.metrics.RecordDecrypt(ctx, "not_ciphertext")
		return nil, err
	}

	dbKey, err := k.fetchDbKey(ctx, db)
	if err != nil {
		k.metrics.RecordDecrypt(ctx, "key_manager_unavailable")
		return nil, fmt.Errorf("keyservice: decrypt: %w", err)
	}

	perValueKey, err := crypto.UnwrapKey(dbKey, env.WrappedKey)
	if err != nil {
		k.metrics.RecordDecrypt(ctx, "decryption_failed")
		return nil, err
	}

	aad := envelope.AssociatedData(db.UUID(), logicalKey)
	plaintext, err := crypto.Open(perValueKey, env.Sealed(), aad)
	if err != nil {
		k.metrics.RecordDecrypt(ctx, "decryption_failed")
		return nil, err
	}

	k.metrics.RecordDecrypt(ctx, "ok")
	return plaintext, nil
}

// fetchDbKey implements the fast-path freshness check followed by a
// singleflight-coalesced key manager call on miss or stale hit, per the
// cache's Absent/Fresh/Stale lifecycle: a stale hit is never used directly,
// it always falls through to the key manager, which re-inserts the entry.
func (k *Kms) fetchDbKey(ctx context.Context, db keymanager.DBDescriptor) (couchdb.DbKey, error) {
	id := db.UUID()

	if k.cache.IsFresh(id) {
		if dbKey, ok := k.cache.Lookup(id); ok {
			k.metrics.RecordCacheHit(ctx)
			return dbKey, nil
		}
	}
	k.metrics.RecordCacheMiss(ctx)

	v, err, _ := k.group.Do(id.String(), func() (any, error) {
		dbKey, err := k.keyManager.OpenDB(ctx, db)
		if err != nil {
			k.metrics.RecordKeyManagerCall(ctx, "open_db", false)
			return nil, err
		}
		k.metrics.RecordKeyManagerCall(ctx, "open_db", true)
		k.cache.Insert(id, dbKey)
		k.logger.Debug("keyservice: fetched db key from key manager", "uuid", id, "key_fingerprint", fingerprint.Of(dbKey.Bytes()))
		return dbKey, nil
	})
	if err != nil {
		return couchdb.DbKey{}, fmt.Errorf("%w: %w", couchdb.ErrKeyManagerUnavailable, err)
	}
	return v.(couchdb.DbKey), nil
}
