package couchdb

import "errors"

// ErrKeyManagerUnavailable is returned when the external Key Manager fails
// an InitDB or OpenDB call. Encrypt and Decrypt propagate it as a fatal
// error; InitDB and OpenDB propagate it by returning false.
var ErrKeyManagerUnavailable = errors.New("couchdb: key manager unavailable")

// ErrNotCiphertext is returned by Decrypt when the supplied buffer is
// shorter than a minimal envelope or carries an unsupported version byte.
var ErrNotCiphertext = errors.New("couchdb: not a ciphertext envelope")

// ErrDecryptionFailed is returned by Decrypt when the key-wrap integrity
// check or the AEAD tag check fails. The two sub-causes are deliberately
// not distinguished in this error to avoid giving an attacker an oracle.
var ErrDecryptionFailed = errors.New("couchdb: decryption failed")

// ErrInvariantViolation indicates a bug in the cache's bookkeeping (for
// example, an Insert that finds the by-UUID index over its limit while the
// by-recency list is empty). It is never returned to a caller of
// Encrypt/Decrypt; it is delivered on the cache's Err() channel so the
// process can be restarted with a clean, transient cache.
var ErrInvariantViolation = errors.New("couchdb: cache invariant violation")
