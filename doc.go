// Package couchdb implements the per-database encryption key service: it
// obtains a database-level wrapping key (a DbKey) from an external key
// manager, caches it in-process, and uses it to wrap fresh per-value keys
// and authenticate-and-encrypt values bound to a (database, logical key)
// identity.
//
// The cryptographic construction lives in couchdb/crypto, the ciphertext
// framing in couchdb/envelope, the in-process cache in couchdb/cache, and
// the coordinator that ties them together in couchdb/keyservice. This
// package holds the domain types and error kinds shared across all of
// them.
package couchdb
