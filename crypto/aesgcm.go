// Package crypto implements the two cryptographic primitives the key
// service is built on: AES-256-GCM AEAD with a fixed all-zero IV, and
// RFC 3394 AES key wrap. Both operate on raw 32-byte keys; framing and
// associated-data construction live in the sibling envelope package.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/Sebastian464/couchdb"
)

// zeroIV is the fixed 96-bit AES-GCM nonce used for every call. This is
// sound only because every call is made with a fresh, single-use
// PerValueKey (see GenerateKey); reusing a PerValueKey across two Seal
// calls would let an attacker recover the GCM authentication key.
var zeroIV = make([]byte, 12)

// GenerateKey returns a fresh, cryptographically random 256-bit key
// suitable for use as a PerValueKey. It must be called once per Seal
// invocation and never reused.
func GenerateKey() (couchdb.PerValueKey, error) {
	var k couchdb.PerValueKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return couchdb.PerValueKey{}, fmt.Errorf("crypto: generating per-value key: %w", err)
	}
	return k, nil
}

// Seal encrypts plaintext under key using AES-256-GCM with the fixed
// all-zero IV, binding it to aad. The returned ciphertext includes the
// 16-byte GCM tag appended by cipher.AEAD.Seal.
func Seal(key couchdb.PerValueKey, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key[:])
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, zeroIV, plaintext, aad), nil
}

// Open decrypts and authenticates ciphertext (which must include the
// trailing GCM tag) under key, verifying it against aad. It returns
// couchdb.ErrDecryptionFailed on any authentication failure so that
// wrap-integrity failures and tag-mismatch failures are indistinguishable
// to the caller. An empty plaintext is returned as an empty, non-nil slice.
func Open(key couchdb.PerValueKey, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, zeroIV, ciphertext, aad)
	if err != nil {
		return nil, couchdb.ErrDecryptionFailed
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM mode: %w", err)
	}
	return gcm, nil
}
