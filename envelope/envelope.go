// Package envelope implements the ciphertext framing produced by Encrypt
// and consumed by Decrypt: a fixed-width header followed by the AES-GCM
// ciphertext body. The layout is bit-exact and deliberately not
// self-describing beyond its single version byte — there is no room for a
// generic serialization format here.
package envelope

import (
	"fmt"

	"github.com/Sebastian464/couchdb"
	"github.com/Sebastian464/couchdb/crypto"
	"github.com/google/uuid"
)

// Version1 is the only envelope version this package produces or accepts.
const Version1 = 0x01

const (
	versionSize = 1
	tagSize     = 16
	headerSize  = versionSize + crypto.WrappedKeySize + tagSize
)

// MinSize is the smallest buffer that could possibly be a valid envelope
// (an empty plaintext still produces a full header and a zero-length
// ciphertext body).
const MinSize = headerSize

// AssociatedData builds the AES-GCM additional authenticated data that
// binds an envelope to a database identity and a logical key:
// uuid || 0x00 || logical_key.
func AssociatedData(dbUUID uuid.UUID, logicalKey string) []byte {
	raw := dbUUID[:]
	aad := make([]byte, 0, len(raw)+1+len(logicalKey))
	aad = append(aad, raw...)
	aad = append(aad, 0x00)
	aad = append(aad, logicalKey...)
	return aad
}

// Encode produces the framed envelope for a wrapped per-value key, an
// AES-GCM tag, and an AES-GCM ciphertext body. wrappedKey must be exactly
// crypto.WrappedKeySize bytes and tag must be exactly 16 bytes; callers
// obtain both from Encrypt, never construct them by hand.
func Encode(wrappedKey, tag, body []byte) ([]byte, error) {
	if len(wrappedKey) != crypto.WrappedKeySize {
		return nil, fmt.Errorf("envelope: wrapped key must be %d bytes, got %d", crypto.WrappedKeySize, len(wrappedKey))
	}
	if len(tag) != tagSize {
		return nil, fmt.Errorf("envelope: tag must be %d bytes, got %d", tagSize, len(tag))
	}

	out := make([]byte, 0, headerSize+len(body))
	out = append(out, Version1)
	out = append(out, wrappedKey...)
	out = append(out, tag...)
	out = append(out, body...)
	return out, nil
}

// EncodeSealed splits the combined ciphertext-plus-tag produced by
// crypto.Seal into its body and trailing GCM tag and frames it alongside
// wrappedKey.
func EncodeSealed(wrappedKey, sealed []byte) ([]byte, error) {
	if len(sealed) < tagSize {
		return nil, fmt.Errorf("envelope: sealed output shorter than a GCM tag")
	}
	body := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]
	return Encode(wrappedKey, tag, body)
}

// Envelope is a parsed ciphertext ready for unwrapping and decryption.
type Envelope struct {
	Version    byte
	WrappedKey []byte
	Tag        []byte
	Body       []byte
}

// Sealed reconstructs the combined ciphertext-plus-tag AES-GCM expects for
// Open.
func (e Envelope) Sealed() []byte {
	sealed := make([]byte, 0, len(e.Body)+len(e.Tag))
	sealed = append(sealed, e.Body...)
	sealed = append(sealed, e.Tag...)
	return sealed
}

// Parse validates and decomposes a framed envelope. It returns
// couchdb.ErrNotCiphertext if buf is shorter than MinSize or carries an
// unsupported version byte; it never inspects the AEAD tag itself, so a
// well-formed-but-tampered envelope parses successfully and fails later at
// Open/UnwrapKey time.
func Parse(buf []byte) (Envelope, error) {
	if len(buf) < MinSize {
		return Envelope{}, couchdb.ErrNotCiphertext
	}
	if buf[0] != Version1 {
		return Envelope{}, couchdb.ErrNotCiphertext
	}

	off := versionSize
	wrappedKey := buf[off : off+crypto.WrappedKeySize]
	off += crypto.WrappedKeySize
	tag := buf[off : off+tagSize]
	off += tagSize
	body := buf[off:]

	return Envelope{
		Version:    buf[0],
		WrappedKey: wrappedKey,
		Tag:        tag,
		Body:       body,
	}, nil
}
