package crypto

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/Sebastian464/couchdb"
)

// wrapIV is the default integrity check value from RFC 3394 §2.2.3.1.
var wrapIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// WrappedKeySize is the size, in bytes, of a wrapped 256-bit key: 32 bytes
// of ciphertext plus the 8-byte integrity check value (RFC 3394's "n+1
// semiblocks" for n=4 64-bit semiblocks of key material).
const WrappedKeySize = couchdb.KeySize + 8

// WrapKey wraps a 256-bit key under a 256-bit key-encryption key using the
// RFC 3394 AES key wrap algorithm, producing WrappedKeySize bytes of
// ciphertext.
func WrapKey(kek couchdb.DbKey, key couchdb.PerValueKey) ([]byte, error) {
	block, err := aes.NewCipher(kek[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: creating AES cipher for key wrap: %w", err)
	}

	n := couchdb.KeySize / 8 // number of 64-bit semiblocks in the key
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], key[i*8:(i+1)*8])
	}

	a := wrapIV
	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			block.Encrypt(buf, buf)

			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			for k := range a {
				a[k] = buf[k] ^ tb[k]
			}
			copy(r[i-1][:], buf[8:])
		}
	}

	out := make([]byte, WrappedKeySize)
	copy(out[:8], a[:])
	for i := 0; i < n; i++ {
		copy(out[8+i*8:8+(i+1)*8], r[i][:])
	}
	return out, nil
}

// UnwrapKey reverses WrapKey. It returns couchdb.ErrDecryptionFailed if the
// integrity check value does not match after unwrapping, which indicates
// either a corrupted envelope or the wrong DbKey.
func UnwrapKey(kek couchdb.DbKey, wrapped []byte) (couchdb.PerValueKey, error) {
	if len(wrapped) != WrappedKeySize {
		return couchdb.PerValueKey{}, fmt.Errorf("crypto: wrapped key must be %d bytes, got %d", WrappedKeySize, len(wrapped))
	}

	block, err := aes.NewCipher(kek[:])
	if err != nil {
		return couchdb.PerValueKey{}, fmt.Errorf("crypto: creating AES cipher for key unwrap: %w", err)
	}

	n := couchdb.KeySize / 8
	var a [8]byte
	copy(a[:], wrapped[:8])

	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], wrapped[8+i*8:8+(i+1)*8])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)

			var xored [8]byte
			for k := range a {
				xored[k] = a[k] ^ tb[k]
			}

			copy(buf[:8], xored[:])
			copy(buf[8:], r[i-1][:])
			block.Decrypt(buf, buf)

			copy(a[:], buf[:8])
			copy(r[i-1][:], buf[8:])
		}
	}

	if subtle.ConstantTimeCompare(a[:], wrapIV[:]) != 1 {
		return couchdb.PerValueKey{}, couchdb.ErrDecryptionFailed
	}

	var key couchdb.PerValueKey
	for i := 0; i < n; i++ {
		copy(key[i*8:(i+1)*8], r[i][:])
	}
	return key, nil
}
