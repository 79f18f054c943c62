package envelope

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"testing"

	"github.com/Sebastian464/couchdb"
	"github.com/Sebastian464/couchdb/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// randPlaintext returns a random-length, random-content buffer in
// (4096, 1<<20] bytes, matching spec's "random ≤ 1 MiB" round-trip case.
func randPlaintext(t *testing.T) []byte {
	t.Helper()
	var sizeBuf [8]byte
	_, err := io.ReadFull(rand.Reader, sizeBuf[:])
	require.NoError(t, err)

	const maxSize = 1 << 20
	const minSize = 4096
	size := minSize + 1 + int(binary.BigEndian.Uint64(sizeBuf[:])%(maxSize-minSize))

	plaintext := make([]byte, size)
	_, err = io.ReadFull(rand.Reader, plaintext)
	require.NoError(t, err)
	return plaintext
}

func sealEnvelope(t *testing.T, dbUUID uuid.UUID, logicalKey string, plaintext []byte) (kek couchdb.DbKey, out []byte) {
	t.Helper()

	var k couchdb.DbKey
	copy(k[:], []byte("0123456789abcdef0123456789abcdef"))
	kek = k

	perValueKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	aad := AssociatedData(dbUUID, logicalKey)
	sealed, err := crypto.Seal(perValueKey, plaintext, aad)
	require.NoError(t, err)

	wrapped, err := crypto.WrapKey(kek, perValueKey)
	require.NoError(t, err)

	out, err = EncodeSealed(wrapped, sealed)
	require.NoError(t, err)
	return kek, out
}

func openEnvelope(t *testing.T, kek couchdb.DbKey, dbUUID uuid.UUID, logicalKey string, buf []byte) ([]byte, error) {
	t.Helper()
	env, err := Parse(buf)
	if err != nil {
		return nil, err
	}
	perValueKey, err := crypto.UnwrapKey(kek, env.WrappedKey)
	if err != nil {
		return nil, err
	}
	return crypto.Open(perValueKey, env.Sealed(), AssociatedData(dbUUID, logicalKey))
}

func TestEncodeParseRoundTrip(t *testing.T) {
	dbUUID := uuid.New()

	for _, size := range []int{0, 1, 16, 4096} {
		size := size
		t.Run("", func(t *testing.T) {
			plaintext := make([]byte, size)
			for i := range plaintext {
				plaintext[i] = byte(i)
			}

			kek, buf := sealEnvelope(t, dbUUID, "attachment.txt", plaintext)
			got, err := openEnvelope(t, kek, dbUUID, "attachment.txt", buf)
			require.NoError(t, err)
			require.Equal(t, plaintext, got)
		})
	}
}

func TestEncodeParseRoundTripRandomSizeUpTo1MiB(t *testing.T) {
	dbUUID := uuid.New()
	plaintext := randPlaintext(t)

	kek, buf := sealEnvelope(t, dbUUID, "attachment.txt", plaintext)
	got, err := openEnvelope(t, kek, dbUUID, "attachment.txt", buf)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestAssociatedDataBindsUUIDAndLogicalKey(t *testing.T) {
	a := AssociatedData(uuid.New(), "same")
	b := AssociatedData(uuid.New(), "same")
	require.NotEqual(t, a, b)

	id := uuid.New()
	c := AssociatedData(id, "one")
	d := AssociatedData(id, "two")
	require.NotEqual(t, c, d)
}

func TestParseRejectsShortBuffer(t *testing.T) {
	_, err := Parse(make([]byte, MinSize-1))
	require.ErrorIs(t, err, couchdb.ErrNotCiphertext)
}

func TestParseRejectsUnsupportedVersion(t *testing.T) {
	_, buf := sealEnvelope(t, uuid.New(), "k", []byte("hello"))
	buf[0] = 0x02

	_, err := Parse(buf)
	require.ErrorIs(t, err, couchdb.ErrNotCiphertext)
}

func TestOpenFailsOnFlippedTagBit(t *testing.T) {
	dbUUID := uuid.New()
	kek, buf := sealEnvelope(t, dbUUID, "k", []byte("hello"))

	buf[len(buf)-1] ^= 0x01

	_, err := openEnvelope(t, kek, dbUUID, "k", buf)
	require.ErrorIs(t, err, couchdb.ErrDecryptionFailed)
}

func TestOpenFailsOnWrongLogicalKey(t *testing.T) {
	dbUUID := uuid.New()
	kek, buf := sealEnvelope(t, dbUUID, "attachment.txt", []byte("hello"))

	_, err := openEnvelope(t, kek, dbUUID, "different.txt", buf)
	require.ErrorIs(t, err, couchdb.ErrDecryptionFailed)
}

func TestOpenFailsOnWrongDatabaseUUID(t *testing.T) {
	dbUUID := uuid.New()
	kek, buf := sealEnvelope(t, dbUUID, "k", []byte("hello"))

	_, err := openEnvelope(t, kek, uuid.New(), "k", buf)
	require.ErrorIs(t, err, couchdb.ErrDecryptionFailed)
}

func TestEncodeSealedRejectsShortSealedOutput(t *testing.T) {
	_, err := EncodeSealed(make([]byte, crypto.WrappedKeySize), make([]byte, 4))
	require.Error(t, err)
}

func TestEncodeRejectsWrongWrappedKeySize(t *testing.T) {
	_, err := Encode(make([]byte, crypto.WrappedKeySize-1), make([]byte, 16), nil)
	require.Error(t, err)
}
