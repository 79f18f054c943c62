package crypto

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/Sebastian464/couchdb"
	"github.com/stretchr/testify/require"
)

func randDbKey(t *testing.T) couchdb.DbKey {
	t.Helper()
	var k couchdb.DbKey
	_, err := io.ReadFull(rand.Reader, k[:])
	require.NoError(t, err)
	return k
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	kek := randDbKey(t)
	key := randPerValueKey(t)

	wrapped, err := WrapKey(kek, key)
	require.NoError(t, err)
	require.Len(t, wrapped, WrappedKeySize)

	got, err := UnwrapKey(kek, wrapped)
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestUnwrapFailsUnderWrongKek(t *testing.T) {
	key := randPerValueKey(t)
	wrapped, err := WrapKey(randDbKey(t), key)
	require.NoError(t, err)

	_, err = UnwrapKey(randDbKey(t), wrapped)
	require.ErrorIs(t, err, couchdb.ErrDecryptionFailed)
}

func TestUnwrapFailsOnCorruptedWrappedKey(t *testing.T) {
	kek := randDbKey(t)
	wrapped, err := WrapKey(kek, randPerValueKey(t))
	require.NoError(t, err)

	wrapped[0] ^= 0x01
	_, err = UnwrapKey(kek, wrapped)
	require.ErrorIs(t, err, couchdb.ErrDecryptionFailed)
}

func TestUnwrapRejectsWrongLength(t *testing.T) {
	_, err := UnwrapKey(randDbKey(t), make([]byte, WrappedKeySize-1))
	require.Error(t, err)
}

func TestWrapProducesDistinctOutputForDistinctKeys(t *testing.T) {
	kek := randDbKey(t)
	a, err := WrapKey(kek, randPerValueKey(t))
	require.NoError(t, err)
	b, err := WrapKey(kek, randPerValueKey(t))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
