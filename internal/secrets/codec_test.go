package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecSealsAndOpens(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	codec, err := NewCodec(key)
	require.NoError(t, err)

	sealed, err := codec.Encrypt("AIza-secret")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "AIza-secret")

	again, err := codec.Encrypt("AIza-secret")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "fresh nonce per seal")

	opened, err := codec.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "AIza-secret", opened)
}

func TestCodecRejectsForeignCiphertext(t *testing.T) {
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	a, err := NewCodec(k1)
	require.NoError(t, err)
	b, err := NewCodec(k2)
	require.NoError(t, err)

	sealed, err := a.Encrypt("value")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = a.Decrypt("not base64!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewCodecValidatesKey(t *testing.T) {
	_, err := NewCodec("c2hvcnQ=")
	assert.Error(t, err)
}
