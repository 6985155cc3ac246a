package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxfiler/internal/common/errors"
)

const testKey = "0123456789abcdef0123456789abcdef"

func TestNewEncryptor(t *testing.T) {
	_, err := NewEncryptor("")
	require.Error(t, err)
	assert.Equal(t, errors.KindConfig, errors.KindOf(err))

	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)
	assert.NotNil(t, enc)
}

func TestEncryptDecrypt(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		sealed, err := enc.Encrypt("refresh-token-value")
		require.NoError(t, err)
		assert.NotContains(t, sealed, "refresh-token-value")

		plain, err := enc.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "refresh-token-value", plain)
	})

	t.Run("fresh nonce per call", func(t *testing.T) {
		a, _ := enc.Encrypt("same")
		b, _ := enc.Encrypt("same")
		assert.NotEqual(t, a, b)
	})

	t.Run("empty passes through", func(t *testing.T) {
		sealed, err := enc.Encrypt("")
		require.NoError(t, err)
		assert.Empty(t, sealed)
		plain, err := enc.Decrypt("")
		require.NoError(t, err)
		assert.Empty(t, plain)
	})

	t.Run("wrong key fails", func(t *testing.T) {
		sealed, _ := enc.Encrypt("secret")
		other, _ := NewEncryptor(strings.Repeat("z", 32))
		_, err := other.Decrypt(sealed)
		assert.Error(t, err)
	})

	t.Run("garbage input", func(t *testing.T) {
		_, err := enc.Decrypt("not base64!!")
		assert.Error(t, err)
		_, err = enc.Decrypt("AAAA")
		assert.Error(t, err)
	})
}

func TestEncryptJSON(t *testing.T) {
	enc, err := NewEncryptor(testKey)
	require.NoError(t, err)

	type record struct {
		Access  string `json:"access"`
		Seconds int    `json:"seconds"`
	}

	sealed, err := enc.EncryptJSON(record{Access: "abc", Seconds: 14400})
	require.NoError(t, err)

	var got record
	require.NoError(t, enc.DecryptJSON(sealed, &got))
	assert.Equal(t, record{Access: "abc", Seconds: 14400}, got)

	_, err = enc.EncryptJSON(make(chan int))
	assert.Error(t, err)
}
