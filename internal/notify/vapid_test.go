package notify

import (
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureVAPIDKeys_GeneratesValidPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")

	keys, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)

	// The public key is an uncompressed P-256 point (0x04 || X || Y), the
	// private key is the 32-byte scalar. Getting these backwards would hand
	// the private key to every browser.
	pub, err := base64.RawURLEncoding.DecodeString(keys.PublicKey)
	require.NoError(t, err)
	assert.Len(t, pub, 65)
	assert.Equal(t, byte(0x04), pub[0])

	priv, err := base64.RawURLEncoding.DecodeString(keys.PrivateKey)
	require.NoError(t, err)
	assert.Len(t, priv, 32)
}

func TestEnsureVAPIDKeys_ReloadsSavedPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vapid.json")

	first, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)

	second, err := EnsureVAPIDKeys(path)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey, second.PublicKey)
	assert.Equal(t, first.PrivateKey, second.PrivateKey)
}
