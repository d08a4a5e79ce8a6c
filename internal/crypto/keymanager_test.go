package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	blob, err := EncryptToken("mt-bridge-token", "correct horse")
	require.NoError(t, err)

	token, err := DecryptToken(blob, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, "mt-bridge-token", token)
}

func TestDecryptRejectsWrongPassphrase(t *testing.T) {
	t.Parallel()

	blob, err := EncryptToken("mt-bridge-token", "correct horse")
	require.NoError(t, err)

	_, err = DecryptToken(blob, "battery staple")
	assert.Error(t, err)
}

func TestLoadTokenPrefersRawToken(t *testing.T) {
	t.Parallel()

	token, err := LoadToken(TokenConfig{RawToken: "plain", EncryptedTokenPath: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, "plain", token)
}

func TestLoadTokenFromEncryptedFile(t *testing.T) {
	t.Parallel()

	blob, err := EncryptToken("file-token", "pass")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "broker.tok")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	token, err := LoadToken(TokenConfig{EncryptedTokenPath: path, Passphrase: "pass"})
	require.NoError(t, err)
	assert.Equal(t, "file-token", token)
}

func TestLoadTokenFailsWithoutAnySource(t *testing.T) {
	t.Parallel()

	_, err := LoadToken(TokenConfig{})
	assert.Error(t, err)
}
