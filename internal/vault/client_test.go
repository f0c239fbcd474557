package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"

	jsonx "antigravity/internal/shared/json"
)

// seal encrypts a secret map the way the vault writer does.
func seal(t *testing.T, secrets map[string]string, password string, salt []byte) []byte {
	t.Helper()

	plaintext, err := jsonx.Marshal(secrets)
	require.NoError(t, err)

	key := pbkdf2.Key([]byte(password), salt, kdfIterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)

	nonce := make([]byte, nonceLength)
	_, err = rand.Read(nonce)
	require.NoError(t, err)
	return append(nonce, gcm.Seal(nil, nonce, plaintext, nil)...)
}

func TestEncryptedVaultTier(t *testing.T) {
	dir := t.TempDir()
	salt := []byte("0123456789abcdef")
	vaultPath := filepath.Join(dir, "vault.enc")
	saltPath := filepath.Join(dir, "vault.salt")

	require.NoError(t, os.WriteFile(saltPath, salt, 0600))
	require.NoError(t, os.WriteFile(vaultPath,
		seal(t, map[string]string{"VAULT_ONLY_KEY": "from-vault"}, "hunter2", salt), 0600))
	t.Setenv("VAULT_PASSWORD", "hunter2")

	c := New(dir, WithVaultFile(vaultPath, saltPath), WithLogger(nil))
	assert.Equal(t, "from-vault", c.GetSecret("VAULT_ONLY_KEY", "fallback"))
	assert.Equal(t, "fallback", c.GetSecret("ABSENT_KEY", "fallback"))
}

func TestVaultWinsOverEnvironment(t *testing.T) {
	dir := t.TempDir()
	salt := []byte("fedcba9876543210")
	vaultPath := filepath.Join(dir, "vault.enc")
	saltPath := filepath.Join(dir, "vault.salt")

	require.NoError(t, os.WriteFile(saltPath, salt, 0600))
	require.NoError(t, os.WriteFile(vaultPath,
		seal(t, map[string]string{"SHARED_KEY": "from-vault"}, "pw", salt), 0600))
	t.Setenv("VAULT_PASSWORD", "pw")
	t.Setenv("SHARED_KEY", "from-env")

	c := New(dir, WithVaultFile(vaultPath, saltPath), WithLogger(nil))
	assert.Equal(t, "from-vault", c.GetSecret("SHARED_KEY", ""))
}

func TestWrongPasswordFallsThrough(t *testing.T) {
	dir := t.TempDir()
	salt := []byte("0123456789abcdef")
	vaultPath := filepath.Join(dir, "vault.enc")
	saltPath := filepath.Join(dir, "vault.salt")

	require.NoError(t, os.WriteFile(saltPath, salt, 0600))
	require.NoError(t, os.WriteFile(vaultPath,
		seal(t, map[string]string{"KEY": "sealed"}, "right", salt), 0600))
	t.Setenv("VAULT_PASSWORD", "wrong")
	t.Setenv("KEY", "from-env")

	c := New(dir, WithVaultFile(vaultPath, saltPath), WithLogger(nil))
	assert.Equal(t, "from-env", c.GetSecret("KEY", ""))
}

func TestEnvironmentTier(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PLAIN_ENV_KEY", "from-env")

	c := New(dir, WithVaultFile(filepath.Join(dir, "none.enc"), filepath.Join(dir, "none.salt")), WithLogger(nil))
	assert.Equal(t, "from-env", c.GetSecret("PLAIN_ENV_KEY", "default"))
}

func TestLegacyEnvFileTier(t *testing.T) {
	dir := t.TempDir()
	legacy := filepath.Join(dir, "legacy.env")
	require.NoError(t, os.WriteFile(legacy, []byte(
		"# comment\nLEGACY_KEY = \"quoted value\"\nEMPTY_KEY=\n"), 0644))

	c := New(dir,
		WithVaultFile(filepath.Join(dir, "none.enc"), filepath.Join(dir, "none.salt")),
		WithLegacyEnv(legacy), WithLogger(nil))

	assert.Equal(t, "quoted value", c.GetSecret("LEGACY_KEY", ""))
	assert.Equal(t, "default", c.GetSecret("EMPTY_KEY", "default"))
}

func TestDotEnvAutodiscoveryTier(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("DISCOVERED_KEY=found\n"), 0644))

	c := New(dir,
		WithVaultFile(filepath.Join(dir, "none.enc"), filepath.Join(dir, "none.salt")),
		WithLegacyEnv(filepath.Join(dir, "missing.env")), WithLogger(nil))

	assert.Equal(t, "found", c.GetSecret("DISCOVERED_KEY", ""))
}
