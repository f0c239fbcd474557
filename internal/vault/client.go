// Package vault resolves secrets through a read-only fallback chain: an
// encrypted vault file, process environment, a legacy .env file, .env
// autodiscovery, then a caller-supplied default.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/pbkdf2"

	jsonx "antigravity/internal/shared/json"
	"antigravity/internal/logging"
)

const (
	kdfIterations = 600_000
	keyLength     = 32
	nonceLength   = 12

	passwordEnvVar   = "VAULT_PASSWORD"
	passwordFileName = ".vault_pw"
)

// Client resolves secrets. Safe for concurrent use; the encrypted vault is
// decrypted at most once per process.
type Client struct {
	vaultPath  string
	saltPath   string
	legacyEnv  string
	searchDirs []string
	logger     logging.Logger

	once  sync.Once
	cache map[string]string
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithVaultFile overrides the encrypted vault and salt paths.
func WithVaultFile(vaultPath, saltPath string) Option {
	return func(c *Client) {
		c.vaultPath = vaultPath
		c.saltPath = saltPath
	}
}

// WithLegacyEnv sets the legacy .env file consulted after the environment.
func WithLegacyEnv(path string) Option {
	return func(c *Client) { c.legacyEnv = path }
}

// New builds a Client anchored at callerDir. The encrypted vault lives at a
// fixed user-home path with a side-by-side salt file; .env autodiscovery
// covers callerDir and its parent.
func New(callerDir string, opts ...Option) *Client {
	home, err := os.UserHomeDir()
	if err != nil {
		home = callerDir
	}
	c := &Client{
		vaultPath:  filepath.Join(home, ".antigravity", "vault.enc"),
		saltPath:   filepath.Join(home, ".antigravity", "vault.salt"),
		legacyEnv:  filepath.Join(callerDir, ".env"),
		searchDirs: []string{callerDir, filepath.Dir(callerDir)},
		logger:     logging.NewComponentLogger("vault"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	return c
}

// GetSecret resolves key through the fallback chain, returning def when no
// tier yields a non-empty value.
func (c *Client) GetSecret(key, def string) string {
	if val, ok := c.vaultLookup(key); ok {
		return val
	}
	if val := os.Getenv(key); val != "" {
		return val
	}
	if val, ok := parseEnvFile(c.legacyEnv, key); ok {
		return val
	}
	for _, dir := range c.searchDirs {
		path := filepath.Join(dir, ".env")
		if path == c.legacyEnv {
			continue
		}
		if vals, err := godotenv.Read(path); err == nil {
			if val, ok := vals[key]; ok && val != "" {
				return val
			}
		}
	}
	return def
}

func (c *Client) vaultLookup(key string) (string, bool) {
	c.once.Do(c.loadVault)
	val, ok := c.cache[key]
	return val, ok && val != ""
}

// loadVault decrypts the vault file once. Every failure collapses to an
// empty cache so later tiers take over.
func (c *Client) loadVault() {
	c.cache = map[string]string{}

	ciphertext, err := os.ReadFile(c.vaultPath)
	if err != nil {
		return
	}
	salt, err := os.ReadFile(c.saltPath)
	if err != nil {
		c.logger.Warn("Vault present but salt file missing: %v", err)
		return
	}
	password := c.masterPassword()
	if password == "" {
		c.logger.Warn("Vault present but no master password available")
		return
	}

	plaintext, err := decrypt(ciphertext, password, salt)
	if err != nil {
		c.logger.Warn("Vault decrypt failed, falling back to environment: %v", err)
		return
	}

	var secrets map[string]string
	if err := jsonx.Unmarshal(plaintext, &secrets); err != nil {
		c.logger.Warn("Vault payload is not a key/value map: %v", err)
		return
	}
	c.cache = secrets
	c.logger.Info("Vault unlocked (%d keys)", len(secrets))
}

func (c *Client) masterPassword() string {
	if pw := os.Getenv(passwordEnvVar); pw != "" {
		return pw
	}
	for _, dir := range c.searchDirs {
		data, err := os.ReadFile(filepath.Join(dir, passwordFileName))
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

func decrypt(ciphertext []byte, password string, salt []byte) ([]byte, error) {
	key := pbkdf2.Key([]byte(password), salt, kdfIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceLength {
		return nil, aes.KeySizeError(len(ciphertext))
	}
	nonce, sealed := ciphertext[:nonceLength], ciphertext[nonceLength:]
	return gcm.Open(nil, nonce, sealed, nil)
}

// parseEnvFile reads KEY=VALUE lines, tolerating comments and quotes.
func parseEnvFile(path, key string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, found := strings.Cut(line, "=")
		if !found || strings.TrimSpace(name) != key {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if value != "" {
			return value, true
		}
	}
	return "", false
}
