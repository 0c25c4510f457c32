package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Encrypted secrets file layout: salt || nonce || AES-GCM ciphertext.
const (
	SecretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	gcmTagSize      = 16
	scryptN         = 32768
	scryptR         = 8
	scryptP         = 1
	keySize         = 32
)

var (
	// ErrSecretNotFound is returned when neither the secrets file nor the environment has a value.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrDecrypt is returned for a wrong password or a corrupted file.
	ErrDecrypt = errors.New("decryption failed (wrong password or corrupted file)")
)

// SecretStore resolves credentials from an encrypted file, falling back to the environment.
type SecretStore struct {
	path   string
	mu     sync.RWMutex
	values map[string]string
}

// NewSecretStore returns a store backed by path. Nothing is read until Unlock.
func NewSecretStore(path string) *SecretStore {
	return &SecretStore{path: path, values: make(map[string]string)}
}

// DefaultSecretsPath places the secrets file next to the database.
func DefaultSecretsPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), SecretsFileName)
}

// Exists reports whether the encrypted file is present.
func (s *SecretStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Unlock decrypts the file with password and loads its values.
func (s *SecretStore) Unlock(password string) error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0600 {
		getLogger().Warn("⚠️ Secrets file %s has mode %04o, tightening to 0600", s.path, info.Mode().Perm())
		if chmodErr := os.Chmod(s.path, 0600); chmodErr != nil {
			return fmt.Errorf("failed to fix secrets file permissions: %w", chmodErr)
		}
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read secrets file: %w", err)
	}
	values, err := decryptSecrets(password, data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.values = values
	s.mu.Unlock()
	return nil
}

// Save encrypts the current values with password and writes them with mode 0600.
func (s *SecretStore) Save(password string) error {
	s.mu.RLock()
	snapshot := make(map[string]string, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	data, err := encryptSecrets(password, snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// Get returns the secret from the unlocked file, else from the environment.
func (s *SecretStore) Get(name string) (string, error) {
	s.mu.RLock()
	value, ok := s.values[name]
	s.mu.RUnlock()
	if ok && value != "" {
		return value, nil
	}
	if value := os.Getenv(name); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
}

// Set stores a value in memory. Call Save to persist it.
func (s *SecretStore) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// Delete removes a value from memory.
func (s *SecretStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
}

// Names lists stored secret names in sorted order.
func (s *SecretStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// APIKey resolves the credential for provider. For Ollama it returns the host URL.
func (s *SecretStore) APIKey(cfg *LLMConfig) (string, error) {
	var envVar string
	switch cfg.Provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		return cfg.OllamaHost, nil
	default:
		return "", fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
	return s.Get(envVar)
}

func deriveKey(password string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func encryptSecrets(password string, values map[string]string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	plaintext, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal secrets: %w", err)
	}
	defer zero(plaintext)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, saltSize+nonceSize+len(plaintext)+gcmTagSize)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

func decryptSecrets(password string, data []byte) (map[string]string, error) {
	if len(data) < saltSize+nonceSize+gcmTagSize {
		return nil, fmt.Errorf("secrets file is corrupted (too small)")
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	ciphertext := data[saltSize+nonceSize:]

	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	defer zero(plaintext)

	values := make(map[string]string)
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return values, nil
}
