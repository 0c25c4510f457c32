package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".autopilot", SecretsFileName)
	store := NewSecretStore(path)
	assert.False(t, store.Exists())

	store.Set(EnvAnthropicAPIKey, "sk-test")
	store.Set("NATS_TOKEN", "tok")
	require.NoError(t, store.Save("hunter2"))
	require.True(t, store.Exists())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reopened := NewSecretStore(path)
	require.NoError(t, reopened.Unlock("hunter2"))
	assert.Equal(t, []string{EnvAnthropicAPIKey, "NATS_TOKEN"}, reopened.Names())

	key, err := reopened.APIKey(&LLMConfig{Provider: ProviderAnthropic})
	require.NoError(t, err)
	assert.Equal(t, "sk-test", key)
}

func TestSecretStoreWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), SecretsFileName)
	store := NewSecretStore(path)
	store.Set("A", "1")
	require.NoError(t, store.Save("right"))

	err := NewSecretStore(path).Unlock("wrong")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSecretStoreFallsBackToEnv(t *testing.T) {
	t.Setenv(EnvOpenAIAPIKey, "from-env")
	store := NewSecretStore(filepath.Join(t.TempDir(), SecretsFileName))

	v, err := store.APIKey(&LLMConfig{Provider: ProviderOpenAI})
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	store.Delete(EnvOpenAIAPIKey)
	_, err = store.Get("DOES_NOT_EXIST_ANYWHERE")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestSecretStoreOllamaUsesHost(t *testing.T) {
	store := NewSecretStore(filepath.Join(t.TempDir(), SecretsFileName))
	v, err := store.APIKey(&LLMConfig{Provider: ProviderOllama, OllamaHost: "http://gpu:11434"})
	require.NoError(t, err)
	assert.Equal(t, "http://gpu:11434", v)
}

func TestDecryptRejectsTruncatedData(t *testing.T) {
	_, err := decryptSecrets("pw", []byte("short"))
	assert.Error(t, err)
}
