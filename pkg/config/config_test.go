package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cipherpayd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
network = "testnet"
chainsource_base_url = "http://localhost:8080"
ufvk_encryption_key = "abcd"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultMempoolPollSecs, cfg.MempoolPollSecs)
	assert.Equal(t, defaultBlockPollSecs, cfg.BlockPollSecs)
	assert.Equal(t, defaultWebhookMaxAttempts, cfg.WebhookMaxAttempts)
}

func TestLoadRejectsMissingChainSource(t *testing.T) {
	path := writeConfig(t, `
network = "mainnet"
ufvk_encryption_key = "abcd"
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsAllowedOriginsOnTestnet(t *testing.T) {
	path := writeConfig(t, `
network = "testnet"
chainsource_base_url = "http://localhost:8080"
ufvk_encryption_key = "abcd"
allowed_origins = ["https://example.test"]
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := writeConfig(t, `
network = "testnet"
chainsource_base_url = "http://localhost:8080"
ufvk_encryption_key = "abcd"
mempool_poll_secs = 5
`)

	os.Setenv("CIPHERPAY_MEMPOOL_POLL_SECS", "9")
	defer os.Unsetenv("CIPHERPAY_MEMPOOL_POLL_SECS")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MempoolPollSecs)
}

func TestGetPanicsBeforeLoad(t *testing.T) {
	mu.Lock()
	current = nil
	mu.Unlock()

	assert.Panics(t, func() { Get() })
}
