package viewingkey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherpay.dev/cipherpay-core/pkg/config"
)

func TestInstallAndSnapshot(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	ufvk := mainnetHRP + strings.Repeat("a", 32)
	require.NoError(t, c.Install("m1", ufvk, "addr-1", config.Mainnet))

	entries := c.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].MerchantID)
	assert.Equal(t, "addr-1", entries[0].PaymentAddress)
}

func TestInstallRejectsWrongNetwork(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	ufvk := testnetHRP + strings.Repeat("a", 32)
	err = c.Install("m1", ufvk, "addr-1", config.Mainnet)
	assert.Error(t, err)
	assert.Empty(t, c.Snapshot())
}

func TestEvictRemovesEntry(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	ufvk := mainnetHRP + strings.Repeat("a", 32)
	require.NoError(t, c.Install("m1", ufvk, "addr-1", config.Mainnet))
	require.NoError(t, c.Evict("m1"))
	assert.Empty(t, c.Snapshot())
}

func TestReloadAfterReopen(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(dir)
	require.NoError(t, err)
	ufvk := mainnetHRP + strings.Repeat("a", 32)
	require.NoError(t, c.Install("m1", ufvk, "addr-1", config.Mainnet))
	require.NoError(t, c.Close())

	c2, err := Open(dir)
	require.NoError(t, err)
	defer c2.Close()

	entries := c2.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].MerchantID)
}
