package viewingkey

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherpay.dev/cipherpay-core/pkg/config"
)

func fakeUFVK(hrp string, withSapling bool) string {
	orchard := strings.Repeat("a", 32)
	if !withSapling {
		return hrp + orchard
	}
	sapling := strings.Repeat("b", 32)
	return hrp + orchard + sapling
}

func TestParseUFVKNetworkPrefix(t *testing.T) {
	u, err := ParseUFVK(fakeUFVK(mainnetHRP, false))
	require.NoError(t, err)
	assert.Equal(t, config.Mainnet, u.Network)
	assert.False(t, u.HasSapling)

	u, err = ParseUFVK(fakeUFVK(testnetHRP, true))
	require.NoError(t, err)
	assert.Equal(t, config.Testnet, u.Network)
	assert.True(t, u.HasSapling)
}

func TestParseUFVKRejectsUnknownPrefix(t *testing.T) {
	_, err := ParseUFVK("zview" + strings.Repeat("a", 32))
	assert.Error(t, err)
}

func TestCheckNetworkMismatch(t *testing.T) {
	u, err := ParseUFVK(fakeUFVK(mainnetHRP, false))
	require.NoError(t, err)

	assert.NoError(t, u.CheckNetwork(config.Mainnet))
	assert.Error(t, u.CheckNetwork(config.Testnet))
}

func TestPrepareIsDeterministic(t *testing.T) {
	u, err := ParseUFVK(fakeUFVK(mainnetHRP, true))
	require.NoError(t, err)

	p1 := u.Prepare("addr-1")
	p2 := u.Prepare("addr-1")
	assert.Equal(t, p1.Orchard.Bytes(), p2.Orchard.Bytes())
	assert.True(t, p1.HasSapling)
}
