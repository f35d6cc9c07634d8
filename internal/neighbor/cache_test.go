package neighbor

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rawnet/internal/core"
)

func TestCache_SetLookup(t *testing.T) {
	c := New()
	ip := netip.MustParseAddr("10.0.0.1")
	mac := net.HardwareAddr{0xfc, 0xd7, 0x33, 0x4c, 0x79, 0xe8}

	_, ok := c.Lookup(ip)
	assert.False(t, ok)

	c.Set(ip, mac)
	got, ok := c.Lookup(ip)
	require.True(t, ok)
	assert.Equal(t, mac, got)
	assert.Equal(t, 1, c.Len())

	// stored value is a copy
	mac[0] = 0
	got, _ = c.Lookup(ip)
	assert.Equal(t, byte(0xfc), got[0])

	c.Delete(ip)
	assert.Equal(t, 0, c.Len())
}

func TestCache_Seed(t *testing.T) {
	c := New()
	err := c.Seed(map[string]string{
		"10.0.0.1": "fc:d7:33:4c:79:e8",
		"10.0.0.7": "02:42:ac:11:00:07",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	got, ok := c.Lookup(netip.MustParseAddr("10.0.0.7"))
	require.True(t, ok)
	assert.Equal(t, "02:42:ac:11:00:07", got.String())

	entries := c.Entries()
	assert.Len(t, entries, 2)
}

func TestCache_SeedRejectsBadPairs(t *testing.T) {
	c := New()
	err := c.Seed(map[string]string{"10.0.0.1": "not-a-mac"})
	assert.ErrorIs(t, err, core.ErrFormat)

	err = c.Seed(map[string]string{"gateway": "fc:d7:33:4c:79:e8"})
	assert.ErrorIs(t, err, core.ErrFormat)
	assert.Equal(t, 0, c.Len())
}
