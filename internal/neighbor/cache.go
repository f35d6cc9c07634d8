// Package neighbor implements the IPv4 to MAC address resolution cache.
package neighbor

import (
	"net"
	"net/netip"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/rawnet/internal/addr"
)

// Cache maps IPv4 addresses to link addresses. Entries never expire.
// It is safe for concurrent use.
type Cache struct {
	entries *cache.Cache // ip string → net.HardwareAddr
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		entries: cache.New(cache.NoExpiration, 0),
	}
}

// Set records or replaces the MAC for ip. A copy of mac is stored.
func (c *Cache) Set(ip netip.Addr, mac net.HardwareAddr) {
	stored := make(net.HardwareAddr, len(mac))
	copy(stored, mac)
	c.entries.Set(ip.String(), stored, cache.NoExpiration)
}

// Lookup returns the MAC for ip.
func (c *Cache) Lookup(ip netip.Addr) (net.HardwareAddr, bool) {
	v, ok := c.entries.Get(ip.String())
	if !ok {
		return nil, false
	}
	return v.(net.HardwareAddr), true
}

// Delete removes the entry for ip.
func (c *Cache) Delete(ip netip.Addr) {
	c.entries.Delete(ip.String())
}

// Seed loads textual ip → mac pairs, typically from configuration.
// Nothing is stored if any pair fails to parse.
func (c *Cache) Seed(pairs map[string]string) error {
	parsed := make(map[netip.Addr]net.HardwareAddr, len(pairs))
	for ipText, macText := range pairs {
		ip, err := addr.IPv4(ipText)
		if err != nil {
			return err
		}
		mac, err := addr.MAC(macText)
		if err != nil {
			return err
		}
		parsed[ip] = mac
	}
	for ip, mac := range parsed {
		c.Set(ip, mac)
	}
	return nil
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return c.entries.ItemCount()
}

// Entries returns a snapshot of the cache.
func (c *Cache) Entries() map[netip.Addr]net.HardwareAddr {
	items := c.entries.Items()
	out := make(map[netip.Addr]net.HardwareAddr, len(items))
	for k, item := range items {
		ip, err := netip.ParseAddr(k)
		if err != nil {
			continue
		}
		out[ip] = item.Object.(net.HardwareAddr)
	}
	return out
}
