//go:build !linux

package link

import (
	"errors"
	"net"
	"net/netip"
)

// OpenAFPacket is only available on linux.
func OpenAFPacket(iface string, mac net.HardwareAddr, ip netip.Addr, raw map[string]any, opts ...Option) (Link, error) {
	return nil, errors.New("afpacket link requires linux")
}
