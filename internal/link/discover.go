package link

import (
	"fmt"
	"net"
	"net/netip"
)

// Discover returns the hardware address and first usable IPv4 address of the
// named interface. Link-local 169.254/16 addresses are skipped.
func Discover(name string) (net.HardwareAddr, netip.Addr, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, netip.Addr{}, fmt.Errorf("discover %s: %w", name, err)
	}
	if len(iface.HardwareAddr) != 6 {
		return nil, netip.Addr{}, fmt.Errorf("discover %s: no ethernet hardware address", name)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, netip.Addr{}, fmt.Errorf("discover %s: %w", name, err)
	}
	ip, ok := firstIPv4(addrs)
	if !ok {
		return nil, netip.Addr{}, fmt.Errorf("discover %s: no IPv4 address", name)
	}
	return iface.HardwareAddr, ip, nil
}

func firstIPv4(addrs []net.Addr) (netip.Addr, bool) {
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipNet.IP.To4())
		if !ok || ip.IsLinkLocalUnicast() {
			continue
		}
		return ip, true
	}
	return netip.Addr{}, false
}
