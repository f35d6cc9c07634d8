// Package addr converts IPv4 and MAC addresses between text and wire bytes.
package addr

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"firestige.xyz/rawnet/internal/core"
)

const (
	IPv4Len = 4
	MACLen  = 6
)

// Put writes the octets of a dotted-decimal IPv4 or colon-hex MAC address
// into dst, in written order.
func Put(text string, dst []byte) error {
	octets, err := parse(text)
	if err != nil {
		return err
	}
	if len(dst) < len(octets) {
		return fmt.Errorf("%w: %q needs %d bytes, have %d", core.ErrSize, text, len(octets), len(dst))
	}
	copy(dst, octets)
	return nil
}

// String is the inverse of Put. MAC addresses are rendered as lowercase
// two-digit hex.
func String(b []byte) (string, error) {
	switch len(b) {
	case IPv4Len:
		return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3]), nil
	case MACLen:
		return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
			b[0], b[1], b[2], b[3], b[4], b[5]), nil
	default:
		return "", fmt.Errorf("%w: %d bytes is neither an IPv4 nor a MAC address", core.ErrSize, len(b))
	}
}

// IPv4 parses a dotted-decimal address.
func IPv4(text string) (netip.Addr, error) {
	var b [IPv4Len]byte
	if !strings.Contains(text, ".") {
		return netip.Addr{}, fmt.Errorf("%w: %q is not dotted-decimal", core.ErrFormat, text)
	}
	if err := Put(text, b[:]); err != nil {
		return netip.Addr{}, err
	}
	return netip.AddrFrom4(b), nil
}

// MAC parses a colon-hex hardware address.
func MAC(text string) (net.HardwareAddr, error) {
	if !strings.Contains(text, ":") {
		return nil, fmt.Errorf("%w: %q is not colon-hex", core.ErrFormat, text)
	}
	mac := make(net.HardwareAddr, MACLen)
	if err := Put(text, mac); err != nil {
		return nil, err
	}
	return mac, nil
}

// Copy copies every byte of src into the front of dst. A nil or empty src is
// a no-op.
func Copy(src, dst []byte) error {
	if len(src) == 0 {
		return nil
	}
	if len(dst) < len(src) {
		return fmt.Errorf("%w: copying %d bytes into %d", core.ErrSize, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

// Merge concatenates the non-empty buffers, in argument order, into a newly
// allocated slice.
func Merge(bufs ...[]byte) []byte {
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	out := make([]byte, 0, n)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

func parse(text string) ([]byte, error) {
	switch {
	case strings.Contains(text, "."):
		ip, err := netip.ParseAddr(text)
		if err != nil || !ip.Is4() {
			return nil, fmt.Errorf("%w: %q is not a dotted-decimal IPv4 address", core.ErrFormat, text)
		}
		b := ip.As4()
		return b[:], nil
	case strings.Contains(text, ":"):
		parts := strings.Split(text, ":")
		if len(parts) != MACLen {
			return nil, fmt.Errorf("%w: %q is not a colon-hex MAC address", core.ErrFormat, text)
		}
		mac := make([]byte, MACLen)
		for i, part := range parts {
			if len(part) == 0 || len(part) > 2 {
				return nil, fmt.Errorf("%w: bad octet %q in %q", core.ErrFormat, part, text)
			}
			val, err := strconv.ParseUint(part, 16, 8)
			if err != nil {
				return nil, fmt.Errorf("%w: bad octet %q in %q", core.ErrFormat, part, text)
			}
			mac[i] = byte(val)
		}
		return mac, nil
	default:
		return nil, fmt.Errorf("%w: %q", core.ErrFormat, text)
	}
}
