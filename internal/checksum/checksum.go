// Package checksum implements the RFC 1071 Internet checksum.
package checksum

import (
	"encoding/binary"
	"net/netip"
)

// PseudoHeaderLen is the size of the IPv4 TCP/UDP pseudo-header.
const PseudoHeaderLen = 12

// Sum returns the one's complement of the one's complement sum of b taken as
// big-endian 16-bit words. An odd trailing byte is padded with zero.
func Sum(b []byte) uint16 {
	return Finish(Partial(0, b))
}

// Partial adds b to a running 32-bit sum. Only the final chunk passed to
// Partial may have odd length.
func Partial(sum uint32, b []byte) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

// Finish folds carries into the low 16 bits and complements the result.
func Finish(sum uint32) uint16 {
	sum = (sum & 0xffff) + (sum >> 16)
	for sum > 0xffff {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PseudoHeader builds the 12-byte pseudo-header that prefixes a TCP or UDP
// segment for checksum purposes. It is never transmitted.
func PseudoHeader(src, dst netip.Addr, proto uint8, length uint16) []byte {
	ph := make([]byte, PseudoHeaderLen)
	s, d := src.As4(), dst.As4()
	copy(ph[0:4], s[:])
	copy(ph[4:8], d[:])
	ph[8] = 0
	ph[9] = proto
	binary.BigEndian.PutUint16(ph[10:12], length)
	return ph
}

// Transport computes the checksum of a TCP or UDP segment including its
// pseudo-header. The segment's checksum field must already be zero when
// computing and left in place when verifying.
func Transport(src, dst netip.Addr, proto uint8, segment []byte) uint16 {
	sum := Partial(0, PseudoHeader(src, dst, proto, uint16(len(segment))))
	return Finish(Partial(sum, segment))
}
