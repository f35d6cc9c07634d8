package codec

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net/netip"

	"firestige.xyz/rawnet/internal/checksum"
	"firestige.xyz/rawnet/internal/core"
)

const (
	ipv4HeaderMinLen  = 20
	ipv4MaxOptionsLen = 40
	ipv4MaxTotalLen   = 0xffff

	// DefaultTTL is used when a header is encoded with TTL zero.
	DefaultTTL = 64
)

// IPv4 is the IPv4 codec. Decode marks packets whose destination differs from
// the local address as not for us; a zero local address accepts everything.
type IPv4 struct {
	local netip.Addr
}

// NewIPv4 returns an IPv4 codec bound to the local address.
func NewIPv4(local netip.Addr) *IPv4 {
	return &IPv4{local: local}
}

func (*IPv4) Protocol() core.Protocol { return core.ProtocolIPv4 }

// Encode writes the header, options (zero-padded to whole words) and payload.
// TTL zero becomes DefaultTTL and ID zero is replaced by a random value.
func (c *IPv4) Encode(h core.Header) ([]byte, error) {
	ip, ok := h.(*core.IPv4Header)
	if !ok {
		return nil, wrongType(c.Protocol(), h)
	}
	if len(ip.Options) > ipv4MaxOptionsLen {
		return nil, fmt.Errorf("%w: %d bytes of IPv4 options, max %d",
			core.ErrAddressOverflow, len(ip.Options), ipv4MaxOptionsLen)
	}
	if !ip.SrcIP.Is4() || !ip.DstIP.Is4() {
		return nil, fmt.Errorf("%w: IPv4 header needs IPv4 source and destination", core.ErrFormat)
	}
	options := padWords(ip.Options)
	headerLen := ipv4HeaderMinLen + len(options)
	total := headerLen + len(ip.Payload)
	if total > ipv4MaxTotalLen {
		return nil, fmt.Errorf("%w: IPv4 total length %d", core.ErrAddressOverflow, total)
	}

	ttl := ip.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	id := ip.ID
	if id == 0 {
		id = uint16(rand.Uint32())
	}

	buf := make([]byte, total)
	buf[0] = 4<<4 | uint8(headerLen/4)
	buf[1] = ip.TOS
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint16(buf[4:6], id)
	binary.BigEndian.PutUint16(buf[6:8], uint16(ip.Flags&0x7)<<13|ip.FragOffset&0x1fff)
	buf[8] = ttl
	buf[9] = ip.Proto
	src, dst := ip.SrcIP.As4(), ip.DstIP.As4()
	copy(buf[12:16], src[:])
	copy(buf[16:20], dst[:])
	copy(buf[20:headerLen], options)
	binary.BigEndian.PutUint16(buf[10:12], checksum.Sum(buf[:headerLen]))
	copy(buf[headerLen:], ip.Payload)
	return buf, nil
}

// Decode parses the header. PayloadEnd comes from the total length field so
// link-layer padding is excluded from the payload.
func (c *IPv4) Decode(data []byte) (core.DecodedLayer, error) {
	if len(data) < ipv4HeaderMinLen {
		return core.DecodedLayer{}, malformed(c.Protocol(), "%d bytes, need %d", len(data), ipv4HeaderMinLen)
	}
	if v := data[0] >> 4; v != 4 {
		return core.DecodedLayer{}, malformed(c.Protocol(), "version %d", v)
	}
	ihl := data[0] & 0x0f
	headerLen := int(ihl) * 4
	if headerLen < ipv4HeaderMinLen || len(data) < headerLen {
		return core.DecodedLayer{}, malformed(c.Protocol(), "header length %d with %d bytes", headerLen, len(data))
	}
	totalLen := int(binary.BigEndian.Uint16(data[2:4]))
	if totalLen < headerLen || totalLen > len(data) {
		return core.DecodedLayer{}, malformed(c.Protocol(), "total length %d with %d bytes", totalLen, len(data))
	}

	flagsFrag := binary.BigEndian.Uint16(data[6:8])
	ip := &core.IPv4Header{
		Version:    4,
		IHL:        ihl,
		TOS:        data[1],
		TotalLen:   uint16(totalLen),
		ID:         binary.BigEndian.Uint16(data[4:6]),
		Flags:      uint8(flagsFrag >> 13),
		FragOffset: flagsFrag & 0x1fff,
		TTL:        data[8],
		Proto:      data[9],
		Checksum:   binary.BigEndian.Uint16(data[10:12]),
		SrcIP:      netip.AddrFrom4([4]byte(data[12:16])),
		DstIP:      netip.AddrFrom4([4]byte(data[16:20])),
		Payload:    data[headerLen:totalLen],
	}
	if headerLen > ipv4HeaderMinLen {
		ip.Options = data[ipv4HeaderMinLen:headerLen]
	}

	layer := core.DecodedLayer{
		Header:        ip,
		PayloadOffset: headerLen,
		PayloadEnd:    totalLen,
		Next:          core.ProtocolFromIPProtocol(ip.Proto),
	}
	if c.local.IsValid() && ip.DstIP != c.local {
		layer.NotForUs = true
	}
	return layer, nil
}

// EncodePacket wraps an encoded transport segment in an IPv4 header with the
// don't-fragment bit set.
func (c *IPv4) EncodePacket(src, dst netip.Addr, proto uint8, segment []byte) ([]byte, error) {
	return c.Encode(&core.IPv4Header{
		Flags:   core.IPv4FlagDontFragment,
		TTL:     DefaultTTL,
		Proto:   proto,
		SrcIP:   src,
		DstIP:   dst,
		Payload: segment,
	})
}
