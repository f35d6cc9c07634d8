package codec

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/rawnet/internal/core"
)

const udpHeaderLen = 8

// UDP is the UDP codec. Checksums are not computed; the field is always zero.
type UDP struct{}

func (UDP) Protocol() core.Protocol { return core.ProtocolUDP }

func (c UDP) Encode(h core.Header) ([]byte, error) {
	u, ok := h.(*core.UDPHeader)
	if !ok {
		return nil, wrongType(c.Protocol(), h)
	}
	total := udpHeaderLen + len(u.Payload)
	if total > 0xffff {
		return nil, fmt.Errorf("%w: UDP length %d", core.ErrAddressOverflow, total)
	}
	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], u.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], u.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], uint16(total))
	copy(buf[udpHeaderLen:], u.Payload)
	return buf, nil
}

func (c UDP) Decode(data []byte) (core.DecodedLayer, error) {
	if len(data) < udpHeaderLen {
		return core.DecodedLayer{}, malformed(c.Protocol(), "%d bytes, need %d", len(data), udpHeaderLen)
	}
	length := int(binary.BigEndian.Uint16(data[4:6]))
	if length < udpHeaderLen || length > len(data) {
		return core.DecodedLayer{}, malformed(c.Protocol(), "length field %d with %d bytes", length, len(data))
	}
	u := &core.UDPHeader{
		SrcPort:  binary.BigEndian.Uint16(data[0:2]),
		DstPort:  binary.BigEndian.Uint16(data[2:4]),
		Length:   uint16(length),
		Checksum: binary.BigEndian.Uint16(data[6:8]),
		Payload:  data[udpHeaderLen:length],
	}
	return core.DecodedLayer{
		Header:        u,
		PayloadOffset: udpHeaderLen,
		PayloadEnd:    length,
		Next:          core.ProtocolNone,
	}, nil
}
