package codec

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/rawnet/internal/checksum"
	"firestige.xyz/rawnet/internal/core"
)

const (
	tcpHeaderMinLen  = 20
	tcpMaxOptionsLen = 40

	// DefaultWindow is the advertised receive window of outbound segments.
	DefaultWindow = 17520
	// DefaultMSS is advertised in the MSS option.
	DefaultMSS = 1460
	// DefaultWindowScale is advertised in the window scale option.
	DefaultWindowScale = 8
)

// TCP option kinds.
const (
	TCPOptionEnd           = 0
	TCPOptionNOP           = 1
	TCPOptionMSS           = 2
	TCPOptionWindowScale   = 3
	TCPOptionSACKPermitted = 4
)

// DefaultOptions returns the 12 option bytes carried by every outbound
// segment: MSS, NOP, window scale, NOP, NOP, SACK permitted.
func DefaultOptions() []byte {
	return []byte{
		TCPOptionMSS, 4, DefaultMSS >> 8, DefaultMSS & 0xff,
		TCPOptionNOP,
		TCPOptionWindowScale, 3, DefaultWindowScale,
		TCPOptionNOP, TCPOptionNOP,
		TCPOptionSACKPermitted, 2,
	}
}

// TCP is the TCP codec. Encode needs SrcIP and DstIP on the header for the
// pseudo-header checksum.
type TCP struct{}

func (TCP) Protocol() core.Protocol { return core.ProtocolTCP }

// Encode writes the segment. Nil Options means DefaultOptions; Window zero
// means DefaultWindow. DataOffset and Checksum are always computed.
func (c TCP) Encode(h core.Header) ([]byte, error) {
	t, ok := h.(*core.TCPHeader)
	if !ok {
		return nil, wrongType(c.Protocol(), h)
	}
	opts := t.Options
	if opts == nil {
		opts = DefaultOptions()
	}
	if len(opts) > tcpMaxOptionsLen {
		return nil, fmt.Errorf("%w: %d bytes of TCP options, max %d",
			core.ErrAddressOverflow, len(opts), tcpMaxOptionsLen)
	}
	if !t.SrcIP.Is4() || !t.DstIP.Is4() {
		return nil, fmt.Errorf("%w: TCP checksum needs IPv4 source and destination", core.ErrFormat)
	}
	opts = padWords(opts)
	headerLen := tcpHeaderMinLen + len(opts)
	total := headerLen + len(t.Payload)
	if total > ipv4MaxTotalLen-ipv4HeaderMinLen {
		return nil, fmt.Errorf("%w: TCP segment length %d", core.ErrAddressOverflow, total)
	}
	window := t.Window
	if window == 0 {
		window = DefaultWindow
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], t.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], t.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], t.Seq)
	binary.BigEndian.PutUint32(buf[8:12], t.Ack)
	binary.BigEndian.PutUint16(buf[12:14], uint16(headerLen/4)<<12|uint16(t.Flags&0x3f))
	binary.BigEndian.PutUint16(buf[14:16], window)
	binary.BigEndian.PutUint16(buf[18:20], t.Urgent)
	copy(buf[tcpHeaderMinLen:headerLen], opts)
	copy(buf[headerLen:], t.Payload)
	binary.BigEndian.PutUint16(buf[16:18], checksum.Transport(t.SrcIP, t.DstIP, core.IPProtocolTCP, buf))
	return buf, nil
}

// Decode parses the segment. SrcIP and DstIP are left for the caller.
func (c TCP) Decode(data []byte) (core.DecodedLayer, error) {
	if len(data) < tcpHeaderMinLen {
		return core.DecodedLayer{}, malformed(c.Protocol(), "%d bytes, need %d", len(data), tcpHeaderMinLen)
	}
	offFlags := binary.BigEndian.Uint16(data[12:14])
	dataOffset := uint8(offFlags >> 12)
	headerLen := int(dataOffset) * 4
	if headerLen < tcpHeaderMinLen || len(data) < headerLen {
		return core.DecodedLayer{}, malformed(c.Protocol(), "data offset %d with %d bytes", dataOffset, len(data))
	}
	t := &core.TCPHeader{
		SrcPort:    binary.BigEndian.Uint16(data[0:2]),
		DstPort:    binary.BigEndian.Uint16(data[2:4]),
		Seq:        binary.BigEndian.Uint32(data[4:8]),
		Ack:        binary.BigEndian.Uint32(data[8:12]),
		DataOffset: dataOffset,
		Flags:      core.TCPFlags(offFlags & 0x3f),
		Window:     binary.BigEndian.Uint16(data[14:16]),
		Checksum:   binary.BigEndian.Uint16(data[16:18]),
		Urgent:     binary.BigEndian.Uint16(data[18:20]),
		Payload:    data[headerLen:],
	}
	if headerLen > tcpHeaderMinLen {
		t.Options = data[tcpHeaderMinLen:headerLen]
	}
	return core.DecodedLayer{
		Header:        t,
		PayloadOffset: headerLen,
		PayloadEnd:    len(data),
		Next:          core.ProtocolNone,
	}, nil
}
