// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Protocol identifies one layer of the closed ARP/IPv4/UDP/TCP set.
type Protocol uint8

const (
	// ProtocolNone marks a payload that carries no nested protocol.
	ProtocolNone Protocol = iota
	ProtocolARP
	ProtocolIPv4
	ProtocolUDP
	ProtocolTCP
	// ProtocolUnknown marks an ethertype or IP protocol number outside the set.
	ProtocolUnknown
)

// EtherType and IP protocol numbers used on the wire.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806

	IPProtocolTCP uint8 = 6
	IPProtocolUDP uint8 = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolNone:
		return "none"
	case ProtocolARP:
		return "arp"
	case ProtocolIPv4:
		return "ipv4"
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	default:
		return "unknown"
	}
}

// ProtocolFromEtherType maps a link-layer ethertype onto the closed set.
func ProtocolFromEtherType(etherType uint16) Protocol {
	switch etherType {
	case EtherTypeIPv4:
		return ProtocolIPv4
	case EtherTypeARP:
		return ProtocolARP
	default:
		return ProtocolUnknown
	}
}

// ProtocolFromIPProtocol maps an IPv4 protocol number onto the closed set.
func ProtocolFromIPProtocol(proto uint8) Protocol {
	switch proto {
	case IPProtocolTCP:
		return ProtocolTCP
	case IPProtocolUDP:
		return ProtocolUDP
	default:
		return ProtocolUnknown
	}
}

// Header is the structured form of one decoded or to-be-encoded layer.
type Header interface {
	Protocol() Protocol
}

// PortHeader is implemented by transport headers.
type PortHeader interface {
	Header
	Ports() (src, dst uint16)
}

// DecodedLayer is the result of decoding one layer from the front of a buffer.
// Offsets index into the decoded buffer; nothing is copied.
type DecodedLayer struct {
	Header        Header
	PayloadOffset int
	PayloadEnd    int
	Next          Protocol
	// NotForUs is set when the layer is addressed to another host.
	NotForUs bool
}

// ARP operation codes.
const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2
)

// ARPHeader represents an Ethernet/IPv4 ARP packet.
type ARPHeader struct {
	HardwareType uint16
	ProtocolType uint16
	HardwareLen  uint8
	ProtocolLen  uint8
	Operation    uint16
	SenderMAC    net.HardwareAddr
	SenderIP     netip.Addr
	TargetMAC    net.HardwareAddr // all-zero for requests
	TargetIP     netip.Addr
}

func (*ARPHeader) Protocol() Protocol { return ProtocolARP }

// IPv4 flag bits, as carried in the top 3 bits of the flags/fragment word.
const (
	IPv4FlagMoreFragments uint8 = 0b001
	IPv4FlagDontFragment  uint8 = 0b010
)

// IPv4Header represents an IPv4 header and its payload.
type IPv4Header struct {
	Version    uint8
	IHL        uint8 // header length in 32-bit words
	TOS        uint8
	TotalLen   uint16
	ID         uint16
	Flags      uint8
	FragOffset uint16
	TTL        uint8
	Proto      uint8 // IP protocol number; TCP=6, UDP=17
	Checksum   uint16
	SrcIP      netip.Addr
	DstIP      netip.Addr
	Options    []byte
	Payload    []byte
}

func (*IPv4Header) Protocol() Protocol { return ProtocolIPv4 }

// UDPHeader represents a UDP datagram.
type UDPHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Length   uint16
	Checksum uint16
	Payload  []byte
}

func (*UDPHeader) Protocol() Protocol { return ProtocolUDP }

func (h *UDPHeader) Ports() (uint16, uint16) { return h.SrcPort, h.DstPort }

// TCPFlags holds the six control bits in their wire positions.
type TCPFlags uint8

const (
	TCPFlagFIN TCPFlags = 1 << iota
	TCPFlagSYN
	TCPFlagRST
	TCPFlagPSH
	TCPFlagACK
	TCPFlagURG
)

// Has reports whether every bit in mask is set.
func (f TCPFlags) Has(mask TCPFlags) bool { return f&mask == mask }

func (f TCPFlags) String() string {
	names := []struct {
		flag TCPFlags
		name string
	}{
		{TCPFlagURG, "URG"}, {TCPFlagACK, "ACK"}, {TCPFlagPSH, "PSH"},
		{TCPFlagRST, "RST"}, {TCPFlagSYN, "SYN"}, {TCPFlagFIN, "FIN"},
	}
	var set []string
	for _, n := range names {
		if f.Has(n.flag) {
			set = append(set, n.name)
		}
	}
	if len(set) == 0 {
		return fmt.Sprintf("0x%02x", uint8(f))
	}
	return strings.Join(set, "|")
}

// TCPHeader represents a TCP segment.
// SrcIP and DstIP are pseudo-header inputs for the checksum; they are not
// part of the segment. Decode leaves them unset and the dispatcher copies
// them from the enclosing IPv4 header.
type TCPHeader struct {
	SrcPort    uint16
	DstPort    uint16
	Seq        uint32
	Ack        uint32
	DataOffset uint8 // header length in 32-bit words
	Flags      TCPFlags
	Window     uint16
	Checksum   uint16
	Urgent     uint16
	Options    []byte
	Payload    []byte

	SrcIP netip.Addr
	DstIP netip.Addr
}

func (*TCPHeader) Protocol() Protocol { return ProtocolTCP }

func (h *TCPHeader) Ports() (uint16, uint16) { return h.SrcPort, h.DstPort }
