package codec

import (
	"encoding/binary"
	"net"
	"net/netip"

	"firestige.xyz/rawnet/internal/core"
)

const (
	arpLen            = 28
	arpHardwareEther  = 1
	arpHardwareLen    = 6
	arpProtocolLenIP4 = 4
)

// ARP is the Ethernet/IPv4 ARP codec.
type ARP struct{}

func (ARP) Protocol() core.Protocol { return core.ProtocolARP }

// Encode writes a 28-byte ARP packet. The hardware and protocol descriptors
// are always Ethernet/IPv4; a zero Operation means request. Requests carry
// an all-zero target MAC regardless of h.TargetMAC.
func (c ARP) Encode(h core.Header) ([]byte, error) {
	a, ok := h.(*core.ARPHeader)
	if !ok {
		return nil, wrongType(c.Protocol(), h)
	}
	if !a.SenderIP.Is4() || !a.TargetIP.Is4() {
		return nil, malformed(c.Protocol(), "sender and target must be IPv4")
	}
	if len(a.SenderMAC) != arpHardwareLen {
		return nil, malformed(c.Protocol(), "sender MAC is %d bytes", len(a.SenderMAC))
	}

	op := a.Operation
	if op == 0 {
		op = core.ARPRequest
	}

	buf := make([]byte, arpLen)
	binary.BigEndian.PutUint16(buf[0:2], arpHardwareEther)
	binary.BigEndian.PutUint16(buf[2:4], core.EtherTypeIPv4)
	buf[4] = arpHardwareLen
	buf[5] = arpProtocolLenIP4
	binary.BigEndian.PutUint16(buf[6:8], op)
	copy(buf[8:14], a.SenderMAC)
	sip := a.SenderIP.As4()
	copy(buf[14:18], sip[:])
	if op != core.ARPRequest && len(a.TargetMAC) == arpHardwareLen {
		copy(buf[18:24], a.TargetMAC)
	}
	tip := a.TargetIP.As4()
	copy(buf[24:28], tip[:])
	return buf, nil
}

func (c ARP) Decode(data []byte) (core.DecodedLayer, error) {
	if len(data) < arpLen {
		return core.DecodedLayer{}, malformed(c.Protocol(), "%d bytes, need %d", len(data), arpLen)
	}
	a := &core.ARPHeader{
		HardwareType: binary.BigEndian.Uint16(data[0:2]),
		ProtocolType: binary.BigEndian.Uint16(data[2:4]),
		HardwareLen:  data[4],
		ProtocolLen:  data[5],
		Operation:    binary.BigEndian.Uint16(data[6:8]),
	}
	if a.HardwareLen != arpHardwareLen || a.ProtocolLen != arpProtocolLenIP4 {
		return core.DecodedLayer{}, malformed(c.Protocol(), "address lengths %d/%d", a.HardwareLen, a.ProtocolLen)
	}
	a.SenderMAC = net.HardwareAddr(data[8:14])
	a.SenderIP = netip.AddrFrom4([4]byte(data[14:18]))
	a.TargetMAC = net.HardwareAddr(data[18:24])
	a.TargetIP = netip.AddrFrom4([4]byte(data[24:28]))

	return core.DecodedLayer{
		Header:        a,
		PayloadOffset: arpLen,
		PayloadEnd:    arpLen,
		Next:          core.ProtocolNone,
	}, nil
}

// EncodeARPRequest builds a who-has request for target.
func EncodeARPRequest(senderMAC net.HardwareAddr, senderIP, target netip.Addr) ([]byte, error) {
	return ARP{}.Encode(&core.ARPHeader{
		Operation: core.ARPRequest,
		SenderMAC: senderMAC,
		SenderIP:  senderIP,
		TargetIP:  target,
	})
}
