package codec

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rawnet/internal/checksum"
	"firestige.xyz/rawnet/internal/core"
)

var (
	localIP  = netip.MustParseAddr("10.0.0.2")
	remoteIP = netip.MustParseAddr("93.184.216.34")
	localMAC = net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x02}
	peerMAC  = net.HardwareAddr{0xfc, 0xd7, 0x33, 0x4c, 0x79, 0xe8}
)

func TestARPEncodeRequest(t *testing.T) {
	b, err := EncodeARPRequest(localMAC, localIP, remoteIP)
	require.NoError(t, err)
	require.Len(t, b, 28)

	var arp layers.ARP
	require.NoError(t, arp.DecodeFromBytes(b, gopacket.NilDecodeFeedback))
	assert.Equal(t, layers.LinkTypeEthernet, arp.AddrType)
	assert.Equal(t, layers.EthernetTypeIPv4, arp.Protocol)
	assert.Equal(t, uint8(6), arp.HwAddressSize)
	assert.Equal(t, uint8(4), arp.ProtAddressSize)
	assert.Equal(t, uint16(layers.ARPRequest), arp.Operation)
	assert.Equal(t, []byte(localMAC), arp.SourceHwAddress)
	assert.Equal(t, localIP.AsSlice(), arp.SourceProtAddress)
	assert.Equal(t, make([]byte, 6), arp.DstHwAddress)
	assert.Equal(t, remoteIP.AsSlice(), arp.DstProtAddress)
}

func TestARPRequestIgnoresTargetMAC(t *testing.T) {
	b, err := ARP{}.Encode(&core.ARPHeader{
		SenderMAC: localMAC,
		SenderIP:  localIP,
		TargetMAC: peerMAC,
		TargetIP:  remoteIP,
	})
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 6), b[18:24])
}

func TestARPRoundTrip(t *testing.T) {
	in := &core.ARPHeader{
		Operation: core.ARPReply,
		SenderMAC: peerMAC,
		SenderIP:  remoteIP,
		TargetMAC: localMAC,
		TargetIP:  localIP,
	}
	b, err := ARP{}.Encode(in)
	require.NoError(t, err)

	layer, err := ARP{}.Decode(b)
	require.NoError(t, err)
	out := layer.Header.(*core.ARPHeader)
	assert.Equal(t, uint16(1), out.HardwareType)
	assert.Equal(t, core.EtherTypeIPv4, out.ProtocolType)
	assert.Equal(t, core.ARPReply, out.Operation)
	assert.Equal(t, in.SenderMAC, out.SenderMAC)
	assert.Equal(t, in.SenderIP, out.SenderIP)
	assert.Equal(t, in.TargetMAC, out.TargetMAC)
	assert.Equal(t, in.TargetIP, out.TargetIP)
	assert.Equal(t, core.ProtocolNone, layer.Next)
	assert.Equal(t, 28, layer.PayloadOffset)
}

func TestARPDecodeErrors(t *testing.T) {
	_, err := ARP{}.Decode(make([]byte, 27))
	assert.ErrorIs(t, err, core.ErrMalformedHeader)

	b, err := EncodeARPRequest(localMAC, localIP, remoteIP)
	require.NoError(t, err)
	b[4] = 8
	_, err = ARP{}.Decode(b)
	assert.ErrorIs(t, err, core.ErrMalformedHeader)
}

func TestIPv4EncodeScenario(t *testing.T) {
	c := NewIPv4(localIP)
	b, err := c.Encode(&core.IPv4Header{
		Proto: core.IPProtocolTCP,
		SrcIP: localIP,
		DstIP: remoteIP,
	})
	require.NoError(t, err)
	require.Len(t, b, 20)
	assert.Equal(t, byte(0x45), b[0])
	assert.Equal(t, byte(DefaultTTL), b[8])
	assert.Zero(t, checksum.Sum(b), "header must verify")

	layer, err := NewIPv4(netip.Addr{}).Decode(b)
	require.NoError(t, err)
	ip := layer.Header.(*core.IPv4Header)
	assert.Equal(t, localIP, ip.SrcIP)
	assert.Equal(t, remoteIP, ip.DstIP)
	assert.Equal(t, core.ProtocolTCP, layer.Next)
	assert.Equal(t, 20, layer.PayloadOffset)
	assert.Equal(t, 20, layer.PayloadEnd)
}

func TestIPv4MatchesGopacket(t *testing.T) {
	c := NewIPv4(localIP)
	payload := []byte("hello")
	b, err := c.Encode(&core.IPv4Header{
		TOS:     0x10,
		ID:      0xbeef,
		Flags:   core.IPv4FlagDontFragment,
		TTL:     32,
		Proto:   core.IPProtocolUDP,
		SrcIP:   localIP,
		DstIP:   remoteIP,
		Payload: payload,
	})
	require.NoError(t, err)

	var ip layers.IPv4
	require.NoError(t, ip.DecodeFromBytes(b, gopacket.NilDecodeFeedback))
	assert.Equal(t, uint8(4), ip.Version)
	assert.Equal(t, uint8(5), ip.IHL)
	assert.Equal(t, uint8(0x10), ip.TOS)
	assert.Equal(t, uint16(25), ip.Length)
	assert.Equal(t, uint16(0xbeef), ip.Id)
	assert.Equal(t, layers.IPv4DontFragment, ip.Flags)
	assert.Equal(t, uint8(32), ip.TTL)
	assert.Equal(t, layers.IPProtocolUDP, ip.Protocol)
	assert.Equal(t, payload, ip.Payload)

	// re-serialising with gopacket's checksum must reproduce our bytes
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{ComputeChecksums: true},
		&ip, gopacket.Payload(payload)))
	assert.Equal(t, b, buf.Bytes())
}

func TestIPv4Options(t *testing.T) {
	c := NewIPv4(localIP)
	b, err := c.Encode(&core.IPv4Header{
		Proto:   core.IPProtocolTCP,
		SrcIP:   localIP,
		DstIP:   remoteIP,
		Options: []byte{0x94, 0x04, 0x00},
		Payload: []byte{1, 2, 3},
	})
	require.NoError(t, err)
	require.Len(t, b, 27)
	assert.Equal(t, byte(0x46), b[0])
	assert.Equal(t, []byte{0x94, 0x04, 0x00, 0x00}, b[20:24])
	assert.Zero(t, checksum.Sum(b[:24]))

	layer, err := c.Decode(b)
	require.NoError(t, err)
	ip := layer.Header.(*core.IPv4Header)
	assert.Equal(t, []byte{0x94, 0x04, 0x00, 0x00}, ip.Options)
	assert.Equal(t, []byte{1, 2, 3}, ip.Payload)
	assert.Equal(t, 24, layer.PayloadOffset)

	_, err = c.Encode(&core.IPv4Header{
		SrcIP:   localIP,
		DstIP:   remoteIP,
		Options: make([]byte, 41),
	})
	assert.ErrorIs(t, err, core.ErrAddressOverflow)
}

func TestIPv4EncodeRandomID(t *testing.T) {
	c := NewIPv4(localIP)
	seen := map[uint16]bool{}
	for i := 0; i < 8; i++ {
		b, err := c.EncodePacket(localIP, remoteIP, core.IPProtocolTCP, nil)
		require.NoError(t, err)
		seen[uint16(b[4])<<8|uint16(b[5])] = true
		assert.Equal(t, byte(0x40), b[6], "don't fragment")
	}
	assert.Greater(t, len(seen), 1)
}

func TestIPv4DecodeTrimsPadding(t *testing.T) {
	c := NewIPv4(localIP)
	b, err := c.EncodePacket(remoteIP, localIP, core.IPProtocolUDP, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	padded := append(b, make([]byte, 18)...)

	layer, err := c.Decode(padded)
	require.NoError(t, err)
	assert.False(t, layer.NotForUs)
	assert.Equal(t, len(b), layer.PayloadEnd)
	assert.Len(t, layer.Header.(*core.IPv4Header).Payload, 8)
}

func TestIPv4DecodeNotForUs(t *testing.T) {
	b, err := NewIPv4(localIP).EncodePacket(remoteIP, netip.MustParseAddr("10.0.0.9"), core.IPProtocolTCP, nil)
	require.NoError(t, err)

	layer, err := NewIPv4(localIP).Decode(b)
	require.NoError(t, err)
	assert.True(t, layer.NotForUs)
}

func TestIPv4DecodeErrors(t *testing.T) {
	c := NewIPv4(localIP)
	good, err := c.EncodePacket(remoteIP, localIP, core.IPProtocolTCP, []byte{1, 2})
	require.NoError(t, err)

	mutate := func(f func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		f(b)
		return b
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"short", good[:19]},
		{"version 6", mutate(func(b []byte) { b[0] = 0x65 })},
		{"ihl below minimum", mutate(func(b []byte) { b[0] = 0x44 })},
		{"ihl beyond buffer", mutate(func(b []byte) { b[0] = 0x4f })},
		{"total length beyond buffer", mutate(func(b []byte) { b[2], b[3] = 0x01, 0x00 })},
		{"total length below header", mutate(func(b []byte) { b[2], b[3] = 0x00, 0x10 })},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.data)
			assert.ErrorIs(t, err, core.ErrMalformedHeader)
		})
	}
}

func TestUDPRoundTrip(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	b, err := UDP{}.Encode(&core.UDPHeader{SrcPort: 4000, DstPort: 53, Payload: payload})
	require.NoError(t, err)
	require.Len(t, b, 12)

	var udp layers.UDP
	require.NoError(t, udp.DecodeFromBytes(b, gopacket.NilDecodeFeedback))
	assert.Equal(t, layers.UDPPort(4000), udp.SrcPort)
	assert.Equal(t, layers.UDPPort(53), udp.DstPort)
	assert.Equal(t, uint16(12), udp.Length)
	assert.Zero(t, udp.Checksum)

	layer, err := UDP{}.Decode(append(b, 0, 0))
	require.NoError(t, err)
	u := layer.Header.(*core.UDPHeader)
	assert.Equal(t, uint16(4000), u.SrcPort)
	assert.Equal(t, uint16(53), u.DstPort)
	assert.Equal(t, payload, u.Payload)
	assert.Equal(t, 12, layer.PayloadEnd)
	assert.Equal(t, core.ProtocolNone, layer.Next)
}

func TestUDPDecodeErrors(t *testing.T) {
	_, err := UDP{}.Decode(make([]byte, 7))
	assert.ErrorIs(t, err, core.ErrMalformedHeader)

	b, err := UDP{}.Encode(&core.UDPHeader{SrcPort: 1, DstPort: 2})
	require.NoError(t, err)
	b[5] = 20
	_, err = UDP{}.Decode(b)
	assert.ErrorIs(t, err, core.ErrMalformedHeader)

	_, err = UDP{}.Encode(&core.UDPHeader{Payload: make([]byte, 0xffff)})
	assert.ErrorIs(t, err, core.ErrAddressOverflow)
}

func TestTCPSynScenario(t *testing.T) {
	b, err := TCP{}.Encode(&core.TCPHeader{
		SrcPort: 12345,
		DstPort: 443,
		Seq:     1000,
		Flags:   core.TCPFlagSYN,
		SrcIP:   localIP,
		DstIP:   remoteIP,
	})
	require.NoError(t, err)
	require.Len(t, b, 32)

	layer, err := TCP{}.Decode(b)
	require.NoError(t, err)
	seg := layer.Header.(*core.TCPHeader)
	assert.Equal(t, uint8(8), seg.DataOffset)
	assert.Equal(t, core.TCPFlags(0b000010), seg.Flags)
	assert.Equal(t, uint16(12345), seg.SrcPort)
	assert.Equal(t, uint16(443), seg.DstPort)
	assert.Equal(t, uint32(1000), seg.Seq)
	assert.Zero(t, seg.Ack)
	assert.Equal(t, uint16(DefaultWindow), seg.Window)
	assert.Equal(t, DefaultOptions(), seg.Options)
	assert.Empty(t, seg.Payload)
	assert.Equal(t, 32, layer.PayloadOffset)

	assert.Zero(t, checksum.Transport(localIP, remoteIP, core.IPProtocolTCP, b), "segment must verify")
}

func TestTCPMatchesGopacket(t *testing.T) {
	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	b, err := TCP{}.Encode(&core.TCPHeader{
		SrcPort: 50000,
		DstPort: 80,
		Seq:     0xfffffff0,
		Ack:     77,
		Flags:   core.TCPFlagACK | core.TCPFlagPSH,
		Window:  4096,
		SrcIP:   localIP,
		DstIP:   remoteIP,
		Payload: payload,
	})
	require.NoError(t, err)

	var tcp layers.TCP
	require.NoError(t, tcp.DecodeFromBytes(b, gopacket.NilDecodeFeedback))
	assert.Equal(t, uint8(8), tcp.DataOffset)
	assert.True(t, tcp.ACK)
	assert.True(t, tcp.PSH)
	assert.False(t, tcp.SYN || tcp.FIN || tcp.RST || tcp.URG)
	assert.Equal(t, uint32(0xfffffff0), tcp.Seq)
	assert.Equal(t, uint32(77), tcp.Ack)
	assert.Equal(t, uint16(4096), tcp.Window)
	assert.Equal(t, payload, tcp.Payload)

	var kinds []layers.TCPOptionKind
	for _, o := range tcp.Options {
		kinds = append(kinds, o.OptionType)
	}
	assert.Equal(t, []layers.TCPOptionKind{
		layers.TCPOptionKindMSS,
		layers.TCPOptionKindNop,
		layers.TCPOptionKindWindowScale,
		layers.TCPOptionKindNop,
		layers.TCPOptionKindNop,
		layers.TCPOptionKindSACKPermitted,
	}, kinds)
	assert.Equal(t, []byte{0x05, 0xb4}, tcp.Options[0].OptionData)
	assert.Equal(t, []byte{8}, tcp.Options[2].OptionData)

	// gopacket's pseudo-header checksum must agree with ours
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    localIP.AsSlice(),
		DstIP:    remoteIP.AsSlice(),
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	want := tcp.Checksum
	buf := gopacket.NewSerializeBuffer()
	require.NoError(t, gopacket.SerializeLayers(buf,
		gopacket.SerializeOptions{ComputeChecksums: true},
		&tcp, gopacket.Payload(payload)))
	assert.Equal(t, b, buf.Bytes())
	assert.Equal(t, want, tcp.Checksum)
}

func TestTCPFlagsPacking(t *testing.T) {
	all := core.TCPFlagURG | core.TCPFlagACK | core.TCPFlagPSH |
		core.TCPFlagRST | core.TCPFlagSYN | core.TCPFlagFIN
	b, err := TCP{}.Encode(&core.TCPHeader{Flags: all, SrcIP: localIP, DstIP: remoteIP})
	require.NoError(t, err)
	assert.Equal(t, byte(0x80), b[12])
	assert.Equal(t, byte(0x3f), b[13])
	assert.Equal(t, "URG|ACK|PSH|RST|SYN|FIN", all.String())
}

func TestTCPEncodeErrors(t *testing.T) {
	_, err := TCP{}.Encode(&core.TCPHeader{SrcIP: localIP})
	assert.ErrorIs(t, err, core.ErrFormat)

	_, err = TCP{}.Encode(&core.TCPHeader{SrcIP: localIP, DstIP: remoteIP, Options: make([]byte, 44)})
	assert.ErrorIs(t, err, core.ErrAddressOverflow)

	_, err = TCP{}.Encode(&core.UDPHeader{})
	assert.ErrorIs(t, err, core.ErrHeaderType)
}

func TestTCPDecodeErrors(t *testing.T) {
	_, err := TCP{}.Decode(make([]byte, 19))
	assert.ErrorIs(t, err, core.ErrMalformedHeader)

	b, err := TCP{}.Encode(&core.TCPHeader{SrcIP: localIP, DstIP: remoteIP})
	require.NoError(t, err)
	_, err = TCP{}.Decode(b[:24])
	assert.ErrorIs(t, err, core.ErrMalformedHeader)

	b[12] = 0x40
	_, err = TCP{}.Decode(b)
	assert.ErrorIs(t, err, core.ErrMalformedHeader)
}
