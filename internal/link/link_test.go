package link

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rawnet/internal/core"
	"firestige.xyz/rawnet/internal/log"
)

var (
	hostMAC = net.HardwareAddr{0x02, 0x42, 0xac, 0x11, 0x00, 0x02}
	peerMAC = net.HardwareAddr{0xfc, 0xd7, 0x33, 0x4c, 0x79, 0xe8}
	hostIP  = netip.MustParseAddr("10.0.0.2")
	peerIP  = netip.MustParseAddr("10.0.0.1")
)

type received struct {
	payload   []byte
	etherType uint16
}

func collect(l Link) <-chan received {
	ch := make(chan received, 16)
	l.OnFrameReceived(func(payload []byte, etherType uint16) {
		ch <- received{payload: append([]byte(nil), payload...), etherType: etherType}
	})
	return ch
}

func TestEncodeDecodeFrame(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	frame, err := EncodeFrame(hostMAC, peerMAC, core.EtherTypeARP, payload)
	require.NoError(t, err)
	assert.Len(t, frame, 60, "padded to minimum frame size")
	assert.Equal(t, []byte(peerMAC), frame[0:6])
	assert.Equal(t, []byte(hostMAC), frame[6:12])
	assert.Equal(t, []byte{0x08, 0x06}, frame[12:14])

	dst, etherType, got, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, peerMAC, dst)
	assert.Equal(t, core.EtherTypeARP, etherType)
	assert.Equal(t, payload, got[:4])

	_, _, _, err = DecodeFrame(frame[:10])
	assert.ErrorIs(t, err, core.ErrMalformedHeader)
}

func TestPipe_DeliversInOrder(t *testing.T) {
	a, b := NewPipe(hostMAC, hostIP, peerMAC, peerIP, WithLogger(log.Discard()))
	defer a.Close()
	defer b.Close()
	ch := collect(b)

	for i := byte(0); i < 5; i++ {
		require.NoError(t, a.Transmit([]byte{i}, peerMAC, core.EtherTypeIPv4))
	}
	for i := byte(0); i < 5; i++ {
		select {
		case r := <-ch:
			assert.Equal(t, i, r.payload[0])
			assert.Equal(t, core.EtherTypeIPv4, r.etherType)
		case <-time.After(time.Second):
			t.Fatalf("frame %d not delivered", i)
		}
	}
	assert.Equal(t, hostMAC, a.LocalMAC())
	assert.Equal(t, peerIP, b.LocalIP())
}

func TestPipe_FiltersForeignMAC(t *testing.T) {
	a, b := NewPipe(hostMAC, hostIP, peerMAC, peerIP, WithLogger(log.Discard()))
	defer a.Close()
	defer b.Close()
	ch := collect(b)

	other := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x99}
	require.NoError(t, a.Transmit([]byte{0xaa}, other, core.EtherTypeIPv4))
	require.NoError(t, a.Transmit([]byte{0xbb}, peerMAC, core.EtherTypeIPv4))

	select {
	case r := <-ch:
		assert.Equal(t, byte(0xbb), r.payload[0])
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
	select {
	case r := <-ch:
		t.Fatalf("unexpected frame %x", r.payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPipe_Closed(t *testing.T) {
	a, b := NewPipe(hostMAC, hostIP, peerMAC, peerIP)
	require.NoError(t, b.Close())
	assert.ErrorIs(t, a.Transmit([]byte{1}, peerMAC, core.EtherTypeIPv4), core.ErrLinkClosed)
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Transmit([]byte{1}, peerMAC, core.EtherTypeIPv4), core.ErrLinkClosed)
	assert.NoError(t, a.Close(), "close is idempotent")
}

func TestDeliver_DropsTruncatedCapture(t *testing.T) {
	var b base
	b.init(hostMAC, hostIP, []Option{WithLogger(log.Discard())})
	var calls int
	b.OnFrameReceived(func([]byte, uint16) { calls++ })

	frame, err := EncodeFrame(peerMAC, hostMAC, core.EtherTypeIPv4, make([]byte, 100))
	require.NoError(t, err)

	b.deliver(frame[:64], 64, len(frame), time.Now())
	assert.Zero(t, calls)

	b.deliver(frame, len(frame), len(frame), time.Now())
	assert.Equal(t, 1, calls)

	b.deliver([]byte{1, 2, 3}, 3, 3, time.Now())
	assert.Equal(t, 1, calls, "undecodable frames are dropped")
}

func TestTap_RecordsBothDirections(t *testing.T) {
	var buf bytes.Buffer
	tap, err := NewTap(&buf, DefaultSnapLen)
	require.NoError(t, err)

	a, b := NewPipe(hostMAC, hostIP, peerMAC, peerIP, WithTap(tap), WithLogger(log.Discard()))
	ch := collect(a)
	b.OnFrameReceived(func(payload []byte, etherType uint16) {
		_ = b.Transmit([]byte{0x02}, hostMAC, etherType)
	})

	require.NoError(t, a.Transmit([]byte{0x01}, peerMAC, core.EtherTypeIPv4))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("reply not delivered")
	}
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	var frames [][]byte
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		frames = append(frames, data)
	}
	require.Len(t, frames, 2)
	assert.Equal(t, []byte(hostMAC), frames[0][6:12], "outbound frame first")
	assert.Equal(t, byte(0x01), frames[0][14])
	assert.Equal(t, []byte(peerMAC), frames[1][6:12], "then the inbound reply")
	assert.Equal(t, byte(0x02), frames[1][14])
}

func TestTap_TruncatesToSnapLen(t *testing.T) {
	var buf bytes.Buffer
	tap, err := NewTap(&buf, 20)
	require.NoError(t, err)
	require.NoError(t, tap.Write(make([]byte, 60), time.Now()))
	require.NoError(t, tap.Close())

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Len(t, data, 20)
	assert.Equal(t, 60, ci.Length)
}

func TestFirstIPv4(t *testing.T) {
	addrs := []net.Addr{
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPNet{IP: net.ParseIP("169.254.3.4"), Mask: net.CIDRMask(16, 32)},
		&net.IPNet{IP: net.ParseIP("192.168.1.20"), Mask: net.CIDRMask(24, 32)},
	}
	ip, ok := firstIPv4(addrs)
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("192.168.1.20"), ip)

	_, ok = firstIPv4(addrs[:2])
	assert.False(t, ok)
}

func TestDiscover_UnknownInterface(t *testing.T) {
	_, _, err := Discover("rawnet-does-not-exist0")
	assert.Error(t, err)
}
