package link

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/bpf"

	"firestige.xyz/rawnet/internal/core"
)

func TestReceiveFilter(t *testing.T) {
	prog := ReceiveFilter(hostMAC, 1500)
	_, err := bpf.Assemble(prog)
	require.NoError(t, err)

	vm, err := bpf.NewVM(prog)
	require.NoError(t, err)

	frame := func(dst []byte, etherType uint16) []byte {
		f, err := EncodeFrame(peerMAC, dst, etherType, make([]byte, 46))
		require.NoError(t, err)
		return f
	}

	tests := []struct {
		name   string
		frame  []byte
		accept bool
	}{
		{"ipv4 to us", frame(hostMAC, core.EtherTypeIPv4), true},
		{"arp to us", frame(hostMAC, core.EtherTypeARP), true},
		{"ipv6 to us", frame(hostMAC, 0x86dd), false},
		{"ipv4 to peer", frame(peerMAC, core.EtherTypeIPv4), false},
		{"broadcast arp", frame(Broadcast, core.EtherTypeARP), true},
		{"broadcast ipv4", frame(Broadcast, core.EtherTypeIPv4), false},
		{"arp to peer", frame(peerMAC, core.EtherTypeARP), false},
		{"last octet differs", frame([]byte{0x02, 0x42, 0xac, 0x11, 0x00, 0x03}, core.EtherTypeIPv4), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := vm.Run(tt.frame)
			require.NoError(t, err)
			if tt.accept {
				assert.Positive(t, n)
			} else {
				assert.Zero(t, n)
			}
		})
	}
}

func TestParseAFPacketOptions(t *testing.T) {
	o, err := ParseAFPacketOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, AFPacketOptions{SnapLen: DefaultSnapLen, BufferSizeMB: 2, TimeoutMs: 100}, o)

	o, err = ParseAFPacketOptions(map[string]any{"snap_len": "2048", "buffer_size_mb": 8})
	require.NoError(t, err)
	assert.Equal(t, 2048, o.SnapLen)
	assert.Equal(t, 8, o.BufferSizeMB)

	_, err = ParseAFPacketOptions(map[string]any{"fanout": 3})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = ParseAFPacketOptions(map[string]any{"timeout_ms": 0})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestRingGeometry(t *testing.T) {
	tests := []struct {
		name     string
		bufferMB int
		snapLen  int
		pageSize int
	}{
		{"jumbo snap", 2, 65535, 4096},
		{"ethernet mtu", 2, 1514, 4096},
		{"small buffer", 1, 9000, 4096},
		{"large pages", 64, 1514, 65536},
		{"system page", 4, 2048, os.Getpagesize()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, block, n, err := ringGeometry(tt.bufferMB, tt.snapLen, tt.pageSize)
			require.NoError(t, err)
			assert.Zero(t, frame%tpacketAlignment)
			assert.GreaterOrEqual(t, frame, tt.snapLen+tpacketHdrLen)
			assert.Zero(t, block%tt.pageSize)
			assert.Zero(t, block%frame)
			assert.GreaterOrEqual(t, n, 1)
		})
	}
}

func TestRingGeometryInvalid(t *testing.T) {
	_, _, _, err := ringGeometry(0, 1500, 4096)
	assert.Error(t, err)
	_, _, _, err = ringGeometry(1, 0, 4096)
	assert.Error(t, err)
	_, _, _, err = ringGeometry(1, 1500, 1000)
	assert.Error(t, err)
}
