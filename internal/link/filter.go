package link

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/net/bpf"

	"firestige.xyz/rawnet/internal/core"
)

// AFPacketOptions tunes the AF_PACKET ring. Decoded from link.options.
type AFPacketOptions struct {
	SnapLen      int `mapstructure:"snap_len"`
	BufferSizeMB int `mapstructure:"buffer_size_mb"`
	TimeoutMs    int `mapstructure:"timeout_ms"`
}

// ParseAFPacketOptions decodes raw link options over the defaults. Unknown
// keys are rejected.
func ParseAFPacketOptions(raw map[string]any) (AFPacketOptions, error) {
	opts := AFPacketOptions{
		SnapLen:      DefaultSnapLen,
		BufferSizeMB: 2,
		TimeoutMs:    100,
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &opts,
	})
	if err != nil {
		return opts, err
	}
	if err := dec.Decode(raw); err != nil {
		return opts, fmt.Errorf("%w: link options: %v", core.ErrConfigInvalid, err)
	}
	if opts.SnapLen <= 0 || opts.BufferSizeMB <= 0 || opts.TimeoutMs <= 0 {
		return opts, fmt.Errorf("%w: link options must be positive: %+v", core.ErrConfigInvalid, opts)
	}
	return opts, nil
}

// ReceiveFilter returns a classic BPF program accepting IPv4 and ARP frames
// addressed to mac, plus broadcast ARP.
func ReceiveFilter(mac net.HardwareAddr, snapLen uint32) []bpf.Instruction {
	hi := binary.BigEndian.Uint32(mac[0:4])
	lo := uint32(binary.BigEndian.Uint16(mac[4:6]))
	return []bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(core.EtherTypeIPv4), SkipTrue: 5},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(core.EtherTypeARP), SkipTrue: 9},
		// arp: broadcast or unicast to mac
		bpf.LoadAbsolute{Off: 0, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 0xffffffff, SkipTrue: 3},
		bpf.LoadAbsolute{Off: 4, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0xffff, SkipTrue: 4, SkipFalse: 5},
		// unicast to mac
		bpf.LoadAbsolute{Off: 0, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: hi, SkipTrue: 3},
		bpf.LoadAbsolute{Off: 4, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: lo, SkipTrue: 1},
		bpf.RetConstant{Val: snapLen},
		bpf.RetConstant{Val: 0},
	}
}
