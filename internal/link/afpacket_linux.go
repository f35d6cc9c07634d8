//go:build linux

package link

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket/afpacket"
	"golang.org/x/net/bpf"

	"firestige.xyz/rawnet/internal/core"
)

// AFPacket is a link over a TPACKET_V3 socket.
type AFPacket struct {
	base
	iface  string
	handle *afpacket.TPacket

	// handleMu guards closed; the read loop holds it exclusively while
	// closing the handle so no Transmit races the unmap.
	handleMu sync.RWMutex
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// OpenAFPacket opens iface and starts the capture loop. raw holds
// AFPacketOptions keys.
func OpenAFPacket(iface string, mac net.HardwareAddr, ip netip.Addr, raw map[string]any, opts ...Option) (Link, error) {
	o, err := ParseAFPacketOptions(raw)
	if err != nil {
		return nil, err
	}
	frameSize, blockSize, numBlocks, err := ringGeometry(o.BufferSizeMB, o.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}

	handle, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(time.Duration(o.TimeoutMs)*time.Millisecond),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create TPacket handle on %s: %w", iface, err)
	}

	filter, err := bpf.Assemble(ReceiveFilter(mac, uint32(o.SnapLen)))
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("assemble receive filter: %w", err)
	}
	if err := handle.SetBPF(filter); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to apply BPF filter: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &AFPacket{
		iface:  iface,
		handle: handle,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	a.init(mac, ip, opts)
	a.log = a.log.WithField("interface", iface)

	go a.run(ctx)
	a.log.WithFields(map[string]interface{}{
		"frame_size": frameSize,
		"block_size": blockSize,
		"num_blocks": numBlocks,
	}).Info("afpacket link opened")
	return a, nil
}

// run reads frames until ctx ends. It owns the handle and closes it on exit.
func (a *AFPacket) run(ctx context.Context) {
	defer close(a.done)
	defer func() {
		a.handleMu.Lock()
		a.closed = true
		a.handle.Close()
		a.handleMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, ci, err := a.handle.ReadPacketData()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// poll timeout, EINTR and similar are retried
			continue
		}
		a.deliver(data, ci.CaptureLength, ci.Length, ci.Timestamp)
	}
}

func (a *AFPacket) Transmit(payload []byte, dst net.HardwareAddr, etherType uint16) error {
	frame, err := a.frame(payload, dst, etherType)
	if err != nil {
		return err
	}
	a.handleMu.RLock()
	defer a.handleMu.RUnlock()
	if a.closed {
		return core.ErrLinkClosed
	}
	if err := a.handle.WritePacketData(frame); err != nil {
		return fmt.Errorf("transmit on %s: %w", a.iface, err)
	}
	return nil
}

// Close stops the capture loop and waits for the handle to be released.
func (a *AFPacket) Close() error {
	a.cancel()
	<-a.done
	if a.tap != nil {
		return a.tap.Close()
	}
	return nil
}
