// Package link moves Ethernet frames between the stack and a network device.
package link

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/rawnet/internal/core"
	"firestige.xyz/rawnet/internal/log"
	"firestige.xyz/rawnet/internal/metrics"
)

// Broadcast is the Ethernet broadcast address.
var Broadcast = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// FrameHandler receives the payload of a frame addressed to the local MAC, or
// of a broadcast ARP frame, with the Ethernet header stripped.
type FrameHandler func(payload []byte, etherType uint16)

// Link transmits and receives frames on one interface.
type Link interface {
	// Transmit wraps payload in an Ethernet header and sends it to dst.
	Transmit(payload []byte, dst net.HardwareAddr, etherType uint16) error
	// OnFrameReceived installs the receive callback. Frames arriving before a
	// handler is installed are discarded.
	OnFrameReceived(h FrameHandler)
	LocalMAC() net.HardwareAddr
	LocalIP() netip.Addr
	Close() error
}

// Option configures a link.
type Option func(*base)

// WithTap records every transmitted and received frame to t.
func WithTap(t *Tap) Option {
	return func(b *base) { b.tap = t }
}

// WithLogger sets the link logger.
func WithLogger(l log.Logger) Option {
	return func(b *base) { b.log = l }
}

// EncodeFrame serialises an Ethernet II frame. Short frames are padded to the
// 60 byte minimum.
func EncodeFrame(src, dst net.HardwareAddr, etherType uint16, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       dst,
		EthernetType: layers.EthernetType(etherType),
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("encode ethernet frame: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses the Ethernet header of frame. The payload aliases frame.
func DecodeFrame(frame []byte) (dst net.HardwareAddr, etherType uint16, payload []byte, err error) {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, 0, nil, fmt.Errorf("%w: ethernet: %v", core.ErrMalformedHeader, err)
	}
	return eth.DstMAC, uint16(eth.EthernetType), eth.Payload, nil
}

// base holds what every link implementation shares: addressing, the receive
// callback and the optional tap.
type base struct {
	mac net.HardwareAddr
	ip  netip.Addr
	tap *Tap
	log log.Logger

	mu      sync.RWMutex
	handler FrameHandler
}

func (b *base) init(mac net.HardwareAddr, ip netip.Addr, opts []Option) {
	b.mac, b.ip = mac, ip
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = log.GetLogger()
	}
	b.log = b.log.WithField("component", "link")
}

func (b *base) LocalMAC() net.HardwareAddr { return b.mac }

func (b *base) LocalIP() netip.Addr { return b.ip }

func (b *base) OnFrameReceived(h FrameHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = h
}

// frame builds the outbound frame and records it on the tap.
func (b *base) frame(payload []byte, dst net.HardwareAddr, etherType uint16) ([]byte, error) {
	frame, err := EncodeFrame(b.mac, dst, etherType, payload)
	if err != nil {
		return nil, err
	}
	b.record(frame, time.Now())
	metrics.FramesSentTotal.WithLabelValues(fmt.Sprintf("0x%04x", etherType)).Inc()
	return frame, nil
}

// deliver passes a captured frame to the handler when it is addressed to the
// local MAC or is a broadcast ARP. captured < length means the capture was
// truncated.
func (b *base) deliver(frame []byte, captured, length int, ts time.Time) {
	if captured < length {
		metrics.FramesDroppedTotal.WithLabelValues(metrics.DropTruncated).Inc()
		return
	}
	dst, etherType, payload, err := DecodeFrame(frame)
	if err != nil {
		metrics.FramesDroppedTotal.WithLabelValues(metrics.DropLinkFrame).Inc()
		b.log.WithError(err).Debug("dropping undecodable frame")
		return
	}
	if !bytes.Equal(dst, b.mac) && (etherType != core.EtherTypeARP || !bytes.Equal(dst, Broadcast)) {
		return
	}
	b.record(frame, ts)

	b.mu.RLock()
	h := b.handler
	b.mu.RUnlock()
	if h != nil {
		h(payload, etherType)
	}
}

func (b *base) record(frame []byte, ts time.Time) {
	if b.tap == nil {
		return
	}
	if err := b.tap.Write(frame, ts); err != nil {
		b.log.WithError(err).Warn("pcap tap write failed")
	}
}
