// Package dispatch routes outbound packets to the link and inbound frames
// through the codec chain to the application registry.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"firestige.xyz/rawnet/internal/app"
	"firestige.xyz/rawnet/internal/core"
	"firestige.xyz/rawnet/internal/core/codec"
	"firestige.xyz/rawnet/internal/link"
	"firestige.xyz/rawnet/internal/log"
	"firestige.xyz/rawnet/internal/metrics"
	"firestige.xyz/rawnet/internal/neighbor"
)

const (
	// DefaultARPRate and DefaultARPBurst bound outbound ARP requests.
	DefaultARPRate  = rate.Limit(1)
	DefaultARPBurst = 3

	resolvePoll = 20 * time.Millisecond
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRoute sets the default gateway and the directly reachable prefix.
// Destinations outside prefix are sent to gateway's MAC.
func WithRoute(gateway netip.Addr, prefix netip.Prefix) Option {
	return func(d *Dispatcher) {
		d.gateway = gateway
		d.prefix = prefix
	}
}

// WithARPLimit overrides the ARP request rate.
func WithARPLimit(r rate.Limit, burst int) Option {
	return func(d *Dispatcher) { d.limiter = rate.NewLimiter(r, burst) }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l log.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// Dispatcher owns the codec set and connects the link, the neighbor cache and
// the application registry.
type Dispatcher struct {
	link  link.Link
	cache *neighbor.Cache
	apps  *app.Registry

	arp  codec.ARP
	ipv4 *codec.IPv4
	udp  codec.UDP
	tcp  codec.TCP

	gateway netip.Addr
	prefix  netip.Prefix
	limiter *rate.Limiter
	log     log.Logger

	monitor sync.Once
	rxMu    sync.Mutex
}

// New returns a dispatcher over l. The IPv4 codec is bound to l's address.
func New(l link.Link, cache *neighbor.Cache, apps *app.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		link:    l,
		cache:   cache,
		apps:    apps,
		ipv4:    codec.NewIPv4(l.LocalIP()),
		limiter: rate.NewLimiter(DefaultARPRate, DefaultARPBurst),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = log.GetLogger()
	}
	d.log = d.log.WithField("component", "dispatch")
	return d
}

// Codec returns the codec for p.
func (d *Dispatcher) Codec(p core.Protocol) (codec.Codec, error) {
	switch p {
	case core.ProtocolARP:
		return d.arp, nil
	case core.ProtocolIPv4:
		return d.ipv4, nil
	case core.ProtocolUDP:
		return d.udp, nil
	case core.ProtocolTCP:
		return d.tcp, nil
	default:
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedProto, p)
	}
}

// IPv4 returns the codec bound to the local address.
func (d *Dispatcher) IPv4() *codec.IPv4 { return d.ipv4 }

// LocalIP is the address of the underlying link.
func (d *Dispatcher) LocalIP() netip.Addr { return d.link.LocalIP() }

// NextHop returns the address whose MAC a packet for dst is sent to.
func (d *Dispatcher) NextHop(dst netip.Addr) netip.Addr {
	if d.prefix.IsValid() && d.prefix.Contains(dst) {
		return dst
	}
	if d.gateway.IsValid() {
		return d.gateway
	}
	return dst
}

// Monitor installs the receive path on the link. Only the first call has an
// effect.
func (d *Dispatcher) Monitor() {
	d.monitor.Do(func() {
		d.link.OnFrameReceived(d.Receive)
		d.log.Debug("receive path armed")
	})
}

// Send transmits an encoded IPv4 packet towards dst. When the next hop is not
// in the neighbor cache an ARP request is emitted and ErrUnresolved returned
// without waiting for the reply.
func (d *Dispatcher) Send(payload []byte, dst netip.Addr, monitor bool) error {
	if monitor {
		d.Monitor()
	}
	hop := d.NextHop(dst)
	mac, ok := d.cache.Lookup(hop)
	if !ok {
		if err := d.RequestARP(hop); err != nil && !errors.Is(err, core.ErrRateLimited) {
			d.log.WithError(err).Warn("arp request failed")
		}
		return fmt.Errorf("%w: next hop %s for %s", core.ErrUnresolved, hop, dst)
	}
	if err := d.link.Transmit(payload, mac, core.EtherTypeIPv4); err != nil {
		return fmt.Errorf("send to %s: %w", dst, err)
	}
	return nil
}

// SendEncoded encodes h and sends it. Transport headers are wrapped in an
// IPv4 packet from the local address to dst. ARP headers bypass routing and
// go to the broadcast address for requests or the target MAC for replies.
func (d *Dispatcher) SendEncoded(h core.Header, dst netip.Addr, monitor bool) error {
	c, err := d.Codec(h.Protocol())
	if err != nil {
		return err
	}
	if tcp, ok := h.(*core.TCPHeader); ok && !tcp.SrcIP.IsValid() {
		tcp.SrcIP, tcp.DstIP = d.link.LocalIP(), dst
	}
	b, err := c.Encode(h)
	if err != nil {
		return err
	}

	switch hdr := h.(type) {
	case *core.ARPHeader:
		if monitor {
			d.Monitor()
		}
		target := link.Broadcast
		if hdr.Operation == core.ARPReply {
			target = hdr.TargetMAC
		}
		return d.link.Transmit(b, target, core.EtherTypeARP)
	case *core.UDPHeader:
		b, err = d.ipv4.EncodePacket(d.link.LocalIP(), dst, core.IPProtocolUDP, b)
	case *core.TCPHeader:
		b, err = d.ipv4.EncodePacket(d.link.LocalIP(), dst, core.IPProtocolTCP, b)
	}
	if err != nil {
		return err
	}
	return d.Send(b, dst, monitor)
}

// RequestARP broadcasts a who-has for target and arms the receive path so
// the reply is learned. It returns ErrRateLimited when the limiter denies it.
func (d *Dispatcher) RequestARP(target netip.Addr) error {
	if !d.limiter.Allow() {
		metrics.ARPRequestsTotal.WithLabelValues("limited").Inc()
		return fmt.Errorf("%w: arp request for %s", core.ErrRateLimited, target)
	}
	req := &core.ARPHeader{
		Operation: core.ARPRequest,
		SenderMAC: d.link.LocalMAC(),
		SenderIP:  d.link.LocalIP(),
		TargetIP:  target,
	}
	if err := d.SendEncoded(req, target, true); err != nil {
		metrics.ARPRequestsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("arp request for %s: %w", target, err)
	}
	metrics.ARPRequestsTotal.WithLabelValues("sent").Inc()
	d.log.WithField("target", target.String()).Debug("arp request sent")
	return nil
}

// Resolve returns the MAC of the next hop for dst, sending ARP requests until
// the cache is populated or ctx ends.
func (d *Dispatcher) Resolve(ctx context.Context, dst netip.Addr) (net.HardwareAddr, error) {
	hop := d.NextHop(dst)
	if mac, ok := d.cache.Lookup(hop); ok {
		return mac, nil
	}

	ticker := time.NewTicker(resolvePoll)
	defer ticker.Stop()
	for {
		if err := d.RequestARP(hop); err != nil && !errors.Is(err, core.ErrRateLimited) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", core.ErrUnresolved, hop, ctx.Err())
		case <-ticker.C:
		}
		if mac, ok := d.cache.Lookup(hop); ok {
			return mac, nil
		}
	}
}

// Receive decodes frame layer by layer and hands the innermost header to the
// registry. Frames addressed to other hosts and undecodable frames are
// dropped.
func (d *Dispatcher) Receive(frame []byte, etherType uint16) {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()

	var (
		last core.Header
		ip   *core.IPv4Header
		buf  = frame
		p    = core.ProtocolFromEtherType(etherType)
	)
	for len(buf) > 0 {
		c, err := d.Codec(p)
		if err != nil {
			break
		}
		layer, err := c.Decode(buf)
		if err != nil {
			metrics.FramesDroppedTotal.WithLabelValues(metrics.DropMalformed).Inc()
			if d.log.IsDebugEnabled() {
				d.log.WithError(err).WithField("protocol", p.String()).Debug("dropping malformed frame")
			}
			return
		}
		if layer.NotForUs {
			metrics.FramesDroppedTotal.WithLabelValues(metrics.DropNotForUs).Inc()
			return
		}
		metrics.FramesReceivedTotal.WithLabelValues(p.String()).Inc()

		switch h := layer.Header.(type) {
		case *core.IPv4Header:
			ip = h
		case *core.TCPHeader:
			if ip != nil {
				h.SrcIP, h.DstIP = ip.SrcIP, ip.DstIP
			}
		case *core.ARPHeader:
			d.handleARP(h)
		}
		last = layer.Header
		buf = buf[layer.PayloadOffset:layer.PayloadEnd]
		p = layer.Next
	}

	if last == nil {
		return
	}
	if _, ok := last.(core.PortHeader); !ok {
		return
	}
	if !d.apps.Dispatch(last) {
		metrics.FramesDroppedTotal.WithLabelValues(metrics.DropNoListener).Inc()
	}
}

// handleARP learns the sender of any ARP packet aimed at the local address
// and answers requests for it.
func (d *Dispatcher) handleARP(h *core.ARPHeader) {
	local := d.link.LocalIP()
	if h.TargetIP != local {
		return
	}
	d.cache.Set(h.SenderIP, h.SenderMAC)
	metrics.NeighborEntries.Set(float64(d.cache.Len()))
	d.log.WithFields(map[string]interface{}{
		"ip":  h.SenderIP.String(),
		"mac": h.SenderMAC.String(),
	}).Debug("neighbor learned")

	if h.Operation != core.ARPRequest {
		return
	}
	reply := &core.ARPHeader{
		Operation: core.ARPReply,
		SenderMAC: d.link.LocalMAC(),
		SenderIP:  local,
		TargetMAC: h.SenderMAC,
		TargetIP:  h.SenderIP,
	}
	if err := d.SendEncoded(reply, h.SenderIP, false); err != nil {
		d.log.WithError(err).Warn("arp reply failed")
	}
}
