// Package stack assembles the link, neighbor cache, registry and dispatcher
// described by a config.Config and runs applications over them.
package stack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"firestige.xyz/rawnet/internal/addr"
	"firestige.xyz/rawnet/internal/app"
	"firestige.xyz/rawnet/internal/app/dns"
	"firestige.xyz/rawnet/internal/config"
	"firestige.xyz/rawnet/internal/dispatch"
	"firestige.xyz/rawnet/internal/handshake"
	"firestige.xyz/rawnet/internal/link"
	"firestige.xyz/rawnet/internal/log"
	"firestige.xyz/rawnet/internal/metrics"
	"firestige.xyz/rawnet/internal/neighbor"
)

// ErrHandshake is returned by Dial when the flow closed without reaching
// ESTABLISHED.
var ErrHandshake = errors.New("stack: handshake not completed")

// Option configures New.
type Option func(*options)

type options struct {
	link   link.Link
	logger log.Logger
}

// WithLink runs the stack over an already open link instead of opening the
// configured one. Node addresses and link.dump are then ignored.
func WithLink(l link.Link) Option {
	return func(o *options) { o.link = l }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Stack is one running instance.
type Stack struct {
	cfg     *config.Config
	log     log.Logger
	link    link.Link
	cache   *neighbor.Cache
	apps    *app.Registry
	disp    *dispatch.Dispatcher
	metrics *metrics.Server
}

// New builds a stack from a validated cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Stack, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.GetLogger()
	}

	s := &Stack{
		cfg:   cfg,
		log:   o.logger.WithField("component", "stack"),
		cache: neighbor.New(),
		apps:  app.NewRegistry(),
	}

	if err := s.cache.Seed(cfg.NeighborMap()); err != nil {
		return nil, fmt.Errorf("seed neighbors: %w", err)
	}
	metrics.NeighborEntries.Set(float64(s.cache.Len()))

	gateway, prefix, err := parseRoute(cfg.Route)
	if err != nil {
		return nil, err
	}

	s.link = o.link
	if s.link == nil {
		if s.link, err = openLink(cfg, o.logger); err != nil {
			return nil, err
		}
	}

	s.disp = dispatch.New(s.link, s.cache, s.apps,
		dispatch.WithRoute(gateway, prefix),
		dispatch.WithARPLimit(rate.Limit(cfg.ARP.RequestRate), cfg.ARP.RequestBurst),
		dispatch.WithLogger(o.logger),
	)

	if cfg.Metrics.Enabled {
		s.metrics = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path, o.logger)
		if err := s.metrics.Start(ctx); err != nil {
			if o.link == nil {
				s.link.Close()
			}
			return nil, err
		}
	}

	s.log.WithFields(map[string]interface{}{
		"mac":       s.link.LocalMAC().String(),
		"ip":        s.link.LocalIP().String(),
		"gateway":   cfg.Route.Gateway,
		"neighbors": s.cache.Len(),
	}).Info("stack ready")
	return s, nil
}

// openLink resolves the node addresses and opens the configured link with an
// optional pcap tap.
func openLink(cfg *config.Config, logger log.Logger) (link.Link, error) {
	mac, ip, err := nodeAddresses(cfg)
	if err != nil {
		return nil, err
	}
	linkOpts := []link.Option{link.WithLogger(logger)}
	var tap *link.Tap
	if cfg.Link.Dump != "" {
		if tap, err = link.OpenTap(cfg.Link.Dump); err != nil {
			return nil, err
		}
		linkOpts = append(linkOpts, link.WithTap(tap))
	}
	l, err := link.OpenAFPacket(cfg.Link.Interface, mac, ip, cfg.Link.Options, linkOpts...)
	if err != nil {
		if tap != nil {
			tap.Close()
		}
		return nil, err
	}
	return l, nil
}

// nodeAddresses returns the configured MAC and IPv4, discovering whichever is
// missing from the interface.
func nodeAddresses(cfg *config.Config) (net.HardwareAddr, netip.Addr, error) {
	var (
		mac net.HardwareAddr
		ip  netip.Addr
		err error
	)
	if cfg.Node.MAC != "" {
		if mac, err = addr.MAC(cfg.Node.MAC); err != nil {
			return nil, ip, err
		}
	}
	if cfg.Node.IP != "" {
		if ip, err = addr.IPv4(cfg.Node.IP); err != nil {
			return nil, ip, err
		}
	}
	if mac != nil && ip.IsValid() {
		return mac, ip, nil
	}

	foundMAC, foundIP, err := link.Discover(cfg.Link.Interface)
	if err != nil {
		return nil, ip, err
	}
	if mac == nil {
		mac = foundMAC
	}
	if !ip.IsValid() {
		ip = foundIP
	}
	return mac, ip, nil
}

func parseRoute(rc config.RouteConfig) (netip.Addr, netip.Prefix, error) {
	var (
		gateway netip.Addr
		prefix  netip.Prefix
		err     error
	)
	if rc.Gateway != "" {
		if gateway, err = addr.IPv4(rc.Gateway); err != nil {
			return gateway, prefix, fmt.Errorf("route.gateway: %w", err)
		}
	}
	if rc.Prefix != "" {
		if prefix, err = netip.ParsePrefix(rc.Prefix); err != nil {
			return gateway, prefix, fmt.Errorf("route.prefix: %w", err)
		}
	}
	return gateway, prefix.Masked(), nil
}

// LocalIP is the stack's IPv4 address.
func (s *Stack) LocalIP() netip.Addr { return s.link.LocalIP() }

// LocalMAC is the stack's hardware address.
func (s *Stack) LocalMAC() net.HardwareAddr { return s.link.LocalMAC() }

// Neighbors returns a snapshot of the address resolution cache.
func (s *Stack) Neighbors() map[netip.Addr]net.HardwareAddr { return s.cache.Entries() }

// Resolve returns the MAC of the next hop towards dst within the configured
// resolve timeout.
func (s *Stack) Resolve(ctx context.Context, dst netip.Addr) (net.HardwareAddr, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ARP.ResolveTimeout)
	defer cancel()
	mac, err := s.disp.Resolve(ctx, dst)
	metrics.NeighborEntries.Set(float64(s.cache.Len()))
	return mac, err
}

// DialResult summarises a completed handshake flow.
type DialResult struct {
	LocalPort uint16
	Elapsed   time.Duration
}

// Dial runs one handshake flow against dst:port: resolve the next hop, send
// the SYN, and wait for the timed FIN to close the flow.
func (s *Stack) Dial(ctx context.Context, dst netip.Addr, port uint16) (*DialResult, error) {
	if _, err := s.Resolve(ctx, dst); err != nil {
		return nil, err
	}
	flow, err := handshake.New(handshake.Config{
		SrcIP:    s.link.LocalIP(),
		DstIP:    dst,
		DstPort:  port,
		Window:   s.cfg.Handshake.Window,
		Teardown: s.cfg.Handshake.Teardown,
		PortMin:  s.cfg.Handshake.PortMin,
		PortMax:  s.cfg.Handshake.PortMax,
	}, s.disp, s.log)
	if err != nil {
		return nil, err
	}
	s.apps.Register(flow)
	defer s.apps.Deregister(flow)
	defer flow.Close()

	start := time.Now()
	if err := flow.Start(); err != nil {
		return nil, err
	}
	select {
	case <-flow.Done():
	case <-ctx.Done():
		return nil, fmt.Errorf("dial %s:%d: %w", dst, port, ctx.Err())
	}
	if !flow.Established() {
		return nil, fmt.Errorf("%w: %s:%d", ErrHandshake, dst, port)
	}
	return &DialResult{LocalPort: flow.Port(), Elapsed: time.Since(start)}, nil
}

// Query resolves name with one A query to the configured DNS server.
func (s *Stack) Query(ctx context.Context, name string) (*dns.Result, error) {
	server, err := addr.IPv4(s.cfg.DNS.Server)
	if err != nil {
		return nil, err
	}
	if _, err := s.Resolve(ctx, server); err != nil {
		return nil, err
	}
	client, err := dns.New(dns.Config{
		SrcIP:      s.link.LocalIP(),
		Server:     server,
		ServerPort: s.cfg.DNS.Port,
		Timeout:    s.cfg.DNS.Timeout,
		PortMin:    s.cfg.DNS.PortMin,
		PortMax:    s.cfg.DNS.PortMax,
	}, s.disp, s.log)
	if err != nil {
		return nil, err
	}
	s.apps.Register(client)
	defer s.apps.Deregister(client)
	return client.Query(ctx, name)
}

// Close stops the metrics server and closes the link.
func (s *Stack) Close() error {
	var errs []error
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		errs = append(errs, s.metrics.Stop(ctx))
	}
	errs = append(errs, s.link.Close())
	return errors.Join(errs...)
}
