// Package dns sends A queries over the raw stack and collects the answers.
package dns

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	dnsmsg "github.com/miekg/dns"

	"firestige.xyz/rawnet/internal/core"
	"firestige.xyz/rawnet/internal/core/codec"
	"firestige.xyz/rawnet/internal/log"
)

// Defaults applied to zero Config fields.
const (
	DefaultServerPort = 53
	DefaultTimeout    = 5 * time.Second
	DefaultPortMin    = 2500
	DefaultPortMax    = 5500
)

// ErrRcode is returned when the server answers with a non-success code.
var ErrRcode = errors.New("dns: server returned error")

// Sender transmits an encoded IPv4 packet.
type Sender interface {
	Send(payload []byte, dst netip.Addr, monitor bool) error
}

// Config describes the client endpoint and its server.
type Config struct {
	SrcIP      netip.Addr
	Server     netip.Addr
	ServerPort uint16
	Timeout    time.Duration
	PortMin    uint16
	PortMax    uint16
}

// Result is one answered query.
type Result struct {
	Name  string
	Addrs []netip.Addr
	RTT   time.Duration
}

// Client is an app.Listener on a random local UDP port. Queries are issued
// one at a time.
type Client struct {
	cfg    Config
	sender Sender
	log    log.Logger
	ip     *codec.IPv4
	udp    codec.UDP
	port   uint16

	queryMu sync.Mutex

	mu      sync.Mutex
	waiting bool
	pending uint16
	replies chan *dnsmsg.Msg
}

// New returns a client with a source port drawn from the configured range.
func New(cfg Config, sender Sender, logger log.Logger) (*Client, error) {
	if !cfg.SrcIP.Is4() || !cfg.Server.Is4() {
		return nil, fmt.Errorf("%w: dns client needs IPv4 endpoints", core.ErrFormat)
	}
	if cfg.ServerPort == 0 {
		cfg.ServerPort = DefaultServerPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PortMin == 0 && cfg.PortMax == 0 {
		cfg.PortMin, cfg.PortMax = DefaultPortMin, DefaultPortMax
	}
	if cfg.PortMin == 0 || cfg.PortMin > cfg.PortMax {
		return nil, fmt.Errorf("%w: port range %d-%d", core.ErrFormat, cfg.PortMin, cfg.PortMax)
	}
	if logger == nil {
		logger = log.GetLogger()
	}
	port := cfg.PortMin + uint16(rand.Intn(int(cfg.PortMax-cfg.PortMin)+1))
	return &Client{
		cfg:    cfg,
		sender: sender,
		log: logger.WithFields(map[string]interface{}{
			"component": "dns",
			"server":    cfg.Server.String(),
			"port":      port,
		}),
		ip:      codec.NewIPv4(cfg.SrcIP),
		port:    port,
		replies: make(chan *dnsmsg.Msg, 1),
	}, nil
}

// Port is the local UDP port replies arrive on.
func (c *Client) Port() uint16 { return c.port }

// Query asks the server for the A records of name and waits for the reply,
// the configured timeout or ctx, whichever ends first.
func (c *Client) Query(ctx context.Context, name string) (*Result, error) {
	c.queryMu.Lock()
	defer c.queryMu.Unlock()

	q := new(dnsmsg.Msg)
	q.SetQuestion(dnsmsg.Fqdn(name), dnsmsg.TypeA)
	q.RecursionDesired = true
	raw, err := q.Pack()
	if err != nil {
		return nil, fmt.Errorf("pack query for %s: %w", name, err)
	}
	seg, err := c.udp.Encode(&core.UDPHeader{
		SrcPort: c.port,
		DstPort: c.cfg.ServerPort,
		Payload: raw,
	})
	if err != nil {
		return nil, err
	}
	pkt, err := c.ip.EncodePacket(c.cfg.SrcIP, c.cfg.Server, core.IPProtocolUDP, seg)
	if err != nil {
		return nil, err
	}

	select {
	case <-c.replies:
	default:
	}
	c.mu.Lock()
	c.waiting, c.pending = true, q.Id
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.waiting = false
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	if err := c.sender.Send(pkt, c.cfg.Server, true); err != nil {
		return nil, fmt.Errorf("send query for %s: %w", name, err)
	}
	c.log.WithFields(map[string]interface{}{"name": name, "id": q.Id}).Debug("query sent")

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("query %s: %w", name, ctx.Err())
	case r := <-c.replies:
		if r.Rcode != dnsmsg.RcodeSuccess {
			return nil, fmt.Errorf("%w: %s for %s", ErrRcode, dnsmsg.RcodeToString[r.Rcode], name)
		}
		res := &Result{Name: name, RTT: time.Since(start)}
		for _, rr := range r.Answer {
			if a, ok := rr.(*dnsmsg.A); ok {
				if ip, ok := netip.AddrFromSlice(a.A.To4()); ok {
					res.Addrs = append(res.Addrs, ip)
				}
			}
		}
		return res, nil
	}
}

// HandleData accepts UDP replies from the server that match the outstanding
// query id. Anything else is dropped.
func (c *Client) HandleData(h core.Header) {
	udp, ok := h.(*core.UDPHeader)
	if !ok || udp.SrcPort != c.cfg.ServerPort {
		return
	}
	r := new(dnsmsg.Msg)
	if err := r.Unpack(udp.Payload); err != nil {
		c.log.WithError(err).Debug("dropping undecodable reply")
		return
	}

	c.mu.Lock()
	match := r.Response && c.waiting && r.Id == c.pending
	if match {
		c.waiting = false
	}
	c.mu.Unlock()
	if !match {
		c.log.WithField("id", r.Id).Debug("dropping unexpected reply")
		return
	}

	select {
	case c.replies <- r:
	default:
	}
}
