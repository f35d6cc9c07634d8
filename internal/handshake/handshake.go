// Package handshake drives a single client-side TCP three-way handshake
// followed by a timed FIN.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/rawnet/internal/core"
	"firestige.xyz/rawnet/internal/core/codec"
	"firestige.xyz/rawnet/internal/log"
	"firestige.xyz/rawnet/internal/metrics"
)

// State is the position of a flow in the handshake.
type State uint8

const (
	StateInit State = iota
	StateSynSent
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateSynSent:
		return "SYN_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Defaults applied to zero Config fields.
const (
	DefaultTeardown = 2 * time.Second
	DefaultPortMin  = 49152
	DefaultPortMax  = 65535
)

// ErrState is returned when an operation is invalid in the current state.
var ErrState = errors.New("handshake: invalid state")

// Sender transmits an encoded IPv4 packet. monitor asks the sender to make
// sure replies are delivered back.
type Sender interface {
	Send(payload []byte, dst netip.Addr, monitor bool) error
}

// Config describes one flow.
type Config struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	DstPort uint16

	Window   uint16        // zero means codec.DefaultWindow
	Teardown time.Duration // delay between the first reply and the FIN
	PortMin  uint16        // ephemeral source port range, inclusive
	PortMax  uint16
}

// Flow is one handshake. It implements app.Listener on its source port.
type Flow struct {
	cfg    Config
	sender Sender
	log    log.Logger
	tcp    codec.TCP
	ip     *codec.IPv4
	port   uint16

	mu          sync.Mutex
	state       State
	localSeq    uint32
	remoteSeq   uint32
	remoteKnown bool
	established bool
	synAt       time.Time

	arm    sync.Once
	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
	done   chan struct{}
}

// New prepares a flow in StateInit with a random source port and ISN.
func New(cfg Config, sender Sender, logger log.Logger) (*Flow, error) {
	if !cfg.SrcIP.Is4() || !cfg.DstIP.Is4() {
		return nil, fmt.Errorf("%w: handshake needs IPv4 endpoints", core.ErrFormat)
	}
	if cfg.DstPort == 0 {
		return nil, fmt.Errorf("%w: destination port 0", core.ErrFormat)
	}
	if cfg.Teardown <= 0 {
		cfg.Teardown = DefaultTeardown
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
	ctx, cancel := context.WithCancel(context.Background())
	return &Flow{
		cfg:    cfg,
		sender: sender,
		log: logger.WithFields(map[string]interface{}{
			"component": "handshake",
			"dst":       netip.AddrPortFrom(cfg.DstIP, cfg.DstPort).String(),
			"port":      port,
		}),
		ip:       codec.NewIPv4(cfg.SrcIP),
		port:     port,
		state:    StateInit,
		localSeq: rand.Uint32(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Port is the local source port.
func (f *Flow) Port() uint16 { return f.port }

// ISN is the initial sequence number sent in the SYN.
func (f *Flow) ISN() uint32 { return f.localSeq }

// State returns the current state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Established reports whether the flow ever completed the handshake.
func (f *Flow) Established() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.established
}

// Done is closed when the flow reaches StateClosed.
func (f *Flow) Done() <-chan struct{} { return f.done }

// Start sends the SYN.
func (f *Flow) Start() error {
	f.mu.Lock()
	if f.state != StateInit {
		s := f.state
		f.mu.Unlock()
		return fmt.Errorf("%w: start in %s", ErrState, s)
	}
	pkt, err := f.packet(core.TCPFlagSYN, f.localSeq, 0)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.setState(StateSynSent)
	f.synAt = time.Now()
	f.mu.Unlock()

	if err := f.sender.Send(pkt, f.cfg.DstIP, true); err != nil {
		f.Close()
		return fmt.Errorf("send SYN: %w", err)
	}
	f.log.WithField("seq", f.localSeq).Info("SYN sent")
	return nil
}

// HandleData consumes inbound segments for this flow. A SYN-ACK acknowledging
// the ISN completes the handshake; everything else is ignored. The first
// segment seen arms the teardown timer.
func (f *Flow) HandleData(h core.Header) {
	seg, ok := h.(*core.TCPHeader)
	if !ok {
		return
	}
	f.arm.Do(func() {
		f.mu.Lock()
		f.timer = time.AfterFunc(f.cfg.Teardown, f.teardown)
		f.mu.Unlock()
	})

	f.mu.Lock()
	if f.state != StateSynSent ||
		!seg.Flags.Has(core.TCPFlagSYN|core.TCPFlagACK) ||
		seg.Ack != f.localSeq+1 {
		f.mu.Unlock()
		f.log.WithField("flags", seg.Flags.String()).Debug("ignoring segment")
		return
	}
	f.remoteSeq = seg.Seq
	f.remoteKnown = true
	metrics.HandshakeLatencySeconds.Observe(time.Since(f.synAt).Seconds())
	pkt, err := f.packet(core.TCPFlagACK, f.localSeq+1, f.remoteSeq+1)
	if err != nil {
		f.mu.Unlock()
		f.log.WithError(err).Error("encode ACK")
		return
	}
	f.setState(StateEstablished)
	f.established = true
	f.mu.Unlock()

	if err := f.sender.Send(pkt, f.cfg.DstIP, false); err != nil {
		f.log.WithError(err).Warn("send ACK failed")
		return
	}
	f.log.WithField("remote_seq", seg.Seq).Info("connection established")
}

// Close cancels a pending teardown and marks the flow closed without sending
// anything. It is safe to call more than once.
func (f *Flow) Close() {
	f.cancel()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.timer != nil {
		f.timer.Stop()
	}
	f.finish()
}

func (f *Flow) teardown() {
	if f.ctx.Err() != nil {
		return
	}
	f.mu.Lock()
	if f.state == StateClosed {
		f.mu.Unlock()
		return
	}
	var ack uint32
	if f.remoteKnown {
		ack = f.remoteSeq + 1
	}
	pkt, err := f.packet(core.TCPFlagFIN|core.TCPFlagACK, f.localSeq+2, ack)
	f.setState(StateClosing)
	f.mu.Unlock()

	if err == nil {
		err = f.sender.Send(pkt, f.cfg.DstIP, false)
	}
	if err != nil {
		f.log.WithError(err).Warn("send FIN failed")
	} else {
		f.log.Info("FIN sent")
	}

	f.mu.Lock()
	f.finish()
	f.mu.Unlock()
}

// finish moves to StateClosed once. Callers hold mu.
func (f *Flow) finish() {
	if f.state == StateClosed {
		return
	}
	f.setState(StateClosed)
	close(f.done)
}

// setState records a transition. Callers hold mu.
func (f *Flow) setState(s State) {
	f.log.WithFields(map[string]interface{}{
		"from": f.state.String(),
		"to":   s.String(),
	}).Debug("state transition")
	f.state = s
	metrics.HandshakeTransitionsTotal.WithLabelValues(s.String()).Inc()
}

// packet encodes a TCP segment wrapped in IPv4.
func (f *Flow) packet(flags core.TCPFlags, seq, ack uint32) ([]byte, error) {
	seg, err := f.tcp.Encode(&core.TCPHeader{
		SrcPort: f.port,
		DstPort: f.cfg.DstPort,
		Seq:     seq,
		Ack:     ack,
		Flags:   flags,
		Window:  f.cfg.Window,
		SrcIP:   f.cfg.SrcIP,
		DstIP:   f.cfg.DstIP,
	})
	if err != nil {
		return nil, err
	}
	return f.ip.EncodePacket(f.cfg.SrcIP, f.cfg.DstIP, core.IPProtocolTCP, seg)
}
