package link

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"firestige.xyz/rawnet/internal/core"
)

const pipeQueueLen = 256

// Pipe is an in-memory link. Frames transmitted on one end are delivered, in
// order and on a separate goroutine, to its peer.
type Pipe struct {
	base
	peer *Pipe

	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPipe returns two connected ends with the given addresses.
func NewPipe(aMAC net.HardwareAddr, aIP netip.Addr, bMAC net.HardwareAddr, bIP netip.Addr, opts ...Option) (*Pipe, *Pipe) {
	a := newPipeEnd(aMAC, aIP, opts)
	b := newPipeEnd(bMAC, bIP, nil)
	a.peer, b.peer = b, a
	a.start()
	b.start()
	return a, b
}

func newPipeEnd(mac net.HardwareAddr, ip netip.Addr, opts []Option) *Pipe {
	p := &Pipe{
		queue: make(chan []byte, pipeQueueLen),
		done:  make(chan struct{}),
	}
	p.init(mac, ip, opts)
	return p
}

func (p *Pipe) start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case frame := <-p.queue:
				p.deliver(frame, len(frame), len(frame), time.Now())
			case <-p.done:
				return
			}
		}
	}()
}

// Transmit frames payload and queues it on the peer.
func (p *Pipe) Transmit(payload []byte, dst net.HardwareAddr, etherType uint16) error {
	select {
	case <-p.done:
		return core.ErrLinkClosed
	default:
	}
	frame, err := p.frame(payload, dst, etherType)
	if err != nil {
		return err
	}
	return p.peer.inject(frame)
}

// Inject queues a raw frame as if it had been captured on this end.
func (p *Pipe) Inject(frame []byte) error {
	return p.inject(frame)
}

func (p *Pipe) inject(frame []byte) error {
	select {
	case <-p.done:
		return core.ErrLinkClosed
	case p.queue <- frame:
		return nil
	}
}

// Close stops delivery on this end. Frames still queued are dropped.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
	if p.tap != nil {
		return p.tap.Close()
	}
	return nil
}
