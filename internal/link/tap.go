package link

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// DefaultSnapLen is the capture length used by taps and the AF_PACKET link.
const DefaultSnapLen = 65535

// Tap writes frames to a pcap stream. It is safe for concurrent use.
type Tap struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	closer  io.Closer
	snapLen uint32
}

// NewTap writes a pcap file header to w and returns a tap appending to it.
func NewTap(w io.Writer, snapLen uint32) (*Tap, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	t := &Tap{w: pw, snapLen: snapLen}
	if c, ok := w.(io.Closer); ok {
		t.closer = c
	}
	return t, nil
}

// OpenTap creates (or truncates) a pcap file at path.
func OpenTap(path string) (*Tap, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open pcap tap: %w", err)
	}
	t, err := NewTap(f, DefaultSnapLen)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

// Write appends one frame, truncated to the snap length.
func (t *Tap) Write(frame []byte, ts time.Time) error {
	data := frame
	if uint32(len(data)) > t.snapLen {
		data = data[:t.snapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(frame),
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.WritePacket(ci, data)
}

// Close closes the underlying writer when it is closable.
func (t *Tap) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}
