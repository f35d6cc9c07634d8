// Package codec encodes and decodes the ARP, IPv4, UDP and TCP wire formats.
package codec

import (
	"fmt"

	"firestige.xyz/rawnet/internal/core"
)

// Codec converts one protocol layer between its structured header and wire
// bytes. Encode allocates a fresh buffer and copies the header's payload into
// it. Decode parses only its own header from the front of data and never
// copies: payload slices alias data.
type Codec interface {
	Protocol() core.Protocol
	Encode(h core.Header) ([]byte, error)
	Decode(data []byte) (core.DecodedLayer, error)
}

func malformed(p core.Protocol, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", core.ErrMalformedHeader, p, fmt.Sprintf(format, args...))
}

func wrongType(p core.Protocol, h core.Header) error {
	return fmt.Errorf("%w: %s codec got %T", core.ErrHeaderType, p, h)
}

// padWords zero-pads b up to the next multiple of 4 bytes.
func padWords(b []byte) []byte {
	n := (len(b) + 3) &^ 3
	out := make([]byte, n)
	copy(out, b)
	return out
}
