// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors following the ADR-021 error handling pattern.
var (
	// Address conversion errors
	ErrFormat = errors.New("rawnet: malformed address")
	ErrSize   = errors.New("rawnet: destination too small")

	// Packet decoding errors
	ErrMalformedHeader  = errors.New("rawnet: malformed header")
	ErrUnsupportedProto = errors.New("rawnet: unsupported protocol")

	// Packet encoding errors
	ErrAddressOverflow = errors.New("rawnet: header capacity exceeded")
	ErrHeaderType      = errors.New("rawnet: header type does not match codec")

	// Link and neighbor errors
	ErrUnresolved  = errors.New("rawnet: link address unresolved")
	ErrRateLimited = errors.New("rawnet: rate limited")
	ErrLinkClosed  = errors.New("rawnet: link closed")

	// Configuration errors
	ErrConfigInvalid = errors.New("rawnet: invalid configuration")
)
