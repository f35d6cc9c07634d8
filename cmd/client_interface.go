package cmd

import (
	"context"
	"net"
	"net/netip"

	"firestige.xyz/rawnet/internal/app/dns"
	"firestige.xyz/rawnet/internal/stack"
)

// StackClient is the subset of *stack.Stack the commands drive.
type StackClient interface {
	Dial(ctx context.Context, dst netip.Addr, port uint16) (*stack.DialResult, error)
	Query(ctx context.Context, name string) (*dns.Result, error)
	Resolve(ctx context.Context, dst netip.Addr) (net.HardwareAddr, error)
	LocalIP() netip.Addr
	Close() error
}
