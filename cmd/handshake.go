package cmd

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/rawnet/internal/config"
)

var handshakeCmd = &cobra.Command{
	Use:   "handshake <host> [port]",
	Short: "Open and close one TCP connection",
	Long: `Send a SYN to host:port, acknowledge the SYN-ACK and close the flow with a
FIN after the configured teardown delay.

host may be an IPv4 address or a name, which is first resolved with a DNS
query over the same stack. port defaults to 80.

Examples:
  rawnet handshake 93.184.216.34
  rawnet handshake example.com 443 -i eth1`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		port := uint16(80)
		if len(args) == 2 {
			p, err := strconv.ParseUint(args[1], 10, 16)
			if err != nil || p == 0 {
				return fmt.Errorf("invalid port %q", args[1])
			}
			port = uint16(p)
		}
		return withStack(cmd, func(ctx context.Context, _ *config.Config, c StackClient) error {
			return runHandshake(ctx, c, args[0], port, cmd.OutOrStdout())
		})
	},
}

func runHandshake(ctx context.Context, c StackClient, host string, port uint16, out io.Writer) error {
	dst, err := netip.ParseAddr(host)
	if err != nil {
		res, err := c.Query(ctx, host)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", host, err)
		}
		if len(res.Addrs) == 0 {
			return fmt.Errorf("resolve %s: no A records", host)
		}
		dst = res.Addrs[0]
		fmt.Fprintf(out, "%s is %s\n", host, dst)
	}
	if !dst.Is4() {
		return fmt.Errorf("%s is not an IPv4 address", dst)
	}

	res, err := c.Dial(ctx, dst, port)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ %s:%d -> %s established and closed in %s\n",
		c.LocalIP(), res.LocalPort, netip.AddrPortFrom(dst, port), res.Elapsed.Round(time.Millisecond))
	return nil
}
