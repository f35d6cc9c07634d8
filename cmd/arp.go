package cmd

import (
	"context"
	"fmt"
	"io"
	"net/netip"

	"github.com/spf13/cobra"

	"firestige.xyz/rawnet/internal/config"
)

var arpCmd = &cobra.Command{
	Use:   "arp [ip]",
	Short: "Resolve the link address of a neighbor",
	Long: `Send ARP requests until the next hop towards ip answers or
arp.resolve_timeout expires. ip defaults to route.gateway.

Examples:
  rawnet arp
  rawnet arp 192.168.1.1`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		return withStack(cmd, func(ctx context.Context, cfg *config.Config, c StackClient) error {
			return runARP(ctx, c, cfg, target, cmd.OutOrStdout())
		})
	},
}

func runARP(ctx context.Context, c StackClient, cfg *config.Config, target string, out io.Writer) error {
	if target == "" {
		target = cfg.Route.Gateway
	}
	if target == "" {
		return fmt.Errorf("no target given and route.gateway is not set")
	}
	ip, err := netip.ParseAddr(target)
	if err != nil || !ip.Is4() {
		return fmt.Errorf("invalid IPv4 address %q", target)
	}
	mac, err := c.Resolve(ctx, ip)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is at %s\n", ip, mac)
	return nil
}
