package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/rawnet/internal/config"
)

var dnsCmd = &cobra.Command{
	Use:   "dns <name>",
	Short: "Send a DNS A query",
	Long: `Query the configured DNS server (dns.server) for the A records of name
over UDP built by rawnet.

Examples:
  rawnet dns example.com
  RAWNET_DNS_SERVER=1.1.1.1 rawnet dns example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStack(cmd, func(ctx context.Context, _ *config.Config, c StackClient) error {
			return runDNS(ctx, c, args[0], cmd.OutOrStdout())
		})
	},
}

func runDNS(ctx context.Context, c StackClient, name string, out io.Writer) error {
	res, err := c.Query(ctx, name)
	if err != nil {
		return err
	}
	if len(res.Addrs) == 0 {
		fmt.Fprintf(out, "%s: no A records (%s)\n", name, res.RTT.Round(time.Millisecond))
		return nil
	}
	for _, a := range res.Addrs {
		fmt.Fprintf(out, "%s\tA\t%s\n", name, a)
	}
	fmt.Fprintf(out, ";; answered in %s\n", res.RTT.Round(time.Millisecond))
	return nil
}
