// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/rawnet/internal/config"
	"firestige.xyz/rawnet/internal/log"
	"firestige.xyz/rawnet/internal/stack"
)

var (
	// Global flags
	configFile string
	iface      string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "rawnet",
	Short: "rawnet - user-space ARP/IPv4/UDP/TCP over a raw link",
	Long: `rawnet speaks ARP, IPv4, UDP and TCP from user space over an AF_PACKET
socket, bypassing the kernel stack for the packets it sends.

It can resolve a neighbor with ARP, open and close a TCP connection with a
hand-built three-way handshake, and send a DNS A query.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and RAWNET_* environment when empty)")
	rootCmd.PersistentFlags().StringVarP(&iface, "interface", "i", "",
		"network interface, overrides link.interface")

	rootCmd.AddCommand(handshakeCmd)
	rootCmd.AddCommand(dnsCmd)
	rootCmd.AddCommand(arpCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if iface != "" {
		cfg.Link.Interface = iface
	}
	return cfg, nil
}

// newStack opens the stack for a command. Replaced in tests.
var newStack = func(ctx context.Context, cfg *config.Config) (StackClient, error) {
	if err := log.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return stack.New(ctx, cfg)
}

// withStack runs fn against a freshly opened stack. The context is cancelled
// on SIGINT or SIGTERM.
func withStack(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, c StackClient) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := newStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, cfg, c)
}
