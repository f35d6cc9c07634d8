package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/rawnet/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Load the configuration file, apply defaults and RAWNET_* environment
overrides, validate it and print the result as YAML.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runConfig(cfg, cmd.OutOrStdout())
	},
}

func runConfig(cfg *config.Config, out io.Writer) error {
	b, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = out.Write(b)
	return err
}
