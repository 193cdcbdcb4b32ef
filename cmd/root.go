// Package cmd defines the CLI commands for the resale-search-gateway executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/resale-search-gateway/internal/config"
)

type rootOptions struct {
	configPath string
	envFiles   []string
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath, o.envFiles...)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newRootCmd creates the root command. Running it without a subcommand serves.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "resale-search-gateway",
		Short: "A resilient search gateway in front of second-hand marketplaces.",
		Long: `resale-search-gateway accepts product searches over HTTP, normalizes
listings from upstream resale marketplaces, and protects those upstreams with
a result cache, adaptive rate limits, and per-site circuit breakers.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (yaml, json, or toml)")
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "dotenv files to load (default .env)")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newValidateCmd(opts))
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
