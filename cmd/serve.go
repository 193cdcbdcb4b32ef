package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/resale-search-gateway/internal/server"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}
	app, err := server.Build(cmd.Context(), &cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil {
		return fmt.Errorf("run application: %w", err)
	}
	return nil
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Loads and validates configuration, then prints the effective site setup",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			summary := map[string]any{
				"port":          cfg.Server.Port,
				"cache_backend": cfg.Cache.Backend,
				"cache_ttl":     cfg.Cache.TTL.String(),
				"rate_limit":    cfg.RateLimit.Limit,
				"rate_window":   cfg.RateLimit.Window.String(),
				"policy":        cfg.RateLimit.Policy,
				"sites": map[string]any{
					"primary":   siteSummary(cfg.Sites.Primary.Enabled, cfg.Sites.Primary.Mode, cfg.Sites.Primary.Countries),
					"secondary": siteSummary(cfg.Sites.Secondary.Enabled, cfg.Sites.Secondary.Mode, cfg.Sites.Secondary.Countries),
				},
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(summary); err != nil {
				return fmt.Errorf("write summary: %w", err)
			}
			return nil
		},
	}
}

func siteSummary(enabled bool, mode string, countries []string) map[string]any {
	return map[string]any{"enabled": enabled, "mode": mode, "countries": countries}
}
