package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"sublarr/internal/config"
)

var version = "dev"

// commandContext resolves the API client lazily so commands fail with a
// useful message only when they actually need the daemon.
type commandContext struct {
	urlFlag    *string
	tokenFlag  *string
	configFlag *string

	cached *client
}

func (c *commandContext) client() (*client, error) {
	if c.cached != nil {
		return c.cached, nil
	}

	base := strings.TrimSpace(*c.urlFlag)
	if base == "" {
		base = strings.TrimSpace(os.Getenv("SUBLARR_URL"))
	}
	token := strings.TrimSpace(*c.tokenFlag)

	if base == "" || token == "" {
		cfg, _, _, err := config.Load(*c.configFlag)
		if err != nil {
			return nil, fmt.Errorf("resolve daemon address: %w", err)
		}
		if base == "" {
			base = "http://" + cfg.Paths.APIBind
		}
		if token == "" {
			token = cfg.Paths.APIToken
		}
	}

	c.cached = newClient(base, token)
	return c.cached, nil
}

func newRootCommand() *cobra.Command {
	var urlFlag string
	var tokenFlag string
	var configFlag string

	ctx := &commandContext{urlFlag: &urlFlag, tokenFlag: &tokenFlag, configFlag: &configFlag}

	rootCmd := &cobra.Command{
		Use:           "sublarr",
		Short:         "Sublarr CLI",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&urlFlag, "url", "", "Daemon base URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "api-key", "", "API key for the daemon")
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newTranslateCommand(ctx))
	rootCmd.AddCommand(newWantedCommand(ctx))
	rootCmd.AddCommand(newProvidersCommand(ctx))
	rootCmd.AddCommand(newBackendsCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
