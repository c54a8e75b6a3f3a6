package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"sublarr/internal/providers"
	"sublarr/internal/translator"
)

type providersResponse struct {
	Providers []providers.ProviderStatus `json:"providers"`
}

type backendsResponse struct {
	Backends []translator.BackendStatus `json:"backends"`
}

func newProvidersCommand(ctx *commandContext) *cobra.Command {
	providersCmd := &cobra.Command{
		Use:   "providers",
		Short: "Inspect and manage subtitle providers",
	}
	providersCmd.AddCommand(newProvidersListCommand(ctx))
	providersCmd.AddCommand(newComponentActionCommand(ctx, "providers", "reset", "Reset a provider's breaker and counters"))
	providersCmd.AddCommand(newComponentActionCommand(ctx, "providers", "check", "Run a provider health check"))
	providersCmd.AddCommand(newComponentActionCommand(ctx, "providers", "enable", "Re-enable a disabled provider"))
	providersCmd.AddCommand(newComponentDisableCommand(ctx, "providers"))
	return providersCmd
}

func newProvidersListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List providers and their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			var resp providersResponse
			if err := api.get(cmd.Context(), "/api/v1/providers/", &resp); err != nil {
				return err
			}
			if len(resp.Providers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No providers configured")
				return nil
			}

			rows := make([][]string, 0, len(resp.Providers))
			for _, p := range resp.Providers {
				state := "healthy"
				if p.Disabled {
					state = "disabled"
					if p.DisabledUntil != nil {
						state = "disabled until " + formatTime(*p.DisabledUntil)
					}
				}
				rows = append(rows, []string{
					p.Name,
					strings.Join(p.Languages, ","),
					string(p.Breaker),
					strconv.Itoa(p.Failures),
					state,
					orDash(p.LastError),
				})
			}
			out := renderTable(
				[]string{"Name", "Languages", "Breaker", "Failures", "State", "Last Error"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			)
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newBackendsCommand(ctx *commandContext) *cobra.Command {
	backendsCmd := &cobra.Command{
		Use:   "backends",
		Short: "Inspect and manage translation backends",
	}
	backendsCmd.AddCommand(newBackendsListCommand(ctx))
	backendsCmd.AddCommand(newComponentActionCommand(ctx, "backends", "check", "Run a backend health check"))
	backendsCmd.AddCommand(newComponentActionCommand(ctx, "backends", "enable", "Re-enable a disabled backend"))
	backendsCmd.AddCommand(newComponentDisableCommand(ctx, "backends"))
	return backendsCmd
}

func newBackendsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List translation backends and their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			var resp backendsResponse
			if err := api.get(cmd.Context(), "/api/v1/backends/", &resp); err != nil {
				return err
			}
			if len(resp.Backends) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No backends configured")
				return nil
			}

			rows := make([][]string, 0, len(resp.Backends))
			for _, b := range resp.Backends {
				state := "healthy"
				switch {
				case !b.Enabled:
					state = "not configured"
				case b.Disabled:
					state = "disabled"
				}
				rows = append(rows, []string{
					b.Name,
					state,
					strconv.Itoa(b.Failures),
					b.AvgLatency.Round(time.Millisecond).String(),
					orDash(b.LastError),
				})
			}
			out := renderTable(
				[]string{"Name", "State", "Failures", "Avg Latency", "Last Error"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			)
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newComponentActionCommand(ctx *commandContext, group, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/api/v1/%s/%s/%s", group, args[0], action)
			if err := api.post(cmd.Context(), path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s ok\n", args[0], action)
			return nil
		},
	}
}

func newComponentDisableCommand(ctx *commandContext, group string) *cobra.Command {
	var minutes int

	cmd := &cobra.Command{
		Use:   "disable <name>",
		Short: "Disable a component for a period",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/api/v1/%s/%s/disable", group, args[0])
			body := map[string]any{"minutes": minutes}
			if err := api.post(cmd.Context(), path, body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s disabled for %d minutes\n", args[0], minutes)
			return nil
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 60, "How long to disable")
	return cmd
}
