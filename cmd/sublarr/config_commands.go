package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

type configResponse struct {
	Overrides   map[string]string `json:"overrides"`
	Fingerprint string            `json:"fingerprint"`
}

func newConfigCommand(ctx *commandContext) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change runtime config overrides",
	}
	configCmd.AddCommand(newConfigGetCommand(ctx))
	configCmd.AddCommand(newConfigSetCommand(ctx))
	return configCmd
}

func newConfigGetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "get",
		Short: "Show active overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			var resp configResponse
			if err := api.get(cmd.Context(), "/api/v1/config", &resp); err != nil {
				return err
			}
			if len(resp.Overrides) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No overrides (fingerprint %s)\n", resp.Fingerprint)
				return nil
			}
			keys := make([]string, 0, len(resp.Overrides))
			for key := range resp.Overrides {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			rows := make([][]string, 0, len(keys))
			for _, key := range keys {
				rows = append(rows, []string{key, resp.Overrides[key]})
			}
			out := renderTable([]string{"Key", "Value"}, rows, []columnAlignment{alignLeft, alignLeft})
			fmt.Fprintln(cmd.OutOrStdout(), out)
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", resp.Fingerprint)
			return nil
		},
	}
}

func newConfigSetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set an override, e.g. translation.batch_size 25",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			body := map[string]string{"key": args[0], "value": args[1]}
			var resp configResponse
			if err := api.put(cmd.Context(), "/api/v1/config", body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s (fingerprint %s)\n", args[0], resp.Fingerprint)
			return nil
		},
	}
}
