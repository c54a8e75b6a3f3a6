package main

import (
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"sublarr/internal/store"
)

type wantedResponse struct {
	Items []*store.WantedItem `json:"items"`
}

func newWantedCommand(ctx *commandContext) *cobra.Command {
	wantedCmd := &cobra.Command{
		Use:   "wanted",
		Short: "Inspect and manage wanted subtitles",
	}
	wantedCmd.AddCommand(newWantedListCommand(ctx))
	wantedCmd.AddCommand(newWantedStatsCommand(ctx))
	wantedCmd.AddCommand(newWantedScanCommand(ctx))
	wantedCmd.AddCommand(newWantedSearchCommand(ctx))
	wantedCmd.AddCommand(newWantedActionCommand(ctx, "reset", "Reset a failed or ignored item to pending"))
	wantedCmd.AddCommand(newWantedActionCommand(ctx, "ignore", "Exclude an item from future searches"))
	return wantedCmd
}

func newWantedListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List wanted items",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			query := url.Values{}
			for _, status := range statuses {
				query.Add("status", status)
			}
			query.Set("limit", strconv.Itoa(limit))

			var resp wantedResponse
			if err := api.get(cmd.Context(), "/api/v1/wanted/?"+query.Encode(), &resp); err != nil {
				return err
			}
			if len(resp.Items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing wanted")
				return nil
			}

			rows := make([][]string, 0, len(resp.Items))
			for _, item := range resp.Items {
				lang := item.Language
				if item.Forced {
					lang += " (forced)"
				}
				rows = append(rows, []string{
					strconv.FormatInt(item.ID, 10),
					filepath.Base(item.VideoPath),
					lang,
					string(item.Status),
					strconv.Itoa(item.Attempts),
					formatTimePtr(item.NextAttemptAt),
				})
			}
			out := renderTable(
				[]string{"ID", "File", "Lang", "Status", "Attempts", "Next Attempt"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			)
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func newWantedStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show wanted counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			var stats map[string]int
			if err := api.get(cmd.Context(), "/api/v1/wanted/stats", &stats); err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing wanted")
				return nil
			}
			keys := make([]string, 0, len(stats))
			for key := range stats {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			rows := make([][]string, 0, len(keys))
			for _, key := range keys {
				rows = append(rows, []string{key, strconv.Itoa(stats[key])})
			}
			out := renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight})
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newWantedScanCommand(ctx *commandContext) *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Trigger a library scan",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			path := "/api/v1/wanted/scan"
			if full {
				path += "?full=1"
			}
			if err := api.post(cmd.Context(), path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Scan started")
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Re-evaluate every file, not just changed ones")
	return cmd
}

func newWantedSearchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "search <id>",
		Short: "Queue a search for one wanted item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			var job store.Job
			if err := api.post(cmd.Context(), "/api/v1/wanted/"+args[0]+"/search", nil, &job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued search job %d\n", job.ID)
			return nil
		},
	}
}

func newWantedActionCommand(ctx *commandContext, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			var item store.WantedItem
			if err := api.post(cmd.Context(), "/api/v1/wanted/"+args[0]+"/"+action, nil, &item); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Item %d is now %s\n", item.ID, item.Status)
			return nil
		},
	}
}
