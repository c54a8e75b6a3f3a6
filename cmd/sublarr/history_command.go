package main

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"sublarr/internal/store"
)

type historyResponse struct {
	History []*store.HistoryRecord `json:"history"`
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var path string
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show subtitle acquisition history",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			query := url.Values{}
			if path != "" {
				query.Set("path", path)
			}
			query.Set("limit", strconv.Itoa(limit))

			var resp historyResponse
			if err := api.get(cmd.Context(), "/api/v1/history?"+query.Encode(), &resp); err != nil {
				return err
			}
			if len(resp.History) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No history")
				return nil
			}

			rows := make([][]string, 0, len(resp.History))
			for _, record := range resp.History {
				lang := record.Language
				if record.Forced {
					lang += " (forced)"
				}
				source := record.Provider
				if source == "" {
					source = record.Backend
				}
				rows = append(rows, []string{
					strconv.FormatInt(record.ID, 10),
					formatTime(record.CreatedAt),
					string(record.Action),
					orDash(filepath.Base(record.VideoPath)),
					lang,
					orDash(source),
					strconv.Itoa(record.Score),
				})
			}
			out := renderTable(
				[]string{"ID", "When", "Action", "File", "Lang", "Source", "Score"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight},
			)
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "Filter by video path")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum rows")
	return cmd
}
