package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

type statusResponse struct {
	Version       string         `json:"version"`
	PID           int            `json:"pid"`
	StartedAt     time.Time      `json:"started_at"`
	UptimeSeconds int            `json:"uptime_seconds"`
	DatabasePath  string         `json:"database_path"`
	Jobs          map[string]int `json:"jobs"`
	Wanted        map[string]int `json:"wanted"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			var status statusResponse
			if err := api.get(cmd.Context(), "/api/v1/status", &status); err != nil {
				return err
			}

			uptime := (time.Duration(status.UptimeSeconds) * time.Second).String()
			rows := [][]string{
				{"Version", status.Version},
				{"PID", fmt.Sprintf("%d", status.PID)},
				{"Uptime", uptime},
				{"Database", status.DatabasePath},
			}
			rows = append(rows, countRows("Jobs", status.Jobs)...)
			rows = append(rows, countRows("Wanted", status.Wanted)...)

			out := renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignLeft})
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func countRows(prefix string, counts map[string]int) [][]string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, []string{fmt.Sprintf("%s (%s)", prefix, key), fmt.Sprintf("%d", counts[key])})
	}
	return rows
}
