package main

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"sublarr/internal/store"
)

type jobsResponse struct {
	Jobs []*store.Job `json:"jobs"`
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage the job queue",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	jobsCmd.AddCommand(newJobsCancelCommand(ctx))
	jobsCmd.AddCommand(newJobsBatchCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var states []string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			query := url.Values{}
			for _, state := range states {
				query.Add("state", state)
			}
			query.Set("limit", strconv.Itoa(limit))

			var resp jobsResponse
			if err := api.get(cmd.Context(), "/api/v1/jobs/?"+query.Encode(), &resp); err != nil {
				return err
			}
			if len(resp.Jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return nil
			}

			rows := make([][]string, 0, len(resp.Jobs))
			for _, job := range resp.Jobs {
				rows = append(rows, []string{
					strconv.FormatInt(job.ID, 10),
					string(job.Kind),
					string(job.State),
					orDash(filepath.Base(job.VideoPath)),
					orDash(job.Language),
					formatPercent(job.ProgressPercent),
					formatTime(job.CreatedAt),
				})
			}
			out := renderTable(
				[]string{"ID", "Kind", "State", "File", "Lang", "Progress", "Created"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
			)
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "Filter by state (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			var job store.Job
			if err := api.get(cmd.Context(), "/api/v1/jobs/"+args[0], &job); err != nil {
				return err
			}

			rows := [][]string{
				{"ID", strconv.FormatInt(job.ID, 10)},
				{"Kind", string(job.Kind)},
				{"State", string(job.State)},
				{"File", orDash(job.VideoPath)},
				{"Language", orDash(job.Language)},
				{"Forced", strconv.FormatBool(job.Forced)},
				{"Phase", orDash(job.ProgressPhase)},
				{"Progress", formatPercent(job.ProgressPercent)},
				{"Created", formatTime(job.CreatedAt)},
				{"Started", formatTimePtr(job.StartedAt)},
				{"Finished", formatTimePtr(job.FinishedAt)},
			}
			if job.ErrorMessage != "" {
				rows = append(rows,
					[]string{"Error", job.ErrorMessage},
					[]string{"Error kind", orDash(job.ErrorKind)})
			}
			if job.ResultJSON != "" {
				rows = append(rows, []string{"Result", job.ResultJSON})
			}
			out := renderTable([]string{"Field", "Value"}, rows, []columnAlignment{alignLeft, alignLeft})
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func newJobsCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			if err := api.del(cmd.Context(), "/api/v1/jobs/"+args[0], nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled job %s\n", args[0])
			return nil
		},
	}
}

func newJobsBatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "batch",
		Short: "Queue a batch search over all due wanted items",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := ctx.client()
			if err != nil {
				return err
			}
			var job store.Job
			if err := api.post(cmd.Context(), "/api/v1/jobs/batch", nil, &job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued batch job %d\n", job.ID)
			return nil
		},
	}
}
