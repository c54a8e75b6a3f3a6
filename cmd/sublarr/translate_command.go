package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"sublarr/internal/config"
	"sublarr/internal/store"
)

func newTranslateCommand(ctx *commandContext) *cobra.Command {
	var lang string
	var sourceLang string
	var forced bool

	cmd := &cobra.Command{
		Use:   "translate <video-file>",
		Short: "Queue subtitle acquisition for one video file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if lang == "" {
				return fmt.Errorf("--lang is required")
			}
			// The daemon resolves paths against its own media mount, so an
			// absolute path keeps local and remote invocations consistent.
			path, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}

			api, err := ctx.client()
			if err != nil {
				return err
			}
			body := map[string]any{
				"video_path": path,
				"language":   lang,
				"forced":     forced,
			}
			if sourceLang != "" {
				body["source_lang"] = sourceLang
			}
			var job store.Job
			if err := api.post(cmd.Context(), "/api/v1/jobs/translate", body, &job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued job %d: %s -> %s\n", job.ID, path, lang)
			return nil
		},
	}
	cmd.Flags().StringVarP(&lang, "lang", "l", "", "Target language (ISO-639-1)")
	cmd.Flags().StringVar(&sourceLang, "source-lang", "", "Override the source language")
	cmd.Flags().BoolVar(&forced, "forced", false, "Acquire a forced subtitle track")
	return cmd
}
