package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sublarr/internal/config"
	"sublarr/internal/daemon"
	"sublarr/internal/logging"
)

// version is injected at build time via -ldflags.
var version = "dev"

func newRootCommand() *cobra.Command {
	var configFlag string

	rootCmd := &cobra.Command{
		Use:           "sublarrd",
		Short:         "Sublarr subtitle daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), configFlag)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.AddCommand(newConfigInitCommand(&configFlag))
	return rootCmd
}

func runDaemon(parent context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, resolvedPath, exists, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		LogDir: cfg.LogDir(),
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if !exists {
		logger.Warn("no config file found, running on defaults",
			logging.Args(logging.String(logging.FieldPath, resolvedPath))...)
	}

	d, err := daemon.New(cfg, logger, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("close daemon", logging.Args(logging.Error(err))...)
		}
	}()

	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("sublarrd shutting down")
	d.Stop()
	return nil
}

func newConfigInitCommand(configFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "config-init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := *configFlag
			if path == "" {
				defaultPath, err := config.DefaultConfigPath()
				if err != nil {
					return err
				}
				path = defaultPath
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config file already exists at %s", path)
			}
			if err := config.CreateSample(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample config to %s\n", path)
			return nil
		},
	}
}
