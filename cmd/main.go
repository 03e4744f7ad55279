package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/transcript-overlay/internal/config"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFiles []string

	root := &cobra.Command{
		Use:           "transcriptd",
		Short:         "Transcript overlay service",
		Long:          "Serves transcripts for the overlay extension from captions, page content or a transcription backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(envFiles)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "env files to load before reading the environment (default .env)")

	root.AddCommand(newServeCmd(&envFiles), newFetchCmd(&envFiles))
	return root
}

func newServeCmd(envFiles *[]string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, prefetch workers and cache sweeper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*envFiles)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// loadConfig reads env files, overlays the runtime settings file when it
// exists and installs the global logger.
func loadConfig(envFiles []string) (*config.Config, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	var opts []config.Option
	path := config.RuntimeSettingsFilePath()
	settings, err := config.LoadRuntimeSettingsFile(path)
	switch {
	case err == nil:
		opts = append(opts, config.WithRuntimeSettings(settings))
	case !os.IsNotExist(err):
		log.Warn("Ignoring settings file %s: %v", path, err)
	}

	cfg, err := config.NewFromEnv(opts...)
	if err != nil {
		return nil, err
	}
	log.InitLogger(log.ParseLevel(cfg.System.LogLevel))
	return cfg, nil
}
