package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/transcript-overlay/internal/config"
	"github.com/MimeLyc/transcript-overlay/internal/pipeline"
	"github.com/MimeLyc/transcript-overlay/internal/transcript"
	"github.com/MimeLyc/transcript-overlay/pkg/log"
)

const idleCheckInterval = 250 * time.Millisecond

type fetchOptions struct {
	language string
	wait     bool
	timeout  time.Duration
}

func newFetchCmd(envFiles *[]string) *cobra.Command {
	var opts fetchOptions
	cmd := &cobra.Command{
		Use:   "fetch VIDEO_ID",
		Short: "Fetch one transcript and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*envFiles)
			if err != nil {
				return err
			}
			return runFetch(cmd.Context(), cfg, cmd.OutOrStdout(), args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.language, "lang", "", "fetch the caption track in exactly this language")
	cmd.Flags().BoolVar(&opts.wait, "wait", false, "keep printing updates until transcription finishes")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "give up waiting for updates after this long")
	return cmd
}

// runFetch prints the first result, then with --wait every later update
// until no poll is left for the video.
func runFetch(ctx context.Context, cfg *config.Config, out io.Writer, videoID string, opts fetchOptions) error {
	if err := pipeline.ValidateVideoID(videoID); err != nil {
		return err
	}

	comps, err := buildComponents(ctx, cfg, pipeline.StaticSettings(cfg.Settings.Pipeline()))
	if err != nil {
		return err
	}
	defer func() {
		if err := comps.Close(); err != nil {
			log.Warn("Close stores: %v", err)
		}
	}()

	if err := comps.loader.LoadInto(ctx, comps.pages, videoID); err != nil {
		log.Warn("Load watch page for %s: %v", videoID, err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if opts.language != "" {
		r, err := comps.orch.FetchLanguage(ctx, videoID, opts.language)
		if err != nil {
			return err
		}
		return enc.Encode(r)
	}

	updates := make(chan transcript.Result, 16)
	var listener pipeline.Listener
	if opts.wait {
		listener = pipeline.ListenerFunc(func(r transcript.Result) {
			select {
			case updates <- r:
			default:
			}
		})
	}

	r, err := comps.orch.Fetch(ctx, videoID, listener)
	if err != nil {
		return err
	}
	if err := enc.Encode(r); err != nil {
		return err
	}
	if !opts.wait || final(r) {
		return nil
	}
	return waitForUpdates(ctx, comps.orch, videoID, updates, enc, opts.timeout)
}

func waitForUpdates(ctx context.Context, orch *pipeline.Orchestrator, videoID string, updates <-chan transcript.Result, enc *json.Encoder, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	idle := time.NewTicker(idleCheckInterval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("no final transcript for %s after %s", videoID, timeout)
		case u := <-updates:
			if err := enc.Encode(u); err != nil {
				return err
			}
			if final(u) {
				return nil
			}
		case <-idle.C:
			if !orch.Polling(videoID) && len(updates) == 0 {
				return nil
			}
		}
	}
}

// final reports whether no further update can follow r.
func final(r transcript.Result) bool {
	switch v := r.(type) {
	case transcript.CaptionResult:
		return true
	case transcript.ServerResult:
		return v.Terminal()
	default:
		return false
	}
}
