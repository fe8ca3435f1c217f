// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/client"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/task"
	"github.com/relaygate/relaygate/internal/term"
)

func newWrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wrap -- <command> [args...]",
		Short: "Run an agent under a PTY with remote input injection",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runWrap(cmd.Context(), cfg, args)
		},
	}
}

func runWrap(ctx context.Context, cfg *config.Config, args []string) error {
	log := newLogger(cfg)
	api := client.New(cfg.ServerURL, cfg.AuthToken)

	cwd, _ := os.Getwd()
	sess, err := api.RegisterSession(ctx, filepath.Base(args[0]), cwd)
	if err != nil {
		return fmt.Errorf("register session: %w", err)
	}
	log.Info().Str("session_id", sess.ID).Str("short_id", sess.ShortID).Msg("session registered")

	runner, err := term.Start(args, cfg.WrapKeyDelay, log)
	if err != nil {
		unregister(api, sess.ID)
		return err
	}

	stop := make(chan struct{})
	go runner.WatchResize(stop)
	go pollTasks(ctx, stop, api, runner, sess.ID, cfg.WrapPollInterval, log)

	runner.Mirror()
	code := runner.Wait()
	close(stop)
	runner.Close()
	unregister(api, sess.ID)

	if code != 0 {
		os.Exit(code)
	}
	return nil
}

func unregister(api *client.Client, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	api.UnregisterSession(ctx, sessionID)
}

// pollTasks fetches and injects pending tasks until stop closes. Injection
// errors are acknowledged as errors so the broker does not redeliver
// something half-typed.
func pollTasks(ctx context.Context, stop <-chan struct{}, api *client.Client, runner *term.Runner, sessionID string, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tasks, err := api.Tasks(ctx, sessionID)
		if err != nil {
			log.Debug().Err(err).Msg("task poll failed")
			continue
		}
		for _, t := range tasks {
			outcome := "success"
			if err := inject(runner, t); err != nil {
				log.Warn().Err(err).Str("task_id", t.ID).Msg("injection failed")
				outcome = "error"
			}
			if err := api.AckTask(ctx, t.ID, outcome); err != nil {
				log.Debug().Err(err).Str("task_id", t.ID).Msg("ack failed")
			}
		}
	}
}

func inject(runner *term.Runner, t *task.PendingTask) error {
	switch t.Kind {
	case task.KindMessage:
		return runner.InjectMessage(t.Text)
	case task.KindKeystroke, task.KindSequence:
		return runner.InjectKeys(t.Keys)
	}
	return fmt.Errorf("unknown task kind %q", t.Kind)
}
