// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/auth"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/flow"
	"github.com/relaygate/relaygate/internal/notify"
	"github.com/relaygate/relaygate/internal/orchestrator"
	"github.com/relaygate/relaygate/internal/request"
	"github.com/relaygate/relaygate/internal/server"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/task"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(parent context.Context, cfg *config.Config) error {
	log := newLogger(cfg)
	clk := clock.New()

	requests := request.NewStore(clk, nil, log, cfg.RequestTimeout)
	sessions := session.NewRegistry(clk, nil, log, cfg.MaxSessions)
	tasks := task.NewQueue(clk, nil, log, cfg.AckGrace)
	selections := flow.NewManager(clk, log)

	orch := orchestrator.New(requests, sessions, tasks, selections,
		notify.NewLogNotifier(nil, log), clk, log, orchestrator.Options{
			SweepInterval:      cfg.SweepInterval,
			SessionIdleTimeout: cfg.SessionIdleTimeout,
			TaskTTL:            cfg.TaskTTL,
			SelectionTTL:       cfg.SelectionTTL,
		})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.ChannelURL != "" {
		channel := notify.NewChannel(cfg.ChannelURL, cfg.ChannelToken, nil, log, orch.HandleEvent)
		orch.SetNotifier(channel)
		go channel.Run(ctx)
	} else {
		log.Warn().Msg("no channel configured, decisions only via HTTP API")
	}

	go orch.RunSweeper(ctx)

	mw := auth.NewMiddleware(cfg.AuthToken, log)
	if !mw.IsEnabled() {
		log.Warn().Msg("no auth token configured, all requests will be rejected")
	}
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.New(orch, sessions, tasks, mw, log).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("broker listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(drainCtx)
}
