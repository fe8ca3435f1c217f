// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package main

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/relaygate/relaygate/internal/client"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/internal/hookio"
	"github.com/relaygate/relaygate/internal/orchestrator"
	"github.com/relaygate/relaygate/internal/request"
)

func newHookCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hook",
		Short: "Policy-hook client: mediate one agent decision via the broker",
		Long:  "Reads the agent's hook payload from stdin, waits for the remote decision, and prints the decision document on stdout. Intended to be invoked by the agent, not by hand.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runHook(cmd.Context(), cfg)
		},
	}
}

func runHook(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg)

	payload, err := hookio.ParsePayload(os.Stdin)
	if err != nil {
		log.Error().Err(err).Msg("bad hook payload")
		// Nothing to mediate; let the agent fall back to its local prompt.
		return hookio.WriteDecision(os.Stdout, hookio.DecisionDoc{})
	}

	api := client.New(cfg.ServerURL, cfg.AuthToken)

	params := client.IntakeParams{
		SessionID: payload.SessionID,
		Kind:      request.KindAuthorization,
		ToolName:  payload.ToolName,
		ToolInput: payload.InputText(),
		Cwd:       payload.Cwd,
	}
	if subs := payload.Questions(); len(subs) > 0 {
		params.Kind = request.KindQuestion
		params.Question = subs[0].Prompt
		params.Options = subs[0].Options
		if len(subs) > 1 {
			params.SubQuestions = subs
		}
	}

	res, err := api.Intake(ctx, params)
	if err != nil {
		log.Warn().Err(err).Msg("broker unreachable, falling back to local prompt")
		return hookio.WriteDecision(os.Stdout, hookio.DecisionDoc{})
	}
	if res.Status == orchestrator.StatusResolved {
		return hookio.WriteDecision(os.Stdout, hookio.DecisionDoc{Decision: string(res.Decision)})
	}

	return waitForDecision(ctx, cfg, api, params.Kind, res.RequestID, log)
}

// waitForDecision polls until the request settles or the local wait budget
// runs out. On budget exhaustion the request is cancelled: authorizations
// come back denied (fail closed), questions fall back to the local prompt.
func waitForDecision(ctx context.Context, cfg *config.Config, api *client.Client, kind request.Kind, requestID string, log zerolog.Logger) error {
	deadline := time.Now().Add(cfg.HookWaitBudget)
	ticker := time.NewTicker(cfg.HookPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			api.CancelRequest(context.Background(), requestID)
			return writeOutcome(kind, &orchestrator.PollResult{Status: orchestrator.StatusTimeout, Decision: request.DecisionDeny})
		case <-ticker.C:
		}

		res, err := api.PollRequest(ctx, requestID)
		if err != nil {
			log.Debug().Err(err).Msg("poll failed")
			continue
		}
		switch res.Status {
		case orchestrator.StatusResolved, orchestrator.StatusTimeout:
			return writeOutcome(kind, res)
		case orchestrator.StatusNotFound:
			log.Warn().Str("request_id", requestID).Msg("request vanished")
			return writeOutcome(kind, &orchestrator.PollResult{Status: orchestrator.StatusTimeout, Decision: request.DecisionDeny})
		}
	}

	log.Info().Str("request_id", requestID).Msg("wait budget exhausted, cancelling")
	res, err := api.CancelRequest(context.Background(), requestID)
	if err != nil || res == nil {
		res = &orchestrator.PollResult{Status: orchestrator.StatusTimeout, Decision: request.DecisionDeny}
	}
	return writeOutcome(kind, res)
}

func writeOutcome(kind request.Kind, res *orchestrator.PollResult) error {
	doc := hookio.DecisionDoc{}
	switch kind {
	case request.KindAuthorization:
		doc.Decision = string(res.Decision)
		if doc.Decision == "" {
			doc.Decision = string(request.DecisionDeny)
		}
		if res.Status == orchestrator.StatusTimeout {
			doc.Reason = "no remote decision before timeout"
		}
	case request.KindQuestion:
		if res.Status == orchestrator.StatusResolved {
			doc.SelectedOption = res.SelectedOption
			if text, ok := request.ParseCustomAnswer(res.SelectedOption); ok {
				doc.SelectedOption = text
			}
		}
		// Unanswered questions print an empty document: the agent falls
		// back to asking in the terminal.
	}
	return hookio.WriteDecision(os.Stdout, doc)
}
