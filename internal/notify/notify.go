// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package notify carries decisions across the messaging channel. The daemon
// decides when to emit and which ids to embed; message formatting and button
// layout live on the other side of the gateway.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/flow"
	"github.com/relaygate/relaygate/internal/id"
	"github.com/relaygate/relaygate/internal/request"
)

// Notifier pushes request lifecycle events to the human's messaging channel.
// DecisionNeeded returns the external message id used to correlate button
// callbacks and replies back to the request.
type Notifier interface {
	DecisionNeeded(ctx context.Context, req *request.PendingRequest) (messageID string, err error)
	DecisionResolved(ctx context.Context, req *request.PendingRequest) error
	SelectionProgress(ctx context.Context, st *flow.State) error
	RequestExpired(ctx context.Context, req *request.PendingRequest) error
	SelectionExpired(ctx context.Context, messageID string) error
}

// Event types arriving from the human via the channel.
const (
	EventOptionSelected = "option_selected"
	EventReply          = "reply"
	EventAllowAll       = "allow_all"
)

// Event is a human action received from the messaging gateway.
type Event struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	OptionID  string `json:"optionId,omitempty"`
	Text      string `json:"text,omitempty"`
}

// EventHandler consumes human actions. Called from the channel's read loop;
// must not block for long.
type EventHandler func(Event)

// LogNotifier is the fallback when no channel is configured: every event is
// logged and decisions can only arrive through the HTTP API.
type LogNotifier struct {
	newID id.Generator
	log   zerolog.Logger
}

func NewLogNotifier(gen id.Generator, log zerolog.Logger) *LogNotifier {
	if gen == nil {
		gen = id.New
	}
	return &LogNotifier{
		newID: gen,
		log:   log.With().Str("component", "notify").Logger(),
	}
}

func (n *LogNotifier) DecisionNeeded(_ context.Context, req *request.PendingRequest) (string, error) {
	mid := n.newID()
	n.log.Info().Str("request_id", req.ID).Str("kind", string(req.Kind)).
		Str("tool", req.ToolName).Str("message_id", mid).
		Msg("decision needed (no channel configured)")
	return mid, nil
}

func (n *LogNotifier) DecisionResolved(_ context.Context, req *request.PendingRequest) error {
	n.log.Info().Str("request_id", req.ID).Str("decision", string(req.Decision)).
		Str("selected", req.SelectedOption).Msg("decision resolved")
	return nil
}

func (n *LogNotifier) SelectionProgress(_ context.Context, st *flow.State) error {
	n.log.Info().Str("message_id", st.MessageID).Int("answered", len(st.Answers)).
		Int("total", len(st.SubQuestions)).Msg("selection progress")
	return nil
}

func (n *LogNotifier) RequestExpired(_ context.Context, req *request.PendingRequest) error {
	n.log.Info().Str("request_id", req.ID).Msg("request expired")
	return nil
}

func (n *LogNotifier) SelectionExpired(_ context.Context, messageID string) error {
	n.log.Info().Str("message_id", messageID).Msg("selection expired")
	return nil
}
