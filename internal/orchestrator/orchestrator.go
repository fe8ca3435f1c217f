// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package orchestrator ties the stores together: intake of new requests,
// polling and cancellation by the hook client, human actions arriving from
// the channel, and routing of injection tasks to terminal sessions.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/flow"
	"github.com/relaygate/relaygate/internal/notify"
	"github.com/relaygate/relaygate/internal/request"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/task"
)

// Poll statuses returned to the hook client.
const (
	StatusPending  = "pending"
	StatusResolved = "resolved"
	StatusTimeout  = "timeout"
	StatusNotFound = "not_found"
)

// Keys injected for authorization decisions and selection steps. The agent's
// permission prompt takes "1" for allow, "2" for allow-and-trust; Escape
// dismisses it. Tab advances a picker, Enter submits.
const (
	keyAllow    = "1"
	keyAllowAll = "2"
	keyDeny     = "Escape"
	keyAdvance  = "Tab"
	keySubmit   = "Enter"
)

// Options are the orchestrator's timing knobs.
type Options struct {
	SweepInterval      time.Duration
	SessionIdleTimeout time.Duration
	TaskTTL            time.Duration
	SelectionTTL       time.Duration
}

// IntakeParams describes a new decision to mediate. SubQuestions is set only
// for multi-step questions; single questions use Question/Options.
type IntakeParams struct {
	SessionID    string
	Kind         request.Kind
	ToolName     string
	ToolInput    string
	Cwd          string
	Question     string
	Options      []request.Option
	SubQuestions []flow.SubQuestion
}

// IntakeResult reports either a tracked pending request or an immediate
// resolution (allow-all short-circuit).
type IntakeResult struct {
	RequestID string           `json:"requestId,omitempty"`
	Status    string           `json:"status"`
	Decision  request.Decision `json:"decision,omitempty"`
}

// PollResult is the hook client's view of a request.
type PollResult struct {
	Status         string           `json:"status"`
	Decision       request.Decision `json:"decision,omitempty"`
	SelectedOption string           `json:"selectedOption,omitempty"`
}

// Orchestrator is the single mediator between the HTTP boundary, the
// channel, and the stores.
type Orchestrator struct {
	requests   *request.Store
	sessions   *session.Registry
	tasks      *task.Queue
	selections *flow.Manager
	notifier   notify.Notifier

	clock clock.Clock
	log   zerolog.Logger
	opts  Options
}

func New(
	requests *request.Store,
	sessions *session.Registry,
	tasks *task.Queue,
	selections *flow.Manager,
	notifier notify.Notifier,
	clk clock.Clock,
	log zerolog.Logger,
	opts Options,
) *Orchestrator {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.SessionIdleTimeout <= 0 {
		opts.SessionIdleTimeout = time.Hour
	}
	if opts.TaskTTL <= 0 {
		opts.TaskTTL = 10 * time.Minute
	}
	if opts.SelectionTTL <= 0 {
		opts.SelectionTTL = 10 * time.Minute
	}
	o := &Orchestrator{
		requests:   requests,
		sessions:   sessions,
		tasks:      tasks,
		selections: selections,
		notifier:   notifier,
		clock:      clk,
		log:        log.With().Str("component", "orchestrator").Logger(),
		opts:       opts,
	}
	sessions.OnEvict(func(sessionID string) {
		tasks.DeleteForSession(sessionID)
	})
	return o
}

// SetNotifier swaps the notifier. Called once during wiring, before any
// traffic, to break the construction cycle with the channel.
func (o *Orchestrator) SetNotifier(n notify.Notifier) {
	o.notifier = n
}

// Intake registers a new decision. Authorizations from a trusted session
// short-circuit to allow without creating a request or notifying anyone.
// Notification dispatch is fire-and-forget so intake never blocks on the
// channel.
func (o *Orchestrator) Intake(ctx context.Context, p IntakeParams) IntakeResult {
	if p.Kind == request.KindAuthorization && o.requests.IsAllowAll(p.SessionID) {
		o.log.Info().Str("session_id", p.SessionID).Str("tool", p.ToolName).
			Msg("allow-all active, auto-approving")
		return IntakeResult{Status: StatusResolved, Decision: request.DecisionAllow}
	}

	var req *request.PendingRequest
	switch p.Kind {
	case request.KindQuestion:
		question, options := p.Question, p.Options
		if len(p.SubQuestions) > 0 {
			question = p.SubQuestions[0].Prompt
			options = p.SubQuestions[0].Options
		}
		req = o.requests.CreateQuestion(p.SessionID, p.ToolName, p.ToolInput, p.Cwd, question, options)
	default:
		req = o.requests.CreateAuthorization(p.SessionID, p.ToolName, p.ToolInput, p.Cwd)
	}

	go o.dispatch(context.WithoutCancel(ctx), req, p.SubQuestions)

	return IntakeResult{RequestID: req.ID, Status: StatusPending}
}

func (o *Orchestrator) dispatch(ctx context.Context, req *request.PendingRequest, subs []flow.SubQuestion) {
	mid, err := o.notifier.DecisionNeeded(ctx, req)
	if err != nil {
		o.log.Warn().Err(err).Str("request_id", req.ID).Msg("notification dispatch failed")
		return
	}
	if len(subs) > 1 {
		o.selections.Begin(mid, req.SessionID, subs)
	}
	o.requests.SetExternalMessageID(req.ID, mid)
}

// Poll reports a request's state. Resolution always wins over timeout: a
// decision recorded a moment before expiry is returned as resolved. An
// unresolved authorization past its budget is auto-denied here, and the
// denial is sticky. Questions are never auto-resolved.
func (o *Orchestrator) Poll(ctx context.Context, requestID string) PollResult {
	req := o.requests.GetByID(requestID)
	if req == nil {
		return PollResult{Status: StatusNotFound}
	}
	if req.Resolved {
		return resolvedResult(req)
	}
	if !o.requests.IsTimedOut(req) {
		return PollResult{Status: StatusPending}
	}

	if req.Kind == request.KindQuestion {
		return PollResult{Status: StatusPending}
	}

	settled := o.requests.Cancel(requestID)
	if settled == nil {
		return PollResult{Status: StatusNotFound}
	}
	if !settled.Cancelled {
		// Lost the race to a human decision.
		return resolvedResult(settled)
	}
	o.log.Info().Str("request_id", requestID).Msg("authorization timed out, denying")
	go func() {
		if err := o.notifier.RequestExpired(context.WithoutCancel(ctx), settled); err != nil {
			o.log.Debug().Err(err).Str("request_id", requestID).Msg("expiry notification failed")
		}
	}()
	return PollResult{Status: StatusTimeout, Decision: request.DecisionDeny}
}

func resolvedResult(req *request.PendingRequest) PollResult {
	if req.Cancelled {
		return PollResult{Status: StatusTimeout, Decision: req.Decision}
	}
	return PollResult{Status: StatusResolved, Decision: req.Decision, SelectedOption: req.SelectedOption}
}

// Cancel marks a request abandoned by its caller. A later human action
// against it is rejected as already expired.
func (o *Orchestrator) Cancel(ctx context.Context, requestID string) PollResult {
	req := o.requests.Cancel(requestID)
	if req == nil {
		return PollResult{Status: StatusNotFound}
	}
	if req.Cancelled {
		go func() {
			if err := o.notifier.RequestExpired(context.WithoutCancel(ctx), req); err != nil {
				o.log.Debug().Err(err).Str("request_id", requestID).Msg("expiry notification failed")
			}
		}()
	}
	return resolvedResult(req)
}

// HandleEvent consumes one human action from the channel. Every path
// resolves at most once; losers of the resolution race are logged and
// dropped.
func (o *Orchestrator) HandleEvent(ev notify.Event) {
	ctx := context.Background()
	switch ev.Type {
	case notify.EventOptionSelected:
		o.handleOptionSelected(ctx, ev)
	case notify.EventReply:
		o.handleReply(ctx, ev)
	case notify.EventAllowAll:
		o.handleAllowAll(ctx, ev)
	default:
		o.log.Debug().Str("type", ev.Type).Msg("ignoring unknown event")
	}
}

func (o *Orchestrator) handleOptionSelected(ctx context.Context, ev notify.Event) {
	// Multi-step selections are keyed by message id and take precedence.
	if st := o.selections.Get(ev.MessageID); st != nil {
		o.advanceSelection(ctx, ev)
		return
	}

	req := o.requests.GetByExternalMessageID(ev.MessageID)
	if req == nil {
		o.log.Warn().Str("message_id", ev.MessageID).Msg("action against unknown message")
		o.notifySelectionExpired(ctx, ev.MessageID)
		return
	}
	if req.Resolved {
		o.log.Info().Str("request_id", req.ID).Msg("action against settled request, ignoring")
		o.notifyResolved(ctx, req.ID)
		return
	}

	switch req.Kind {
	case request.KindAuthorization:
		decision := request.DecisionDeny
		key := keyDeny
		if ev.OptionID == "allow" {
			decision = request.DecisionAllow
			key = keyAllow
		}
		if !o.requests.ResolveAuthorization(req.ID, decision) {
			return
		}
		o.injectKeys(req.SessionID, []string{key}, req.ID)
	case request.KindQuestion:
		if !o.requests.ResolveQuestion(req.ID, ev.OptionID) {
			return
		}
		key := o.tasks.KeyFor(ev.OptionID)
		o.injectKeys(req.SessionID, []string{key, keyAdvance, keySubmit}, req.ID)
	}
	o.notifyResolved(ctx, req.ID)
}

func (o *Orchestrator) advanceSelection(ctx context.Context, ev notify.Event) {
	step, err := o.selections.Choose(ev.MessageID, ev.OptionID)
	if err != nil {
		o.notifySelectionExpired(ctx, ev.MessageID)
		return
	}

	key := o.tasks.KeyFor(ev.OptionID)
	if !step.Done {
		o.injectKeys(step.SessionID, []string{key, keyAdvance}, "")
		if st := o.selections.Get(ev.MessageID); st != nil {
			if err := o.notifier.SelectionProgress(ctx, st); err != nil {
				o.log.Debug().Err(err).Str("message_id", ev.MessageID).Msg("progress update failed")
			}
		}
		return
	}

	o.injectKeys(step.SessionID, []string{key, keyAdvance, keySubmit}, "")
	if req := o.requests.GetByExternalMessageID(ev.MessageID); req != nil {
		if o.requests.ResolveQuestion(req.ID, strings.Join(step.Answers, ",")) {
			o.notifyResolved(ctx, req.ID)
		}
	}
}

func (o *Orchestrator) handleReply(ctx context.Context, ev notify.Event) {
	req := o.requests.GetByExternalMessageID(ev.MessageID)
	if req == nil {
		o.log.Warn().Str("message_id", ev.MessageID).Msg("reply against unknown message")
		o.notifySelectionExpired(ctx, ev.MessageID)
		return
	}
	if req.Resolved {
		o.notifyResolved(ctx, req.ID)
		return
	}

	switch req.Kind {
	case request.KindQuestion:
		if !o.requests.ResolveQuestion(req.ID, request.CustomAnswer(ev.Text)) {
			return
		}
		o.injectMessage(req.SessionID, ev.Text, req.ID)
	case request.KindAuthorization:
		// A reply to a permission prompt means "no, do this instead".
		if !o.requests.ResolveAuthorization(req.ID, request.DecisionDeny) {
			return
		}
		o.injectKeys(req.SessionID, []string{keyDeny}, req.ID)
		o.injectMessage(req.SessionID, ev.Text, req.ID)
	}
	o.notifyResolved(ctx, req.ID)
}

func (o *Orchestrator) handleAllowAll(ctx context.Context, ev notify.Event) {
	req := o.requests.GetByExternalMessageID(ev.MessageID)
	if req == nil || req.Kind != request.KindAuthorization {
		o.log.Warn().Str("message_id", ev.MessageID).Msg("allow-all against unknown or non-authorization message")
		return
	}
	o.requests.SetAllowAll(req.SessionID)
	if req.Resolved {
		o.notifyResolved(ctx, req.ID)
		return
	}
	if !o.requests.ResolveAuthorization(req.ID, request.DecisionAllow) {
		return
	}
	o.injectKeys(req.SessionID, []string{keyAllowAll}, req.ID)
	o.notifyResolved(ctx, req.ID)
}

func (o *Orchestrator) notifyResolved(ctx context.Context, requestID string) {
	req := o.requests.GetByID(requestID)
	if req == nil {
		return
	}
	if err := o.notifier.DecisionResolved(ctx, req); err != nil {
		o.log.Debug().Err(err).Str("request_id", requestID).Msg("resolution notification failed")
	}
}

func (o *Orchestrator) notifySelectionExpired(ctx context.Context, messageID string) {
	if err := o.notifier.SelectionExpired(ctx, messageID); err != nil {
		o.log.Debug().Err(err).Str("message_id", messageID).Msg("expired-selection notification failed")
	}
}

// injectKeys routes a key sequence to the target terminal session. Adding a
// task counts as session activity so follow-up injections route to the same
// terminal.
func (o *Orchestrator) injectKeys(sourceSessionID string, keys []string, linkedRequestID string) {
	target := o.targetSession(sourceSessionID)
	if target == nil {
		return
	}
	if len(keys) == 1 {
		o.tasks.EnqueueKeystroke(target.ID, keys[0], linkedRequestID)
	} else {
		o.tasks.EnqueueSequence(target.ID, keys, linkedRequestID)
	}
	o.sessions.Touch(target.ID)
}

func (o *Orchestrator) injectMessage(sourceSessionID, text, linkedRequestID string) {
	target := o.targetSession(sourceSessionID)
	if target == nil {
		return
	}
	o.tasks.EnqueueMessage(target.ID, text, linkedRequestID)
	o.sessions.Touch(target.ID)
}

// targetSession matches the source session id against registered sessions,
// exact id first, then short id. An unmatched source falls back to the most
// recently active session: the source id comes from the agent process and is
// not the same namespace as wrapper registrations. No registered session at
// all is a soft failure.
func (o *Orchestrator) targetSession(sourceSessionID string) *session.Session {
	if s := o.sessions.Get(sourceSessionID); s != nil {
		return s
	}
	s := o.sessions.MostRecent()
	if s == nil {
		o.log.Warn().Str("source_session_id", sourceSessionID).Msg("no target session, dropping injection")
		return nil
	}
	return s
}

// RunSweeper deletes expired state on a fixed interval until ctx ends.
// Sweeping never runs on request paths.
func (o *Orchestrator) RunSweeper(ctx context.Context) {
	ticker := o.clock.Ticker(o.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.requests.SweepExpired(o.opts.SessionIdleTimeout)
			o.tasks.SweepExpired(o.opts.TaskTTL)
			o.sessions.SweepIdle(o.opts.SessionIdleTimeout)
			o.selections.SweepExpired(o.opts.SelectionTTL)
		}
	}
}
