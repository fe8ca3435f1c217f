// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package request

import (
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/id"
)

// Kind distinguishes the two request shapes.
type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindQuestion      Kind = "question"
)

// Decision is the outcome of an authorization request.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// customAnswerPrefix marks a free-text reply as opposed to a picked option,
// without adding a field to the wire format.
const customAnswerPrefix = "custom:"

// CustomAnswer wraps free text so downstream consumers can tell it apart
// from an option id.
func CustomAnswer(text string) string {
	return customAnswerPrefix + text
}

// ParseCustomAnswer reports whether selected carries free text, and returns
// the text when it does.
func ParseCustomAnswer(selected string) (string, bool) {
	if strings.HasPrefix(selected, customAnswerPrefix) {
		return selected[len(customAnswerPrefix):], true
	}
	return "", false
}

// Option is one selectable answer of a question request.
type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// PendingRequest is a trackable authorization or question awaiting a human
// decision. Once Resolved is true, Decision/SelectedOption never change.
type PendingRequest struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"sessionId"`
	Kind              Kind      `json:"kind"`
	ToolName          string    `json:"toolName"`
	ToolInput         string    `json:"toolInput"`
	Cwd               string    `json:"cwd,omitempty"`
	ExternalMessageID string    `json:"externalMessageId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	Resolved          bool      `json:"resolved"`
	Cancelled         bool      `json:"cancelled"`
	Decision          Decision  `json:"decision,omitempty"`
	Question          string    `json:"question,omitempty"`
	Options           []Option  `json:"options,omitempty"`
	SelectedOption    string    `json:"selectedOption,omitempty"`
}

type allowAllEntry struct {
	createdAt time.Time
}

// Store owns every pending request and the per-source-session allow-all
// flags. The resolved flag is checked and set under one mutex hold, which is
// the whole concurrency contract: exactly one resolver wins.
type Store struct {
	mu       sync.Mutex
	requests map[string]*PendingRequest
	allowAll map[string]allowAllEntry

	clock   clock.Clock
	newID   id.Generator
	log     zerolog.Logger
	timeout time.Duration
}

// NewStore creates a request store with the given timeout budget. The budget
// is generous (minutes) because the human may be away from their device.
func NewStore(clk clock.Clock, gen id.Generator, log zerolog.Logger, timeout time.Duration) *Store {
	if gen == nil {
		gen = id.New
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Store{
		requests: make(map[string]*PendingRequest),
		allowAll: make(map[string]allowAllEntry),
		clock:    clk,
		newID:    gen,
		log:      log.With().Str("component", "requests").Logger(),
		timeout:  timeout,
	}
}

// Timeout returns the configured timeout budget.
func (s *Store) Timeout() time.Duration {
	return s.timeout
}

// CreateAuthorization registers a new authorization request. Always succeeds.
func (s *Store) CreateAuthorization(sourceSessionID, toolName, toolInput, cwd string) *PendingRequest {
	return s.create(&PendingRequest{
		SessionID: sourceSessionID,
		Kind:      KindAuthorization,
		ToolName:  toolName,
		ToolInput: toolInput,
		Cwd:       cwd,
	})
}

// CreateQuestion registers a new question request. Always succeeds.
func (s *Store) CreateQuestion(sourceSessionID, toolName, toolInput, cwd, prompt string, options []Option) *PendingRequest {
	return s.create(&PendingRequest{
		SessionID: sourceSessionID,
		Kind:      KindQuestion,
		ToolName:  toolName,
		ToolInput: toolInput,
		Cwd:       cwd,
		Question:  prompt,
		Options:   options,
	})
}

func (s *Store) create(r *PendingRequest) *PendingRequest {
	r.ID = s.newID()
	r.CreatedAt = s.clock.Now()

	s.mu.Lock()
	s.requests[r.ID] = r
	s.mu.Unlock()

	s.log.Debug().Str("request_id", r.ID).Str("kind", string(r.Kind)).
		Str("tool", r.ToolName).Msg("request created")
	cp := *r
	return &cp
}

// ResolveAuthorization records the decision for an authorization request.
// Returns false when the request is missing, already resolved, or not an
// authorization. First writer wins.
func (s *Store) ResolveAuthorization(requestID string, decision Decision) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok || r.Resolved || r.Kind != KindAuthorization {
		return false
	}
	r.Resolved = true
	r.Decision = decision
	s.log.Info().Str("request_id", requestID).Str("decision", string(decision)).
		Msg("authorization resolved")
	return true
}

// ResolveQuestion records the selected option (or a CustomAnswer) for a
// question request. Same guard semantics as ResolveAuthorization.
func (s *Store) ResolveQuestion(requestID, selected string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok || r.Resolved || r.Kind != KindQuestion {
		return false
	}
	r.Resolved = true
	r.SelectedOption = selected
	s.log.Info().Str("request_id", requestID).Str("selected", selected).
		Msg("question resolved")
	return true
}

// Cancel marks an unresolved request resolved+cancelled. Used when the
// caller gives up waiting or the timeout budget lapses. Returns a snapshot
// of the request, or nil when unknown. Cancelling an already resolved
// request is a no-op that still returns the snapshot so the caller can
// report what actually happened.
func (s *Store) Cancel(requestID string) *PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return nil
	}
	if !r.Resolved {
		r.Resolved = true
		r.Cancelled = true
		if r.Kind == KindAuthorization {
			r.Decision = DecisionDeny
		}
		s.log.Info().Str("request_id", requestID).Msg("request cancelled without decision")
	}
	cp := *r
	return &cp
}

// IsTimedOut reports whether the request has outlived the timeout budget.
// Callers must check resolution first: a decision that landed a moment
// before expiry wins over the timeout fallback.
func (s *Store) IsTimedOut(r *PendingRequest) bool {
	return s.clock.Now().Sub(r.CreatedAt) > s.timeout
}

// GetByID returns a snapshot of a request, or nil.
func (s *Store) GetByID(requestID string) *PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// GetByExternalMessageID returns the request correlated with an outbound
// notification message. Linear scan; fine at this scale.
func (s *Store) GetByExternalMessageID(messageID string) *PendingRequest {
	if messageID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.ExternalMessageID == messageID {
			cp := *r
			return &cp
		}
	}
	return nil
}

// SetExternalMessageID records the notification message id for later
// correlation of button callbacks and replies.
func (s *Store) SetExternalMessageID(requestID, messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[requestID]
	if !ok {
		return false
	}
	r.ExternalMessageID = messageID
	return true
}

// SetAllowAll marks a source session as trusted: subsequent authorization
// intakes short-circuit to allow without notifying anyone.
func (s *Store) SetAllowAll(sourceSessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.allowAll[sourceSessionID]; ok {
		return
	}
	s.allowAll[sourceSessionID] = allowAllEntry{createdAt: s.clock.Now()}
	s.log.Info().Str("session_id", sourceSessionID).Msg("allow-all enabled for session")
}

// IsAllowAll reports whether a source session is trusted.
func (s *Store) IsAllowAll(sourceSessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.allowAll[sourceSessionID]
	return ok
}

// SweepExpired deletes requests older than twice the timeout budget
// regardless of resolution state, and allow-all entries older than the
// session inactivity horizon. Runs on a timer, never from request paths.
func (s *Store) SweepExpired(allowAllHorizon time.Duration) (requests, trusts int) {
	now := s.clock.Now()
	requestCutoff := now.Add(-2 * s.timeout)
	trustCutoff := now.Add(-allowAllHorizon)

	s.mu.Lock()
	defer s.mu.Unlock()
	for rid, r := range s.requests {
		if r.CreatedAt.Before(requestCutoff) {
			delete(s.requests, rid)
			requests++
		}
	}
	for sid, e := range s.allowAll {
		if e.createdAt.Before(trustCutoff) {
			delete(s.allowAll, sid)
			trusts++
		}
	}
	if requests > 0 || trusts > 0 {
		s.log.Debug().Int("requests", requests).Int("allow_all", trusts).Msg("swept expired entries")
	}
	return requests, trusts
}
