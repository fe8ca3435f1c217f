// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package flow tracks multi-step selections: a single notification message
// that walks the human through several sub-questions, where each answer is
// injected into the terminal as a key sequence before the next sub-question
// is shown.
package flow

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/request"
)

// ErrSelectionExpired is returned when a choice arrives for a selection that
// no longer exists, either swept or already completed.
var ErrSelectionExpired = errors.New("selection expired")

// SubQuestion is one step of a multi-step selection.
type SubQuestion struct {
	Header  string           `json:"header,omitempty"`
	Prompt  string           `json:"prompt"`
	Options []request.Option `json:"options"`
}

// State is a live multi-step selection, keyed by the id of the notification
// message whose buttons drive it.
type State struct {
	SessionID    string
	SubQuestions []SubQuestion
	Index        int
	Answers      []string
	MessageID    string
	CreatedAt    time.Time
}

// Step is the outcome of one Choose call. The caller turns it into key
// injections and a progress re-render.
type Step struct {
	SessionID string
	OptionID  string
	// Index of the sub-question just answered.
	Index int
	// Done is true when this was the last sub-question.
	Done bool
	// Next is the upcoming sub-question, nil when Done.
	Next    *SubQuestion
	Answers []string
}

// Manager owns all live selection states.
type Manager struct {
	mu     sync.Mutex
	states map[string]*State

	clock clock.Clock
	log   zerolog.Logger
}

func NewManager(clk clock.Clock, log zerolog.Logger) *Manager {
	return &Manager{
		states: make(map[string]*State),
		clock:  clk,
		log:    log.With().Str("component", "selections").Logger(),
	}
}

// Begin registers a selection for a notification message. An existing state
// under the same message id is replaced.
func (m *Manager) Begin(messageID, sessionID string, subs []SubQuestion) *State {
	s := &State{
		SessionID:    sessionID,
		SubQuestions: subs,
		Answers:      make([]string, 0, len(subs)),
		MessageID:    messageID,
		CreatedAt:    m.clock.Now(),
	}
	m.mu.Lock()
	m.states[messageID] = s
	m.mu.Unlock()
	m.log.Debug().Str("message_id", messageID).Int("steps", len(subs)).Msg("selection started")
	return s
}

// Get returns a copy of the state for a message id, or nil.
func (m *Manager) Get(messageID string) *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[messageID]
	if !ok {
		return nil
	}
	return copyState(s)
}

// Choose records the answer to the current sub-question and advances. On the
// last sub-question the state is deleted. Returns ErrSelectionExpired when
// no state exists for the message id.
func (m *Manager) Choose(messageID, optionID string) (*Step, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[messageID]
	if !ok {
		return nil, ErrSelectionExpired
	}

	s.Answers = append(s.Answers, optionID)
	step := &Step{
		SessionID: s.SessionID,
		OptionID:  optionID,
		Index:     s.Index,
		Answers:   append([]string(nil), s.Answers...),
	}

	if s.Index >= len(s.SubQuestions)-1 {
		step.Done = true
		delete(m.states, messageID)
		m.log.Debug().Str("message_id", messageID).Msg("selection completed")
		return step, nil
	}

	s.Index++
	next := s.SubQuestions[s.Index]
	step.Next = &next
	return step, nil
}

// Count returns the number of live selections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}

// SweepExpired deletes selections older than horizon. A human answering
// after that gets the expired-selection outcome from Choose.
func (m *Manager) SweepExpired(horizon time.Duration) int {
	cutoff := m.clock.Now().Add(-horizon)

	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for mid, s := range m.states {
		if s.CreatedAt.Before(cutoff) {
			delete(m.states, mid)
			n++
		}
	}
	if n > 0 {
		m.log.Debug().Int("selections", n).Msg("swept stale selections")
	}
	return n
}

func copyState(s *State) *State {
	cp := *s
	cp.SubQuestions = append([]SubQuestion(nil), s.SubQuestions...)
	cp.Answers = append([]string(nil), s.Answers...)
	return &cp
}
