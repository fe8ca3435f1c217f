// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package task

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/id"
)

// Kind distinguishes what a task injects into the terminal.
type Kind string

const (
	// KindMessage is literal text followed by a carriage return.
	KindMessage Kind = "message"
	// KindKeystroke is a single named key.
	KindKeystroke Kind = "keystroke"
	// KindSequence is an ordered run of named keys.
	KindSequence Kind = "sequence"
)

// PendingTask is one unit of input waiting to be injected into a registered
// session's terminal.
type PendingTask struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"sessionId"`
	Kind            Kind      `json:"kind"`
	Text            string    `json:"text,omitempty"`
	Keys            []string  `json:"keys,omitempty"`
	LinkedRequestID string    `json:"linkedRequestId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	Acknowledged    bool      `json:"acknowledged"`
	Outcome         string    `json:"outcome,omitempty"`

	seq uint64
}

// Queue holds per-session injection tasks until a wrapper polls and
// acknowledges them.
type Queue struct {
	mu      sync.Mutex
	tasks   map[string]*PendingTask
	nextSeq uint64

	clock    clock.Clock
	newID    id.Generator
	log      zerolog.Logger
	ackGrace time.Duration
}

// NewQueue creates a task queue. ackGrace is how long an acknowledged task
// stays visible so that a retried ack still finds it.
func NewQueue(clk clock.Clock, gen id.Generator, log zerolog.Logger, ackGrace time.Duration) *Queue {
	if gen == nil {
		gen = id.New
	}
	if ackGrace <= 0 {
		ackGrace = 30 * time.Second
	}
	return &Queue{
		tasks:    make(map[string]*PendingTask),
		clock:    clk,
		newID:    gen,
		log:      log.With().Str("component", "tasks").Logger(),
		ackGrace: ackGrace,
	}
}

// EnqueueMessage queues literal text for injection.
func (q *Queue) EnqueueMessage(sessionID, text, linkedRequestID string) *PendingTask {
	return q.enqueue(&PendingTask{
		SessionID:       sessionID,
		Kind:            KindMessage,
		Text:            text,
		LinkedRequestID: linkedRequestID,
	})
}

// EnqueueKeystroke queues a single named key.
func (q *Queue) EnqueueKeystroke(sessionID, key, linkedRequestID string) *PendingTask {
	return q.enqueue(&PendingTask{
		SessionID:       sessionID,
		Kind:            KindKeystroke,
		Keys:            []string{key},
		LinkedRequestID: linkedRequestID,
	})
}

// EnqueueSequence queues an ordered run of named keys delivered as one task
// so relative order survives the poll boundary.
func (q *Queue) EnqueueSequence(sessionID string, keys []string, linkedRequestID string) *PendingTask {
	return q.enqueue(&PendingTask{
		SessionID:       sessionID,
		Kind:            KindSequence,
		Keys:            append([]string(nil), keys...),
		LinkedRequestID: linkedRequestID,
	})
}

func (q *Queue) enqueue(t *PendingTask) *PendingTask {
	t.ID = q.newID()
	t.CreatedAt = q.clock.Now()

	q.mu.Lock()
	q.nextSeq++
	t.seq = q.nextSeq
	q.tasks[t.ID] = t
	q.mu.Unlock()

	q.log.Debug().Str("task_id", t.ID).Str("session_id", t.SessionID).
		Str("kind", string(t.Kind)).Msg("task enqueued")
	return snapshot(t)
}

// Pending returns a session's unacknowledged tasks. Keystrokes and sequences
// come first so an in-progress selection on screen is finished before any
// free text lands in the input box; within each group, creation order.
func (q *Queue) Pending(sessionID string) []*PendingTask {
	q.mu.Lock()
	out := make([]*PendingTask, 0, 4)
	for _, t := range q.tasks {
		if t.SessionID == sessionID && !t.Acknowledged {
			out = append(out, snapshot(t))
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ki, kj := out[i].Kind == KindMessage, out[j].Kind == KindMessage
		if ki != kj {
			return !ki
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Acknowledge marks a task delivered. Idempotent: a second ack for the same
// task returns it unchanged and does not reschedule deletion. The task is
// deleted only after the grace delay so a retried ack still observes it.
// Returns nil when the task is unknown.
func (q *Queue) Acknowledge(taskID, outcome string) *PendingTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil
	}
	if t.Acknowledged {
		return snapshot(t)
	}
	t.Acknowledged = true
	t.Outcome = outcome
	q.log.Debug().Str("task_id", taskID).Str("outcome", outcome).Msg("task acknowledged")

	q.clock.AfterFunc(q.ackGrace, func() {
		q.mu.Lock()
		delete(q.tasks, taskID)
		q.mu.Unlock()
	})
	return snapshot(t)
}

// Get returns a snapshot of a task, or nil.
func (q *Queue) Get(taskID string) *PendingTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil
	}
	return snapshot(t)
}

// DeleteForSession drops every task of a session. Called from the session
// eviction cascade.
func (q *Queue) DeleteForSession(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for tid, t := range q.tasks {
		if t.SessionID == sessionID {
			delete(q.tasks, tid)
			n++
		}
	}
	if n > 0 {
		q.log.Debug().Str("session_id", sessionID).Int("dropped", n).Msg("dropped tasks for evicted session")
	}
	return n
}

// SweepExpired deletes unacknowledged tasks older than horizon. A task that
// sat this long has no live wrapper polling for it.
func (q *Queue) SweepExpired(horizon time.Duration) int {
	cutoff := q.clock.Now().Add(-horizon)

	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for tid, t := range q.tasks {
		if !t.Acknowledged && t.CreatedAt.Before(cutoff) {
			delete(q.tasks, tid)
			n++
		}
	}
	if n > 0 {
		q.log.Debug().Int("tasks", n).Msg("swept stale tasks")
	}
	return n
}

// KeyFor maps an option id to the digit key that selects it in the agent's
// on-screen picker. Letter ids map positionally (A is the first option),
// numeric ids pass through. Anything else falls back to the first option
// with a warning rather than failing the whole flow.
func (q *Queue) KeyFor(optionID string) string {
	if key, ok := optionKey(optionID); ok {
		return key
	}
	q.log.Warn().Str("option_id", optionID).Msg("unmappable option id, defaulting to first option")
	return "1"
}

func optionKey(optionID string) (string, bool) {
	if len(optionID) == 1 {
		c := optionID[0]
		switch {
		case c >= 'A' && c <= 'Z':
			return strconv.Itoa(int(c-'A') + 1), true
		case c >= 'a' && c <= 'z':
			return strconv.Itoa(int(c-'a') + 1), true
		}
	}
	if _, err := strconv.Atoi(optionID); err == nil && optionID != "" {
		return optionID, true
	}
	return "", false
}

func snapshot(t *PendingTask) *PendingTask {
	cp := *t
	cp.Keys = append([]string(nil), t.Keys...)
	return &cp
}
