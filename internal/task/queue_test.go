// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package task

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) (*Queue, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	return NewQueue(mock, nil, zerolog.Nop(), 30*time.Second), mock
}

func TestPendingOrdersKeysBeforeMessages(t *testing.T) {
	q, _ := newTestQueue(t)
	msg1 := q.EnqueueMessage("sess-1", "hello", "")
	key := q.EnqueueKeystroke("sess-1", "1", "")
	msg2 := q.EnqueueMessage("sess-1", "world", "")
	seq := q.EnqueueSequence("sess-1", []string{"2", "Tab", "Enter"}, "")

	got := q.Pending("sess-1")
	require.Len(t, got, 4)
	assert.Equal(t, []string{key.ID, seq.ID, msg1.ID, msg2.ID},
		[]string{got[0].ID, got[1].ID, got[2].ID, got[3].ID})
}

func TestPendingIsPerSession(t *testing.T) {
	q, _ := newTestQueue(t)
	q.EnqueueMessage("sess-1", "a", "")
	other := q.EnqueueMessage("sess-2", "b", "")

	got := q.Pending("sess-2")
	require.Len(t, got, 1)
	assert.Equal(t, other.ID, got[0].ID)
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	q, mock := newTestQueue(t)
	task := q.EnqueueMessage("sess-1", "hello", "req-1")

	first := q.Acknowledge(task.ID, "success")
	require.NotNil(t, first)
	assert.Equal(t, "success", first.Outcome)
	assert.Empty(t, q.Pending("sess-1"))

	// Retried ack within the grace window still observes the task and keeps
	// the original outcome.
	mock.Add(20 * time.Second)
	second := q.Acknowledge(task.ID, "error")
	require.NotNil(t, second)
	assert.Equal(t, "success", second.Outcome)

	// First ack's grace timer fires; the retry did not reschedule it.
	mock.Add(15 * time.Second)
	assert.Nil(t, q.Get(task.ID))
}

func TestAcknowledgeUnknownTask(t *testing.T) {
	q, _ := newTestQueue(t)
	assert.Nil(t, q.Acknowledge("missing", "success"))
}

func TestDeleteForSession(t *testing.T) {
	q, _ := newTestQueue(t)
	q.EnqueueMessage("sess-1", "a", "")
	q.EnqueueKeystroke("sess-1", "1", "")
	keep := q.EnqueueMessage("sess-2", "b", "")

	assert.Equal(t, 2, q.DeleteForSession("sess-1"))
	assert.Empty(t, q.Pending("sess-1"))
	assert.NotNil(t, q.Get(keep.ID))
}

func TestSweepExpiredCountsOnlyUnacknowledged(t *testing.T) {
	q, mock := newTestQueue(t)
	stale := q.EnqueueMessage("sess-1", "old", "")
	acked := q.EnqueueMessage("sess-1", "done", "")
	q.Acknowledge(acked.ID, "success")

	mock.Add(11 * time.Minute)
	fresh := q.EnqueueMessage("sess-1", "new", "")

	assert.Equal(t, 1, q.SweepExpired(10*time.Minute))
	assert.Nil(t, q.Get(stale.ID))
	assert.NotNil(t, q.Get(fresh.ID))
}

func TestKeyForOptionMapping(t *testing.T) {
	q, _ := newTestQueue(t)
	tests := []struct {
		optionID string
		want     string
	}{
		{"A", "1"},
		{"B", "2"},
		{"c", "3"},
		{"Z", "26"},
		{"2", "2"},
		{"10", "10"},
		{"weird-id", "1"},
		{"", "1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, q.KeyFor(tt.optionID), "option %q", tt.optionID)
	}
}
