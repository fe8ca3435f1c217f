// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package flow

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/request"
)

func newTestManager(t *testing.T) (*Manager, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	return NewManager(mock, zerolog.Nop()), mock
}

func threeSteps() []SubQuestion {
	opts := []request.Option{{ID: "A", Label: "yes"}, {ID: "B", Label: "no"}}
	return []SubQuestion{
		{Prompt: "first?", Options: opts},
		{Prompt: "second?", Options: opts},
		{Prompt: "third?", Options: opts},
	}
}

func TestChooseWalksAllSteps(t *testing.T) {
	m, _ := newTestManager(t)
	m.Begin("msg-1", "sess-1", threeSteps())

	step, err := m.Choose("msg-1", "A")
	require.NoError(t, err)
	assert.False(t, step.Done)
	assert.Equal(t, 0, step.Index)
	require.NotNil(t, step.Next)
	assert.Equal(t, "second?", step.Next.Prompt)

	step, err = m.Choose("msg-1", "B")
	require.NoError(t, err)
	assert.False(t, step.Done)
	assert.Equal(t, "third?", step.Next.Prompt)

	step, err = m.Choose("msg-1", "A")
	require.NoError(t, err)
	assert.True(t, step.Done)
	assert.Nil(t, step.Next)
	assert.Equal(t, []string{"A", "B", "A"}, step.Answers)

	// State is gone after the last answer.
	assert.Nil(t, m.Get("msg-1"))
	_, err = m.Choose("msg-1", "A")
	assert.ErrorIs(t, err, ErrSelectionExpired)
}

func TestChooseSingleStepCompletesImmediately(t *testing.T) {
	m, _ := newTestManager(t)
	m.Begin("msg-1", "sess-1", threeSteps()[:1])

	step, err := m.Choose("msg-1", "B")
	require.NoError(t, err)
	assert.True(t, step.Done)
	assert.Equal(t, []string{"B"}, step.Answers)
}

func TestChooseUnknownMessage(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Choose("missing", "A")
	assert.ErrorIs(t, err, ErrSelectionExpired)
}

func TestSweepExpired(t *testing.T) {
	m, mock := newTestManager(t)
	m.Begin("old", "sess-1", threeSteps())
	mock.Add(9 * time.Minute)
	m.Begin("new", "sess-1", threeSteps())

	mock.Add(2 * time.Minute)
	assert.Equal(t, 1, m.SweepExpired(10*time.Minute))
	assert.Nil(t, m.Get("old"))
	assert.NotNil(t, m.Get("new"))

	_, err := m.Choose("old", "A")
	assert.ErrorIs(t, err, ErrSelectionExpired)
}
