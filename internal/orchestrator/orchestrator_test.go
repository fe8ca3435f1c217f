// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygate/relaygate/internal/flow"
	"github.com/relaygate/relaygate/internal/notify"
	"github.com/relaygate/relaygate/internal/request"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/task"
)

// fakeNotifier records emissions and hands out deterministic message ids.
type fakeNotifier struct {
	mu          sync.Mutex
	nextMsg     int
	needed      []string
	resolved    []string
	progress    []string
	expiredReqs []string
	expiredSels []string
}

func (f *fakeNotifier) DecisionNeeded(_ context.Context, req *request.PendingRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextMsg++
	f.needed = append(f.needed, req.ID)
	return fmt.Sprintf("msg-%d", f.nextMsg), nil
}

func (f *fakeNotifier) DecisionResolved(_ context.Context, req *request.PendingRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, req.ID)
	return nil
}

func (f *fakeNotifier) SelectionProgress(_ context.Context, st *flow.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, st.MessageID)
	return nil
}

func (f *fakeNotifier) RequestExpired(_ context.Context, req *request.PendingRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiredReqs = append(f.expiredReqs, req.ID)
	return nil
}

func (f *fakeNotifier) SelectionExpired(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiredSels = append(f.expiredSels, messageID)
	return nil
}

func (f *fakeNotifier) neededCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.needed)
}

type fixture struct {
	orch     *Orchestrator
	requests *request.Store
	sessions *session.Registry
	tasks    *task.Queue
	flows    *flow.Manager
	notifier *fakeNotifier
	clock    *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	log := zerolog.Nop()
	requests := request.NewStore(mock, nil, log, 5*time.Minute)
	sessions := session.NewRegistry(mock, nil, log, 16)
	tasks := task.NewQueue(mock, nil, log, 30*time.Second)
	flows := flow.NewManager(mock, log)
	notifier := &fakeNotifier{}
	orch := New(requests, sessions, tasks, flows, notifier, mock, log, Options{})
	return &fixture{
		orch:     orch,
		requests: requests,
		sessions: sessions,
		tasks:    tasks,
		flows:    flows,
		notifier: notifier,
		clock:    mock,
	}
}

// intake runs an intake and waits for the async notification dispatch to
// record the external message id.
func (f *fixture) intake(t *testing.T, p IntakeParams) (requestID, messageID string) {
	t.Helper()
	res := f.orch.Intake(context.Background(), p)
	require.Equal(t, StatusPending, res.Status)
	require.NotEmpty(t, res.RequestID)
	require.Eventually(t, func() bool {
		req := f.requests.GetByID(res.RequestID)
		return req != nil && req.ExternalMessageID != ""
	}, time.Second, time.Millisecond)
	return res.RequestID, f.requests.GetByID(res.RequestID).ExternalMessageID
}

func authParams(sessionID string) IntakeParams {
	return IntakeParams{
		SessionID: sessionID,
		Kind:      request.KindAuthorization,
		ToolName:  "Bash",
		ToolInput: "rm -rf build",
		Cwd:       "/repo",
	}
}

func questionParams(sessionID string) IntakeParams {
	return IntakeParams{
		SessionID: sessionID,
		Kind:      request.KindQuestion,
		ToolName:  "Ask",
		Question:  "deploy where?",
		Options: []request.Option{
			{ID: "A", Label: "staging"},
			{ID: "B", Label: "production"},
		},
	}
}

func TestAllowAllShortCircuitsIntake(t *testing.T) {
	f := newFixture(t)
	f.requests.SetAllowAll("agent-1")

	res := f.orch.Intake(context.Background(), authParams("agent-1"))
	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, request.DecisionAllow, res.Decision)
	assert.Empty(t, res.RequestID, "no request is tracked")
	assert.Equal(t, 0, f.notifier.neededCount(), "no notification goes out")
}

func TestAllowAllDoesNotCoverQuestions(t *testing.T) {
	f := newFixture(t)
	f.requests.SetAllowAll("agent-1")

	res := f.orch.Intake(context.Background(), questionParams("agent-1"))
	assert.Equal(t, StatusPending, res.Status)
	assert.NotEmpty(t, res.RequestID)
}

func TestPollLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, StatusNotFound, f.orch.Poll(ctx, "missing").Status)

	reqID, msgID := f.intake(t, authParams("agent-1"))
	assert.Equal(t, StatusPending, f.orch.Poll(ctx, reqID).Status)

	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: msgID, OptionID: "allow"})
	res := f.orch.Poll(ctx, reqID)
	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, request.DecisionAllow, res.Decision)
}

func TestPollTimeoutDeniesAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reqID, msgID := f.intake(t, authParams("agent-1"))

	f.clock.Add(5*time.Minute + time.Second)
	res := f.orch.Poll(ctx, reqID)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, request.DecisionDeny, res.Decision)

	// The denial is sticky: a late human allow is rejected.
	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: msgID, OptionID: "allow"})
	res = f.orch.Poll(ctx, reqID)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, request.DecisionDeny, res.Decision)
}

func TestPollNeverAutoResolvesQuestions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reqID, msgID := f.intake(t, questionParams("agent-1"))

	f.clock.Add(time.Hour)
	assert.Equal(t, StatusPending, f.orch.Poll(ctx, reqID).Status)

	// A very late answer still wins.
	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: msgID, OptionID: "B"})
	res := f.orch.Poll(ctx, reqID)
	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, "B", res.SelectedOption)
}

func TestResolutionWinsOverTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reqID, msgID := f.intake(t, authParams("agent-1"))

	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: msgID, OptionID: "allow"})
	f.clock.Add(time.Hour)

	res := f.orch.Poll(ctx, reqID)
	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, request.DecisionAllow, res.Decision)
}

func TestCancelThenHumanActionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sessions.Register("claude", "/repo")
	reqID, msgID := f.intake(t, authParams("agent-1"))

	res := f.orch.Cancel(ctx, reqID)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, request.DecisionDeny, res.Decision)

	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: msgID, OptionID: "allow"})
	got := f.requests.GetByID(reqID)
	assert.Equal(t, request.DecisionDeny, got.Decision)

	// No injection lands for the rejected action.
	for _, s := range f.sessions.ListAll() {
		assert.Empty(t, f.tasks.Pending(s.ID))
	}
}

func TestOptionSelectedInjectsFinalSequence(t *testing.T) {
	f := newFixture(t)
	target := f.sessions.Register("claude", "/repo")
	reqID, msgID := f.intake(t, questionParams("agent-1"))

	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: msgID, OptionID: "B"})

	assert.True(t, f.requests.GetByID(reqID).Resolved)
	pending := f.tasks.Pending(target.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, task.KindSequence, pending[0].Kind)
	assert.Equal(t, []string{"2", "Tab", "Enter"}, pending[0].Keys)
}

func TestAuthorizationDecisionsInjectKeys(t *testing.T) {
	f := newFixture(t)
	target := f.sessions.Register("claude", "/repo")

	_, allowMsg := f.intake(t, authParams("agent-1"))
	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: allowMsg, OptionID: "allow"})

	_, denyMsg := f.intake(t, authParams("agent-1"))
	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: denyMsg, OptionID: "deny"})

	pending := f.tasks.Pending(target.ID)
	require.Len(t, pending, 2)
	assert.Equal(t, []string{"1"}, pending[0].Keys)
	assert.Equal(t, []string{"Escape"}, pending[1].Keys)
}

func TestReplyResolvesQuestionWithCustomAnswer(t *testing.T) {
	f := newFixture(t)
	target := f.sessions.Register("claude", "/repo")
	reqID, msgID := f.intake(t, questionParams("agent-1"))

	f.orch.HandleEvent(notify.Event{Type: notify.EventReply, MessageID: msgID, Text: "use the blue cluster"})

	got := f.requests.GetByID(reqID)
	text, ok := request.ParseCustomAnswer(got.SelectedOption)
	require.True(t, ok)
	assert.Equal(t, "use the blue cluster", text)

	pending := f.tasks.Pending(target.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, task.KindMessage, pending[0].Kind)
	assert.Equal(t, "use the blue cluster", pending[0].Text)
}

func TestAllowAllEventTrustsSessionAndResolves(t *testing.T) {
	f := newFixture(t)
	f.sessions.Register("claude", "/repo")
	reqID, msgID := f.intake(t, authParams("agent-1"))

	f.orch.HandleEvent(notify.Event{Type: notify.EventAllowAll, MessageID: msgID})

	got := f.requests.GetByID(reqID)
	assert.Equal(t, request.DecisionAllow, got.Decision)
	assert.True(t, f.requests.IsAllowAll("agent-1"))

	// The next authorization from the same source never reaches the human.
	res := f.orch.Intake(context.Background(), authParams("agent-1"))
	assert.Equal(t, StatusResolved, res.Status)
	assert.Equal(t, request.DecisionAllow, res.Decision)
}

func TestMultiStepSelectionFlow(t *testing.T) {
	f := newFixture(t)
	target := f.sessions.Register("claude", "/repo")

	opts := []request.Option{{ID: "A", Label: "yes"}, {ID: "B", Label: "no"}}
	params := questionParams("agent-1")
	params.SubQuestions = []flow.SubQuestion{
		{Prompt: "first?", Options: opts},
		{Prompt: "second?", Options: opts},
	}
	reqID, msgID := f.intake(t, params)
	require.NotNil(t, f.flows.Get(msgID))

	// Intermediate step: option key plus advance, no submit.
	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: msgID, OptionID: "A"})
	pending := f.tasks.Pending(target.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, []string{"1", "Tab"}, pending[0].Keys)
	assert.False(t, f.requests.GetByID(reqID).Resolved)

	// Final step: option key, advance, submit; state gone; request resolved
	// with the joined answers.
	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: msgID, OptionID: "B"})
	pending = f.tasks.Pending(target.ID)
	require.Len(t, pending, 2)
	assert.Equal(t, []string{"2", "Tab", "Enter"}, pending[1].Keys)
	assert.Nil(t, f.flows.Get(msgID))

	got := f.requests.GetByID(reqID)
	assert.True(t, got.Resolved)
	assert.Equal(t, "A,B", got.SelectedOption)
}

func TestExpiredSelectionSurfacesToHuman(t *testing.T) {
	f := newFixture(t)
	f.sessions.Register("claude", "/repo")

	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: "long-gone", OptionID: "A"})

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	assert.Equal(t, []string{"long-gone"}, f.notifier.expiredSels)
}

func TestRoutingFallsBackToMostRecentSession(t *testing.T) {
	f := newFixture(t)
	f.sessions.Register("old", "/a")
	f.clock.Add(time.Minute)
	recent := f.sessions.Register("recent", "/b")

	_, msgID := f.intake(t, authParams("not-a-registered-session"))
	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: msgID, OptionID: "allow"})

	require.Len(t, f.tasks.Pending(recent.ID), 1)
}

func TestRoutingPrefersExactSessionMatch(t *testing.T) {
	f := newFixture(t)
	match := f.sessions.Register("match", "/a")
	f.clock.Add(time.Minute)
	f.sessions.Register("recent", "/b")

	_, msgID := f.intake(t, authParams(match.ID))
	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: msgID, OptionID: "allow"})

	require.Len(t, f.tasks.Pending(match.ID), 1)
}

func TestNoRegisteredSessionIsSoftFailure(t *testing.T) {
	f := newFixture(t)
	reqID, msgID := f.intake(t, authParams("agent-1"))

	// The decision still lands even though nothing can be injected.
	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: msgID, OptionID: "allow"})
	assert.Equal(t, request.DecisionAllow, f.requests.GetByID(reqID).Decision)
}

func TestTaskAdditionBumpsSessionActivity(t *testing.T) {
	f := newFixture(t)
	first := f.sessions.Register("first", "/a")
	f.clock.Add(time.Minute)
	second := f.sessions.Register("second", "/b")
	require.Equal(t, second.ID, f.sessions.MostRecent().ID)

	// A decision exact-matched to the older session lands a task there,
	// which makes it the most recently active session.
	_, msgID := f.intake(t, authParams(first.ID))
	f.clock.Add(time.Minute)
	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: msgID, OptionID: "allow"})
	assert.Equal(t, first.ID, f.sessions.MostRecent().ID)

	// So the next untargeted injection follows it.
	_, msgID = f.intake(t, authParams("unknown-source"))
	f.orch.HandleEvent(notify.Event{Type: notify.EventOptionSelected, MessageID: msgID, OptionID: "allow"})
	assert.Len(t, f.tasks.Pending(first.ID), 2)
	assert.Empty(t, f.tasks.Pending(second.ID))
}

func TestSessionEvictionDropsItsTasks(t *testing.T) {
	f := newFixture(t)
	target := f.sessions.Register("claude", "/repo")
	f.tasks.EnqueueMessage(target.ID, "pending text", "")

	require.True(t, f.sessions.Unregister(target.ID))
	assert.Empty(t, f.tasks.Pending(target.ID))
}
