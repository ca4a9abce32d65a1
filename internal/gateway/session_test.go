package gateway

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelay/internal/config"
	"reelay/internal/runner"
	"reelay/internal/store"
	"reelay/pkg/protocol"
)

// stubRunner lets each test script the runner's behavior directly.
type stubRunner struct {
	name string
	run  func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error)
}

func (r *stubRunner) Name() string {
	if r.name == "" {
		return "stub"
	}
	return r.name
}

func (r *stubRunner) Run(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
	return r.run(ctx, task, em)
}

type sessionHarness struct {
	store   *store.Store
	chatID  string
	session *TaskSession
}

func newSessionHarness(t *testing.T, run runner.Runner, mutate func(*config.SessionConfig)) *sessionHarness {
	t.Helper()

	st, err := store.NewStore(filepath.Join(t.TempDir(), "session.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	chat, err := st.CreateChat("harness")
	require.NoError(t, err)

	cfg := config.SessionConfig{HeartbeatSeconds: 3600, ReplayBuffer: 64}
	if mutate != nil {
		mutate(&cfg)
	}

	logger := log.New(io.Discard, "", 0)
	s := newTaskSession(context.Background(), chat.ID, st, run, cfg, false, false, logger)
	t.Cleanup(s.stop)

	return &sessionHarness{store: st, chatID: chat.ID, session: s}
}

func fakeClient() *Client {
	return newClient(nil, "127.0.0.1", false, 256)
}

// drainClient reads envelopes until the client's outbox closes.
func drainClient(t *testing.T, c *Client, timeout time.Duration) []protocol.Event {
	t.Helper()
	var events []protocol.Event
	deadline := time.After(timeout)
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return events
			}
			ev, err := protocol.ParseEvent(data)
			require.NoError(t, err)
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out draining client after %d events", len(events))
		}
	}
}

// nextEvent reads a single envelope from an open client.
func nextEvent(t *testing.T, c *Client) protocol.Event {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "client outbox closed early")
		ev, err := protocol.ParseEvent(data)
		require.NoError(t, err)
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an envelope")
		return nil
	}
}

func kinds(events []protocol.Event) []protocol.EventType {
	out := make([]protocol.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Kind()
	}
	return out
}

func assistantMessage(text string) protocol.Message {
	return protocol.Message{
		Role:      protocol.RoleAssistant,
		Blocks:    []protocol.Block{protocol.TextBlock(text)},
		CreatedAt: time.Now().UTC(),
	}
}

func TestTaskLifecycleEnvelopes(t *testing.T) {
	run := &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		em.Text("Cutting your ")
		em.Text("title card now.")
		em.Message(assistantMessage("Cutting your title card now."))
		return runner.Result{InputTokens: 12, OutputTokens: 34}, nil
	}}
	h := newSessionHarness(t, run, nil)

	c := fakeClient()
	require.NoError(t, h.session.StartTask(c, protocol.NewStartTask("make a title card", nil)))

	events := drainClient(t, c, 5*time.Second)
	require.Equal(t, []protocol.EventType{
		protocol.EventMessage,
		protocol.EventText,
		protocol.EventText,
		protocol.EventMessage,
		protocol.EventUsage,
		protocol.EventCompleted,
	}, kinds(events))

	for i := 1; i < len(events); i++ {
		assert.True(t, events[i].ID() > events[i-1].ID(),
			"event IDs must increase: %q then %q", events[i-1].ID(), events[i].ID())
	}

	usage := events[4].(*protocol.UsageEvent)
	assert.Equal(t, 12, usage.InputTokens)
	assert.Equal(t, 34, usage.OutputTokens)
	assert.Equal(t, 46, usage.TotalTokens)
	assert.GreaterOrEqual(t, usage.DurationMs, int64(0))

	assert.Equal(t, websocket.CloseNormalClosure, c.closeCode)
}

func TestStartTaskWhileRunningFailsFast(t *testing.T) {
	release := make(chan struct{})
	run := &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		<-release
		return runner.Result{}, nil
	}}
	h := newSessionHarness(t, run, nil)

	c1 := fakeClient()
	require.NoError(t, h.session.StartTask(c1, protocol.NewStartTask("first cut", nil)))

	c2 := fakeClient()
	err := h.session.StartTask(c2, protocol.NewStartTask("second cut", nil))
	require.ErrorIs(t, err, ErrTaskRunning)

	close(release)
	events := drainClient(t, c1, 5*time.Second)
	require.Equal(t, []protocol.EventType{
		protocol.EventMessage,
		protocol.EventUsage,
		protocol.EventCompleted,
	}, kinds(events))

	// Only the first prompt made it into history.
	messages, err := h.store.Messages(h.chatID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "first cut", messages[0].Text())
}

func TestResumeReplaysOnlyAfterCursor(t *testing.T) {
	run := &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		em.Text("scene one")
		em.Text("scene two")
		return runner.Result{}, nil
	}}
	h := newSessionHarness(t, run, nil)

	c1 := fakeClient()
	require.NoError(t, h.session.StartTask(c1, protocol.NewStartTask("storyboard the intro", nil)))
	events := drainClient(t, c1, 5*time.Second)
	require.Len(t, events, 5) // message, text, text, usage, completed

	// Resume past the second envelope sees only the later three.
	c2 := fakeClient()
	h.session.Resume(c2, events[1].ID())
	for _, want := range events[2:] {
		got := nextEvent(t, c2)
		assert.Equal(t, want.ID(), got.ID())
		assert.Equal(t, want.Kind(), got.Kind())
	}

	// An empty cursor replays the whole buffer.
	c3 := fakeClient()
	h.session.Resume(c3, "")
	for _, want := range events {
		got := nextEvent(t, c3)
		assert.Equal(t, want.ID(), got.ID())
	}
}

func TestCancelClosesInFlightTool(t *testing.T) {
	started := make(chan struct{})
	run := &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		em.ToolUse("tool-1", "render_preview")
		close(started)
		<-ctx.Done()
		return runner.Result{}, ctx.Err()
	}}
	h := newSessionHarness(t, run, nil)

	c := fakeClient()
	require.NoError(t, h.session.StartTask(c, protocol.NewStartTask("render the intro", nil)))
	<-started

	require.True(t, h.session.Cancel(protocol.CancelReasonUser))

	events := drainClient(t, c, 5*time.Second)
	require.Equal(t, []protocol.EventType{
		protocol.EventMessage,
		protocol.EventToolUse,
		protocol.EventToolUseCancelled,
		protocol.EventCancelled,
	}, kinds(events))

	cancelled := events[3].(*protocol.CancelledEvent)
	assert.Equal(t, protocol.CancelReasonUser, cancelled.Reason)
	toolCancelled := events[2].(*protocol.ToolUseCancelledEvent)
	assert.Equal(t, "tool-1", toolCancelled.ToolID)
}

func TestCancelWithoutTaskReportsFalse(t *testing.T) {
	h := newSessionHarness(t, &stubRunner{}, nil)
	assert.False(t, h.session.Cancel(protocol.CancelReasonUser))
}

func TestTaskTimeoutCancelsWithTimeoutReason(t *testing.T) {
	run := &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		<-ctx.Done()
		return runner.Result{}, ctx.Err()
	}}
	h := newSessionHarness(t, run, func(cfg *config.SessionConfig) {
		cfg.TaskTimeoutSeconds = 1
	})

	c := fakeClient()
	require.NoError(t, h.session.StartTask(c, protocol.NewStartTask("render forever", nil)))

	events := drainClient(t, c, 5*time.Second)
	require.Equal(t, []protocol.EventType{
		protocol.EventMessage,
		protocol.EventCancelled,
	}, kinds(events))
	assert.Equal(t, protocol.CancelReasonTimeout, events[1].(*protocol.CancelledEvent).Reason)
}

func TestRunnerFailureEmitsErrorEnvelope(t *testing.T) {
	run := &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		return runner.Result{}, errors.New("render pipeline exploded")
	}}
	h := newSessionHarness(t, run, nil)

	c := fakeClient()
	require.NoError(t, h.session.StartTask(c, protocol.NewStartTask("doomed render", nil)))

	events := drainClient(t, c, 5*time.Second)
	require.Equal(t, []protocol.EventType{
		protocol.EventMessage,
		protocol.EventError,
	}, kinds(events))

	errEv := events[1].(*protocol.ErrorEvent)
	assert.Equal(t, "task_failed", errEv.Code)
	assert.Contains(t, errEv.Message, "exploded")
	assert.NotEmpty(t, errEv.ID(), "a task failure is a session event and gets a stream position")
	assert.Equal(t, websocket.CloseNormalClosure, c.closeCode)
}

func TestMessagesPersistWithCheckpoints(t *testing.T) {
	run := &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		em.Message(assistantMessage("Here is your storyboard."))
		return runner.Result{}, nil
	}}
	h := newSessionHarness(t, run, nil)

	c := fakeClient()
	require.NoError(t, h.session.StartTask(c, protocol.NewStartTask("storyboard the trailer", nil)))
	events := drainClient(t, c, 5*time.Second)

	messages, err := h.store.Messages(h.chatID, 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, protocol.RoleUser, messages[0].Role)
	assert.Equal(t, "storyboard the trailer", messages[0].Text())
	assert.Equal(t, protocol.RoleAssistant, messages[1].Role)
	assert.NotEmpty(t, messages[1].CheckpointID, "assistant turns anchor a checkpoint")

	// The streamed envelope carries the same checkpoint.
	var streamed *protocol.MessageEvent
	for _, ev := range events {
		if me, ok := ev.(*protocol.MessageEvent); ok && me.Message.Role == protocol.RoleAssistant {
			streamed = me
		}
	}
	require.NotNil(t, streamed)
	assert.Equal(t, messages[1].CheckpointID, streamed.Message.CheckpointID)
}

func TestSecondTaskContinuesEventIDs(t *testing.T) {
	run := &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		em.Text("done")
		return runner.Result{}, nil
	}}
	h := newSessionHarness(t, run, nil)

	c1 := fakeClient()
	require.NoError(t, h.session.StartTask(c1, protocol.NewStartTask("first", nil)))
	first := drainClient(t, c1, 5*time.Second)

	c2 := fakeClient()
	require.NoError(t, h.session.StartTask(c2, protocol.NewStartTask("second", nil)))
	second := drainClient(t, c2, 5*time.Second)

	require.NotEmpty(t, first)
	require.NotEmpty(t, second)
	assert.True(t, second[0].ID() > first[len(first)-1].ID(),
		"IDs keep increasing across tasks in one session")

	// A fresh resume replays both tasks in order.
	c3 := fakeClient()
	h.session.Resume(c3, "")
	total := len(first) + len(second)
	for i := 0; i < total; i++ {
		nextEvent(t, c3)
	}
}

func TestApprovalFlowApproved(t *testing.T) {
	var approved bool
	run := &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		em.ToolUse("tool-9", "render_video")
		ok, err := em.RequestApproval(ctx, "tool-9", "render_video", `{"composition":"intro"}`)
		if err != nil {
			return runner.Result{}, err
		}
		approved = ok
		if ok {
			em.ToolResult("tool-9", `{"url":"/renders/intro.mp4"}`)
		}
		return runner.Result{}, nil
	}}
	h := newSessionHarness(t, run, nil)

	c := fakeClient()
	require.NoError(t, h.session.StartTask(c, protocol.NewStartTask("render it", nil)))

	require.Equal(t, protocol.EventMessage, nextEvent(t, c).Kind())
	require.Equal(t, protocol.EventToolUse, nextEvent(t, c).Kind())
	pending := nextEvent(t, c)
	require.Equal(t, protocol.EventToolUsePendingApproval, pending.Kind())
	assert.Equal(t, "tool-9", pending.(*protocol.ToolUsePendingApprovalEvent).ToolID)

	require.True(t, h.session.Approve(true))

	events := drainClient(t, c, 5*time.Second)
	require.Equal(t, []protocol.EventType{
		protocol.EventToolUseApproved,
		protocol.EventToolUseResult,
		protocol.EventUsage,
		protocol.EventCompleted,
	}, kinds(events))
	assert.True(t, approved)
}

func TestApprovalFlowRejected(t *testing.T) {
	run := &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		em.ToolUse("tool-9", "render_video")
		ok, err := em.RequestApproval(ctx, "tool-9", "render_video", `{}`)
		if err != nil {
			return runner.Result{}, err
		}
		if !ok {
			em.Text("Skipping the render.")
		}
		return runner.Result{}, nil
	}}
	h := newSessionHarness(t, run, nil)

	c := fakeClient()
	require.NoError(t, h.session.StartTask(c, protocol.NewStartTask("render it", nil)))

	require.Equal(t, protocol.EventMessage, nextEvent(t, c).Kind())
	require.Equal(t, protocol.EventToolUse, nextEvent(t, c).Kind())
	require.Equal(t, protocol.EventToolUsePendingApproval, nextEvent(t, c).Kind())

	require.True(t, h.session.Approve(false))

	events := drainClient(t, c, 5*time.Second)
	require.Equal(t, []protocol.EventType{
		protocol.EventToolUseRejected,
		protocol.EventText,
		protocol.EventUsage,
		protocol.EventCompleted,
	}, kinds(events))
}

func TestApproveWithoutPendingToolReportsFalse(t *testing.T) {
	h := newSessionHarness(t, &stubRunner{}, nil)
	assert.False(t, h.session.Approve(true))
}

func TestSlowClientDropped(t *testing.T) {
	h := newSessionHarness(t, &stubRunner{}, nil)

	c := fakeClient()
	for c.trySend([]byte("filler")) {
	}
	h.session.Attach(c)

	h.session.NotifyHistoryChanged()

	c.mu.Lock()
	closed, code := c.closed, c.closeCode
	c.mu.Unlock()
	assert.True(t, closed)
	assert.Equal(t, websocket.ClosePolicyViolation, code)

	h.session.mu.Lock()
	_, attached := h.session.clients[c]
	h.session.mu.Unlock()
	assert.False(t, attached)
}

func TestErrorEnvelopesSkipReplay(t *testing.T) {
	h := newSessionHarness(t, &stubRunner{}, nil)

	c1 := fakeClient()
	h.session.sendErrorTo(c1, "rate_limited", "slow down")
	ev := nextEvent(t, c1)
	require.Equal(t, protocol.EventError, ev.Kind())
	assert.Equal(t, "rate_limited", ev.(*protocol.ErrorEvent).Code)
	assert.Empty(t, ev.ID(), "rejections carry no stream position")

	c2 := fakeClient()
	h.session.Resume(c2, "")
	select {
	case data := <-c2.send:
		t.Fatalf("error envelope leaked into the replay buffer: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeatReachesAttachedClients(t *testing.T) {
	h := newSessionHarness(t, &stubRunner{}, func(cfg *config.SessionConfig) {
		cfg.HeartbeatSeconds = 1
	})

	c := fakeClient()
	h.session.Attach(c)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case data := <-c.send:
			ev, err := protocol.ParseEvent(data)
			require.NoError(t, err)
			if ev.Kind() == protocol.EventHeartbeat {
				// Heartbeats never enter the replay buffer.
				c2 := fakeClient()
				h.session.Resume(c2, "")
				select {
				case <-c2.send:
					t.Fatal("heartbeat leaked into the replay buffer")
				case <-time.After(100 * time.Millisecond):
				}
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat within 3s at a 1s interval")
		}
	}
}
