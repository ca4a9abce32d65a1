package taskstream

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelay/pkg/protocol"
)

// fakeTaskServer upgrades incoming requests and hands each socket to the
// test's handler along with a 1-based connection count.
type fakeTaskServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	attempts int
	commands [][]byte
}

func newFakeTaskServer(t *testing.T, handle func(ws *websocket.Conn, attempt int)) *fakeTaskServer {
	t.Helper()
	f := &fakeTaskServer{
		upgrader: websocket.Upgrader{Subprotocols: []string{protocol.Subprotocol}},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.attempts++
		n := f.attempts
		f.mu.Unlock()
		ws, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(ws, n)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTaskServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeTaskServer) connectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// record stores a raw command frame for later assertions.
func (f *fakeTaskServer) record(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, append([]byte(nil), data...))
}

func (f *fakeTaskServer) recorded() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.commands))
	copy(out, f.commands)
	return out
}

func writeEvent(ws *websocket.Conn, ev protocol.Event) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func textEvent(id, text string) *protocol.TextEvent {
	return &protocol.TextEvent{
		Envelope: protocol.Envelope{Type: protocol.EventText, EventID: id},
		Text:     text,
	}
}

func completedEvent(id string) *protocol.CompletedEvent {
	return &protocol.CompletedEvent{
		Envelope: protocol.Envelope{Type: protocol.EventCompleted, EventID: id},
	}
}

func closeNormal(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task finished")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not shut down in time")
	}
}

func collectEvents(t *testing.T, c *Conn, n int) []protocol.Event {
	t.Helper()
	var out []protocol.Event
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("events channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestStartBuffersUntilTransportReady(t *testing.T) {
	ids := protocol.NewEventIDSource()
	var f *fakeTaskServer
	f = newFakeTaskServer(t, func(ws *websocket.Conn, attempt int) {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f.record(data)
		_ = writeEvent(ws, completedEvent(ids.Next()))
		closeNormal(ws)
		_, _, _ = ws.ReadMessage() // wait for the close response
	})

	c, err := Dial(context.Background(), f.url(), WithLogger(quietLogger()))
	require.NoError(t, err)

	// The dial has not finished yet; the command must queue, not fail.
	require.NoError(t, c.Start("render an intro", []string{"logo.png"}))

	events := collectEvents(t, c, 1)
	assert.Equal(t, protocol.EventCompleted, events[0].Kind())

	waitDone(t, c)
	assert.NoError(t, c.Err())
	assert.True(t, c.Status().Matches("closed.complete"), "status %s", c.Status())

	got := f.recorded()
	require.Len(t, got, 1)
	cmd, err := protocol.ParseCommand(got[0])
	require.NoError(t, err)
	start, ok := cmd.(*protocol.StartTask)
	require.True(t, ok, "first command should be startTask, got %T", cmd)
	assert.Equal(t, "render an intro", start.Task)
	assert.Equal(t, []string{"logo.png"}, start.FileAttachments)
}

func TestReconnectResumesFromLastEventID(t *testing.T) {
	ids := protocol.NewEventIDSource()
	var secondID string
	var mu sync.Mutex

	var f *fakeTaskServer
	f = newFakeTaskServer(t, func(ws *websocket.Conn, attempt int) {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		f.record(data)
		switch attempt {
		case 1:
			_ = writeEvent(ws, textEvent(ids.Next(), "cutting the "))
			id := ids.Next()
			mu.Lock()
			secondID = id
			mu.Unlock()
			_ = writeEvent(ws, textEvent(id, "opening scene"))
			// Drop the socket without a close frame.
			_ = ws.Close()
		default:
			_ = writeEvent(ws, textEvent(ids.Next(), " now"))
			_ = writeEvent(ws, completedEvent(ids.Next()))
			closeNormal(ws)
			_, _, _ = ws.ReadMessage()
		}
	})

	c, err := Dial(context.Background(), f.url(),
		WithPolicy(fastPolicy(5)), WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, c.Start("trim the intro", nil))

	events := collectEvents(t, c, 4)
	kinds := make([]protocol.EventType, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind()
	}
	assert.Equal(t, []protocol.EventType{
		protocol.EventText, protocol.EventText, protocol.EventText, protocol.EventCompleted,
	}, kinds)

	waitDone(t, c)
	require.NoError(t, c.Err())

	got := f.recorded()
	require.Len(t, got, 2)
	cmd, err := protocol.ParseCommand(got[1])
	require.NoError(t, err)
	resume, ok := cmd.(*protocol.ResumeTask)
	require.True(t, ok, "reconnect should lead with resumeTask, got %T", cmd)
	mu.Lock()
	want := secondID
	mu.Unlock()
	assert.Equal(t, want, resume.LastEventID, "resume cursor should be the last delivered event")
}

func TestRetriesExhaustIntoTerminalError(t *testing.T) {
	var requests int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), url,
		WithPolicy(fastPolicy(3)), WithLogger(quietLogger()))
	require.NoError(t, err)

	waitDone(t, c)

	mu.Lock()
	attempts := requests
	mu.Unlock()
	assert.Equal(t, 3, attempts, "should dial exactly the configured number of times")
	assert.Error(t, c.Err())
	assert.True(t, c.Status().Matches("closed.error"), "status %s", c.Status())

	_, open := <-c.Events()
	assert.False(t, open, "events channel should be closed")
}

func TestPolicyDelayDoublesAndSaturates(t *testing.T) {
	p := DefaultPolicy()
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
		30 * time.Second, 30 * time.Second,
	}
	var prev time.Duration
	for i, w := range want {
		d := p.Delay(i + 1)
		assert.Equal(t, w, d, "attempt %d", i+1)
		assert.GreaterOrEqual(t, d, prev, "delays must never shrink")
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
	// Far past the schedule the delay stays pinned at the ceiling.
	assert.Equal(t, p.MaxDelay, p.Delay(40))
}

func TestStartWhileTaskLiveFailsFast(t *testing.T) {
	var f *fakeTaskServer
	f = newFakeTaskServer(t, func(ws *websocket.Conn, attempt int) {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f.record(data)
		}
	})

	c, err := Dial(context.Background(), f.url(), WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, c.Start("storyboard a teaser", nil))
	assert.ErrorIs(t, c.Start("second task", nil), ErrTaskRunning)

	// Cancel clears the running flag immediately, so a new task may start.
	require.NoError(t, c.Cancel())
	require.NoError(t, c.Start("third task", nil))

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Start("after close", nil), ErrNotConnected)
	assert.ErrorIs(t, c.Cancel(), ErrNoActiveTask)
}

func TestApproveRequiresLiveTask(t *testing.T) {
	var f *fakeTaskServer
	f = newFakeTaskServer(t, func(ws *websocket.Conn, attempt int) {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			f.record(data)
		}
	})

	c, err := Dial(context.Background(), f.url(), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer c.Close()

	assert.ErrorIs(t, c.Approve(true), ErrNoActiveTask)

	require.NoError(t, c.Start("draft narration", nil))
	require.NoError(t, c.Approve(false))

	require.Eventually(t, func() bool {
		return len(f.recorded()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cmd, err := protocol.ParseCommand(f.recorded()[1])
	require.NoError(t, err)
	approve, ok := cmd.(*protocol.ApproveTool)
	require.True(t, ok)
	assert.False(t, approve.Approved)
}

func TestReplayedEventsAreSkipped(t *testing.T) {
	ids := protocol.NewEventIDSource()
	first := ids.Next()
	second := ids.Next()
	last := ids.Next()

	f := newFakeTaskServer(t, func(ws *websocket.Conn, attempt int) {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		_ = writeEvent(ws, textEvent(first, "take one"))
		_ = writeEvent(ws, textEvent(first, "take one")) // duplicate
		_ = writeEvent(ws, textEvent(second, " and two"))
		_ = writeEvent(ws, completedEvent(last))
		closeNormal(ws)
		_, _, _ = ws.ReadMessage()
	})

	c, err := Dial(context.Background(), f.url(), WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, c.Start("assemble rough cut", nil))

	events := collectEvents(t, c, 3)
	waitDone(t, c)

	texts := []string{}
	for _, ev := range events {
		if te, ok := ev.(*protocol.TextEvent); ok {
			texts = append(texts, te.Text)
		}
	}
	assert.Equal(t, []string{"take one", " and two"}, texts)
	assert.Equal(t, last, c.LastEventID())
}

func TestRejectionErrorKeepsTaskLive(t *testing.T) {
	ids := protocol.NewEventIDSource()
	proceed := make(chan struct{})
	f := newFakeTaskServer(t, func(ws *websocket.Conn, attempt int) {
		if _, _, err := ws.ReadMessage(); err != nil { // startTask
			return
		}
		// A rejection has no stream position; the task keeps running.
		_ = writeEvent(ws, &protocol.ErrorEvent{
			Envelope: protocol.Envelope{Type: protocol.EventError},
			Code:     "no_pending_approval",
			Message:  "no tool is awaiting approval",
		})
		<-proceed
		// A stamped error is a task failure.
		_ = writeEvent(ws, &protocol.ErrorEvent{
			Envelope: protocol.Envelope{Type: protocol.EventError, EventID: ids.Next()},
			Code:     "task_failed",
			Message:  "render host went away",
		})
		closeNormal(ws)
		_, _, _ = ws.ReadMessage()
	})

	c, err := Dial(context.Background(), f.url(), WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, c.Start("render the outro", nil))

	rejection := collectEvents(t, c, 1)[0].(*protocol.ErrorEvent)
	assert.Equal(t, "no_pending_approval", rejection.Code)
	assert.ErrorIs(t, c.Start("again", nil), ErrTaskRunning,
		"a command rejection must not end the running task")

	close(proceed)
	failure := collectEvents(t, c, 1)[0].(*protocol.ErrorEvent)
	assert.Equal(t, "task_failed", failure.Code)

	waitDone(t, c)
	assert.NoError(t, c.Err())
	assert.True(t, c.Status().Matches("closed.complete"), "status %s", c.Status())
	assert.ErrorIs(t, c.Cancel(), ErrNoActiveTask, "a stamped failure ends the task")
}

func TestAuthCloseCodeDoesNotRetry(t *testing.T) {
	f := newFakeTaskServer(t, func(ws *websocket.Conn, attempt int) {
		msg := websocket.FormatCloseMessage(4401, "authentication required")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_, _, _ = ws.ReadMessage()
	})

	c, err := Dial(context.Background(), f.url(),
		WithPolicy(fastPolicy(5)), WithLogger(quietLogger()))
	require.NoError(t, err)

	waitDone(t, c)
	assert.Error(t, c.Err())
	assert.True(t, c.Status().Matches("closed.error"), "status %s", c.Status())
	assert.Equal(t, 1, f.connectionCount(), "auth rejection must not trigger reconnects")
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFakeTaskServer(t, func(ws *websocket.Conn, attempt int) {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})

	c, err := Dial(context.Background(), f.url(), WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.Status().Matches("closed.client"), "status %s", c.Status())
	assert.NoError(t, c.Err())
}

func TestSubprotocolCarriesToken(t *testing.T) {
	var header string
	var mu sync.Mutex
	upgrader := websocket.Upgrader{Subprotocols: []string{protocol.Subprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		header = r.Header.Get("Sec-WebSocket-Protocol")
		mu.Unlock()
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		closeNormal(ws)
		_ = ws.Close()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c, err := Dial(context.Background(), url,
		WithToken("tok-123"), WithLogger(quietLogger()))
	require.NoError(t, err)
	waitDone(t, c)

	mu.Lock()
	got := header
	mu.Unlock()
	assert.Contains(t, got, protocol.Subprotocol)
	assert.Contains(t, got, "tok-123")
}
