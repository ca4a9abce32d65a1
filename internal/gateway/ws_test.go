package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelay/internal/config"
	"reelay/internal/middleware"
	"reelay/internal/runner"
	"reelay/pkg/protocol"
)

func dialWS(srv *httptest.Server, path string, header http.Header, protocols ...string) (*websocket.Conn, *http.Response, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	dialer := websocket.Dialer{
		Subprotocols:     protocols,
		HandshakeTimeout: 5 * time.Second,
	}
	return dialer.Dial(wsURL, header)
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := protocol.ParseEvent(data)
	require.NoError(t, err)
	return ev
}

// readUntilClose collects envelopes until the server closes the socket.
func readUntilClose(t *testing.T, conn *websocket.Conn) ([]protocol.Event, *websocket.CloseError) {
	t.Helper()
	var events []protocol.Event
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce, "expected a close frame")
			return events, ce
		}
		ev, perr := protocol.ParseEvent(data)
		require.NoError(t, perr)
		events = append(events, ev)
	}
}

func TestWSTaskLifecycle(t *testing.T) {
	g, srv := newTestGateway(t, nil)
	g.runner = &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		em.Text("Storyboarding " + task.Prompt)
		em.Message(assistantMessage("Storyboarding " + task.Prompt))
		return runner.Result{InputTokens: 5, OutputTokens: 9}, nil
	}}

	conn, _, err := dialWS(srv, "/ws", nil, protocol.Subprotocol)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, protocol.Subprotocol, conn.Subprotocol())

	require.NoError(t, conn.WriteJSON(protocol.NewStartTask("the trailer", nil)))

	events, ce := readUntilClose(t, conn)
	require.Equal(t, []protocol.EventType{
		protocol.EventMessage,
		protocol.EventText,
		protocol.EventMessage,
		protocol.EventUsage,
		protocol.EventCompleted,
	}, kinds(events))
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)

	user := events[0].(*protocol.MessageEvent)
	assert.Equal(t, protocol.RoleUser, user.Message.Role)
	assert.Equal(t, "the trailer", user.Message.Text())
}

func TestWSResumeSkipsAcknowledged(t *testing.T) {
	g, srv := newTestGateway(t, nil)
	g.runner = &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		em.Text("scene one")
		em.Text("scene two")
		return runner.Result{}, nil
	}}

	conn1, _, err := dialWS(srv, "/ws", nil, protocol.Subprotocol)
	require.NoError(t, err)
	defer conn1.Close()
	require.NoError(t, conn1.WriteJSON(protocol.NewStartTask("storyboard", nil)))
	events, _ := readUntilClose(t, conn1)
	require.Len(t, events, 5)

	// Reconnect and resume from the second envelope.
	conn2, _, err := dialWS(srv, "/ws", nil, protocol.Subprotocol)
	require.NoError(t, err)
	defer conn2.Close()
	require.NoError(t, conn2.WriteJSON(protocol.NewResumeTask(events[1].ID())))

	for _, want := range events[2:] {
		got := readEnvelope(t, conn2)
		assert.Equal(t, want.ID(), got.ID())
		assert.Equal(t, want.Kind(), got.Kind())
	}
}

func TestWSAuthCloseCodes(t *testing.T) {
	const token = "sekret-studio-token"
	g, srv := newTestGateway(t, func(cfg *config.Config) {
		cfg.Auth.Token = token
	})
	g.runner = &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		return runner.Result{}, nil
	}}

	t.Run("missing token", func(t *testing.T) {
		conn, _, err := dialWS(srv, "/ws", nil, protocol.Subprotocol)
		require.NoError(t, err, "upgrade succeeds so the close code is visible")
		defer conn.Close()

		_, ce := readUntilClose(t, conn)
		assert.Equal(t, middleware.CloseUnauthorized, ce.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		conn, _, err := dialWS(srv, "/ws", nil, protocol.Subprotocol, "wrong-token")
		require.NoError(t, err)
		defer conn.Close()

		_, ce := readUntilClose(t, conn)
		assert.Equal(t, middleware.CloseForbidden, ce.Code)
	})

	t.Run("plain http probe", func(t *testing.T) {
		// Without upgrade headers there is no socket to close, so the
		// rejection comes back as ordinary HTTP.
		resp, err := http.Get(srv.URL + "/ws")
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
	})

	t.Run("token in subprotocol", func(t *testing.T) {
		conn, _, err := dialWS(srv, "/ws", nil, protocol.Subprotocol, token)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, protocol.Subprotocol, conn.Subprotocol())

		require.NoError(t, conn.WriteJSON(protocol.NewStartTask("authorized", nil)))
		events, ce := readUntilClose(t, conn)
		assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
		require.NotEmpty(t, events)
	})

	t.Run("token in bearer header", func(t *testing.T) {
		header := http.Header{"Authorization": []string{"Bearer " + token}}
		conn, _, err := dialWS(srv, "/ws", header, protocol.Subprotocol)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(protocol.NewStartTask("authorized", nil)))
		_, ce := readUntilClose(t, conn)
		assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	})
}

func TestWSCancelTask(t *testing.T) {
	g, srv := newTestGateway(t, nil)
	g.runner = &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		em.ToolUse("tool-render", "render_preview")
		<-ctx.Done()
		return runner.Result{}, ctx.Err()
	}}

	conn, _, err := dialWS(srv, "/ws", nil, protocol.Subprotocol)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.NewStartTask("render the intro", nil)))
	require.Equal(t, protocol.EventMessage, readEnvelope(t, conn).Kind())
	require.Equal(t, protocol.EventToolUse, readEnvelope(t, conn).Kind())

	require.NoError(t, conn.WriteJSON(protocol.NewCancelTask()))

	events, ce := readUntilClose(t, conn)
	require.Equal(t, []protocol.EventType{
		protocol.EventToolUseCancelled,
		protocol.EventCancelled,
	}, kinds(events))
	assert.Equal(t, protocol.CancelReasonUser, events[1].(*protocol.CancelledEvent).Reason)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestWSApprovalRoundTrip(t *testing.T) {
	g, srv := newTestGateway(t, nil)
	g.runner = &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		em.ToolUse("tool-42", "render_video")
		ok, err := em.RequestApproval(ctx, "tool-42", "render_video", `{"composition":"intro"}`)
		if err != nil {
			return runner.Result{}, err
		}
		if ok {
			em.ToolResult("tool-42", `{"url":"/renders/intro.mp4"}`)
		}
		return runner.Result{}, nil
	}}

	conn, _, err := dialWS(srv, "/ws", nil, protocol.Subprotocol)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(protocol.NewStartTask("render it", nil)))
	require.Equal(t, protocol.EventMessage, readEnvelope(t, conn).Kind())
	require.Equal(t, protocol.EventToolUse, readEnvelope(t, conn).Kind())

	pending := readEnvelope(t, conn)
	require.Equal(t, protocol.EventToolUsePendingApproval, pending.Kind())
	assert.Equal(t, "tool-42", pending.(*protocol.ToolUsePendingApprovalEvent).ToolID)

	require.NoError(t, conn.WriteJSON(protocol.NewApproveTool(true)))

	events, ce := readUntilClose(t, conn)
	require.Equal(t, []protocol.EventType{
		protocol.EventToolUseApproved,
		protocol.EventToolUseResult,
		protocol.EventUsage,
		protocol.EventCompleted,
	}, kinds(events))
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestWSStartWhileRunningAnswersError(t *testing.T) {
	release := make(chan struct{})
	g, srv := newTestGateway(t, nil)
	g.runner = &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		<-release
		return runner.Result{}, nil
	}}

	conn1, _, err := dialWS(srv, "/ws", nil, protocol.Subprotocol)
	require.NoError(t, err)
	defer conn1.Close()
	require.NoError(t, conn1.WriteJSON(protocol.NewStartTask("long render", nil)))
	require.Equal(t, protocol.EventMessage, readEnvelope(t, conn1).Kind())

	// A second connection to the same chat cannot start another task.
	conn2, _, err := dialWS(srv, "/ws", nil, protocol.Subprotocol)
	require.NoError(t, err)
	defer conn2.Close()
	require.NoError(t, conn2.WriteJSON(protocol.NewStartTask("competing render", nil)))

	ev := readEnvelope(t, conn2)
	require.Equal(t, protocol.EventError, ev.Kind())
	assert.Equal(t, "task_running", ev.(*protocol.ErrorEvent).Code)

	close(release)
	_, ce := readUntilClose(t, conn1)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestWSUnknownActionAnswersError(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	conn, _, err := dialWS(srv, "/ws", nil, protocol.Subprotocol)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"renderYacht"}`)))
	ev := readEnvelope(t, conn)
	require.Equal(t, protocol.EventError, ev.Kind())
	assert.Equal(t, "unknown_action", ev.(*protocol.ErrorEvent).Code)

	// The connection survives a rejected command.
	require.NoError(t, conn.WriteJSON(protocol.NewCancelTask()))
	ev = readEnvelope(t, conn)
	require.Equal(t, protocol.EventError, ev.Kind())
	assert.Equal(t, "no_active_task", ev.(*protocol.ErrorEvent).Code)
}

func TestWSMalformedFrameAnswersError(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	conn, _, err := dialWS(srv, "/ws", nil, protocol.Subprotocol)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ev := readEnvelope(t, conn)
	require.Equal(t, protocol.EventError, ev.Kind())
	assert.Equal(t, "bad_command", ev.(*protocol.ErrorEvent).Code)
}

func TestWSUnknownChatRejectsUpgrade(t *testing.T) {
	_, srv := newTestGateway(t, nil)

	_, resp, err := dialWS(srv, "/ws?chatId=ghost", nil, protocol.Subprotocol)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWSWithoutSubprotocolStillWorks(t *testing.T) {
	g, srv := newTestGateway(t, nil)
	g.runner = &stubRunner{run: func(ctx context.Context, task runner.Task, em *runner.Emitter) (runner.Result, error) {
		return runner.Result{}, nil
	}}

	conn, _, err := dialWS(srv, "/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Empty(t, conn.Subprotocol())

	require.NoError(t, conn.WriteJSON(protocol.NewStartTask("bare", nil)))
	_, ce := readUntilClose(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func TestHistoryChangedOnCheckpointApply(t *testing.T) {
	g, srv := newTestGateway(t, nil)

	chat, err := g.store.CreateChat("rewind me")
	require.NoError(t, err)
	m1 := protocol.Message{Role: protocol.RoleUser, Blocks: []protocol.Block{protocol.TextBlock("draft one")}, CreatedAt: time.Now().UTC()}
	stored1, err := g.store.AppendMessage(chat.ID, &m1)
	require.NoError(t, err)
	cp, err := g.store.CreateCheckpoint(chat.ID, stored1.ID, "draft one")
	require.NoError(t, err)
	m2 := protocol.Message{Role: protocol.RoleUser, Blocks: []protocol.Block{protocol.TextBlock("draft two")}, CreatedAt: time.Now().UTC()}
	_, err = g.store.AppendMessage(chat.ID, &m2)
	require.NoError(t, err)

	conn, _, err := dialWS(srv, "/ws?chatId="+chat.ID, nil, protocol.Subprotocol)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteJSON(protocol.NewResumeTask("")))

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/checkpoints/"+cp.ID+"/apply", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ev := readEnvelope(t, conn)
	assert.Equal(t, protocol.EventHistoryChanged, ev.Kind())
}
