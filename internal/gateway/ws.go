package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"reelay/internal/middleware"
	"reelay/internal/store"
	"reelay/pkg/protocol"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer stays connected.
	pongWait = 60 * time.Second

	// pingPeriod must be shorter than pongWait so pings keep the read
	// deadline alive.
	pingPeriod = (pongWait * 9) / 10

	// maxCommandBytes caps inbound command frames. Prompts with many
	// attachment paths fit comfortably; nothing legitimate gets near it.
	maxCommandBytes = 1 << 20
)

// Client is one websocket connection bound to a chat's task session.
type Client struct {
	id     string
	conn   *websocket.Conn
	ip     string
	authed bool

	mu        sync.Mutex
	closed    bool
	closeCode int
	closeText string
	send      chan []byte
}

// newClient builds a connection wrapper. The outbox must hold a full resume
// replay plus live frames arriving behind it, so it is sized past the
// session's replay buffer.
func newClient(conn *websocket.Conn, ip string, authed bool, outbox int) *Client {
	if outbox < 256 {
		outbox = 256
	}
	return &Client{
		id:        uuid.New().String()[:8],
		conn:      conn,
		ip:        ip,
		authed:    authed,
		closeCode: websocket.CloseNormalClosure,
		send:      make(chan []byte, outbox),
	}
}

// trySend queues a frame without blocking. Returns false when the client is
// closed or its outbox is full.
func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// shut closes the outbox exactly once. The write pump drains remaining
// frames, sends a close frame with the given code, and tears the socket
// down.
func (c *Client) shut(code int, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeText = text
	close(c.send)
}

// handleWS upgrades the connection, binds it to the chat's task session,
// and runs the command read loop until the peer goes away.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	authResult := g.wsAuth.Authenticate(r)

	// Plain HTTP probes get a plain HTTP answer. Real upgrade attempts are
	// answered after the handshake so the close code reaches the client.
	if !authResult.Authenticated && !websocket.IsWebSocketUpgrade(r) {
		g.wsAuth.RejectUpgrade(w, authResult.Error)
		return
	}

	var chat *store.Chat
	if authResult.Authenticated {
		var err error
		chat, err = g.resolveChat(r.URL.Query().Get("chatId"))
		if errors.Is(err, store.ErrChatNotFound) {
			writeError(w, http.StatusNotFound, "chat_not_found", "no such chat")
			return
		}
		if err != nil {
			g.logger.Printf("[WS] Failed to resolve chat: %v", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to resolve chat")
			return
		}
	}

	header := http.Header{}
	if authResult.ResponseProtocol != "" {
		header.Set("Sec-WebSocket-Protocol", authResult.ResponseProtocol)
	}
	conn, err := g.upgrader.Upgrade(w, r, header)
	if err != nil {
		// Upgrade already answered the client.
		g.logger.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	// Auth failures close with a status code the browser client can see;
	// an HTTP 401 body is invisible to the WebSocket API.
	if !authResult.Authenticated {
		g.wsAuth.RejectConnection(conn, authResult.Error)
		return
	}

	session := g.session(chat.ID)
	client := newClient(conn, middleware.ExtractClientIP(r), g.auth.Enabled(),
		g.config.Session.ReplaySize()+64)
	g.logger.Printf("[WS] Client %s connected to chat %s from %s", client.id, chat.ID, client.ip)

	go g.writePump(client)
	g.readLoop(client, session)
}

// resolveChat maps an optional chatId query parameter to a chat, falling
// back to the default chat when none is given.
func (g *Gateway) resolveChat(chatID string) (*store.Chat, error) {
	if chatID != "" {
		return g.store.GetChat(chatID)
	}
	return g.store.EnsureDefaultChat()
}

// readLoop parses command frames and drives the session until the
// connection drops.
func (g *Gateway) readLoop(c *Client, session *TaskSession) {
	defer func() {
		session.Detach(c)
		c.shut(websocket.CloseNormalClosure, "")
		c.conn.Close()
		g.logger.Printf("[WS] Client %s disconnected", c.id)
	}()

	c.conn.SetReadLimit(maxCommandBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Printf("[WS] Client %s read error: %v", c.id, err)
			}
			return
		}

		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			session.sendErrorTo(c, "bad_command", "unparseable command frame")
			continue
		}

		if allowed, retryAfter := g.rateLimit.AllowCommand(c.ip, c.authed); !allowed {
			session.sendErrorTo(c, "rate_limited", fmt.Sprintf("too many commands, retry in %ds", retryAfter))
			continue
		}

		g.dispatchCommand(c, session, cmd)
	}
}

// dispatchCommand applies one parsed command to the session. Rejections go
// back to the issuing client only; they are not session events.
func (g *Gateway) dispatchCommand(c *Client, session *TaskSession, cmd interface{}) {
	switch v := cmd.(type) {
	case *protocol.StartTask:
		if err := session.StartTask(c, v); err != nil {
			session.sendErrorTo(c, "task_running", err.Error())
		}
	case *protocol.ResumeTask:
		session.Resume(c, v.LastEventID)
	case *protocol.CancelTask:
		if !session.Cancel(protocol.CancelReasonUser) {
			session.sendErrorTo(c, "no_active_task", "no task is running for this chat")
		}
	case *protocol.ApproveTool:
		if !session.Approve(v.Approved) {
			session.sendErrorTo(c, "no_pending_approval", "no tool is awaiting approval")
		}
	case *protocol.Command:
		session.sendErrorTo(c, "unknown_action", fmt.Sprintf("unknown action %q", v.Action))
	default:
		session.sendErrorTo(c, "unknown_action", "unrecognized command")
	}
}

// writePump owns all writes on the socket: queued frames, keepalive pings,
// and the final close frame once the outbox is closed.
func (g *Gateway) writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
				c.conn.WriteMessage(websocket.CloseMessage, msg)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
