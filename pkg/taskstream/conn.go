// Package taskstream maintains a client websocket to a task endpoint. It owns
// the dial/read/reconnect lifecycle on a single goroutine, buffers commands
// issued before the transport is ready, and resumes interrupted sessions from
// the last delivered event ID.
package taskstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"reelay/internal/metrics"
	"reelay/pkg/protocol"
)

var (
	// ErrTaskRunning is returned by Start when a task is already live on
	// the connection.
	ErrTaskRunning = errors.New("a task is already running on this connection")

	// ErrNotConnected is returned by command methods once the connection
	// has closed.
	ErrNotConnected = errors.New("connection is closed")

	// ErrNoActiveTask is returned by Cancel and Approve when no task is
	// live.
	ErrNoActiveTask = errors.New("no active task")
)

// Policy bounds the reconnection loop.
type Policy struct {
	MaxAttempts int           // consecutive failures before giving up
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // ceiling for the doubled delay
}

// DefaultPolicy returns the standard reconnection policy: ten attempts,
// one second base delay, thirty second ceiling.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait before the given 1-based attempt. The delay doubles
// per attempt and saturates at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseDelay
	}
	shift := uint(attempt - 1)
	if shift > 16 {
		return p.MaxDelay
	}
	d := p.BaseDelay << shift
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Conn is a task connection. All transport work happens on one internal
// goroutine; command methods are safe to call from any goroutine and never
// block on the network being up.
type Conn struct {
	endpoint string
	token    string
	policy   Policy
	dialer   *websocket.Dialer
	logger   *log.Logger

	events chan protocol.Event
	done   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	status   Status
	ws       *websocket.Conn
	pending  [][]byte
	taskLive bool
	lastID   string
	err      error
	closing  bool
}

// DialOption configures a Conn before it starts connecting.
type DialOption func(*Conn)

// WithToken sends a bearer token during the subprotocol handshake.
func WithToken(token string) DialOption {
	return func(c *Conn) { c.token = token }
}

// WithPolicy overrides the reconnection policy.
func WithPolicy(p Policy) DialOption {
	return func(c *Conn) { c.policy = p }
}

// WithLogger overrides the logger used for dropped frames and retries.
func WithLogger(l *log.Logger) DialOption {
	return func(c *Conn) { c.logger = l }
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) DialOption {
	return func(c *Conn) { c.dialer = d }
}

// Dial starts connecting to the endpoint and returns immediately. Commands
// issued while the socket is still connecting are buffered and flushed in
// order once the transport is ready. The context bounds the whole connection
// lifetime, not just the dial.
func Dial(ctx context.Context, endpoint string, opts ...DialOption) (*Conn, error) {
	if endpoint == "" {
		return nil, errors.New("taskstream: empty endpoint")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c := &Conn{
		endpoint: endpoint,
		policy:   DefaultPolicy(),
		dialer:   websocket.DefaultDialer,
		logger:   log.Default(),
		events:   make(chan protocol.Event, 256),
		done:     make(chan struct{}),
		cancel:   cancel,
		status:   Status{Phase: PhaseConnecting, Detail: DetailDial},
	}
	for _, opt := range opts {
		opt(c)
	}
	d := *c.dialer
	d.Subprotocols = protocol.Subprotocols(c.token)
	c.dialer = &d
	go c.run(runCtx)
	return c, nil
}

// Events returns the stream of parsed events. The channel closes when the
// connection reaches a closed state; check Err afterwards.
func (c *Conn) Events() <-chan protocol.Event { return c.events }

// Status returns the current connection status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastEventID returns the highest event ID delivered so far, or "" before the
// first event.
func (c *Conn) LastEventID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastID
}

// Err returns the terminal error, if any, once the events channel has closed.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done returns a channel closed when the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Start begins a task. It fails fast with ErrTaskRunning if a task is
// already live on this connection.
func (c *Conn) Start(task string, fileAttachments []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.taskLive {
		return ErrTaskRunning
	}
	if err := c.sendLocked(protocol.NewStartTask(task, fileAttachments)); err != nil {
		return err
	}
	c.taskLive = true
	return nil
}

// Resume attaches to an interrupted task, asking the server to replay events
// after the cursor. An empty cursor replays from the beginning.
func (c *Conn) Resume(lastEventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.taskLive {
		return ErrTaskRunning
	}
	if err := c.sendLocked(protocol.NewResumeTask(lastEventID)); err != nil {
		return err
	}
	if lastEventID > c.lastID {
		c.lastID = lastEventID
	}
	c.taskLive = true
	return nil
}

// Cancel asks the server to stop the live task. The local task state clears
// immediately; the server confirms with a cancelled event.
func (c *Conn) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.taskLive {
		return ErrNoActiveTask
	}
	if err := c.sendLocked(protocol.NewCancelTask()); err != nil {
		return err
	}
	c.taskLive = false
	return nil
}

// Approve resolves a pending tool approval. Fire and forget: the outcome
// arrives as a tool_use_approved or tool_use_rejected event.
func (c *Conn) Approve(approved bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.taskLive {
		return ErrNoActiveTask
	}
	return c.sendLocked(protocol.NewApproveTool(approved))
}

// Close shuts the connection down from the client side. Safe to call more
// than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closing = true
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	c.cancel()
	<-c.done
	return nil
}

// sendLocked marshals a command and either writes it or, while the socket is
// still connecting, queues it for the flush that follows the handshake.
// Callers hold c.mu.
func (c *Conn) sendLocked(cmd interface{}) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	switch c.status.Phase {
	case PhaseConnecting:
		c.pending = append(c.pending, data)
		return nil
	case PhaseOpen:
		return c.ws.WriteMessage(websocket.TextMessage, data)
	default:
		return ErrNotConnected
	}
}

// run owns the dial/read/reconnect loop. It exits only into a closed state.
func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	attempt := 0
	for {
		ws, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
		if err != nil {
			if ctx.Err() != nil {
				c.finish(Status{Phase: PhaseClosed, Detail: DetailClient}, nil)
				return
			}
			attempt++
			metrics.ClientReconnects.Inc()
			if attempt >= c.policy.MaxAttempts {
				c.finish(Status{Phase: PhaseClosed, Detail: DetailError},
					fmt.Errorf("gave up after %d attempts: %w", attempt, err))
				return
			}
			c.noteAttempt(attempt)
			delay := c.policy.Delay(attempt)
			c.logger.Printf("[TaskStream] connect to %s failed (attempt %d/%d), retrying in %s: %v",
				c.endpoint, attempt, c.policy.MaxAttempts, delay, err)
			select {
			case <-ctx.Done():
				c.finish(Status{Phase: PhaseClosed, Detail: DetailClient}, nil)
				return
			case <-time.After(delay):
			}
			continue
		}

		resuming := c.open(ws)
		attempt = 0
		if resuming {
			c.logger.Printf("[TaskStream] reconnected to %s, resuming from %q", c.endpoint, c.LastEventID())
		}

		// ReadMessage does not watch the context, so force the socket shut
		// when the connection is cancelled mid-read.
		readDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = ws.Close()
			case <-readDone:
			}
		}()

		fatal, cause := c.readLoop(ctx, ws)
		close(readDone)
		_ = ws.Close()

		c.mu.Lock()
		closing := c.closing
		c.ws = nil
		c.mu.Unlock()

		switch {
		case closing || ctx.Err() != nil:
			c.finish(Status{Phase: PhaseClosed, Detail: DetailClient}, nil)
			return
		case fatal && cause == nil:
			c.finish(Status{Phase: PhaseClosed, Detail: DetailComplete}, nil)
			return
		case fatal:
			c.finish(Status{Phase: PhaseClosed, Detail: DetailError}, cause)
			return
		default:
			c.setResuming(cause)
		}
	}
}

// open transitions to the open phase, queues a resume command first when this
// is a reconnect, and flushes everything buffered while connecting. Returns
// whether this connection resumed a prior session.
func (c *Conn) open(ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		_ = ws.Close()
		return false
	}

	resuming := c.status.Detail == DetailResume
	queue := c.pending
	if resuming {
		resume, err := json.Marshal(protocol.NewResumeTask(c.lastID))
		if err == nil {
			queue = append([][]byte{resume}, queue...)
		}
	}
	c.pending = nil
	c.ws = ws
	c.status = Status{Phase: PhaseOpen}

	for _, data := range queue {
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Printf("[TaskStream] flush failed: %v", err)
			break
		}
	}
	return resuming
}

// setResuming moves back to connecting after a transport failure so that
// commands issued during the outage buffer instead of erroring.
func (c *Conn) setResuming(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = Status{Phase: PhaseConnecting, Detail: DetailResume}
	if cause != nil {
		c.logger.Printf("[TaskStream] connection to %s lost: %v", c.endpoint, cause)
	}
}

// noteAttempt publishes the retry count so status readers can show it.
func (c *Conn) noteAttempt(attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Phase == PhaseConnecting {
		c.status.Attempt = attempt
	}
}

// readLoop pumps frames until the socket dies. It reports whether the close
// is fatal (no reconnect) and the error to surface, nil meaning a graceful
// end of task.
func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) (fatal bool, cause error) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure):
				return true, nil
			case isAuthCloseError(err):
				return true, fmt.Errorf("server refused the session: %w", err)
			default:
				return false, err
			}
		}

		ev, err := protocol.ParseEvent(data)
		if err != nil {
			c.logger.Printf("[TaskStream] dropping malformed frame: %v", err)
			continue
		}

		if !c.track(ev) {
			continue
		}

		select {
		case c.events <- ev:
		case <-ctx.Done():
			return true, nil
		}
	}
}

// track records the event ID cursor and the task lifecycle, and reports
// whether the event should be delivered. Replayed events at or before the
// cursor are skipped.
func (c *Conn) track(ev protocol.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id := ev.ID(); id != "" {
		if !protocol.EventIDAfter(id, c.lastID) {
			return false
		}
		c.lastID = id
	}
	switch ev.Kind() {
	case protocol.EventCompleted, protocol.EventCancelled:
		c.taskLive = false
	case protocol.EventError:
		// Only stamped errors are task failures. A rejection of one of our
		// commands arrives without a stream position and the task, if any,
		// keeps running.
		if ev.ID() != "" {
			c.taskLive = false
		}
	}
	return true
}

// finish records the terminal status exactly once.
func (c *Conn) finish(st Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Phase == PhaseClosed {
		return
	}
	c.status = st
	c.err = err
	c.taskLive = false
	c.pending = nil
}

// isAuthCloseError reports whether the peer closed with an authentication
// close code, which reconnecting cannot fix.
func isAuthCloseError(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == 4401 || ce.Code == 4403
}
