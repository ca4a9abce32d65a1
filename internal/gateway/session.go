package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"reelay/internal/config"
	"reelay/internal/metrics"
	"reelay/internal/runner"
	"reelay/internal/store"
	"reelay/pkg/protocol"
)

// ErrTaskRunning is returned when startTask arrives while the chat already
// has a live task. The running task is untouched.
var ErrTaskRunning = errors.New("a task is already running for this chat")

// outboxEntry is one encoded envelope retained for resume replay.
type outboxEntry struct {
	id   string
	data []byte
}

// TaskSession owns the live task state of one chat: the monotonic event-ID
// source, the replay outbox, the attached clients, and the running task if
// any. One session per chat, created on first use and kept for the gateway's
// lifetime.
type TaskSession struct {
	chatID      string
	store       *store.Store
	runner      runner.Runner
	cfg         config.SessionConfig
	autoApprove bool
	logContent  bool
	logger      *log.Logger
	ctx         context.Context
	stop        context.CancelFunc

	ids *protocol.EventIDSource

	mu         sync.Mutex
	clients    map[*Client]bool
	ring       []outboxEntry
	running    bool
	cancelTask context.CancelFunc
	reason     string
	em         *runner.Emitter
}

func newTaskSession(parent context.Context, chatID string, st *store.Store, run runner.Runner, cfg config.SessionConfig, autoApprove, logContent bool, logger *log.Logger) *TaskSession {
	ctx, stop := context.WithCancel(parent)
	s := &TaskSession{
		chatID:      chatID,
		store:       st,
		runner:      run,
		cfg:         cfg,
		autoApprove: autoApprove,
		logContent:  logContent,
		logger:      logger,
		ctx:         ctx,
		stop:        stop,
		ids:         protocol.NewEventIDSource(),
		clients:     make(map[*Client]bool),
	}
	go s.heartbeatLoop()
	return s
}

// envelope builds an unstamped frame head. Events receive their ID from
// dispatch at the moment they enter the session stream.
func envelope(kind protocol.EventType) protocol.Envelope {
	return protocol.Envelope{Type: kind}
}

// Attach subscribes a client to live envelopes.
func (s *TaskSession) Attach(c *Client) {
	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()
}

// Detach unsubscribes a client. Safe to call for a client that was never
// attached.
func (s *TaskSession) Detach(c *Client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

// Running reports whether a task is currently executing.
func (s *TaskSession) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// StartTask begins a new task for the issuing client. Fails fast with
// ErrTaskRunning when the chat already has one; the running task and its
// session state are untouched.
func (s *TaskSession) StartTask(c *Client, cmd *protocol.StartTask) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrTaskRunning
	}
	s.running = true
	s.reason = ""
	em := runner.NewEmitter(s.dispatch)
	em.SetAutoApprove(s.autoApprove)
	s.em = em
	if c != nil {
		s.clients[c] = true
	}
	taskCtx, cancel := context.WithCancel(s.ctx)
	s.cancelTask = cancel
	s.mu.Unlock()

	// The user's turn becomes part of the authoritative history before the
	// runner says anything.
	s.dispatch(&protocol.MessageEvent{
		Envelope: envelope(protocol.EventMessage),
		Message:  userMessage(cmd),
	})

	task := runner.Task{
		Prompt:          cmd.Task,
		FileAttachments: cmd.FileAttachments,
		ChatID:          s.chatID,
	}
	go s.runTask(taskCtx, cancel, task, em)
	return nil
}

// Resume replays buffered envelopes with IDs strictly after the cursor to
// the client, then attaches it to the live stream. An empty cursor replays
// the whole buffer.
func (s *TaskSession) Resume(c *Client, lastEventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replayed := 0
	for _, e := range s.ring {
		if protocol.EventIDAfter(e.id, lastEventID) {
			if !c.trySend(e.data) {
				break
			}
			replayed++
		}
	}
	s.clients[c] = true
	s.logger.Printf("[Session] chat %s: resumed client %s, replayed %d envelopes", s.chatID, c.id, replayed)
}

// Cancel requests cooperative cancellation of the running task. Returns
// false when nothing is running.
func (s *TaskSession) Cancel(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cancelTask == nil {
		return false
	}
	s.reason = reason
	s.cancelTask()
	return true
}

// Approve resolves a pending tool approval. Returns false when no tool is
// waiting.
func (s *TaskSession) Approve(approved bool) bool {
	s.mu.Lock()
	em := s.em
	s.mu.Unlock()
	if em == nil {
		return false
	}
	return em.Resolve(approved)
}

func (s *TaskSession) runTask(ctx context.Context, cancel context.CancelFunc, task runner.Task, em *runner.Emitter) {
	defer cancel()
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	if timeout := s.cfg.TaskTimeout(); timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	start := time.Now()
	s.logger.Printf("[Session] chat %s: task started (runner: %s)", s.chatID, s.runner.Name())
	res, err := s.runner.Run(ctx, task, em)

	s.mu.Lock()
	s.running = false
	s.cancelTask = nil
	reason := s.reason
	s.mu.Unlock()

	switch {
	case err == nil:
		s.dispatch(&protocol.UsageEvent{
			Envelope:     envelope(protocol.EventUsage),
			InputTokens:  res.InputTokens,
			OutputTokens: res.OutputTokens,
			TotalTokens:  res.InputTokens + res.OutputTokens,
			DurationMs:   time.Since(start).Milliseconds(),
		})
		s.dispatch(&protocol.CompletedEvent{Envelope: envelope(protocol.EventCompleted)})
		s.logger.Printf("[Session] chat %s: task completed in %s", s.chatID, time.Since(start).Round(time.Millisecond))
		s.closeClients("task complete")

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		s.emitCancelled(em, protocol.CancelReasonTimeout)
		s.logger.Printf("[Session] chat %s: task timed out after %s", s.chatID, time.Since(start).Round(time.Millisecond))
		s.closeClients("task timed out")

	case errors.Is(err, context.Canceled):
		if reason == "" {
			reason = protocol.CancelReasonUser
		}
		s.emitCancelled(em, reason)
		s.logger.Printf("[Session] chat %s: task cancelled (%s)", s.chatID, reason)
		s.closeClients("task cancelled")

	default:
		s.dispatch(&protocol.ErrorEvent{
			Envelope: envelope(protocol.EventError),
			Code:     "task_failed",
			Message:  err.Error(),
		})
		s.logger.Printf("[Session] chat %s: task failed: %v", s.chatID, err)
		s.closeClients("task failed")
	}
}

// emitCancelled closes the lifecycle of an interrupted in-flight tool before
// the terminal cancelled envelope.
func (s *TaskSession) emitCancelled(em *runner.Emitter, reason string) {
	if toolID := em.InFlightTool(); toolID != "" {
		s.dispatch(&protocol.ToolUseCancelledEvent{
			Envelope: envelope(protocol.EventToolUseCancelled),
			ToolID:   toolID,
		})
	}
	s.dispatch(&protocol.CancelledEvent{
		Envelope: envelope(protocol.EventCancelled),
		Reason:   reason,
	})
}

// dispatch is the emitter sink: persist finalized messages, stamp the event
// with its stream position, buffer for resume, and fan out to attached
// clients. Stamping and enqueueing share one critical section, so delivery
// order always matches ID order.
func (s *TaskSession) dispatch(ev protocol.Event) {
	if me, ok := ev.(*protocol.MessageEvent); ok {
		s.persistMessage(me)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := ev.(interface{ SetEventID(string) }); ok {
		e.SetEventID(s.ids.Next())
	}
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		s.logger.Printf("[Session] chat %s: dropping unencodable %s envelope: %v", s.chatID, ev.Kind(), err)
		return
	}
	metrics.EnvelopesEmitted.WithLabelValues(string(ev.Kind())).Inc()
	if s.logContent {
		s.logger.Printf("[Session] chat %s: %s", s.chatID, data)
	}

	s.pushRingLocked(ev.ID(), data)
	s.broadcastLocked(data)
}

// persistMessage stores the message and, for assistant turns, anchors a
// checkpoint on it so the conversation can be rewound there later.
func (s *TaskSession) persistMessage(me *protocol.MessageEvent) {
	stored, err := s.store.AppendMessage(s.chatID, &me.Message)
	if err != nil {
		s.logger.Printf("[Session] chat %s: failed to persist message: %v", s.chatID, err)
		return
	}
	me.Message = *stored

	if stored.Role != protocol.RoleAssistant {
		return
	}
	cp, err := s.store.CreateCheckpoint(s.chatID, stored.ID, checkpointLabel(stored))
	if err != nil {
		s.logger.Printf("[Session] chat %s: failed to create checkpoint: %v", s.chatID, err)
		return
	}
	me.Message.CheckpointID = cp.ID
}

// NotifyHistoryChanged tells attached clients their cached history is stale.
// Called after out-of-band history mutations such as checkpoint application.
func (s *TaskSession) NotifyHistoryChanged() {
	s.dispatch(&protocol.HistoryChangedEvent{Envelope: envelope(protocol.EventHistoryChanged)})
}

// sendErrorTo answers one client with an error envelope. Rejections are not
// session events: they carry no stream position, skip the replay buffer, and
// leave the running task untouched.
func (s *TaskSession) sendErrorTo(c *Client, code, message string) {
	ev := &protocol.ErrorEvent{
		Envelope: envelope(protocol.EventError),
		Code:     code,
		Message:  message,
	}
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return
	}
	metrics.EnvelopesEmitted.WithLabelValues(string(protocol.EventError)).Inc()
	c.trySend(data)
}

// heartbeatLoop emits liveness envelopes to attached clients on the
// configured interval. Heartbeats skip the replay buffer; replaying a stale
// one after resume would be meaningless.
func (s *TaskSession) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if len(s.clients) == 0 {
				s.mu.Unlock()
				continue
			}
			ev := &protocol.HeartbeatEvent{Envelope: envelope(protocol.EventHeartbeat)}
			ev.EventID = s.ids.Next()
			data, err := protocol.EncodeEvent(ev)
			if err == nil {
				metrics.EnvelopesEmitted.WithLabelValues(string(protocol.EventHeartbeat)).Inc()
				s.broadcastLocked(data)
			}
			s.mu.Unlock()
		}
	}
}

// pushRingLocked appends to the replay buffer, evicting the oldest entry at
// capacity. Caller holds s.mu.
func (s *TaskSession) pushRingLocked(id string, data []byte) {
	entry := outboxEntry{id: id, data: data}
	if size := s.cfg.ReplaySize(); len(s.ring) >= size {
		copy(s.ring, s.ring[1:])
		s.ring[len(s.ring)-1] = entry
		return
	}
	s.ring = append(s.ring, entry)
}

// broadcastLocked fans a frame out to every attached client. A client whose
// outbox is full is dropped; it can reconnect and resume from its cursor.
// Caller holds s.mu.
func (s *TaskSession) broadcastLocked(data []byte) {
	for c := range s.clients {
		if !c.trySend(data) {
			metrics.OutboxDropped.Inc()
			delete(s.clients, c)
			c.shut(websocket.ClosePolicyViolation, "client too slow")
			s.logger.Printf("[Session] chat %s: dropped slow client %s", s.chatID, c.id)
		}
	}
}

// closeClients detaches every client and closes their sockets with a normal
// close frame. The session itself stays alive for later tasks and resumes.
func (s *TaskSession) closeClients(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		c.shut(websocket.CloseNormalClosure, text)
	}
}

// checkpointLabel derives a short human-readable label from the anchoring
// message's text.
func checkpointLabel(msg *protocol.Message) string {
	text := msg.Text()
	if len(text) > 48 {
		text = text[:48]
	}
	if text == "" {
		text = fmt.Sprintf("checkpoint %s", time.Now().Format("2006-01-02 15:04"))
	}
	return text
}

// userMessage converts a startTask command into the stored user turn.
func userMessage(cmd *protocol.StartTask) protocol.Message {
	blocks := []protocol.Block{protocol.TextBlock(cmd.Task)}
	for _, path := range cmd.FileAttachments {
		blocks = append(blocks, protocol.FileBlock(path))
	}
	return protocol.Message{
		Role:      protocol.RoleUser,
		Blocks:    blocks,
		CreatedAt: time.Now().UTC(),
	}
}
