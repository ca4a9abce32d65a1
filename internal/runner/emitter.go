package runner

import (
	"context"
	"sync"

	"reelay/pkg/protocol"
)

// Emitter is the runner's voice: every event a task produces goes through it.
// It builds typed envelopes for the session sink and owns the tool approval
// gate. Event IDs are the sink's business; the sink stamps each event as it
// enters the session stream.
type Emitter struct {
	sink func(protocol.Event)

	mu       sync.Mutex
	approval chan bool
	pending  string // tool ID awaiting approval
	inFlight string // tool ID invoked but not yet resolved
	auto     bool
}

// NewEmitter wires an emitter to the session's delivery sink.
func NewEmitter(sink func(protocol.Event)) *Emitter {
	return &Emitter{
		sink:     sink,
		approval: make(chan bool, 1),
	}
}

// SetAutoApprove makes RequestApproval resolve immediately, still emitting
// the full pending/approved lifecycle.
func (e *Emitter) SetAutoApprove(auto bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auto = auto
}

func envelope(kind protocol.EventType) protocol.Envelope {
	return protocol.Envelope{Type: kind}
}

// Text streams an assistant text delta.
func (e *Emitter) Text(text string) {
	e.sink(&protocol.TextEvent{Envelope: envelope(protocol.EventText), Text: text})
}

// ToolUse announces a tool invocation.
func (e *Emitter) ToolUse(toolID, toolName string) {
	e.mu.Lock()
	e.inFlight = toolID
	e.mu.Unlock()
	e.sink(&protocol.ToolUseEvent{
		Envelope: envelope(protocol.EventToolUse),
		ToolID:   toolID,
		ToolName: toolName,
	})
}

// ToolInput streams a partial chunk of the tool's input.
func (e *Emitter) ToolInput(toolID, partial string) {
	e.sink(&protocol.ToolUseInputEvent{
		Envelope:     envelope(protocol.EventToolUseInput),
		ToolID:       toolID,
		PartialInput: partial,
	})
}

// ToolResult resolves a tool invocation with its output.
func (e *Emitter) ToolResult(toolID, result string) {
	e.clearInFlight(toolID)
	e.sink(&protocol.ToolUseResultEvent{
		Envelope: envelope(protocol.EventToolUseResult),
		ToolID:   toolID,
		Result:   result,
	})
}

// ToolError resolves a tool invocation with a failure.
func (e *Emitter) ToolError(toolID, message string) {
	e.clearInFlight(toolID)
	e.sink(&protocol.ToolUseErrorEvent{
		Envelope: envelope(protocol.EventToolUseError),
		ToolID:   toolID,
		Error:    message,
	})
}

// ToolCancelled resolves a tool invocation that was abandoned mid-flight.
func (e *Emitter) ToolCancelled(toolID string) {
	e.clearInFlight(toolID)
	e.sink(&protocol.ToolUseCancelledEvent{
		Envelope: envelope(protocol.EventToolUseCancelled),
		ToolID:   toolID,
	})
}

// Message publishes a finalized message.
func (e *Emitter) Message(msg protocol.Message) {
	e.sink(&protocol.MessageEvent{
		Envelope: envelope(protocol.EventMessage),
		Message:  msg,
	})
}

// RequestApproval emits tool_use_pending_approval and blocks until the client
// answers or the context ends. The approved/rejected event is emitted here so
// runners never have to remember the lifecycle.
func (e *Emitter) RequestApproval(ctx context.Context, toolID, toolName, input string) (bool, error) {
	e.mu.Lock()
	auto := e.auto
	if !auto {
		e.pending = toolID
		// Drain a stale answer so an earlier unconsumed Resolve cannot
		// leak into this gate.
		select {
		case <-e.approval:
		default:
		}
	}
	e.mu.Unlock()

	e.sink(&protocol.ToolUsePendingApprovalEvent{
		Envelope: envelope(protocol.EventToolUsePendingApproval),
		ToolID:   toolID,
		ToolName: toolName,
		Input:    input,
	})

	if auto {
		e.sink(&protocol.ToolUseApprovedEvent{
			Envelope: envelope(protocol.EventToolUseApproved),
			ToolID:   toolID,
		})
		return true, nil
	}

	select {
	case approved := <-e.approval:
		e.mu.Lock()
		e.pending = ""
		e.mu.Unlock()
		if approved {
			e.sink(&protocol.ToolUseApprovedEvent{
				Envelope: envelope(protocol.EventToolUseApproved),
				ToolID:   toolID,
			})
		} else {
			e.clearInFlight(toolID)
			e.sink(&protocol.ToolUseRejectedEvent{
				Envelope: envelope(protocol.EventToolUseRejected),
				ToolID:   toolID,
			})
		}
		return approved, nil
	case <-ctx.Done():
		e.mu.Lock()
		e.pending = ""
		e.mu.Unlock()
		return false, ctx.Err()
	}
}

// Resolve answers the pending approval gate. It reports false when no tool is
// waiting, which callers treat as a client-protocol mistake.
func (e *Emitter) Resolve(approved bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pending == "" {
		return false
	}
	select {
	case e.approval <- approved:
		return true
	default:
		return false
	}
}

// PendingToolID returns the tool waiting for approval, or "".
func (e *Emitter) PendingToolID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// InFlightTool returns the tool that was invoked but never resolved, or "".
// After a cancelled run the session closes it out with tool_use_cancelled.
func (e *Emitter) InFlightTool() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

func (e *Emitter) clearInFlight(toolID string) {
	e.mu.Lock()
	if e.inFlight == toolID {
		e.inFlight = ""
	}
	e.mu.Unlock()
}
