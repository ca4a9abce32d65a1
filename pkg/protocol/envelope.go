// Package protocol defines the wire format shared by the reelay gateway and
// its streaming clients: the envelope union sent server to client, the
// command union sent client to server, and the message/content-block model
// carried inside both.
package protocol

import (
	"encoding/json"
	"time"
)

// EventType discriminates the envelope union.
type EventType string

const (
	// Assistant output
	EventText    EventType = "text"    // incremental assistant text
	EventMessage EventType = "message" // one fully-formed message, either role

	// History
	EventHistoryChanged EventType = "history_changed" // client should refetch authoritative history

	// Tool lifecycle
	EventToolUse                EventType = "tool_use"                  // invocation begun
	EventToolUseInput           EventType = "tool_use_input"            // input JSON arriving in chunks
	EventToolUsePendingApproval EventType = "tool_use_pending_approval" // blocked on human approval
	EventToolUseApproved        EventType = "tool_use_approved"
	EventToolUseRejected        EventType = "tool_use_rejected"
	EventToolUseResult          EventType = "tool_use_result"
	EventToolUseError           EventType = "tool_use_error"
	EventToolUseCancelled       EventType = "tool_use_cancelled"

	// Task lifecycle
	EventCancelled EventType = "cancelled" // task terminated early
	EventUsage     EventType = "usage"     // accounting, precedes completed
	EventCompleted EventType = "completed" // terminal marker

	// Out-of-band
	EventHeartbeat EventType = "heartbeat" // liveness ping, not conversation state
	EventError     EventType = "error"     // failure notice, does not mutate state
)

// Cancellation reasons carried by a cancelled envelope.
const (
	CancelReasonUser    = "user"
	CancelReasonTimeout = "timeout"
)

// Envelope is the head common to every server-to-client frame. EventID is
// an opaque string, strictly increasing within one task session, and doubles
// as the resume cursor. Frames outside the session stream, such as command
// rejections addressed to a single client, omit it.
type Envelope struct {
	Type    EventType `json:"type"`
	EventID string    `json:"eventId,omitempty"`
}

// Event is any decoded envelope frame.
type Event interface {
	Kind() EventType
	ID() string
}

// Kind returns the envelope discriminant.
func (e Envelope) Kind() EventType { return e.Type }

// ID returns the envelope's event identifier.
func (e Envelope) ID() string { return e.EventID }

// SetEventID stamps the envelope with its position in the session stream.
// The server assigns IDs at the moment an event enters the stream so that
// delivery order and ID order never diverge.
func (e *Envelope) SetEventID(id string) { e.EventID = id }

// TextEvent delivers an incremental chunk of assistant text.
type TextEvent struct {
	Envelope
	Text string `json:"text"`
}

// MessageEvent finalizes one message of either role.
type MessageEvent struct {
	Envelope
	Message Message `json:"message"`
}

// HistoryChangedEvent tells the client its cached history is stale.
type HistoryChangedEvent struct {
	Envelope
}

// ToolUseEvent signals a tool invocation has begun.
type ToolUseEvent struct {
	Envelope
	ToolID   string `json:"toolId"`
	ToolName string `json:"toolName"`
}

// ToolUseInputEvent carries one chunk of the invocation's input JSON.
// Chunks concatenate in arrival order to form the full input document.
type ToolUseInputEvent struct {
	Envelope
	ToolID       string `json:"toolId"`
	PartialInput string `json:"partialInput"`
}

// ToolUsePendingApprovalEvent signals the task is blocked awaiting a human
// approveTool decision for the named invocation.
type ToolUsePendingApprovalEvent struct {
	Envelope
	ToolID   string `json:"toolId"`
	ToolName string `json:"toolName"`
	Input    string `json:"input,omitempty"`
}

// ToolUseApprovedEvent resolves a pending approval positively.
type ToolUseApprovedEvent struct {
	Envelope
	ToolID string `json:"toolId"`
}

// ToolUseRejectedEvent resolves a pending approval negatively.
type ToolUseRejectedEvent struct {
	Envelope
	ToolID string `json:"toolId"`
}

// ToolUseResultEvent delivers a completed invocation's result.
type ToolUseResultEvent struct {
	Envelope
	ToolID string `json:"toolId"`
	Result string `json:"result,omitempty"`
}

// ToolUseErrorEvent delivers a failed invocation's error text.
type ToolUseErrorEvent struct {
	Envelope
	ToolID string `json:"toolId"`
	Error  string `json:"error"`
}

// ToolUseCancelledEvent marks an in-flight invocation as cancelled.
type ToolUseCancelledEvent struct {
	Envelope
	ToolID string `json:"toolId"`
}

// CancelledEvent terminates the task early. Reason is CancelReasonUser or
// CancelReasonTimeout.
type CancelledEvent struct {
	Envelope
	Reason string `json:"reason"`
}

// UsageEvent reports task accounting ahead of the completed marker.
type UsageEvent struct {
	Envelope
	InputTokens  int   `json:"inputTokens,omitempty"`
	OutputTokens int   `json:"outputTokens,omitempty"`
	TotalTokens  int   `json:"totalTokens,omitempty"`
	DurationMs   int64 `json:"durationMs,omitempty"`
}

// CompletedEvent is the terminal marker of a successful task.
type CompletedEvent struct {
	Envelope
}

// HeartbeatEvent is a liveness ping. It carries no conversation state.
type HeartbeatEvent struct {
	Envelope
}

// ErrorEvent reports an out-of-band failure without mutating state.
type ErrorEvent struct {
	Envelope
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ParseEvent decodes one envelope frame into its concrete event struct.
// An unrecognized type decodes to the bare *Envelope so a newer server
// never breaks an older client's stream; malformed JSON is the only error.
func ParseEvent(data []byte) (Event, error) {
	var base Envelope
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, err
	}

	switch base.Type {
	case EventText:
		var ev TextEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventMessage:
		var ev MessageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventHistoryChanged:
		var ev HistoryChangedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventToolUse:
		var ev ToolUseEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventToolUseInput:
		var ev ToolUseInputEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventToolUsePendingApproval:
		var ev ToolUsePendingApprovalEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventToolUseApproved:
		var ev ToolUseApprovedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventToolUseRejected:
		var ev ToolUseRejectedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventToolUseResult:
		var ev ToolUseResultEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventToolUseError:
		var ev ToolUseErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventToolUseCancelled:
		var ev ToolUseCancelledEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventCancelled:
		var ev CancelledEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventUsage:
		var ev UsageEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventCompleted:
		var ev CompletedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventHeartbeat:
		var ev HeartbeatEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	case EventError:
		var ev ErrorEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		return &ev, nil

	default:
		return &base, nil
	}
}

// EncodeEvent serializes an event for the wire.
func EncodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one finalized conversation turn. Immutable after creation.
type Message struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	Blocks       []Block   `json:"blocks"`
	CreatedAt    time.Time `json:"createdAt"`
	CheckpointID string    `json:"checkpointId,omitempty"`
}

// Text concatenates the message's text blocks.
func (m Message) Text() string {
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// BlockType discriminates the content-block union.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockFile       BlockType = "file"
	BlockThinking   BlockType = "thinking"
)

// Block is one content block of a message. Only the fields for the given
// Type are populated; everything else stays at its zero value.
type Block struct {
	Type BlockType `json:"type"`

	// text / thinking
	Text string `json:"text,omitempty"`

	// image, either by URL or inline
	URL       string `json:"url,omitempty"`
	Data      string `json:"data,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// tool_use / tool_result
	ToolID    string `json:"toolId,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	ToolInput string `json:"toolInput,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"isError,omitempty"`

	// file attachment
	Path string `json:"path,omitempty"`
}

// TextBlock builds a plain text block.
func TextBlock(text string) Block {
	return Block{Type: BlockText, Text: text}
}

// FileBlock builds a file attachment block.
func FileBlock(path string) Block {
	return Block{Type: BlockFile, Path: path}
}
