// Package conversation folds the ordered envelope stream of a task session
// into renderable chat state: finalized messages, the in-flight streaming
// fragment, and the running/loading flags. The fold is pure; callers own
// the State value and feed every event (including locally-issued optimistic
// ones) through Apply.
package conversation

import (
	"fmt"

	"reelay/pkg/protocol"
)

// FragmentKind discriminates the two fragment shapes.
type FragmentKind int

const (
	// FragmentText accumulates streamed assistant text.
	FragmentText FragmentKind = iota
	// FragmentToolUse accumulates a tool invocation's input JSON.
	FragmentToolUse
)

// Fragment is a provisional accumulator for content still arriving. It is
// discarded, never promoted, when the server finalizes the turn with a
// message event.
type Fragment struct {
	Kind      FragmentKind
	Text      string
	ToolID    string
	ToolName  string
	ToolInput string
}

// State is the reduced conversation. Messages is append-only and every
// element is immutable once appended. Fragments holds the open streaming
// fragments, at most one at any time.
type State struct {
	Messages       []protocol.Message
	Fragments      []Fragment
	Running        bool
	LoadingHistory bool
}

// OpenFragment returns the single open fragment, or nil.
func (s State) OpenFragment() *Fragment {
	if len(s.Fragments) == 0 {
		return nil
	}
	f := s.Fragments[len(s.Fragments)-1]
	return &f
}

// WithRunning returns a copy with the running flag set. The caller flips
// this on when it issues startTask or resumeTask and off when it
// optimistically cancels; terminal events clear it in the fold itself.
func (s State) WithRunning(running bool) State {
	s.Running = running
	return s
}

// WithLoadingHistory returns a copy with the history-loading flag set.
func (s State) WithLoadingHistory(loading bool) State {
	s.LoadingHistory = loading
	return s
}

// WithHistory returns a copy whose messages are replaced by the
// authoritative list from the store, clearing the loading flag. Open
// fragments are untouched; a refetch does not interrupt streaming.
func (s State) WithHistory(msgs []protocol.Message) State {
	s.Messages = append([]protocol.Message(nil), msgs...)
	s.LoadingHistory = false
	return s
}

// Signal carries the side-band outcomes of one Apply call: state never
// encodes them.
type Signal struct {
	// HistoryChanged asks the caller to refetch the authoritative
	// message list.
	HistoryChanged bool
	// Err is the application error surfaced by an error envelope.
	// Accumulated state is intact when it is set.
	Err error
}

// TaskError is an application error reported by the server mid-stream.
type TaskError struct {
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("task error [%s]: %s", e.Code, e.Message)
	}
	return "task error: " + e.Message
}

// Interceptor observes an event before default handling. Returning true
// suppresses the default fold for that event, which is how callers layer
// custom event kinds on top of the closed union.
type Interceptor func(ev protocol.Event) bool

// Reducer applies envelope events to conversation state.
type Reducer struct {
	interceptors []Interceptor
}

// Option configures a Reducer.
type Option func(*Reducer)

// WithInterceptor registers an interceptor. Interceptors run in
// registration order; the first to claim an event wins.
func WithInterceptor(i Interceptor) Option {
	return func(r *Reducer) {
		r.interceptors = append(r.interceptors, i)
	}
}

// New creates a Reducer.
func New(opts ...Option) *Reducer {
	r := &Reducer{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply folds one event into the state and returns the next state. It
// never mutates its input, never blocks, and treats any event kind it
// does not recognize as a no-op, so an unknown discriminant from a newer
// server can never corrupt the fold.
func (r *Reducer) Apply(s State, ev protocol.Event) (State, Signal) {
	for _, intercept := range r.interceptors {
		if intercept(ev) {
			return s, Signal{}
		}
	}

	switch e := ev.(type) {
	case *protocol.TextEvent:
		return appendText(s, e.Text), Signal{}

	case *protocol.ToolUseEvent:
		return openFragment(s, Fragment{
			Kind:     FragmentToolUse,
			ToolID:   e.ToolID,
			ToolName: e.ToolName,
		}), Signal{}

	case *protocol.ToolUseInputEvent:
		return appendToolInput(s, e.ToolID, e.PartialInput), Signal{}

	case *protocol.MessageEvent:
		return appendMessage(s, e.Message), Signal{}

	case *protocol.HistoryChangedEvent:
		return s, Signal{HistoryChanged: true}

	case *protocol.CancelledEvent, *protocol.CompletedEvent:
		s = closeFragments(s)
		s.Running = false
		return s, Signal{}

	case *protocol.ErrorEvent:
		return s, Signal{Err: &TaskError{Code: e.Code, Message: e.Message}}

	default:
		// Heartbeats, the tool approval/result lifecycle, usage
		// accounting, and unknown kinds leave conversation state
		// alone. Interceptors are the hook for reacting to them.
		return s, Signal{}
	}
}

// appendText grows the open text fragment or starts one, closing an
// unrelated open fragment first.
func appendText(s State, text string) State {
	if f := s.OpenFragment(); f != nil && f.Kind == FragmentText {
		grown := *f
		grown.Text += text
		s.Fragments = []Fragment{grown}
		return s
	}
	return openFragment(s, Fragment{Kind: FragmentText, Text: text})
}

// appendToolInput concatenates onto the open tool-use fragment when the
// tool-call identity matches, otherwise starts a fresh fragment for the
// new identity.
func appendToolInput(s State, toolID, partial string) State {
	if f := s.OpenFragment(); f != nil && f.Kind == FragmentToolUse && f.ToolID == toolID {
		grown := *f
		grown.ToolInput += partial
		s.Fragments = []Fragment{grown}
		return s
	}
	return openFragment(s, Fragment{
		Kind:      FragmentToolUse,
		ToolID:    toolID,
		ToolInput: partial,
	})
}

// appendMessage closes every open fragment and appends the finalized
// message. The copy keeps previously returned states untouched.
func appendMessage(s State, msg protocol.Message) State {
	msgs := make([]protocol.Message, len(s.Messages), len(s.Messages)+1)
	copy(msgs, s.Messages)
	s.Messages = append(msgs, msg)
	s.Fragments = nil
	return s
}

func openFragment(s State, f Fragment) State {
	s.Fragments = []Fragment{f}
	return s
}

func closeFragments(s State) State {
	s.Fragments = nil
	return s
}
