package tui

import (
	"reelay/pkg/protocol"
	"reelay/pkg/taskstream"
)

// BubbleTea messages produced by the stream pump and the REST commands.

// streamReadyMsg delivers a freshly dialed connection.
type streamReadyMsg struct {
	stream TaskStream
	err    error
}

// streamEventMsg carries one parsed envelope off the event channel. The
// source is included so frames from a replaced connection can be dropped.
type streamEventMsg struct {
	stream TaskStream
	event  protocol.Event
}

// streamClosedMsg signals the event channel closed, with the terminal status.
type streamClosedMsg struct {
	stream TaskStream
	status taskstream.Status
	err    error
}

// historyMsg delivers the authoritative message list from the REST API.
type historyMsg struct {
	messages []protocol.Message
	err      error
}

// historyClearedMsg reports the outcome of a /clear wipe.
type historyClearedMsg struct {
	err error
}

// statusTickMsg refreshes the status bar from the connection state.
type statusTickMsg struct{}

// thinkingTickMsg drives the KITT scanner animation in the chat view.
type thinkingTickMsg struct{}
