package tui

import (
	"context"

	"reelay/pkg/protocol"
	"reelay/pkg/taskstream"
)

// TaskStream is the slice of the stream connection the model drives.
// taskstream.Conn implements it; tests substitute a scripted fake.
type TaskStream interface {
	Events() <-chan protocol.Event
	Status() taskstream.Status
	Err() error
	Start(task string, fileAttachments []string) error
	Cancel() error
	Approve(approved bool) error
	Close() error
}

// HistoryClient loads and wipes the persisted conversation over REST.
type HistoryClient interface {
	History(ctx context.Context) ([]protocol.Message, error)
	Clear(ctx context.Context) error
}
