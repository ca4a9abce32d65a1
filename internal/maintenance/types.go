// Package maintenance runs scheduled upkeep against the chat store:
// history retention and database compaction.
package maintenance

import (
	"context"
	"time"
)

// Task is one unit of scheduled upkeep.
type Task interface {
	// Name identifies the task in logs and status output.
	Name() string

	// Description says what the task does, for status output.
	Description() string

	// Execute runs the task to completion.
	Execute(ctx context.Context) TaskResult
}

// TaskResult is the outcome of one task execution.
type TaskResult struct {
	Success          bool          `json:"success"`
	Duration         time.Duration `json:"duration"`
	Message          string        `json:"message"`
	RecordsProcessed int64         `json:"recordsProcessed,omitempty"`
	SpaceReclaimed   int64         `json:"spaceReclaimed,omitempty"`
	Error            error         `json:"-"`
}

// TaskStatus is the scheduler's view of one task.
type TaskStatus struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Enabled     bool       `json:"enabled"`
	Schedule    string     `json:"schedule"`
	LastRun     time.Time  `json:"lastRun,omitempty"`
	NextRun     time.Time  `json:"nextRun,omitempty"`
	LastResult  TaskResult `json:"lastResult,omitempty"`
}
