package maintenance

import (
	"context"
	"fmt"
	"log"
	"time"

	"reelay/internal/store"
)

// RetentionTask expires old conversation history: messages past the
// retention cutoff, then chats with no activity since that cutoff. Deleting
// a chat cascades to its remaining messages and checkpoints.
type RetentionTask struct {
	store         *store.Store
	retentionDays int
	logger        *log.Logger
}

// NewRetentionTask creates the history retention task. A non-positive
// retention keeps history forever.
func NewRetentionTask(st *store.Store, retentionDays int, logger *log.Logger) *RetentionTask {
	if logger == nil {
		logger = log.Default()
	}
	return &RetentionTask{store: st, retentionDays: retentionDays, logger: logger}
}

func (t *RetentionTask) Name() string { return "retention" }

func (t *RetentionTask) Description() string {
	return "Delete messages and idle chats older than the retention window"
}

// Execute removes expired history. Messages go first so the chat sweep only
// sees activity timestamps, not row counts.
func (t *RetentionTask) Execute(ctx context.Context) TaskResult {
	if t.retentionDays <= 0 {
		return TaskResult{Success: true, Message: "Retention disabled, keeping history forever"}
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -t.retentionDays)
	t.logger.Printf("[Maintenance] Expiring history older than %s", cutoff.Format(time.RFC3339))

	messages, err := t.store.DeleteMessagesOlderThan(cutoff)
	if err != nil {
		return TaskResult{Success: false, Message: "Failed to delete expired messages", Error: err}
	}

	chats, err := t.store.DeleteChatsIdleSince(cutoff)
	if err != nil {
		return TaskResult{Success: false, Message: "Failed to delete idle chats", Error: err}
	}

	return TaskResult{
		Success:          true,
		RecordsProcessed: messages + chats,
		Message: fmt.Sprintf("Removed %d expired messages and %d idle chats (retention %dd)",
			messages, chats, t.retentionDays),
	}
}
