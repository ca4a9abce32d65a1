// Package store persists chats, their messages, and checkpoints in SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"reelay/pkg/protocol"
)

var (
	// ErrChatNotFound is returned when a chat ID resolves to nothing.
	ErrChatNotFound = errors.New("chat not found")

	// ErrCheckpointNotFound is returned when a checkpoint ID resolves to nothing.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrMessageNotFound is returned when a message ID resolves to nothing.
	ErrMessageNotFound = errors.New("message not found")
)

// Store manages chat persistence
type Store struct {
	db *sql.DB
}

// Chat represents one conversation
type Chat struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
}

// Checkpoint marks a restorable point in a chat, anchored at a message.
type Checkpoint struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewStore opens (or creates) the database at dbPath and migrates it.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}

	// Configure database and run migrations
	if err := ConfigureDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for shared use (e.g., maintenance)
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateChat creates a new chat
func (s *Store) CreateChat(title string) (*Chat, error) {
	now := time.Now().UTC()
	chat := &Chat{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.Exec(`
		INSERT INTO chats (id, title, created_at, updated_at, message_count)
		VALUES (?, ?, ?, ?, 0)
	`, chat.ID, chat.Title, chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat: %w", err)
	}

	return chat, nil
}

// GetChat retrieves a chat by ID
func (s *Store) GetChat(id string) (*Chat, error) {
	var chat Chat
	row := s.db.QueryRow(`
		SELECT id, title, created_at, updated_at, message_count
		FROM chats WHERE id = ?
	`, id)

	err := row.Scan(&chat.ID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt, &chat.MessageCount)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}

	return &chat, nil
}

// ListChats returns all chats, most recently active first
func (s *Store) ListChats() ([]Chat, error) {
	rows, err := s.db.Query(`
		SELECT id, title, created_at, updated_at, message_count
		FROM chats
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt, &chat.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return chats, nil
}

// DeleteChat removes a chat and, through foreign keys, its messages and
// checkpoints.
func (s *Store) DeleteChat(id string) error {
	res, err := s.db.Exec(`DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if affected == 0 {
		return ErrChatNotFound
	}
	return nil
}

// DeleteAllChats removes every chat, cascading to messages and checkpoints.
// Returns the number of chats removed.
func (s *Store) DeleteAllChats() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM chats`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chats: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check delete result: %w", err)
	}
	return affected, nil
}

// EnsureDefaultChat returns the most recently active chat, creating one when
// the database is empty. The single-conversation routes operate on this chat.
func (s *Store) EnsureDefaultChat() (*Chat, error) {
	var chat Chat
	row := s.db.QueryRow(`
		SELECT id, title, created_at, updated_at, message_count
		FROM chats
		ORDER BY updated_at DESC
		LIMIT 1
	`)
	err := row.Scan(&chat.ID, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt, &chat.MessageCount)
	if err == nil {
		return &chat, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get latest chat: %w", err)
	}
	return s.CreateChat("")
}

// AppendMessage stores a message at the end of a chat. A missing message ID
// is filled in; the sequence number is assigned inside the transaction so
// concurrent appends cannot collide.
func (s *Store) AppendMessage(chatID string, msg *protocol.Message) (*protocol.Message, error) {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	blocksJSON, err := json.Marshal(stored.Blocks)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal blocks: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM chats WHERE id = ?`, chatID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check chat: %w", err)
	}
	if exists == 0 {
		return nil, ErrChatNotFound
	}

	_, err = tx.Exec(`
		INSERT INTO messages (id, chat_id, seq, role, blocks, created_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE chat_id = ?), ?, ?, ?)
	`, stored.ID, chatID, chatID, string(stored.Role), string(blocksJSON), stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	if err := updateChatMessageCount(tx, chatID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	return &stored, nil
}

// Messages retrieves messages for a chat in chronological order. A positive
// limit returns only the most recent N, still oldest-first.
func (s *Store) Messages(chatID string, limit int) ([]protocol.Message, error) {
	// Use subquery to get most recent N messages, then order chronologically.
	// Without this, LIMIT + ASC gives oldest messages, not newest.
	var query string
	if limit > 0 {
		query = fmt.Sprintf(`
			SELECT id, role, blocks, created_at, checkpoint_id FROM (
				SELECT m.id, m.role, m.blocks, m.created_at, m.seq,
				       COALESCE(c.id, '') AS checkpoint_id
				FROM messages m
				LEFT JOIN checkpoints c ON c.message_id = m.id
				WHERE m.chat_id = ?
				ORDER BY m.seq DESC
				LIMIT %d
			) sub
			ORDER BY seq ASC
		`, limit)
	} else {
		query = `
			SELECT m.id, m.role, m.blocks, m.created_at,
			       COALESCE(c.id, '') AS checkpoint_id
			FROM messages m
			LEFT JOIN checkpoints c ON c.message_id = m.id
			WHERE m.chat_id = ?
			ORDER BY m.seq ASC
		`
	}

	rows, err := s.db.Query(query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []protocol.Message
	for rows.Next() {
		var msg protocol.Message
		var role, blocksJSON string

		if err := rows.Scan(&msg.ID, &role, &blocksJSON, &msg.CreatedAt, &msg.CheckpointID); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = protocol.Role(role)
		if err := json.Unmarshal([]byte(blocksJSON), &msg.Blocks); err != nil {
			msg.Blocks = nil
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return messages, nil
}

// ClearMessages deletes all messages for a chat (keeps the chat record)
func (s *Store) ClearMessages(chatID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}

	if err := updateChatMessageCount(tx, chatID); err != nil {
		return err
	}

	return tx.Commit()
}

// CreateCheckpoint anchors a restorable point at an existing message.
func (s *Store) CreateCheckpoint(chatID, messageID, label string) (*Checkpoint, error) {
	var msgChat string
	err := s.db.QueryRow(`SELECT chat_id FROM messages WHERE id = ?`, messageID).Scan(&msgChat)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up anchor message: %w", err)
	}
	if msgChat != chatID {
		return nil, fmt.Errorf("message %s does not belong to chat %s", messageID, chatID)
	}

	cp := &Checkpoint{
		ID:        uuid.New().String(),
		ChatID:    chatID,
		MessageID: messageID,
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}

	_, err = s.db.Exec(`
		INSERT INTO checkpoints (id, chat_id, message_id, label, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, cp.ID, cp.ChatID, cp.MessageID, cp.Label, cp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpoint: %w", err)
	}

	return cp, nil
}

// GetCheckpoint retrieves a checkpoint by ID
func (s *Store) GetCheckpoint(id string) (*Checkpoint, error) {
	var cp Checkpoint
	row := s.db.QueryRow(`
		SELECT id, chat_id, message_id, label, created_at
		FROM checkpoints WHERE id = ?
	`, id)

	err := row.Scan(&cp.ID, &cp.ChatID, &cp.MessageID, &cp.Label, &cp.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	return &cp, nil
}

// ApplyCheckpoint rewinds a chat to the checkpoint's anchor message by
// deleting every message that came after it. It reports how many messages
// were removed so callers know whether history actually changed.
func (s *Store) ApplyCheckpoint(id string) (int64, error) {
	cp, err := s.GetCheckpoint(id)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var anchorSeq int64
	err = tx.QueryRow(`SELECT seq FROM messages WHERE id = ?`, cp.MessageID).Scan(&anchorSeq)
	if err == sql.ErrNoRows {
		return 0, ErrMessageNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to find anchor message: %w", err)
	}

	res, err := tx.Exec(`
		DELETE FROM messages WHERE chat_id = ? AND seq > ?
	`, cp.ChatID, anchorSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to rewind messages: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rewind result: %w", err)
	}

	if err := updateChatMessageCount(tx, cp.ChatID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rewind: %w", err)
	}

	return removed, nil
}

// DeleteMessagesOlderThan removes messages created before the cutoff across
// all chats. Used by scheduled maintenance.
func (s *Store) DeleteMessagesOlderThan(cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old messages: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check delete result: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE chats SET message_count = (
			SELECT COUNT(*) FROM messages WHERE chat_id = chats.id
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh message counts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}

	return removed, nil
}

// DeleteChatsIdleSince removes chats with no activity since the cutoff,
// cascading to their messages and checkpoints.
func (s *Store) DeleteChatsIdleSince(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM chats WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle chats: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check delete result: %w", err)
	}
	return removed, nil
}

// Vacuum compacts the database file.
func (s *Store) Vacuum() error {
	if _, err := s.db.Exec("VACUUM"); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	return nil
}

// Counts returns the number of chats and messages, for status reporting.
func (s *Store) Counts() (chats int64, messages int64, err error) {
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM chats`).Scan(&chats); err != nil {
		return 0, 0, fmt.Errorf("failed to count chats: %w", err)
	}
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&messages); err != nil {
		return 0, 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return chats, messages, nil
}

// updateChatMessageCount recomputes the cached message count inside the
// caller's transaction and touches the activity timestamp. Timestamps are
// always bound from Go so every row carries the same text encoding and
// ORDER BY updated_at stays meaningful.
func updateChatMessageCount(tx *sql.Tx, chatID string) error {
	_, err := tx.Exec(`
		UPDATE chats
		SET message_count = (
			SELECT COUNT(*) FROM messages WHERE chat_id = ?
		),
		updated_at = ?
		WHERE id = ?
	`, chatID, time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("failed to update chat message count: %w", err)
	}
	return nil
}
