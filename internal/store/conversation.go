package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/siawfish/kyoos-sub001/internal/message"
)

const conversationColumns = `id, client_id, worker_id, booking_id, last_message_id,
	last_message_preview, last_message_at, unread_count`

// UpsertConversation seeds or updates the participants of a conversation.
// Last-message fields and the unread counter are owned by event processing
// and are left untouched on update.
func (db *DB) UpsertConversation(c *message.Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, client_id, worker_id, booking_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id = CASE WHEN excluded.client_id != '' THEN excluded.client_id ELSE conversations.client_id END,
			worker_id = CASE WHEN excluded.worker_id != '' THEN excluded.worker_id ELSE conversations.worker_id END,
			booking_id = CASE WHEN excluded.booking_id != '' THEN excluded.booking_id ELSE conversations.booking_id END,
			updated_at = excluded.updated_at`,
		c.ID, c.ClientID, c.WorkerID, c.BookingID, now)
	return err
}

// EnsureConversation creates an empty conversation row if none exists.
func (db *DB) EnsureConversation(id string) error {
	_, err := db.Exec(`INSERT INTO conversations (id, updated_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		id, time.Now().UnixMilli())
	return err
}

// GetConversation returns a conversation by id.
func (db *DB) GetConversation(id string) (*message.Conversation, error) {
	c, err := scanConversation(db.QueryRow(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListConversations returns conversations sorted by last message time, newest first.
func (db *DB) ListConversations(limit, offset int) ([]message.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT `+conversationColumns+` FROM conversations
		ORDER BY last_message_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []message.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// RecordLastMessage points the conversation's last-message fields at m
// unless a newer message is already recorded. The conversation row is
// created if needed.
func (db *DB) RecordLastMessage(m *message.Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, last_message_id, last_message_preview, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_id = excluded.last_message_id,
			last_message_preview = excluded.last_message_preview,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at
		WHERE excluded.last_message_at >= conversations.last_message_at
			OR conversations.last_message_id = excluded.last_message_id`,
		m.ConversationID, m.ID, m.Preview(), millis(m.SentAt), now)
	return err
}

// IncrementUnread bumps the unread counter by one.
func (db *DB) IncrementUnread(conversationID string) error {
	_, err := db.Exec(`
		INSERT INTO conversations (id, unread_count, updated_at) VALUES (?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET unread_count = conversations.unread_count + 1, updated_at = excluded.updated_at`,
		conversationID, time.Now().UnixMilli())
	return err
}

// ResetUnread zeroes the unread counter.
func (db *DB) ResetUnread(conversationID string) error {
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), conversationID)
	return err
}

// refreshPreview rewrites the conversation preview when m is its last message.
func refreshPreview(tx *sql.Tx, m *message.Message) error {
	_, err := tx.Exec(`UPDATE conversations SET last_message_preview = ?, updated_at = ?
		WHERE id = ? AND last_message_id = ?`,
		m.Preview(), time.Now().UnixMilli(), m.ConversationID, m.ID)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*message.Conversation, error) {
	var c message.Conversation
	var lastAt int64
	if err := s.Scan(&c.ID, &c.ClientID, &c.WorkerID, &c.BookingID, &c.LastMessageID,
		&c.LastMessagePreview, &lastAt, &c.UnreadCount); err != nil {
		return nil, err
	}
	c.LastMessageAt = fromMillis(lastAt)
	return &c, nil
}
