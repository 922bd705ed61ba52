package store

import (
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/siawfish/kyoos-sub001/internal/message"
)

const messageColumns = `id, COALESCE(server_id, ''), conversation_id, sender_id, content,
	sent_at, status, edited_at, deleted_at`

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

// InsertMessage stores a new message and its media.
func (db *DB) InsertMessage(m *message.Message) error {
	return db.inTx(func(tx *sql.Tx) error {
		return insertMessage(tx, m)
	})
}

// UpsertMessage stores a message received from the server. When a row with
// the same local or server id exists its content and media are refreshed;
// status changes go through Transition. Tombstoned rows are left alone.
// Reports whether a new row was created.
func (db *DB) UpsertMessage(m *message.Message) (bool, error) {
	created := false
	err := db.inTx(func(tx *sql.Tx) error {
		existing, err := getMessage(tx, m.ID)
		if errors.Is(err, ErrNotFound) && m.ServerID != "" && m.ServerID != m.ID {
			existing, err = getMessage(tx, m.ServerID)
		}
		if errors.Is(err, ErrNotFound) {
			created = true
			return insertMessage(tx, m)
		}
		if err != nil {
			return err
		}
		if existing.Deleted() {
			return nil
		}
		if _, err := tx.Exec(`UPDATE messages SET content = ?, updated_at = ? WHERE id = ?`,
			m.Content, time.Now().UnixMilli(), existing.ID); err != nil {
			return err
		}
		return replaceMedia(tx, existing.ID, m.Media)
	})
	return created, err
}

// GetMessage returns a message by local id or server id.
func (db *DB) GetMessage(id string) (*message.Message, error) {
	return getMessage(db, id)
}

// ListMessages returns up to limit messages of a conversation sent before
// the given instant (zero means now), oldest first.
func (db *DB) ListMessages(conversationID string, before time.Time, limit int) ([]message.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeMs := millis(before)
	if beforeMs == 0 {
		beforeMs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND sent_at < ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`, conversationID, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if err := attachMedia(db, msgs); err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// Transition moves a message to a new status if message.CanTransition
// allows it. It is the single entry point for status changes; a move that
// is not allowed is a no-op and reports false.
func (db *DB) Transition(id string, to message.Status) (bool, error) {
	changed := false
	err := db.inTx(func(tx *sql.Tx) error {
		var rowID, cur string
		err := tx.QueryRow(`SELECT id, status FROM messages WHERE id = ? OR server_id = ?`, id, id).Scan(&rowID, &cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !message.CanTransition(message.Status(cur), to) {
			return nil
		}
		if err := setStatus(tx, rowID, to); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}

// Confirm binds serverID to the local message id and advances it to at least
// the given status. A FAILED message the server turns out to have received
// re-enters through PENDING. If a separate row already holds serverID (the
// server's copy arrived before the ack) that row is folded into this one,
// keeping whatever status, edit or deletion it had already reached. A
// tombstone recorded for serverID is applied as well.
func (db *DB) Confirm(id, serverID string, to message.Status) (*message.Message, error) {
	var out *message.Message
	err := db.inTx(func(tx *sql.Tx) error {
		m, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		if m.ServerID != "" && m.ServerID != serverID {
			return fmt.Errorf("message %q already bound to %q", m.ID, m.ServerID)
		}
		status := message.Furthest(m.Status, to)

		if m.ServerID == "" {
			dup, err := scanMessage(tx.QueryRow(`SELECT `+messageColumns+` FROM messages
				WHERE server_id = ? AND id != ?`, serverID, m.ID))
			switch {
			case err == nil:
				if err := foldServerCopy(tx, m, dup); err != nil {
					return err
				}
				status = message.Furthest(status, dup.Status)
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}

			var tombstoned int64
			err = tx.QueryRow(`SELECT deleted_at FROM tombstones WHERE server_id = ?`, serverID).Scan(&tombstoned)
			switch {
			case err == nil:
				if _, err := tx.Exec(`DELETE FROM tombstones WHERE server_id = ?`, serverID); err != nil {
					return err
				}
				if !m.Deleted() {
					m.DeletedAt = fromMillis(tombstoned)
				}
			case !errors.Is(err, sql.ErrNoRows):
				return err
			}

			m.ServerID = serverID
			if _, err := tx.Exec(`UPDATE messages SET server_id = ?, content = ?, edited_at = ?, deleted_at = ?, updated_at = ?
				WHERE id = ?`, serverID, m.Content, millis(m.EditedAt), millis(m.DeletedAt), time.Now().UnixMilli(), m.ID); err != nil {
				return err
			}
			if err := refreshPreview(tx, m); err != nil {
				return err
			}
		}

		if status != m.Status {
			if err := setStatus(tx, m.ID, status); err != nil {
				return err
			}
			m.Status = status
		}
		out = m
		return nil
	})
	return out, err
}

// foldServerCopy merges the server's row for a message into the local row
// and removes it. Content and edit time follow the server's copy.
func foldServerCopy(tx *sql.Tx, m, dup *message.Message) error {
	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, dup.ID); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE conversations SET last_message_id = ? WHERE last_message_id = ?`, m.ID, dup.ID); err != nil {
		return err
	}
	m.Content = dup.Content
	if dup.EditedAt.After(m.EditedAt) {
		m.EditedAt = dup.EditedAt
	}
	if dup.Deleted() && !m.Deleted() {
		m.DeletedAt = dup.DeletedAt
	}
	return nil
}

// ApplyReceipt advances the status of messages sent by senderID in a
// conversation. messageID narrows it to one message; a non-zero upTo narrows
// it to messages sent at or before that instant. Messages already at or past
// the status are skipped, and so are PENDING sends the server has not
// acknowledged. Returns the local ids that changed.
func (db *DB) ApplyReceipt(conversationID, senderID string, to message.Status, messageID string, upTo time.Time) ([]string, error) {
	var changed []string
	err := db.inTx(func(tx *sql.Tx) error {
		q := `SELECT id, status FROM messages WHERE conversation_id = ? AND sender_id = ? AND deleted_at = 0
			AND (server_id IS NOT NULL OR status != ?)`
		args := []any{conversationID, senderID, message.Pending}
		if messageID != "" {
			q += ` AND (id = ? OR server_id = ?)`
			args = append(args, messageID, messageID)
		}
		if !upTo.IsZero() {
			q += ` AND sent_at <= ?`
			args = append(args, millis(upTo))
		}
		rows, err := tx.Query(q, args...)
		if err != nil {
			return err
		}
		type row struct{ id, status string }
		var candidates []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.status); err != nil {
				_ = rows.Close()
				return err
			}
			candidates = append(candidates, r)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, r := range candidates {
			if !message.CanTransition(message.Status(r.status), to) {
				continue
			}
			if err := setStatus(tx, r.id, to); err != nil {
				return err
			}
			changed = append(changed, r.id)
		}
		return nil
	})
	return changed, err
}

// FindOptimisticMatch returns the oldest unacknowledged message from
// senderID in the conversation with identical content whose send time lies
// within window of at.
func (db *DB) FindOptimisticMatch(conversationID, senderID, content string, at time.Time, window time.Duration) (*message.Message, error) {
	from, to := millis(at.Add(-window)), millis(at.Add(window))
	m, err := scanMessage(db.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND sender_id = ? AND server_id IS NULL
			AND content = ? AND status IN (?, ?) AND sent_at BETWEEN ? AND ?
		ORDER BY sent_at ASC LIMIT 1`,
		conversationID, senderID, content, message.Pending, message.Failed, from, to))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return getMessage(db, m.ID)
}

// EditMessage replaces the content of a message. Tombstoned messages are
// returned unchanged.
func (db *DB) EditMessage(id, content string, editedAt time.Time) (*message.Message, error) {
	var out *message.Message
	err := db.inTx(func(tx *sql.Tx) error {
		m, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		if !m.Deleted() {
			if _, err := tx.Exec(`UPDATE messages SET content = ?, edited_at = ?, updated_at = ? WHERE id = ?`,
				content, millis(editedAt), time.Now().UnixMilli(), m.ID); err != nil {
				return err
			}
			m.Content, m.EditedAt = content, editedAt
			if err := refreshPreview(tx, m); err != nil {
				return err
			}
		}
		out = m
		return nil
	})
	return out, err
}

// MarkDeleted tombstones a message in place.
func (db *DB) MarkDeleted(id string, deletedAt time.Time) (*message.Message, error) {
	if deletedAt.IsZero() {
		deletedAt = time.Now()
	}
	var out *message.Message
	err := db.inTx(func(tx *sql.Tx) error {
		m, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		if !m.Deleted() {
			if _, err := tx.Exec(`UPDATE messages SET deleted_at = ?, updated_at = ? WHERE id = ?`,
				millis(deletedAt), time.Now().UnixMilli(), m.ID); err != nil {
				return err
			}
			m.DeletedAt = deletedAt
			if err := refreshPreview(tx, m); err != nil {
				return err
			}
		}
		out = m
		return nil
	})
	return out, err
}

// DeleteMessage removes a message row entirely. If it was the conversation's
// last message the last-message fields fall back to the newest remaining one.
func (db *DB) DeleteMessage(id string) error {
	return db.inTx(func(tx *sql.Tx) error {
		m, err := getMessage(tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, m.ID); err != nil {
			return err
		}
		var last string
		err = tx.QueryRow(`SELECT last_message_id FROM conversations WHERE id = ?`, m.ConversationID).Scan(&last)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && last != m.ID) {
			return nil
		}
		if err != nil {
			return err
		}
		prev, err := scanMessage(tx.QueryRow(`SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ? ORDER BY sent_at DESC, id DESC LIMIT 1`, m.ConversationID))
		if errors.Is(err, sql.ErrNoRows) {
			_, err = tx.Exec(`UPDATE conversations SET last_message_id = '', last_message_preview = '',
				last_message_at = 0, updated_at = ? WHERE id = ?`, time.Now().UnixMilli(), m.ConversationID)
			return err
		}
		if err != nil {
			return err
		}
		latest := []message.Message{*prev}
		if err := attachMedia(tx, latest); err != nil {
			return err
		}
		prev = &latest[0]
		_, err = tx.Exec(`UPDATE conversations SET last_message_id = ?, last_message_preview = ?,
			last_message_at = ?, updated_at = ? WHERE id = ?`,
			prev.ID, prev.Preview(), millis(prev.SentAt), time.Now().UnixMilli(), m.ConversationID)
		return err
	})
}

// FailPending moves every PENDING message to FAILED and returns their ids.
// Acknowledgements are correlated in memory only, so sends left pending by
// a previous process can never settle.
func (db *DB) FailPending() ([]string, error) {
	var ids []string
	err := db.inTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id FROM messages WHERE status = ?`, message.Pending)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		for _, id := range ids {
			if err := setStatus(tx, id, message.Failed); err != nil {
				return err
			}
		}
		return nil
	})
	return ids, err
}

// CountByStatus returns how many messages are in each status.
func (db *DB) CountByStatus() (map[message.Status]int, error) {
	rows, err := db.Query(`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[message.Status]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[message.Status(s)] = n
	}
	return out, rows.Err()
}

func insertMessage(tx *sql.Tx, m *message.Message) error {
	_, err := tx.Exec(`
		INSERT INTO messages (id, server_id, conversation_id, sender_id, content, sent_at, status, edited_at, deleted_at, updated_at)
		VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ServerID, m.ConversationID, m.SenderID, m.Content, millis(m.SentAt), m.Status,
		millis(m.EditedAt), millis(m.DeletedAt), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert message %q: %w", m.ID, err)
	}
	return replaceMedia(tx, m.ID, m.Media)
}

func setStatus(tx *sql.Tx, id string, to message.Status) error {
	_, err := tx.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`, to, time.Now().UnixMilli(), id)
	return err
}

func replaceMedia(tx *sql.Tx, id string, media []message.Media) error {
	if _, err := tx.Exec(`DELETE FROM message_media WHERE message_id = ?`, id); err != nil {
		return err
	}
	for i, md := range media {
		kind := md.Kind
		if kind == "" {
			kind = message.ClassifyMedia(md.MimeType)
		}
		if _, err := tx.Exec(`INSERT INTO message_media (message_id, position, url, mime_type, kind) VALUES (?, ?, ?, ?, ?)`,
			id, i, md.URL, md.MimeType, kind); err != nil {
			return fmt.Errorf("insert media %d of %q: %w", i, id, err)
		}
	}
	return nil
}

func getMessage(q querier, id string) (*message.Message, error) {
	m, err := scanMessage(q.QueryRow(`SELECT `+messageColumns+` FROM messages
		WHERE id = ? OR server_id = ?
		ORDER BY id = ? DESC LIMIT 1`, id, id, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	msgs := []message.Message{*m}
	if err := attachMedia(q, msgs); err != nil {
		return nil, err
	}
	return &msgs[0], nil
}

func attachMedia(q querier, msgs []message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	idx := make(map[string]int, len(msgs))
	args := make([]any, 0, len(msgs))
	for i := range msgs {
		idx[msgs[i].ID] = i
		args = append(args, msgs[i].ID)
	}
	rows, err := q.Query(`SELECT message_id, url, mime_type, kind FROM message_media
		WHERE message_id IN (?`+strings.Repeat(", ?", len(args)-1)+`)
		ORDER BY message_id, position`, args...)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id, kind string
		var md message.Media
		if err := rows.Scan(&id, &md.URL, &md.MimeType, &kind); err != nil {
			return err
		}
		md.Kind = message.MediaKind(kind)
		i := idx[id]
		msgs[i].Media = append(msgs[i].Media, md)
	}
	return rows.Err()
}

func scanMessages(rows *sql.Rows) ([]message.Message, error) {
	defer func() { _ = rows.Close() }()
	var out []message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanMessage(s scanner) (*message.Message, error) {
	var m message.Message
	var status string
	var sentAt, editedAt, deletedAt int64
	if err := s.Scan(&m.ID, &m.ServerID, &m.ConversationID, &m.SenderID, &m.Content,
		&sentAt, &status, &editedAt, &deletedAt); err != nil {
		return nil, err
	}
	m.Status = message.Status(status)
	m.SentAt = fromMillis(sentAt)
	m.EditedAt = fromMillis(editedAt)
	m.DeletedAt = fromMillis(deletedAt)
	return &m, nil
}
