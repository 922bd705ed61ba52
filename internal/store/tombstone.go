package store

import (
	"database/sql"
	"errors"
	"time"
)

// AddTombstone remembers that the server deleted serverID before the
// message itself was seen.
func (db *DB) AddTombstone(serverID string, deletedAt time.Time) error {
	if deletedAt.IsZero() {
		deletedAt = time.Now()
	}
	_, err := db.Exec(`INSERT INTO tombstones (server_id, deleted_at) VALUES (?, ?)
		ON CONFLICT(server_id) DO NOTHING`, serverID, millis(deletedAt))
	return err
}

// TakeTombstone returns and removes the tombstone for serverID, if any.
func (db *DB) TakeTombstone(serverID string) (time.Time, bool, error) {
	var at int64
	err := db.inTx(func(tx *sql.Tx) error {
		if err := tx.QueryRow(`SELECT deleted_at FROM tombstones WHERE server_id = ?`, serverID).Scan(&at); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM tombstones WHERE server_id = ?`, serverID)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMillis(at), true, nil
}
