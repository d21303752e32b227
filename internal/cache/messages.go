package cache

import (
	"encoding/json"
	"time"

	"github.com/dmcruz/parley/internal/chat"
)

// SetCachedMessages replaces the cached page for a conversation.
// Writes are best-effort; callers log and move on.
func (db *DB) SetCachedMessages(conversationID string, msgs []chat.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM cached_messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	for i := range msgs {
		m := &msgs[i]
		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO cached_messages (conversation_id, ref, payload, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(conversation_id, ref) DO UPDATE SET
				payload = excluded.payload,
				created_at = excluded.created_at`,
			conversationID, m.Key(), string(payload), m.CreatedAt.UnixMilli()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CachedMessages returns the cached page for a conversation, oldest
// first. It never fails: misses, read errors and rows that no longer
// decode all surface as a nil or shortened slice.
func (db *DB) CachedMessages(conversationID string) []chat.Message {
	rows, err := db.Query(`
		SELECT payload FROM cached_messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		var m chat.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs
}

// ClearCachedMessages drops the cached page for a conversation.
func (db *DB) ClearCachedMessages(conversationID string) error {
	_, err := db.Exec(`DELETE FROM cached_messages WHERE conversation_id = ?`, conversationID)
	return err
}

// UpsertSummary persists a conversation summary for roster recovery
// across restarts.
func (db *DB) UpsertSummary(s chat.Summary) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, type, name, unseen_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			name = excluded.name,
			unseen_count = excluded.unseen_count,
			updated_at = excluded.updated_at`,
		s.ID, string(s.Type), s.Name, s.UnseenCount, now)
	return err
}

// Summaries returns all persisted conversation summaries.
func (db *DB) Summaries() ([]chat.Summary, error) {
	rows, err := db.Query(`SELECT id, type, name, unseen_count FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []chat.Summary
	for rows.Next() {
		var s chat.Summary
		var typ string
		if err := rows.Scan(&s.ID, &typ, &s.Name, &s.UnseenCount); err != nil {
			return nil, err
		}
		s.Type = chat.ConversationType(typ)
		out = append(out, s)
	}
	return out, rows.Err()
}
