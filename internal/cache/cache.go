// Package cache persists the last known conversations and confirmed
// messages to sqlite so a restarted client can render before the server
// snapshot arrives. Optimistic messages are never written.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/chatline/internal/models"
)

const metaSelfID = "self_id"

type Cache struct {
	conn *sql.DB
}

// Stats summarizes what the cache holds.
type Stats struct {
	SelfID        string    `json:"selfId,omitempty"`
	Conversations int       `json:"conversations"`
	Messages      int       `json:"messages"`
	UpdatedAt     time.Time `json:"updatedAt,omitzero"`
}

func New(path string) (*Cache, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping cache: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=-64000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	// every connection to :memory: is its own database
	if path == ":memory:" {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(4)
		conn.SetMaxIdleConns(2)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	c := &Cache{conn: conn}
	if err := c.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return c, nil
}

func (c *Cache) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		position INTEGER NOT NULL,
		data TEXT NOT NULL,
		cached_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		conversation_id TEXT NOT NULL,
		id TEXT NOT NULL,
		position INTEGER NOT NULL,
		data TEXT NOT NULL,
		cached_at TIMESTAMP NOT NULL,
		PRIMARY KEY (conversation_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation_position ON messages(conversation_id, position);
	`

	_, err := c.conn.Exec(schema)
	return err
}

func (c *Cache) Close() error {
	return c.conn.Close()
}

// BindUser ties the cache to selfID. Cached messages carry a sender
// classification relative to their owner, so a different user clears
// everything first.
func (c *Cache) BindUser(selfID string) error {
	var current string
	err := c.conn.QueryRow("SELECT value FROM meta WHERE key = ?", metaSelfID).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read cache owner: %w", err)
	}
	if current == selfID {
		return nil
	}

	tx, err := c.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM messages", "DELETE FROM conversations"} {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	if _, err := tx.Exec(
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		metaSelfID, selfID,
	); err != nil {
		return fmt.Errorf("failed to record cache owner: %w", err)
	}
	return tx.Commit()
}

// SaveConversations replaces the cached conversation list.
func (c *Cache) SaveConversations(list []models.Conversation) error {
	tx, err := c.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM conversations"); err != nil {
		return fmt.Errorf("failed to clear conversations: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO conversations (id, position, data, cached_at) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, conv := range list {
		data, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to encode conversation %s: %w", conv.ID, err)
		}
		if _, err := stmt.Exec(conv.ID, i, string(data), now); err != nil {
			return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
		}
	}

	return tx.Commit()
}

func (c *Cache) LoadConversations() ([]models.Conversation, error) {
	rows, err := c.conn.Query("SELECT data FROM conversations ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var list []models.Conversation
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		var conv models.Conversation
		if err := json.Unmarshal([]byte(data), &conv); err != nil {
			return nil, fmt.Errorf("failed to decode conversation: %w", err)
		}
		list = append(list, conv)
	}
	return list, rows.Err()
}

// SaveMessages replaces the cached messages of one conversation. Ids with
// models.TempIDPrefix are skipped.
func (c *Cache) SaveMessages(conversationID string, msgs []models.Message) error {
	tx, err := c.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO messages (conversation_id, id, position, data, cached_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	position := 0
	for _, msg := range msgs {
		if models.IsTempID(msg.ID) {
			continue
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode message %s: %w", msg.ID, err)
		}
		if _, err := stmt.Exec(conversationID, msg.ID, position, string(data), now); err != nil {
			return fmt.Errorf("failed to save message %s: %w", msg.ID, err)
		}
		position++
	}

	return tx.Commit()
}

func (c *Cache) LoadMessages(conversationID string) ([]models.Message, error) {
	rows, err := c.conn.Query("SELECT data FROM messages WHERE conversation_id = ? ORDER BY position", conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (c *Cache) DeleteConversation(conversationID string) error {
	tx, err := c.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM conversations WHERE id = ?", conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return tx.Commit()
}

func (c *Cache) Stats() (Stats, error) {
	var s Stats
	err := c.conn.QueryRow("SELECT value FROM meta WHERE key = ?", metaSelfID).Scan(&s.SelfID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s, fmt.Errorf("failed to read cache owner: %w", err)
	}
	if err := c.conn.QueryRow("SELECT COUNT(*) FROM conversations").Scan(&s.Conversations); err != nil {
		return s, fmt.Errorf("failed to count conversations: %w", err)
	}
	if err := c.conn.QueryRow("SELECT COUNT(*) FROM messages").Scan(&s.Messages); err != nil {
		return s, fmt.Errorf("failed to count messages: %w", err)
	}

	var latest sql.NullString
	err = c.conn.QueryRow(`
		SELECT MAX(cached_at) FROM (
			SELECT cached_at FROM conversations
			UNION ALL
			SELECT cached_at FROM messages
		)`).Scan(&latest)
	if err != nil {
		return s, fmt.Errorf("failed to read cache age: %w", err)
	}
	if latest.Valid {
		s.UpdatedAt = parseTimestamp(latest.String)
	}
	return s, nil
}

// Clear removes every cached row, including the owner, and reports how
// many conversation and message rows were dropped.
func (c *Cache) Clear() (Stats, error) {
	before, err := c.Stats()
	if err != nil {
		return before, err
	}

	tx, err := c.conn.Begin()
	if err != nil {
		return before, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{"DELETE FROM messages", "DELETE FROM conversations", "DELETE FROM meta"} {
		if _, err := tx.Exec(stmt); err != nil {
			return before, fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	return before, tx.Commit()
}

func parseTimestamp(value string) time.Time {
	layouts := []string{
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02T15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
