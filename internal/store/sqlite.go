package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	channel    TEXT NOT NULL,
	author     TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel, created_at);
`

// SQLite persists messages in a SQLite table, createdAt stored as unix nanos.
type SQLite struct {
	db    *sql.DB
	clock *channelClock
}

// OpenSQLite opens (or creates) the message database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	return OpenSQLiteWithClock(ctx, path, time.Now)
}

// OpenSQLiteWithClock is OpenSQLite with an injectable clock.
func OpenSQLiteWithClock(ctx context.Context, path string, now func() time.Time) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite store path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite store: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init message schema: %w", err)
	}
	s := &SQLite{db: db}
	s.clock = newChannelClock(now, s.lastCreatedAt)
	return s, nil
}

func (s *SQLite) lastCreatedAt(channel string) (time.Time, error) {
	var nanos sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(created_at) FROM messages WHERE channel = ?`, channel).Scan(&nanos)
	if err != nil {
		return time.Time{}, err
	}
	if !nanos.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, nanos.Int64).UTC(), nil
}

// Append stores a message and returns it.
func (s *SQLite) Append(ctx context.Context, channel, author, content string) (Message, error) {
	at, err := s.clock.stamp(channel)
	if err != nil {
		return Message{}, persistErr("stamp", err)
	}
	msg := newMessage(channel, author, content, at)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel, author, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.Channel, msg.Author, msg.Content, at.UnixNano())
	if err != nil {
		return Message{}, persistErr("insert", err)
	}
	return msg, nil
}

// ListByChannel returns channel's messages ordered by createdAt.
func (s *SQLite) ListByChannel(ctx context.Context, channel string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, author, content, created_at
		FROM messages WHERE channel = ?
		ORDER BY created_at ASC
	`, channel)
	if err != nil {
		return nil, persistErr("query", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		var msg Message
		var nanos int64
		if err := rows.Scan(&msg.ID, &msg.Channel, &msg.Author, &msg.Content, &nanos); err != nil {
			return nil, persistErr("scan", err)
		}
		msg.CreatedAt = time.Unix(0, nanos).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr("rows", err)
	}
	return out, nil
}

// Close closes the database handle.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
