package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id     TEXT PRIMARY KEY,
	name   TEXT NOT NULL DEFAULT '',
	avatar TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chats (
	id    TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS chat_members (
	chat_id TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	role    TEXT NOT NULL DEFAULT 'participant',
	PRIMARY KEY (chat_id, user_id)
);
`

// SQLite reads chats, members and profiles from a SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the directory database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("directory path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite directory: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite directory: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init directory schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database handle.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutUser inserts or replaces a profile.
func (s *SQLite) PutUser(ctx context.Context, u User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, avatar) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, avatar = excluded.avatar
	`, u.ID, u.Name, u.Avatar)
	if err != nil {
		return fmt.Errorf("put user %s: %w", u.ID, err)
	}
	return nil
}

// PutChat inserts or replaces a chat together with its member rows.
func (s *SQLite) PutChat(ctx context.Context, c Chat) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put chat: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, title) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title
	`, c.ID, c.Title); err != nil {
		return fmt.Errorf("put chat %s: %w", c.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_members WHERE chat_id = ?`, c.ID); err != nil {
		return fmt.Errorf("reset members of %s: %w", c.ID, err)
	}
	for _, id := range c.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO chat_members (chat_id, user_id, role) VALUES (?, ?, 'participant')
		`, c.ID, id); err != nil {
			return fmt.Errorf("add participant %s: %w", id, err)
		}
	}
	for _, id := range c.Admins {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_members (chat_id, user_id, role) VALUES (?, ?, 'admin')
			ON CONFLICT(chat_id, user_id) DO UPDATE SET role = 'admin'
		`, c.ID, id); err != nil {
			return fmt.Errorf("add admin %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// IsMember implements the membership check.
func (s *SQLite) IsMember(ctx context.Context, identity, channel string) error {
	var exists, member int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM chats WHERE id = ?),
			EXISTS (SELECT 1 FROM chat_members WHERE chat_id = ? AND user_id = ?)
	`, channel, channel, identity).Scan(&exists, &member)
	if err != nil {
		return fmt.Errorf("membership lookup: %w", err)
	}
	if exists == 0 {
		return ErrChannelNotFound
	}
	if member == 0 {
		return ErrNotMember
	}
	return nil
}

// ResolveDisplay returns the display fields for identity.
func (s *SQLite) ResolveDisplay(ctx context.Context, identity string) (Display, error) {
	var d Display
	err := s.db.QueryRowContext(ctx, `SELECT name, avatar FROM users WHERE id = ?`, identity).Scan(&d.Name, &d.Avatar)
	if errors.Is(err, sql.ErrNoRows) {
		return Display{}, ErrUnknownUser
	}
	if err != nil {
		return Display{}, fmt.Errorf("profile lookup: %w", err)
	}
	return d, nil
}
