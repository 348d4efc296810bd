// Package store persists chat messages per channel, append-only and in order.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrPersistence wraps every failure to write or read messages.
var ErrPersistence = errors.New("persistence failure")

// Message is an immutable persisted chat entry.
type Message struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the message persistence contract. Messages of one channel are
// returned by ListByChannel in strictly increasing CreatedAt order, which is
// also the order Append was called in.
type Store interface {
	Append(ctx context.Context, channel, author, content string) (Message, error)
	ListByChannel(ctx context.Context, channel string) ([]Message, error)
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverPebble = "pebble"
	DriverSQLite = "sqlite"
)

// Open builds the store named by driver. path is ignored for memory.
func Open(ctx context.Context, driver, path string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverPebble:
		return OpenPebble(path)
	case DriverSQLite:
		return OpenSQLite(ctx, path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

func newMessage(channel, author, content string, at time.Time) Message {
	return Message{
		ID:        ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		Channel:   channel,
		Author:    author,
		Content:   content,
		CreatedAt: at,
	}
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}
