package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/pebble"
)

// Pebble persists messages in a Pebble LSM. Keys are
//
//	msg/<escaped channel>/<createdAt unix nanos, zero padded>
//
// so a prefix scan yields a channel's messages in createdAt order.
type Pebble struct {
	db    *pebble.DB
	clock *channelClock
}

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string) (*Pebble, error) {
	return OpenPebbleWithClock(path, time.Now)
}

// OpenPebbleWithClock is OpenPebble with an injectable clock.
func OpenPebbleWithClock(path string, now func() time.Time) (*Pebble, error) {
	if path == "" {
		return nil, fmt.Errorf("pebble store path is required")
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	p := &Pebble{db: db}
	p.clock = newChannelClock(now, p.lastCreatedAt)
	return p, nil
}

func channelPrefix(channel string) []byte {
	return []byte("msg/" + url.PathEscape(channel) + "/")
}

func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	end[len(end)-1]++
	return end
}

func messageKey(channel string, at time.Time) []byte {
	return append(channelPrefix(channel), fmt.Sprintf("%020d", at.UnixNano())...)
}

// lastCreatedAt seeds the channel clock from the newest stored key, so
// ordering survives a restart with a lagging wall clock.
func (p *Pebble) lastCreatedAt(channel string) (time.Time, error) {
	prefix := channelPrefix(channel)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return time.Time{}, err
	}
	defer iter.Close()

	if !iter.Last() {
		return time.Time{}, nil
	}
	nanos, err := strconv.ParseInt(string(iter.Key()[len(prefix):]), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt message key %q: %w", iter.Key(), err)
	}
	return time.Unix(0, nanos).UTC(), nil
}

// Append stores a message and returns it.
func (p *Pebble) Append(ctx context.Context, channel, author, content string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, persistErr("append", err)
	}
	at, err := p.clock.stamp(channel)
	if err != nil {
		return Message{}, persistErr("stamp", err)
	}
	msg := newMessage(channel, author, content, at)

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, persistErr("marshal", err)
	}

	b := p.db.NewBatch()
	defer b.Close()
	if err := b.Set(messageKey(channel, at), data, nil); err != nil {
		return Message{}, persistErr("batch set", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return Message{}, persistErr("commit", err)
	}
	return msg, nil
}

// ListByChannel scans channel's messages in key order.
func (p *Pebble) ListByChannel(ctx context.Context, channel string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistErr("list", err)
	}
	prefix := channelPrefix(channel)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, persistErr("iterate", err)
	}
	defer iter.Close()

	out := make([]Message, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		var msg Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			return nil, persistErr("decode "+string(iter.Key()), err)
		}
		out = append(out, msg)
	}
	if err := iter.Error(); err != nil {
		return nil, persistErr("iterate", err)
	}
	return out, nil
}

// Close flushes and closes the database.
func (p *Pebble) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}
