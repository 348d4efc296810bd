package store

import (
	"context"
	"sync"
	"time"

	"github.com/ferbert-dev/bro-messenger/internal/shard"
)

type memoryStripe struct {
	mu       sync.RWMutex
	channels map[string][]Message
}

// Memory keeps messages in process memory. It is the default backend and the
// one tests use.
type Memory struct {
	clock   *channelClock
	stripes []memoryStripe
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

// NewMemoryWithClock returns an in-memory store stamping messages with now.
func NewMemoryWithClock(now func() time.Time) *Memory {
	m := &Memory{
		clock:   newChannelClock(now, nil),
		stripes: make([]memoryStripe, shard.DefaultCount),
	}
	for i := range m.stripes {
		m.stripes[i].channels = make(map[string][]Message)
	}
	return m
}

func (m *Memory) stripeFor(channel string) *memoryStripe {
	return &m.stripes[shard.Index(channel, len(m.stripes))]
}

// Append stores a message and returns it.
func (m *Memory) Append(ctx context.Context, channel, author, content string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, persistErr("append", err)
	}
	s := m.stripeFor(channel)
	s.mu.Lock()
	defer s.mu.Unlock()

	at, err := m.clock.stamp(channel)
	if err != nil {
		return Message{}, persistErr("stamp", err)
	}
	msg := newMessage(channel, author, content, at)
	s.channels[channel] = append(s.channels[channel], msg)
	return msg, nil
}

// ListByChannel returns a copy of channel's messages in order.
func (m *Memory) ListByChannel(ctx context.Context, channel string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistErr("list", err)
	}
	s := m.stripeFor(channel)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.channels[channel]))
	copy(out, s.channels[channel])
	return out, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
