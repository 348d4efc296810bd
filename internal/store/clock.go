package store

import (
	"sync"
	"time"

	"github.com/ferbert-dev/bro-messenger/internal/shard"
)

type clockStripe struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// channelClock hands out createdAt stamps that strictly increase per
// channel even when the wall clock stalls or steps backwards.
type channelClock struct {
	now     func() time.Time
	seed    func(channel string) (time.Time, error)
	stripes []clockStripe
}

func newChannelClock(now func() time.Time, seed func(string) (time.Time, error)) *channelClock {
	if now == nil {
		now = time.Now
	}
	c := &channelClock{now: now, seed: seed, stripes: make([]clockStripe, shard.DefaultCount)}
	for i := range c.stripes {
		c.stripes[i].last = make(map[string]time.Time)
	}
	return c
}

// stamp returns the next createdAt for channel.
func (c *channelClock) stamp(channel string) (time.Time, error) {
	s := &c.stripes[shard.Index(channel, len(c.stripes))]
	s.mu.Lock()
	defer s.mu.Unlock()

	last, seen := s.last[channel]
	if !seen && c.seed != nil {
		seeded, err := c.seed(channel)
		if err != nil {
			return time.Time{}, err
		}
		last = seeded
	}

	at := c.now().UTC()
	if !at.After(last) {
		at = last.Add(time.Nanosecond)
	}
	s.last[channel] = at
	return at, nil
}
