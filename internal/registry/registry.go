// Package registry keeps the one-active-connection-per-identity table.
package registry

import (
	"sync"

	"github.com/ferbert-dev/bro-messenger/internal/shard"
)

// Conn is the part of a live connection the registry and fan-out need.
type Conn interface {
	// ID uniquely names the connection for logging.
	ID() string
	// Send queues payload without blocking and reports whether it was accepted.
	Send(payload []byte) bool
}

type stripe struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

// Registry maps identities to their single live connection. Each identity
// lives in one stripe, so registrations for unrelated identities do not
// contend.
type Registry struct {
	stripes []stripe
}

// New creates a Registry with n stripes (shard.DefaultCount when n <= 0).
func New(n int) *Registry {
	n = shard.Normalize(n)
	r := &Registry{stripes: make([]stripe, n)}
	for i := range r.stripes {
		r.stripes[i].conns = make(map[string]Conn)
	}
	return r
}

func (r *Registry) stripeFor(identity string) *stripe {
	return &r.stripes[shard.Index(identity, len(r.stripes))]
}

// Register installs conn as the sole connection for identity. A different
// connection previously stored there is returned so the caller can close it
// after the swap; the slot is never observed empty in between.
func (r *Registry) Register(identity string, conn Conn) (evicted Conn) {
	s := r.stripeFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.conns[identity]
	s.conns[identity] = conn
	if ok && prev != conn {
		return prev
	}
	return nil
}

// Unregister removes identity's entry only if it is exactly conn, so a late
// close of a displaced connection cannot wipe its successor.
func (r *Registry) Unregister(identity string, conn Conn) bool {
	s := r.stripeFor(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.conns[identity]; ok && cur == conn {
		delete(s.conns, identity)
		return true
	}
	return false
}

// Get returns the live connection for identity, or nil.
func (r *Registry) Get(identity string) Conn {
	s := r.stripeFor(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[identity]
}

// IsCurrent reports whether conn is the registered connection for identity.
func (r *Registry) IsCurrent(identity string, conn Conn) bool {
	return r.Get(identity) == conn
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	total := 0
	for i := range r.stripes {
		s := &r.stripes[i]
		s.mu.RLock()
		total += len(s.conns)
		s.mu.RUnlock()
	}
	return total
}

// Snapshot returns every live connection. It is used at shutdown.
func (r *Registry) Snapshot() map[string]Conn {
	out := make(map[string]Conn)
	for i := range r.stripes {
		s := &r.stripes[i]
		s.mu.RLock()
		for id, c := range s.conns {
			out[id] = c
		}
		s.mu.RUnlock()
	}
	return out
}
