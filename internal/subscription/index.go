// Package subscription tracks which identities are currently listening to
// which channels.
//
// The index keeps two sides, identity→channels and channel→identities, each
// split into stripes. A mutation locks the identity stripe and then the
// channel stripe and updates both sides before releasing either, so a reader
// of one side never sees an entry the other side does not yet (or no longer)
// hold. No code path holds two stripes of the same side at once, which keeps
// the lock order acyclic.
package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ferbert-dev/bro-messenger/internal/shard"
)

// Oracle decides whether identity may join channel. It returns nil when
// allowed; denials are reported as errors the caller can classify.
type Oracle interface {
	IsMember(ctx context.Context, identity, channel string) error
}

type set map[string]struct{}

type stripe struct {
	mu sync.RWMutex
	m  map[string]set
}

func newStripes(n int) []stripe {
	s := make([]stripe, n)
	for i := range s {
		s[i].m = make(map[string]set)
	}
	return s
}

// Index is the bidirectional identity/channel mapping.
type Index struct {
	oracle     Oracle
	byIdentity []stripe
	byChannel  []stripe
}

// New builds an Index that consults oracle on every Subscribe.
func New(oracle Oracle, stripes int) *Index {
	n := shard.Normalize(stripes)
	return &Index{
		oracle:     oracle,
		byIdentity: newStripes(n),
		byChannel:  newStripes(n),
	}
}

func (x *Index) identityStripe(identity string) *stripe {
	return &x.byIdentity[shard.Index(identity, len(x.byIdentity))]
}

func (x *Index) channelStripe(channel string) *stripe {
	return &x.byChannel[shard.Index(channel, len(x.byChannel))]
}

// Subscribe verifies membership and then records (identity, channel). It
// returns false when the pair already existed. On a membership error the
// index is left untouched and the oracle's error is returned wrapped.
func (x *Index) Subscribe(ctx context.Context, identity, channel string) (bool, error) {
	if err := x.oracle.IsMember(ctx, identity, channel); err != nil {
		return false, fmt.Errorf("subscribe %s to %s: %w", identity, channel, err)
	}
	return x.insert(identity, channel), nil
}

func (x *Index) insert(identity, channel string) bool {
	is := x.identityStripe(identity)
	cs := x.channelStripe(channel)
	is.mu.Lock()
	defer is.mu.Unlock()
	cs.mu.Lock()
	defer cs.mu.Unlock()

	channels := is.m[identity]
	if _, ok := channels[channel]; ok {
		return false
	}
	if channels == nil {
		channels = make(set)
		is.m[identity] = channels
	}
	channels[channel] = struct{}{}

	members := cs.m[channel]
	if members == nil {
		members = make(set)
		cs.m[channel] = members
	}
	members[identity] = struct{}{}
	return true
}

// Unsubscribe removes (identity, channel) and reports whether it existed.
func (x *Index) Unsubscribe(identity, channel string) bool {
	is := x.identityStripe(identity)
	is.mu.Lock()
	defer is.mu.Unlock()

	channels := is.m[identity]
	if _, ok := channels[channel]; !ok {
		return false
	}
	delete(channels, channel)
	if len(channels) == 0 {
		delete(is.m, identity)
	}
	x.removeMember(channel, identity)
	return true
}

// removeMember deletes the channel side of a pair. The caller holds the
// identity stripe.
func (x *Index) removeMember(channel, identity string) {
	cs := x.channelStripe(channel)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	members := cs.m[channel]
	delete(members, identity)
	if len(members) == 0 {
		delete(cs.m, channel)
	}
}

// DropIdentity removes every subscription of identity and returns the
// channels it was subscribed to, sorted. The identity stripe stays locked
// until every channel side is gone.
func (x *Index) DropIdentity(identity string) []string {
	is := x.identityStripe(identity)
	is.mu.Lock()
	defer is.mu.Unlock()

	channels := is.m[identity]
	delete(is.m, identity)

	out := make([]string, 0, len(channels))
	for channel := range channels {
		x.removeMember(channel, identity)
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// SubscribersOf returns a snapshot of channel's subscribers, sorted.
func (x *Index) SubscribersOf(channel string) []string {
	cs := x.channelStripe(channel)
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return keys(cs.m[channel])
}

// ChannelsOf returns a snapshot of identity's channels, sorted.
func (x *Index) ChannelsOf(identity string) []string {
	is := x.identityStripe(identity)
	is.mu.RLock()
	defer is.mu.RUnlock()
	return keys(is.m[identity])
}

// IsSubscribed reports whether identity currently listens to channel.
func (x *Index) IsSubscribed(identity, channel string) bool {
	is := x.identityStripe(identity)
	is.mu.RLock()
	defer is.mu.RUnlock()
	_, ok := is.m[identity][channel]
	return ok
}

func keys(s set) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
