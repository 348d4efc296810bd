// Package presence announces subscribers leaving a channel.
package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ferbert-dev/bro-messenger/internal/directory"
	"github.com/ferbert-dev/bro-messenger/internal/protocol"
)

// Placeholder names a departing user whose profile cannot be resolved.
const Placeholder = "Someone"

// Profiles resolves identities to display fields.
type Profiles interface {
	ResolveDisplay(ctx context.Context, identity string) (directory.Display, error)
}

// Broadcaster is the subset of fanout.Broadcaster the notifier needs.
type Broadcaster interface {
	BroadcastExcept(channel string, env protocol.Envelope, skip string) int
}

// Notifier emits chat:system notices.
type Notifier struct {
	profiles Profiles
	fanout   Broadcaster
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a Notifier. A nil now uses time.Now.
func New(profiles Profiles, fanout Broadcaster, now func() time.Time, logger zerolog.Logger) *Notifier {
	if now == nil {
		now = time.Now
	}
	return &Notifier{profiles: profiles, fanout: fanout, now: now, logger: logger}
}

// AnnounceLeft tells channel's remaining subscribers that identity left.
// The departing identity is excluded even if it is still indexed.
func (n *Notifier) AnnounceLeft(ctx context.Context, identity, channel string) int {
	name := n.displayName(ctx, identity)
	env := protocol.ChatSystem(channel, LeftContent(name), n.now())
	return n.fanout.BroadcastExcept(channel, env, identity)
}

func (n *Notifier) displayName(ctx context.Context, identity string) string {
	if n.profiles == nil {
		return Placeholder
	}
	display, err := n.profiles.ResolveDisplay(ctx, identity)
	if err != nil || display.Name == "" {
		n.logger.Debug().Err(err).Str("identity", identity).Msg("display name unavailable, using placeholder")
		return Placeholder
	}
	return display.Name
}

// LeftContent renders the notice text for name.
func LeftContent(name string) string {
	return name + protocol.LeftSuffix
}
