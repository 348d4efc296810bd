// Package fanout delivers one envelope to every connection subscribed to a
// channel.
package fanout

import (
	"github.com/rs/zerolog"

	"github.com/ferbert-dev/bro-messenger/internal/metrics"
	"github.com/ferbert-dev/bro-messenger/internal/protocol"
	"github.com/ferbert-dev/bro-messenger/internal/registry"
)

// Subscribers resolves a channel to the identities listening on it.
type Subscribers interface {
	SubscribersOf(channel string) []string
}

// Connections resolves an identity to its live connection.
type Connections interface {
	Get(identity string) registry.Conn
}

// channelConn is implemented by connections that may hold a channel's live
// frames back while they catch up on its history.
type channelConn interface {
	SendChannel(channel string, payload []byte) bool
}

// Broadcaster fans envelopes out to subscribers. It holds no lock while
// handing frames to connections; every Send is non-blocking.
type Broadcaster struct {
	subs   Subscribers
	conns  Connections
	logger zerolog.Logger
}

// New creates a Broadcaster.
func New(subs Subscribers, conns Connections, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{subs: subs, conns: conns, logger: logger}
}

// Broadcast delivers env to every subscriber of channel and returns how many
// connections accepted it.
func (b *Broadcaster) Broadcast(channel string, env protocol.Envelope) int {
	return b.BroadcastExcept(channel, env, "")
}

// BroadcastExcept is Broadcast skipping the identity skip.
func (b *Broadcaster) BroadcastExcept(channel string, env protocol.Envelope, skip string) int {
	payload, err := protocol.Encode(env)
	if err != nil {
		b.logger.Error().Err(err).Str("channel", channel).Msg("encode broadcast")
		return 0
	}

	delivered := 0
	targets := b.subs.SubscribersOf(channel)
	for _, identity := range targets {
		if identity == skip {
			continue
		}
		conn := b.conns.Get(identity)
		if conn == nil {
			// disconnected between snapshot and delivery
			continue
		}
		if send(conn, channel, payload) {
			delivered++
		}
	}

	metrics.Deliveries.WithLabelValues(string(env.Type)).Add(float64(delivered))
	b.logger.Debug().
		Str("channel", channel).
		Str("type", string(env.Type)).
		Int("targets", len(targets)).
		Int("delivered", delivered).
		Msg("broadcast")
	return delivered
}

func send(conn registry.Conn, channel string, payload []byte) bool {
	if cc, ok := conn.(channelConn); ok {
		return cc.SendChannel(channel, payload)
	}
	return conn.Send(payload)
}
