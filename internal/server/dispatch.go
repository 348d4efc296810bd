package server

import (
	"context"
	"errors"
	"time"

	"github.com/ferbert-dev/bro-messenger/internal/directory"
	"github.com/ferbert-dev/bro-messenger/internal/metrics"
	"github.com/ferbert-dev/bro-messenger/internal/protocol"
	"github.com/ferbert-dev/bro-messenger/internal/store"
)

var errDisplaced = errors.New("connection displaced")

// dispatch decodes one frame and runs the matching intent. Bad frames are
// dropped; they never end the connection.
func (c *Client) dispatch(raw []byte) {
	if c.currentState() != stateOpen {
		metrics.FramesDropped.WithLabelValues("stale").Inc()
		return
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownKind) {
			reason = "unknown_kind"
		}
		metrics.FramesDropped.WithLabelValues(reason).Inc()
		c.logger.Debug().Err(err).Int("bytes", len(raw)).Msg("dropping frame")
		return
	}

	switch env.Type {
	case protocol.KindSubscribe:
		c.handleSubscribe(env.Channel)
	case protocol.KindUnsubscribe:
		c.handleUnsubscribe(env.Channel)
	case protocol.KindMessage:
		c.handleChatMessage(env.Channel, env.Content)
	case protocol.KindWelcome, protocol.KindSubscribed, protocol.KindUnsubscribed,
		protocol.KindError, protocol.KindChatMessage, protocol.KindChatSystem:
		// server-only kinds; Decode already refuses them
		metrics.FramesDropped.WithLabelValues("unknown_kind").Inc()
	}
}

// subscribeCode maps a membership failure to the error code sent to the
// client.
func subscribeCode(err error) string {
	switch {
	case errors.Is(err, directory.ErrNotMember):
		return protocol.CodeForbidden
	case errors.Is(err, directory.ErrChannelNotFound):
		return protocol.CodeNotFound
	default:
		return protocol.CodeUnavailable
	}
}

// handleSubscribe adds channel and, for a new subscription, replays its
// history. The snapshot is taken under the channel lock together with the
// index insert, so every message is either in the snapshot or broadcast
// after the insert, never both. Live frames are held until the history has
// been delivered.
func (c *Client) handleSubscribe(channel string) {
	h := c.hub
	ctx := h.ctx

	c.hold(channel)
	defer c.release(channel)

	var (
		added      bool
		history    []store.Message
		historyErr error
		err        error
	)
	h.locks.Do(c.identity, func() {
		if !h.registry.IsCurrent(c.identity, c) {
			err = errDisplaced
			return
		}
		h.channels.Do(channel, func() {
			added, err = h.index.Subscribe(ctx, c.identity, channel)
			if err == nil && added && h.cfg.ReplayOnSubscribe {
				history, historyErr = h.store.ListByChannel(ctx, channel)
			}
		})
	})

	if errors.Is(err, errDisplaced) {
		metrics.FramesDropped.WithLabelValues("stale").Inc()
		return
	}
	if err != nil {
		code := subscribeCode(err)
		metrics.SubscribeDenied.WithLabelValues(code).Inc()
		c.logger.Info().Err(err).Str("channel", channel).Str("code", code).Msg("subscribe denied")
		c.sendEnvelope(protocol.Error(code, channel))
		return
	}

	c.sendEnvelope(protocol.Subscribed(channel))
	if historyErr != nil {
		c.logger.Warn().Err(historyErr).Str("channel", channel).Msg("load history")
		return
	}
	c.replay(ctx, channel, history)
}

func (c *Client) handleUnsubscribe(channel string) {
	h := c.hub
	h.locks.Do(c.identity, func() {
		if h.registry.IsCurrent(c.identity, c) {
			h.index.Unsubscribe(c.identity, channel)
		}
	})
	c.sendEnvelope(protocol.Unsubscribed(channel))
}

// handleChatMessage persists content and fans it out. The sender must be
// the registered connection of its identity and subscribed to channel;
// otherwise the frame is dropped without a reply.
func (c *Client) handleChatMessage(channel, content string) {
	h := c.hub
	if !h.registry.IsCurrent(c.identity, c) {
		metrics.FramesDropped.WithLabelValues("stale").Inc()
		return
	}
	if !h.index.IsSubscribed(c.identity, channel) {
		metrics.FramesDropped.WithLabelValues("not_subscribed").Inc()
		c.logger.Debug().Str("channel", channel).Msg("message from non-subscriber dropped")
		return
	}

	unlock := h.channels.Lock(channel)
	defer unlock()

	start := time.Now()
	msg, err := h.store.Append(h.ctx, channel, c.identity, content)
	metrics.AppendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PersistenceFailures.Inc()
		c.logger.Error().Err(err).Str("channel", channel).Msg("persist message")
		c.sendEnvelope(protocol.Error(protocol.CodePersistFailed, channel))
		return
	}
	metrics.MessagesPersisted.Inc()

	h.fanout.Broadcast(channel, h.chatMessage(h.ctx, msg, nil))
}

// replay sends history to this connection only, oldest first.
func (c *Client) replay(ctx context.Context, channel string, history []store.Message) {
	h := c.hub
	authors := make(map[string]protocol.Author)
	for _, msg := range history {
		payload, err := protocol.Encode(h.chatMessage(ctx, msg, authors))
		if err != nil {
			c.logger.Error().Err(err).Msg("encode history")
			return
		}
		if !c.deliver(payload) {
			return
		}
	}
	c.logger.Debug().Str("channel", channel).Int("messages", len(history)).Msg("history replayed")
}

// chatMessage builds the chat:message envelope for msg. cache, when not
// nil, memoizes author lookups.
func (h *Hub) chatMessage(ctx context.Context, msg store.Message, cache map[string]protocol.Author) protocol.Envelope {
	author, ok := cache[msg.Author]
	if !ok {
		author = protocol.Author{ID: msg.Author}
		if display, err := h.directory.ResolveDisplay(ctx, msg.Author); err == nil {
			author.Name = display.Name
			author.Avatar = display.Avatar
		}
		if cache != nil {
			cache[msg.Author] = author
		}
	}
	return protocol.ChatMessage(msg.Channel, author, msg.Content, msg.CreatedAt)
}
