package server

import (
	"context"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferbert-dev/bro-messenger/internal/config"
	"github.com/ferbert-dev/bro-messenger/internal/protocol"
	"github.com/ferbert-dev/bro-messenger/internal/store"
)

func listChannel(t *testing.T, st store.Store, channel string) []store.Message {
	t.Helper()
	msgs, err := st.ListByChannel(context.Background(), channel)
	require.NoError(t, err)
	return msgs
}

func TestAliceSubscribesAndPosts(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")

	alice.subscribe("c1")
	alice.send(protocol.KindMessage, "c1", "hi")

	env := alice.expect(protocol.KindChatMessage)
	assert.Equal(t, "c1", env.Channel)
	assert.Equal(t, "alice", env.AuthorID)
	assert.Equal(t, "Alice", env.AuthorName)
	assert.Equal(t, "https://example.com/alice.png", env.AuthorAvatar)
	assert.Equal(t, "hi", env.Content)

	msgs := listChannel(t, h.store, "c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "c1", msgs[0].Channel)
	assert.Equal(t, "alice", msgs[0].Author)
	assert.Equal(t, "hi", msgs[0].Content)

	createdAt, err := protocol.ParseTime(env.CreatedAt)
	require.NoError(t, err)
	assert.True(t, createdAt.Equal(msgs[0].CreatedAt))
}

func TestBobDeniedSubscription(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")
	alice.subscribe("c1")
	before := h.hub.index.SubscribersOf("c1")

	bob := h.connect("bob")
	bob.send(protocol.KindSubscribe, "c1", "")
	env := bob.read()

	assert.Equal(t, protocol.Error(protocol.CodeForbidden, "c1"), env)
	assert.Equal(t, before, h.hub.index.SubscribersOf("c1"))
	assert.Empty(t, h.hub.index.ChannelsOf("bob"))
}

func TestSubscribeUnknownChannel(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")

	alice.send(protocol.KindSubscribe, "nope", "")
	assert.Equal(t, protocol.Error(protocol.CodeNotFound, "nope"), alice.read())
	assert.Empty(t, h.hub.index.ChannelsOf("alice"))
}

func TestSubscribeIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")

	alice.subscribe("c1")
	alice.subscribe("c1")
	assert.Equal(t, []string{"alice"}, h.hub.index.SubscribersOf("c1"))
}

func TestMessageReachesEverySubscriberIncludingSender(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")
	carol := h.connect("carol")
	dave := h.connect("dave")
	alice.subscribe("c1")
	carol.subscribe("c1")
	dave.subscribe("c1")

	carol.send(protocol.KindMessage, "c1", "hello all")

	for _, c := range []*wsClient{alice, carol, dave} {
		env := c.expect(protocol.KindChatMessage)
		assert.Equal(t, "carol", env.AuthorID)
		assert.Equal(t, "Carol", env.AuthorName)
		assert.Equal(t, "hello all", env.Content)
	}
	assert.Len(t, listChannel(t, h.store, "c1"), 1)
}

func TestMessageWithoutProfileHasNoAuthorName(t *testing.T) {
	h := newHarness(t, nil)
	dave := h.connect("dave")
	dave.subscribe("c1")

	dave.send(protocol.KindMessage, "c1", "admin here")
	env := dave.expect(protocol.KindChatMessage)
	assert.Equal(t, "dave", env.AuthorID)
	assert.Empty(t, env.AuthorName)
}

func TestMessageFromNonSubscriberIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")
	carol := h.connect("carol")
	alice.subscribe("c1")

	// carol is a member of c1 but never subscribed
	carol.send(protocol.KindMessage, "c1", "sneaky")
	carol.sync()
	alice.sync()

	assert.Empty(t, listChannel(t, h.store, "c1"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")
	carol := h.connect("carol")
	alice.subscribe("c1")
	carol.subscribe("c1")

	alice.send(protocol.KindUnsubscribe, "c1", "")
	assert.Equal(t, protocol.Unsubscribed("c1"), alice.read())

	carol.send(protocol.KindMessage, "c1", "anyone?")
	carol.expect(protocol.KindChatMessage)
	alice.sync()

	// unsubscribing again still answers
	alice.send(protocol.KindUnsubscribe, "c1", "")
	assert.Equal(t, protocol.Unsubscribed("c1"), alice.read())
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")
	alice.subscribe("c1")

	frames := []string{
		`not json`,
		`{}`,
		`{"type":"bogus","channel":"c1"}`,
		`{"type":"welcome","identity":"mallory"}`,
		`{"type":"subscribe"}`,
		`{"type":"message","channel":"c1"}`,
		`{"type":"message","channel":"c1","content":"   "}`,
	}
	for _, f := range frames {
		alice.sendRaw(f)
	}
	alice.sync()

	assert.Empty(t, listChannel(t, h.store, "c1"))
	assert.True(t, h.hub.index.IsSubscribed("alice", "c1"))
}

func TestChatIDAliasOnFrames(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")

	alice.sendRaw(`{"type":"subscribe","chatId":"c1"}`)
	assert.Equal(t, protocol.Subscribed("c1"), alice.read())

	alice.sendRaw(`{"type":"message","chatId":"c1","content":"legacy"}`)
	env := alice.expect(protocol.KindChatMessage)
	assert.Equal(t, "legacy", env.Content)
}

func TestFramesAreProcessedInArrivalOrder(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")

	// subscribe and message written back to back: the message must see the
	// subscription
	alice.send(protocol.KindSubscribe, "c1", "")
	alice.send(protocol.KindMessage, "c1", "first")
	alice.send(protocol.KindMessage, "c1", "second")

	alice.expect(protocol.KindSubscribed)
	assert.Equal(t, "first", alice.expect(protocol.KindChatMessage).Content)
	assert.Equal(t, "second", alice.expect(protocol.KindChatMessage).Content)
}

func TestPersistenceFailureNotifiesSenderOnly(t *testing.T) {
	h := newHarness(t, failingStore{Store: store.NewMemory()})
	alice := h.connect("alice")
	carol := h.connect("carol")
	alice.subscribe("c1")
	carol.subscribe("c1")

	alice.send(protocol.KindMessage, "c1", "lost")
	assert.Equal(t, protocol.Error(protocol.CodePersistFailed, "c1"), alice.read())
	carol.sync()

	// the connection survives
	alice.sync()
}

func TestDisconnectAnnouncesLeftOnEveryChannel(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.connect("alice")
	carol := h.connect("carol")
	alice.subscribe("c1")
	alice.subscribe("c2")
	carol.subscribe("c1")
	carol.subscribe("c2")

	alice.close()

	seen := map[string]string{}
	for range 2 {
		env := carol.expect(protocol.KindChatSystem)
		seen[env.Channel] = env.Content
		_, err := protocol.ParseTime(env.CreatedAt)
		assert.NoError(t, err)
	}
	assert.Equal(t, map[string]string{
		"c1": "Alice left the chat",
		"c2": "Alice left the chat",
	}, seen)

	assert.Equal(t, []string{"carol"}, h.hub.index.SubscribersOf("c1"))
	assert.Equal(t, []string{"carol"}, h.hub.index.SubscribersOf("c2"))
	assert.Empty(t, h.hub.index.ChannelsOf("alice"))
	assert.Eventually(t, func() bool { return h.hub.Connections() == 1 }, time.Second, 10*time.Millisecond)
}

func TestDisconnectWithoutProfileUsesPlaceholder(t *testing.T) {
	h := newHarness(t, nil)
	dave := h.connect("dave")
	alice := h.connect("alice")
	dave.subscribe("c1")
	alice.subscribe("c1")

	dave.close()
	env := alice.expect(protocol.KindChatSystem)
	assert.Equal(t, "Someone left the chat", env.Content)
}

func TestNewConnectionEvictsOldOne(t *testing.T) {
	h := newHarness(t, nil)
	carol := h.connect("carol")
	carol.subscribe("c1")

	first := h.connect("alice")
	first.subscribe("c1")

	second := h.connect("alice")
	assert.Equal(t, websocket.CloseNormalClosure, first.expectClose())

	// displacement drops subscriptions without announcing a departure
	assert.False(t, h.hub.index.IsSubscribed("alice", "c1"))
	carol.sync()

	second.subscribe("c1")
	carol.send(protocol.KindMessage, "c1", "welcome back")
	assert.Equal(t, "welcome back", second.expect(protocol.KindChatMessage).Content)
	carol.expect(protocol.KindChatMessage)

	assert.Equal(t, 2, h.hub.Connections())
	assert.Equal(t, []string{"alice", "carol"}, h.hub.index.SubscribersOf("c1"))
}

func TestReplayOnSubscribe(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	_, err := st.Append(ctx, "c1", "carol", "one")
	require.NoError(t, err)
	_, err = st.Append(ctx, "c1", "alice", "two")
	require.NoError(t, err)
	_, err = st.Append(ctx, "c2", "carol", "elsewhere")
	require.NoError(t, err)

	h := newHarness(t, st)
	alice := h.connect("alice")
	alice.subscribe("c1")

	first := alice.expect(protocol.KindChatMessage)
	assert.Equal(t, "one", first.Content)
	assert.Equal(t, "Carol", first.AuthorName)
	second := alice.expect(protocol.KindChatMessage)
	assert.Equal(t, "two", second.Content)
	assert.Equal(t, "Alice", second.AuthorName)
	alice.sync()

	// already subscribed: no second replay
	alice.subscribe("c1")
	alice.sync()
}

func TestMessagePostedDuringReplayArrivesOnceAfterHistory(t *testing.T) {
	// the second history load is alice's
	st := newGatedStore(t, store.NewMemory(), 2)
	h := newHarness(t, st)

	carol := h.connect("carol")
	carol.subscribe("c1")
	carol.send(protocol.KindMessage, "c1", "old")
	assert.Equal(t, "old", carol.expect(protocol.KindChatMessage).Content)

	alice := h.connect("alice")
	alice.send(protocol.KindSubscribe, "c1", "")
	st.waitEntered(t)

	carol.send(protocol.KindMessage, "c1", "live")
	time.Sleep(50 * time.Millisecond)
	st.open()

	assert.Equal(t, protocol.Subscribed("c1"), alice.read())
	assert.Equal(t, "old", alice.expect(protocol.KindChatMessage).Content)
	assert.Equal(t, "live", alice.expect(protocol.KindChatMessage).Content)
	alice.sync()

	assert.Equal(t, "live", carol.expect(protocol.KindChatMessage).Content)
	carol.sync()
	assert.Len(t, listChannel(t, st, "c1"), 2)
}

func TestReplayDisabled(t *testing.T) {
	st := store.NewMemory()
	_, err := st.Append(context.Background(), "c1", "carol", "old")
	require.NoError(t, err)

	h := newHarness(t, st, func(cfg *config.Config) { cfg.ReplayOnSubscribe = false })
	alice := h.connect("alice")
	alice.subscribe("c1")
	alice.sync()
}

func TestRateLimitDropsExcessFrames(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) {
		cfg.RateLimit = config.RateLimitConfig{Burst: 2, RefillInterval: time.Hour}
	})
	alice := h.connect("alice")

	for range 3 {
		alice.send(protocol.KindUnsubscribe, "c1", "")
	}
	alice.expect(protocol.KindUnsubscribed)
	alice.expect(protocol.KindUnsubscribed)

	require.NoError(t, alice.conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := alice.conn.ReadMessage()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}
