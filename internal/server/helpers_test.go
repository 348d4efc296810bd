package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ferbert-dev/bro-messenger/internal/auth"
	"github.com/ferbert-dev/bro-messenger/internal/config"
	"github.com/ferbert-dev/bro-messenger/internal/directory"
	"github.com/ferbert-dev/bro-messenger/internal/protocol"
	"github.com/ferbert-dev/bro-messenger/internal/store"
)

const (
	testSecret    = "test-secret"
	testOriginURL = "http://localhost:8080"
	readTimeout   = 2 * time.Second
	syncChannel   = "sync"
)

type harness struct {
	t        *testing.T
	hub      *Hub
	srv      *httptest.Server
	dir      *directory.Static
	store    store.Store
	verifier *auth.JWTVerifier
}

type harnessOption func(*config.Config)

// seedDirectory: alice and carol are members of c1 and c2, bob of nothing,
// dave administers c1 only.
func seedDirectory() *directory.Static {
	d := directory.NewStatic()
	d.PutUser(directory.User{ID: "alice", Name: "Alice", Avatar: "https://example.com/alice.png"})
	d.PutUser(directory.User{ID: "bob", Name: "Bob"})
	d.PutUser(directory.User{ID: "carol", Name: "Carol"})
	d.PutChat(directory.Chat{ID: "c1", Admins: []string{"dave"}, Participants: []string{"alice", "carol"}})
	d.PutChat(directory.Chat{ID: "c2", Participants: []string{"alice", "carol"}})
	return d
}

func newHarness(t *testing.T, st store.Store, opts ...harnessOption) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.JWTSecret = testSecret
	cfg.AllowedOrigins = []string{testOriginURL}
	cfg.RateLimit = config.RateLimitConfig{Burst: 100, RefillInterval: time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	if st == nil {
		st = store.NewMemory()
	}

	verifier, err := auth.NewJWTVerifier(testSecret, nil)
	require.NoError(t, err)

	dir := seedDirectory()
	hub, err := NewHub(Options{
		Config:    cfg,
		Store:     st,
		Directory: dir,
		Verifier:  verifier,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(hub, zerolog.Nop()))
	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
		srv.Close()
	})

	return &harness{t: t, hub: hub, srv: srv, dir: dir, store: st, verifier: verifier}
}

func (h *harness) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (h *harness) token(identity string) string {
	h.t.Helper()
	token, err := h.verifier.Issue(auth.Identity{UserID: identity, Role: "user"}, time.Hour)
	require.NoError(h.t, err)
	return token
}

// dialRaw performs the handshake and returns the response even on failure.
func (h *harness) dialRaw(query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	if header == nil {
		header = http.Header{}
	}
	header.Set("Origin", testOriginURL)
	conn, resp, err := dialer.Dial(h.wsURL(query), header)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// connect admits identity and consumes its welcome frame.
func (h *harness) connect(identity string) *wsClient {
	h.t.Helper()
	return h.connectQuery(identity, "")
}

func (h *harness) connectQuery(identity, query string) *wsClient {
	h.t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.token(identity))
	conn, _, err := h.dialRaw(query, header)
	require.NoError(h.t, err)

	c := &wsClient{t: h.t, conn: conn, identity: identity}
	h.t.Cleanup(func() { _ = conn.Close() })

	welcome := c.expect(protocol.KindWelcome)
	require.Equal(h.t, identity, welcome.Identity)
	return c
}

type wsClient struct {
	t        *testing.T
	conn     *websocket.Conn
	identity string
}

func (c *wsClient) sendRaw(data string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(data)))
}

func (c *wsClient) send(kind protocol.Kind, channel, content string) {
	c.t.Helper()
	payload, err := protocol.EncodeIntent(kind, channel, content)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, payload))
}

func (c *wsClient) read() protocol.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err, "%s: read frame", c.identity)
	env, err := protocol.DecodeServer(raw)
	require.NoError(c.t, err)
	return env
}

func (c *wsClient) expect(kind protocol.Kind) protocol.Envelope {
	c.t.Helper()
	env := c.read()
	require.Equal(c.t, kind, env.Type, "%s: unexpected frame %+v", c.identity, env)
	return env
}

func (c *wsClient) subscribe(channel string) {
	c.t.Helper()
	c.send(protocol.KindSubscribe, channel, "")
	env := c.expect(protocol.KindSubscribed)
	require.Equal(c.t, channel, env.Channel)
}

// sync proves everything queued for this connection so far has been read:
// the server answers unsubscribe unconditionally, so the next frame must be
// that answer.
func (c *wsClient) sync() {
	c.t.Helper()
	c.send(protocol.KindUnsubscribe, syncChannel, "")
	env := c.read()
	require.Equal(c.t, protocol.Unsubscribed(syncChannel), env, "%s: expected nothing before sync", c.identity)
}

// expectClose reads the next frame, which must be a close, and returns its
// code.
func (c *wsClient) expectClose() int {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, raw, err := c.conn.ReadMessage()
	require.Error(c.t, err, "%s: expected close, got frame %s", c.identity, raw)

	var ce *websocket.CloseError
	require.ErrorAs(c.t, err, &ce)
	return ce.Code
}

func (c *wsClient) close() {
	c.t.Helper()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}

// failingStore refuses every append.
type failingStore struct {
	store.Store
}

func (failingStore) Append(context.Context, string, string, string) (store.Message, error) {
	return store.Message{}, fmt.Errorf("%w: disk full", store.ErrPersistence)
}

// gatedStore parks the blockOn-th ListByChannel call until open is called.
// entered is closed once that call has started.
type gatedStore struct {
	store.Store
	blockOn int32
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
	open    func()
}

func newGatedStore(t *testing.T, inner store.Store, blockOn int32) *gatedStore {
	s := &gatedStore{
		Store:   inner,
		blockOn: blockOn,
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	s.open = sync.OnceFunc(func() { close(s.gate) })
	t.Cleanup(s.open)
	return s
}

func (s *gatedStore) ListByChannel(ctx context.Context, channel string) ([]store.Message, error) {
	if s.calls.Add(1) == s.blockOn {
		close(s.entered)
		<-s.gate
	}
	return s.Store.ListByChannel(ctx, channel)
}

func (s *gatedStore) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(readTimeout):
		t.Fatal("history load never started")
	}
}
