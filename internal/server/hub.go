package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ferbert-dev/bro-messenger/internal/auth"
	"github.com/ferbert-dev/bro-messenger/internal/config"
	"github.com/ferbert-dev/bro-messenger/internal/fanout"
	"github.com/ferbert-dev/bro-messenger/internal/logging"
	"github.com/ferbert-dev/bro-messenger/internal/metrics"
	"github.com/ferbert-dev/bro-messenger/internal/presence"
	"github.com/ferbert-dev/bro-messenger/internal/registry"
	"github.com/ferbert-dev/bro-messenger/internal/shard"
	"github.com/ferbert-dev/bro-messenger/internal/store"
	"github.com/ferbert-dev/bro-messenger/internal/subscription"
)

const teardownTimeout = 5 * time.Second

// Directory answers membership and profile questions.
type Directory interface {
	subscription.Oracle
	presence.Profiles
}

// Options are the collaborators a Hub is built from.
type Options struct {
	Config    config.Config
	Store     store.Store
	Directory Directory
	Verifier  auth.Verifier
	Logger    zerolog.Logger
	// Now stamps presence notices. Nil uses time.Now.
	Now func() time.Time
}

// Hub owns the connection registry, the subscription index and the message
// store, and runs the admission and teardown paths for every Client.
type Hub struct {
	cfg       config.Config
	registry  *registry.Registry
	index     *subscription.Index
	store     store.Store
	directory Directory
	verifier  auth.Verifier
	fanout    *fanout.Broadcaster
	notifier  *presence.Notifier
	// locks serializes admission, subscription changes and teardown per
	// identity. channels orders history snapshots against appends per
	// channel. An identity lock may be held while taking a channel lock,
	// never the reverse.
	locks     *shard.KeyLock
	channels  *shard.KeyLock
	origins   *originPolicy
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	mu      sync.RWMutex
	closing bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewHub wires a Hub from opts.
func NewHub(opts Options) (*Hub, error) {
	if opts.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if opts.Directory == nil {
		return nil, errors.New("server: directory is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("server: verifier is required")
	}

	cfg := opts.Config.Sanitize()
	logger := logging.Component(opts.Logger, "hub")
	ctx, cancel := context.WithCancel(context.Background())

	reg := registry.New(cfg.Stripes)
	index := subscription.New(opts.Directory, cfg.Stripes)
	fan := fanout.New(index, reg, logging.Component(opts.Logger, "fanout"))

	h := &Hub{
		cfg:       cfg,
		registry:  reg,
		index:     index,
		store:     opts.Store,
		directory: opts.Directory,
		verifier:  opts.Verifier,
		fanout:    fan,
		notifier:  presence.New(opts.Directory, fan, opts.Now, logging.Component(opts.Logger, "presence")),
		locks:     shard.NewKeyLock(cfg.Stripes),
		channels:  shard.NewKeyLock(cfg.Stripes),
		origins:   newOriginPolicy(cfg.AllowedOrigins, logger),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.origins.check,
	}
	return h, nil
}

// Connections reports the number of registered identities.
func (h *Hub) Connections() int {
	return h.registry.Len()
}

func (h *Hub) isClosing() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closing
}

// admit registers c as the live connection of its identity. A previous
// connection of the same identity is displaced: its subscriptions are
// dropped without presence notices and it is closed with 1000.
func (h *Hub) admit(c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closing {
		return false
	}

	unlock := h.locks.Lock(c.identity)
	evicted := h.registry.Register(c.identity, c)
	if evicted != nil {
		h.index.DropIdentity(c.identity)
	}
	unlock()

	if evicted == nil {
		metrics.ActiveConnections.Inc()
		h.logger.Info().Str("identity", c.identity).Str("conn", c.id).Str("addr", c.addr).
			Int("connections", h.registry.Len()).Msg("client registered")
		return true
	}

	metrics.Evictions.Inc()
	h.logger.Info().Str("identity", c.identity).Str("conn", c.id).Str("evicted", evicted.ID()).
		Msg("client replaced an older connection")
	if old, ok := evicted.(*Client); ok {
		old.shutdown(websocket.CloseNormalClosure, "replaced by a newer connection")
	}
	return true
}

// teardown releases everything c holds. It runs once per Client. A
// displaced Client no longer owns its identity and leaves the index alone.
func (h *Hub) teardown(c *Client) {
	c.teardownOnce.Do(func() {
		c.state.Store(int32(stateClosed))

		var dropped []string
		unlock := h.locks.Lock(c.identity)
		current := h.registry.IsCurrent(c.identity, c)
		if current {
			dropped = h.index.DropIdentity(c.identity)
			h.registry.Unregister(c.identity, c)
		}
		unlock()

		if !current {
			return
		}
		metrics.ActiveConnections.Dec()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), teardownTimeout)
		defer cancel()
		for _, channel := range dropped {
			h.notifier.AnnounceLeft(ctx, c.identity, channel)
		}
		h.logger.Info().Str("identity", c.identity).Str("conn", c.id).Strs("channels", dropped).
			Int("connections", h.registry.Len()).Msg("client unregistered")
	})
}

// start launches the pumps of an upgraded connection. It reports false,
// launching nothing, once Shutdown has begun.
func (h *Hub) start(c *Client, legacyChannel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closing {
		return false
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump(legacyChannel)
	}()
	return true
}

// shutdownClients closes every registered connection with 1001.
func (h *Hub) shutdownClients() int {
	conns := h.registry.Snapshot()
	for _, conn := range conns {
		if c, ok := conn.(*Client); ok {
			c.shutdown(websocket.CloseGoingAway, "server shutting down")
		}
	}
	return len(conns)
}

// Shutdown stops admitting connections, closes the live ones and waits for
// their goroutines, or until timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("initiating hub shutdown")

	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.cancel()

	closed := h.shutdownClients()
	h.logger.Info().Int("connections", closed).Msg("closed client connections")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
