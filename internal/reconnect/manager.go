// Package reconnect keeps a chat client connected. It owns one websocket at
// a time, queues intents while the connection is down and replays them in
// order once it is back.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ferbert-dev/bro-messenger/internal/protocol"
)

// State is the manager's connection state.
type State int32

const (
	Idle State = iota
	Connecting
	Open
	Backoff
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	case Backoff:
		return "BACKOFF"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

const (
	DefaultInitialInterval = 1500 * time.Millisecond
	DefaultMaxInterval     = 30 * time.Second

	writeWait = 10 * time.Second
)

// ErrClosed is returned by intents issued after Close.
var ErrClosed = errors.New("reconnect: manager closed")

// Handler receives every envelope the server sends.
type Handler func(protocol.Envelope)

// Options configure a Manager.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Header is sent on every handshake; it carries the credential.
	Header http.Header
	// Handler may be nil.
	Handler Handler
	// OnState, when set, observes every state transition. It runs with the
	// manager's lock held and must not call back into the Manager.
	OnState func(State)

	InitialInterval time.Duration
	MaxInterval     time.Duration

	Dialer *websocket.Dialer
	Logger zerolog.Logger
}

// Manager is the client side reconnect state machine. All intents are safe
// for concurrent use.
type Manager struct {
	opts    Options
	dialer  *websocket.Dialer
	backoff *backoff.ExponentialBackOff
	logger  zerolog.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	queue   [][]byte
	active  string
	started bool
	closed  bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle Manager.
func New(opts Options) *Manager {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialInterval
	b.MaxInterval = opts.MaxInterval
	b.Reset()

	return &Manager{
		opts:    opts,
		dialer:  dialer,
		backoff: b,
		logger:  opts.Logger.With().Str("component", "reconnect").Logger(),
		done:    make(chan struct{}),
	}
}

// State reports the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active returns the channel resubscribed after every reconnect.
func (m *Manager) Active() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Pending returns the number of queued intents.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Start begins connecting. It runs until ctx ends or Close is called. Only
// the first call has an effect.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.run(ctx)
}

// Close stops reconnecting and closes the live connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	if m.cancel != nil {
		m.cancel()
	}
	if m.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = m.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = m.conn.Close()
	}
	m.mu.Unlock()

	if started {
		<-m.done
	}
	return nil
}

// Subscribe asks for channel's broadcasts and makes it the active channel.
func (m *Manager) Subscribe(channel string) error {
	return m.intent(protocol.KindSubscribe, channel, "", func() { m.active = channel })
}

// Unsubscribe drops channel; it stops being the active channel.
func (m *Manager) Unsubscribe(channel string) error {
	return m.intent(protocol.KindUnsubscribe, channel, "", func() {
		if m.active == channel {
			m.active = ""
		}
	})
}

// Send posts content to channel.
func (m *Manager) Send(channel, content string) error {
	return m.intent(protocol.KindMessage, channel, content, nil)
}

// intent writes the frame when open and queues it otherwise. A frame whose
// write fails is queued and the connection is dropped so run reconnects.
func (m *Manager) intent(kind protocol.Kind, channel, content string, update func()) error {
	frame, err := protocol.EncodeIntent(kind, channel, content)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if update != nil {
		update()
	}

	if m.state != Open || m.conn == nil {
		m.queue = append(m.queue, frame)
		return nil
	}
	if err := m.write(m.conn, frame); err != nil {
		m.logger.Warn().Err(err).Msg("write failed, queueing for reconnect")
		m.queue = append(m.queue, frame)
		_ = m.conn.Close()
	}
	return nil
}

func (m *Manager) write(conn *websocket.Conn, frame []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// setState must be called with m.mu held.
func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug().Stringer("from", m.state).Stringer("to", s).Msg("state change")
	m.state = s
	if m.opts.OnState != nil {
		m.opts.OnState(s)
	}
}

func (m *Manager) transition(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setState(s)
}

// run is the only goroutine that dials, so at most one attempt is ever in
// flight.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	defer m.transition(Idle)

	for {
		m.transition(Connecting)
		conn, err := m.dial(ctx)
		if err == nil {
			err = m.open(conn)
			if err != nil {
				_ = conn.Close()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Info().Err(err).Msg("connect failed")
			if !m.wait(ctx) {
				return
			}
			continue
		}

		m.backoff.Reset()
		readErr := m.readLoop(conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		if websocket.IsCloseError(readErr, websocket.CloseNormalClosure) {
			// a newer connection of the same identity took over
			m.logger.Info().Err(readErr).Msg("closed by server, not reconnecting")
			return
		}
		m.logger.Info().Err(readErr).Msg("connection lost")
		if !m.wait(ctx) {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := m.dialer.DialContext(ctx, m.opts.URL, m.opts.Header.Clone())
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", m.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	return conn, nil
}

// open resubscribes the active channel, flushes the queue in enqueue order
// and publishes conn. A fresh server connection has no subscriptions, so the
// resubscribe goes first or queued messages would be refused. Holding m.mu
// throughout keeps new intents behind the flushed ones.
func (m *Manager) open(conn *websocket.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if m.active != "" {
		frame, err := protocol.EncodeIntent(protocol.KindSubscribe, m.active, "")
		if err != nil {
			return err
		}
		if err := m.write(conn, frame); err != nil {
			return fmt.Errorf("resubscribe %s: %w", m.active, err)
		}
	}
	for len(m.queue) > 0 {
		if err := m.write(conn, m.queue[0]); err != nil {
			return fmt.Errorf("flush queue: %w", err)
		}
		m.queue = m.queue[1:]
	}

	m.conn = conn
	m.setState(Open)
	return nil
}

func (m *Manager) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.DecodeServer(raw)
		if err != nil {
			m.logger.Debug().Err(err).Msg("ignoring undecodable frame")
			continue
		}
		if m.opts.Handler != nil {
			m.opts.Handler(env)
		}
	}
}

// wait sleeps for the next backoff interval. It reports false when ctx
// ended first.
func (m *Manager) wait(ctx context.Context) bool {
	delay := m.backoff.NextBackOff()
	m.transition(Backoff)
	m.logger.Debug().Dur("delay", delay).Msg("retrying")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
