package server

import (
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ferbert-dev/bro-messenger/internal/config"
	"github.com/ferbert-dev/bro-messenger/internal/metrics"
	"github.com/ferbert-dev/bro-messenger/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type connState int32

const (
	stateHandshaking connState = iota
	stateOpen
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateHandshaking:
		return "HANDSHAKING"
	case stateOpen:
		return "OPEN"
	case stateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Client is one admitted websocket connection. Frames are read and
// dispatched serially by readPump; writePump is the only writer of data
// frames to conn.
type Client struct {
	id       string
	identity string
	addr     string
	conn     *websocket.Conn
	hub      *Hub
	limiter  *rate.Limiter
	logger   zerolog.Logger

	send   chan []byte
	sendMu sync.Mutex
	closed atomic.Bool
	state  atomic.Int32

	// held buffers live frames of channels this connection is still
	// catching up on; a present key means the channel is held.
	holdMu sync.Mutex
	held   map[string][][]byte

	quit      chan struct{}
	closeOnce sync.Once
	closeCode int
	closeText string

	teardownOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn, identity, addr string) *Client {
	id := uuid.NewString()
	if conn != nil {
		conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	return &Client{
		id:       id,
		identity: identity,
		addr:     addr,
		conn:     conn,
		hub:      h,
		limiter:  newRateLimiter(h.cfg.RateLimit),
		logger:   h.logger.With().Str("conn", id).Str("identity", identity).Logger(),
		send:     make(chan []byte, h.cfg.SendBufferSize),
		quit:     make(chan struct{}),
	}
}

// newRateLimiter refills burst tokens every interval.
func newRateLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	every := cfg.RefillInterval / time.Duration(cfg.Burst)
	return rate.NewLimiter(rate.Every(every), cfg.Burst)
}

// ID returns the connection's unique id.
func (c *Client) ID() string { return c.id }

// Identity returns the verified identity behind the connection.
func (c *Client) Identity() string { return c.identity }

func (c *Client) currentState() connState {
	return connState(c.state.Load())
}

// Send queues payload without blocking. On a full buffer the configured
// overflow policy applies: drop_oldest evicts the oldest queued frame,
// close shuts the connection with 1008.
func (c *Client) Send(payload []byte) bool {
	if c.closed.Load() {
		return false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case c.send <- payload:
		return true
	default:
	}

	policy := c.hub.cfg.OverflowPolicy
	metrics.SendOverflows.WithLabelValues(policy).Inc()
	if policy == config.OverflowClose {
		c.logger.Warn().Int("buffer", cap(c.send)).Msg("send buffer full, closing connection")
		c.shutdown(websocket.ClosePolicyViolation, "send buffer full")
		return false
	}

	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// deliver queues payload, waiting for buffer space until the connection
// closes. Only the connection's own read goroutine may call it.
func (c *Client) deliver(payload []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- payload:
		return true
	case <-c.quit:
		return false
	}
}

// SendChannel queues a live frame of channel. While the channel is held it
// is buffered instead, behind the history still to be delivered.
func (c *Client) SendChannel(channel string, payload []byte) bool {
	if c.closed.Load() {
		return false
	}

	c.holdMu.Lock()
	pending, ok := c.held[channel]
	if !ok {
		c.holdMu.Unlock()
		return c.Send(payload)
	}
	if len(pending) >= cap(c.send) {
		policy := c.hub.cfg.OverflowPolicy
		metrics.SendOverflows.WithLabelValues(policy).Inc()
		if policy == config.OverflowClose {
			c.holdMu.Unlock()
			c.logger.Warn().Str("channel", channel).Msg("held frames exceed send buffer, closing connection")
			c.shutdown(websocket.ClosePolicyViolation, "send buffer full")
			return false
		}
		pending = pending[1:]
	}
	c.held[channel] = append(pending, payload)
	c.holdMu.Unlock()
	return true
}

// hold starts buffering live frames of channel.
func (c *Client) hold(channel string) {
	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	if c.held == nil {
		c.held = make(map[string][][]byte)
	}
	c.held[channel] = nil
}

// release delivers the frames held for channel in arrival order and stops
// holding it. Like deliver, only the read goroutine may call it.
func (c *Client) release(channel string) {
	for {
		c.holdMu.Lock()
		pending := c.held[channel]
		if len(pending) == 0 {
			delete(c.held, channel)
			c.holdMu.Unlock()
			return
		}
		c.held[channel] = nil
		c.holdMu.Unlock()

		for _, payload := range pending {
			if !c.deliver(payload) {
				c.holdMu.Lock()
				delete(c.held, channel)
				c.holdMu.Unlock()
				return
			}
		}
	}
}

func (c *Client) sendEnvelope(env protocol.Envelope) bool {
	payload, err := protocol.Encode(env)
	if err != nil {
		c.logger.Error().Err(err).Msg("encode envelope")
		return false
	}
	return c.Send(payload)
}

// shutdown stops accepting frames and asks writePump to close the
// connection with code. Only the first call has an effect.
func (c *Client) shutdown(code int, text string) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeCode = code
		c.closeText = text
		close(c.quit)
	})
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug().Err(err).Msg("set initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.logger.Debug().Err(err).Msg("set read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError logs the error that ended the read loop at a level
// matching how expected it was.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn().Int64("limit", c.hub.cfg.MaxMessageSize).Msg("frame exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.logger.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.logger.Debug().Err(err).Msg("connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.logger.Warn().Err(err).Msg("unexpected websocket close")
	default:
		c.logger.Warn().Err(err).Msg("websocket read error")
	}
}

// readPump admits the connection, then reads and dispatches frames one at a
// time until the transport fails. Teardown always runs on exit.
func (c *Client) readPump(legacyChannel string) {
	defer func() {
		c.hub.teardown(c)
		c.shutdown(websocket.CloseNormalClosure, "")
	}()

	if !c.hub.admit(c) {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
		return
	}
	c.state.Store(int32(stateOpen))
	c.sendEnvelope(protocol.Welcome(c.identity))
	if legacyChannel != "" {
		c.handleSubscribe(legacyChannel)
	}

	c.setupReadConnection()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.limiter.Allow() {
			metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
			c.logger.Debug().Int("burst", c.hub.cfg.RateLimit.Burst).
				Dur("interval", c.hub.cfg.RateLimit.RefillInterval).
				Msg("rate limit exceeded, discarding frame")
			continue
		}

		c.dispatch(raw)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown(websocket.CloseNormalClosure, "")
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case <-c.quit:
		return c.writeCloseMessage()
	case message := <-c.send:
		return c.writeFrame(message)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection safely closes the WebSocket connection with proper error handling
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.logger.Debug().Err(err).Msg("close connection")
	}
}

// writeCloseMessage sends the close frame chosen by shutdown.
func (c *Client) writeCloseMessage() bool {
	msg := websocket.FormatCloseMessage(c.closeCode, c.closeText)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug().Err(err).Msg("write close message")
		}
	}
	return false
}

// writeFrame writes one envelope per text frame. Frames still queued after
// shutdown are discarded.
func (c *Client) writeFrame(message []byte) bool {
	if c.closed.Load() {
		return true
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.logger.Debug().Err(err).Msg("set write deadline")
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Warn().Err(err).Msg("write message")
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		if !isExpectedCloseError(err) {
			c.logger.Debug().Err(err).Msg("write ping")
		}
		return false
	}
	return true
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
