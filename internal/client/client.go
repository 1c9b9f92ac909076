// Package client keeps one logical WebSocket connection to the server open,
// with heartbeats and exponential-backoff reconnection, and routes inbound
// shelter updates and alerts to callbacks.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmorsell/shelterlink/pkg/model"
	"go.uber.org/zap"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectBase     = time.Second
	MaxReconnectAttempts     = 5

	// CloseNormal is the close code of a caller-initiated closure. Any other
	// close code triggers reconnection.
	CloseNormal = websocket.CloseNormalClosure

	// AuthorizationParam is the query parameter carrying the access token.
	AuthorizationParam = "Authorization"

	closeWriteTimeout = time.Second
)

const (
	ErrTextCreateConnection = "Failed to create connection"
	ErrTextConnection       = "WebSocket connection error"
	ErrTextMaxAttempts      = "Max reconnection attempts reached"
	unexpectedClosePrefix   = "Connection closed unexpectedly: "
)

var ErrNotConnected = errors.New("websocket is not connected")

// Callbacks receive inbound domain events and state changes. Any field may
// be nil. Callbacks are invoked in order, one at a time, without internal
// locks held.
type Callbacks struct {
	OnShelterUpdate func(update model.ShelterUpdate)
	OnAlert         func(alert model.Alert)
	OnStateChange   func(state ConnectionState)
}

type Client struct {
	url    string
	dialer Dialer
	clock  Clock
	logger *zap.Logger

	heartbeatInterval time.Duration
	reconnectBase     time.Duration
	maxAttempts       int

	mu        sync.Mutex
	state     ConnectionState
	token     string
	callbacks *Callbacks
	// gen identifies the current session. Events carrying an older
	// generation are dropped.
	gen       uint64
	cancel    context.CancelFunc
	conn      Conn
	reconnect Timer
	heartbeat Timer

	pending  []func()
	flushing bool

	writeMu sync.Mutex
}

type Option func(*Client)

func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

func WithClock(clock Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func New(url string, opts ...Option) *Client {
	c := &Client{
		url:               url,
		dialer:            GorillaDialer{},
		clock:             realClock{},
		logger:            zap.NewNop(),
		heartbeatInterval: DefaultHeartbeatInterval,
		reconnectBase:     DefaultReconnectBase,
		maxAttempts:       MaxReconnectAttempts,
		state:             ConnectionState{Status: StatusDisconnected},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect stores token and callbacks and opens a session. It returns
// immediately; progress is reported through OnStateChange. An empty token or
// nil callbacks make the call a no-op. A pending reconnection is cancelled.
func (c *Client) Connect(token string, callbacks *Callbacks) {
	if token == "" || callbacks == nil {
		c.logger.Warn("token and callbacks are required to connect")
		return
	}

	c.mu.Lock()
	c.token = token
	c.callbacks = callbacks
	c.state.ReconnectAttempts = 0
	old := c.teardownLocked()
	c.openLocked()
	c.unlockAndFlush()

	if old != nil {
		c.closeConn(old)
	}
}

// Disconnect stops all timers and closes the transport with the normal
// closure code. It is safe to call at any time, repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.teardownLocked()
	c.gen++
	next := ConnectionState{Status: StatusDisconnected, LastError: c.state.LastError}
	if next != c.state {
		c.setStateLocked(next)
	}
	c.unlockAndFlush()

	if conn != nil {
		c.closeConn(conn)
	}
}

// SendMessage writes one frame if the transport is open. Otherwise it logs
// a warning and returns ErrNotConnected.
func (c *Client) SendMessage(action model.Action, data any, target *model.WireTarget) error {
	c.mu.Lock()
	conn := c.conn
	now := c.clock.Now()
	c.mu.Unlock()

	if conn == nil {
		c.logger.Warn("websocket is not connected, dropping message", zap.String("action", string(action)))
		return ErrNotConnected
	}

	msg, err := model.NewMessage(action, data, nil, now)
	if err != nil {
		return err
	}
	msg.Target = target
	return c.write(conn, msg)
}

// ConnectionState returns a copy of the current state.
func (c *Client) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// openLocked starts a new session with the stored token.
func (c *Client) openLocked() {
	c.gen++
	gen := c.gen

	next := c.state
	next.Status = StatusConnecting
	c.setStateLocked(next)

	endpoint, err := c.endpoint()
	if err != nil {
		c.logger.Error("failed to create connection", zap.Error(err))
		c.failLocked(gen)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx, gen, endpoint)
}

func (c *Client) run(ctx context.Context, gen uint64, endpoint string) {
	conn, err := c.dialer.Dial(ctx, endpoint)
	if err != nil {
		c.mu.Lock()
		if c.gen != gen {
			c.mu.Unlock()
			return
		}
		c.logger.Warn("failed to open connection", zap.Error(err))
		c.failLocked(gen)
		c.unlockAndFlush()
		return
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.logger.Info("connected")
	c.setStateLocked(ConnectionState{Status: StatusConnected})
	c.armHeartbeatLocked(gen)
	c.unlockAndFlush()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.handleFrame(gen, data)
	}
}

func (c *Client) handleFrame(gen uint64, data []byte) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}

	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("dropping malformed frame", zap.Error(err))
		c.mu.Unlock()
		return
	}
	cb := c.callbacks

	switch msg.Action {
	case model.ActionShelterUpdate, model.ActionAlert:
		if !msg.HasData() {
			break
		}
		// Callbacks always fire with the data as received in Raw; typed
		// fields that fail to decode are left best-effort.
		if msg.Action == model.ActionShelterUpdate {
			update, err := model.DecodeShelterUpdate(msg.Data)
			if err != nil {
				c.logger.Debug("shelter update data does not match schema", zap.Error(err))
			}
			if cb.OnShelterUpdate != nil {
				c.emitLocked(func() { cb.OnShelterUpdate(update) })
			}
			break
		}
		alert, err := model.DecodeAlert(msg.Data)
		if err != nil {
			c.logger.Debug("alert data does not match schema", zap.Error(err))
		}
		if cb.OnAlert != nil {
			c.emitLocked(func() { cb.OnAlert(alert) })
		}
	case model.ActionPong:
		c.logger.Debug("heartbeat acknowledged")
	case model.ActionError:
		text := msg.ErrorText()
		c.logger.Warn("server reported error", zap.String("error", text))
		next := c.state
		next.LastError = text
		c.setStateLocked(next)
	default:
		c.logger.Debug("ignoring message", zap.String("action", string(msg.Action)))
	}
	c.unlockAndFlush()
}

func (c *Client) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	var reason string
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == CloseNormal {
			c.logger.Info("connection closed")
			c.setStateLocked(ConnectionState{Status: StatusDisconnected, LastError: c.state.LastError})
			c.unlockAndFlush()
			return
		}
		reason = closeErr.Text
	} else {
		// No close frame: the transport failed underneath us.
		c.logger.Warn("connection error", zap.Error(err))
		next := c.state
		next.Status = StatusError
		next.LastError = ErrTextConnection
		c.setStateLocked(next)
		reason = err.Error()
	}

	c.logger.Warn("connection closed unexpectedly", zap.String("reason", reason))
	next := c.state
	next.Status = StatusDisconnected
	next.LastError = unexpectedClosePrefix + reason
	c.setStateLocked(next)
	c.scheduleReconnectLocked(gen)
	c.unlockAndFlush()
}

func (c *Client) failLocked(gen uint64) {
	next := c.state
	next.Status = StatusError
	next.LastError = ErrTextCreateConnection
	c.setStateLocked(next)
	c.scheduleReconnectLocked(gen)
}

// scheduleReconnectLocked waits reconnectBase * 2^attempts before the next
// attempt, or gives up once the ceiling is reached.
func (c *Client) scheduleReconnectLocked(gen uint64) {
	attempts := c.state.ReconnectAttempts
	if attempts >= c.maxAttempts {
		c.logger.Error("max reconnection attempts reached, giving up", zap.Int("attempts", attempts))
		next := c.state
		next.Status = StatusError
		next.LastError = ErrTextMaxAttempts
		c.setStateLocked(next)
		return
	}

	delay := c.reconnectBase * time.Duration(1<<attempts)
	c.logger.Info("scheduling reconnection",
		zap.Int("attempt", attempts+1),
		zap.Duration("delay", delay))
	c.reconnect = c.clock.AfterFunc(delay, func() { c.reconnectNow(gen) })
}

func (c *Client) reconnectNow(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.reconnect = nil
	c.teardownLocked()

	next := c.state
	next.ReconnectAttempts++
	c.setStateLocked(next)
	c.openLocked()
	c.unlockAndFlush()
}

func (c *Client) armHeartbeatLocked(gen uint64) {
	c.heartbeat = c.clock.AfterFunc(c.heartbeatInterval, func() { c.beat(gen) })
}

func (c *Client) beat(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	now := c.clock.Now()
	c.armHeartbeatLocked(gen)
	c.mu.Unlock()

	if err := c.write(conn, model.Message{Action: model.ActionPing, Timestamp: model.Timestamp(now)}); err != nil {
		c.logger.Warn("failed to send heartbeat", zap.Error(err))
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

// teardownLocked cancels timers and the current session. The returned
// connection, if any, must be closed by the caller after unlocking.
func (c *Client) teardownLocked() Conn {
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	c.stopHeartbeatLocked()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	return conn
}

func (c *Client) write(conn Conn, msg model.Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s: %w", msg.Action, err)
	}
	return nil
}

func (c *Client) closeConn(conn Conn) {
	msg := websocket.FormatCloseMessage(CloseNormal, "Normal closure")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
		c.logger.Debug("failed to send close frame", zap.Error(err))
	}
	_ = conn.Close()
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid websocket url %q", c.url)
	}
	q := u.Query()
	q.Set(AuthorizationParam, c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) setStateLocked(next ConnectionState) {
	c.state = next
	if cb := c.callbacks; cb != nil && cb.OnStateChange != nil {
		c.emitLocked(func() { cb.OnStateChange(next) })
	}
}

func (c *Client) emitLocked(fn func()) {
	c.pending = append(c.pending, fn)
}

// unlockAndFlush runs queued callbacks in order and releases mu. Only one
// goroutine flushes at a time; others leave their callbacks for it.
func (c *Client) unlockAndFlush() {
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for len(c.pending) > 0 {
		fns := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
}
