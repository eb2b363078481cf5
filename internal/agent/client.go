package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleet-telemetry/internal/protocol"
	"fleet-telemetry/internal/transport"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingInterval     = 50 * time.Second
	maxMessageBytes  = 64 * 1024
	handshakeTimeout = 10 * time.Second

	reconnectBase   = 2 * time.Second
	reconnectMax    = 60 * time.Second
	stableAfter     = 30 * time.Second
	agentSocketPath = "/ws/agent"
)

// ErrNotConnected is returned by Send while no connection is up.
var ErrNotConnected = errors.New("agent: not connected")

// CommandHandler executes a dispatched command.
type CommandHandler func(ctx context.Context, cmd protocol.CommandDispatch) protocol.CommandResult

// Config identifies the agent to the console.
type Config struct {
	ConsoleURL string
	APIKey     string
	InstanceID string
}

// Client keeps one websocket connection to the console alive, reconnecting
// with full-jitter backoff.
type Client struct {
	cfg      Config
	url      string
	dialer   *websocket.Dialer
	handler  CommandHandler
	logger   *zap.Logger
	machine  *Machine
	backoff  *Backoff
	keepPong time.Duration
	keepPing time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Option configures the client.
type Option func(*Client)

// WithCommandHandler handles command:dispatch.
func WithCommandHandler(handler CommandHandler) Option {
	return func(c *Client) { c.handler = handler }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBackoff replaces the reconnect backoff.
func WithBackoff(b *Backoff) Option {
	return func(c *Client) {
		if b != nil {
			c.backoff = b
		}
	}
}

// WithKeepalive overrides pong wait and ping interval.
func WithKeepalive(pong, ping time.Duration) Option {
	return func(c *Client) {
		if pong > 0 && ping > 0 && ping < pong {
			c.keepPong = pong
			c.keepPing = ping
		}
	}
}

// WithStateObserver is called on every state transition.
func WithStateObserver(fn func(from, to State)) Option {
	return func(c *Client) { c.machine = NewMachine(fn) }
}

// NewClient validates cfg and constructs a client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("agent: api key is required")
	}
	if cfg.InstanceID == "" {
		return nil, errors.New("agent: instance id is required")
	}
	wsURL, err := AgentURL(cfg.ConsoleURL)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:      cfg,
		url:      wsURL,
		dialer:   &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger:   zap.NewNop(),
		machine:  NewMachine(nil),
		backoff:  NewBackoff(reconnectBase, reconnectMax, stableAfter),
		keepPong: pongWait,
		keepPing: pingInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AgentURL turns a console base URL into the agent websocket endpoint.
func AgentURL(base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("agent: invalid console url %q", base)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("agent: unsupported console url scheme %q", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = agentSocketPath
	}
	return u.String(), nil
}

// State returns the connection state.
func (c *Client) State() State {
	return c.machine.State()
}

// Run connects and reconnects until ctx is done.
func (c *Client) Run(ctx context.Context) {
	for {
		c.transition(StateConnecting)
		conn, err := c.dial(ctx)
		if err == nil {
			c.transition(StateConnected)
			start := time.Now()
			c.serve(ctx, conn)
			c.backoff.Connected(time.Since(start))
		} else if ctx.Err() == nil {
			c.logger.Warn("agent client: dial failed", zap.String("url", c.url), zap.Error(err))
		}
		if ctx.Err() != nil {
			c.transition(StateDisconnected)
			return
		}

		c.transition(StateReconnecting)
		delay := c.backoff.Next()
		c.logger.Info("agent client: reconnecting", zap.Duration("in", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.transition(StateDisconnected)
			return
		case <-timer.C:
		}
	}
}

// Send stamps the envelope with this instance and writes it as a JSON frame.
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	env.InstanceID = c.cfg.InstanceID
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	frame, err := protocol.JSON.Encode(env)
	if err != nil {
		return fmt.Errorf("agent: encode %s: %w", env.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) transition(next State) {
	if c.machine.State() == next {
		return
	}
	if err := c.machine.Transition(next); err != nil {
		c.logger.Error("agent client: state machine", zap.Error(err))
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set(transport.InstanceHeader, c.cfg.InstanceID)
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(c.keepPong))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.keepPong))
	})
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("agent client: connected", zap.String("url", c.url))
	return conn, nil
}

// serve runs the read loop until the connection fails or ctx is done.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer func() {
		close(done)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()
	go c.keepalive(ctx, conn, done)

	for {
		messageType, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("agent client: read failed", zap.Error(err))
			}
			return
		}
		codec := protocol.JSON
		if messageType == websocket.BinaryMessage {
			codec = protocol.CBOR
		}
		env, err := codec.Decode(frame)
		if err != nil {
			c.logger.Warn("agent client: malformed frame", zap.Error(err))
			continue
		}
		c.handle(ctx, env)
	}
}

func (c *Client) handle(ctx context.Context, env protocol.Envelope) {
	if env.Type != protocol.TypeCommandDispatch {
		c.logger.Debug("agent client: ignoring envelope", zap.String("type", env.Type))
		return
	}
	cmd, ok := env.Data.(*protocol.CommandDispatch)
	if !ok {
		return
	}
	result := protocol.CommandResult{CommandID: cmd.CommandID, Error: "unsupported command"}
	if c.handler != nil {
		result = c.handler(ctx, *cmd)
		result.CommandID = cmd.CommandID
	}
	if err := c.Send(protocol.Envelope{
		Channel: protocol.ChannelCommands,
		Type:    protocol.TypeCommandResult,
		Data:    &result,
	}); err != nil {
		c.logger.Warn("agent client: command result not sent", zap.String("command_id", cmd.CommandID), zap.Error(err))
	}
}

// keepalive pings until the connection ends. On shutdown it sends a close
// frame and unblocks the read loop.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.keepPing)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent shutdown"),
				time.Now().Add(writeWait))
			c.writeMu.Unlock()
			_ = conn.Close()
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("agent client: ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}
