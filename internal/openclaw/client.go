// ABOUTME: Low-level gateway websocket client: handshake with device auth,
// ABOUTME: request/response demux, event fan-out, and reconnect backoff.

package openclaw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	protocolVersion  = 3
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 5 * time.Second
	defaultCallWait  = 30 * time.Second
)

// ErrNotConnected is returned for calls attempted with no live socket.
var ErrNotConnected = errors.New("openclaw: not connected")

// GatewayError is a structured error frame from the gateway.
type GatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// codeDisconnected is synthesized locally when the socket drops with calls
// in flight.
const codeDisconnected = "DISCONNECTED"

// tokenRejectionCodes are connect errors that invalidate a stored device
// token.
var tokenRejectionCodes = map[string]struct{}{
	"DEVICE_TOKEN_INVALID": {},
	"DEVICE_NOT_FOUND":     {},
	"TOKEN_EXPIRED":        {},
	"UNAUTHORIZED":         {},
}

// inbound is the superset decode target for every frame off the socket.
type inbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *GatewayError   `json:"error,omitempty"`
}

type request struct {
	Type   string         `json:"type"`
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// EventHandler receives one decoded event payload.
type EventHandler func(payload map[string]any)

type eventEntry struct {
	id int
	fn EventHandler
}

// Hooks observe client state transitions. All are optional and fire from
// the client's goroutines.
type Hooks struct {
	OnConnected    func()
	OnDisconnected func(reason string)
	OnReconnecting func(delay time.Duration)
}

// ClientConfig configures a gateway client.
type ClientConfig struct {
	URL               string
	Token             string // shared gateway token for first-time device registration
	AutoReconnect     bool
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	Identity          *DeviceIdentity
	IdentityStore     IdentityStore // optional persistence for tokens
	Hooks             Hooks
	Logger            *slog.Logger
}

// Client multiplexes calls and event subscriptions over one gateway
// websocket.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu           sync.Mutex
	writeMu      sync.Mutex // gorilla conns allow one concurrent writer
	conn         *websocket.Conn
	connected    bool
	pending      map[string]chan inbound
	handlers     map[string][]eventEntry
	nextHandler  int
	currentDelay time.Duration
	reconnecting bool
	closed       bool
}

// NewClient creates a client; Connect establishes the socket.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		cfg.URL = "ws://127.0.0.1:18789"
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Identity == nil {
		identity, err := NewDeviceIdentity("")
		if err != nil {
			return nil, err
		}
		cfg.Identity = identity
	}
	return &Client{
		cfg:          cfg,
		logger:       cfg.Logger.With("component", "gateway-client"),
		pending:      make(map[string]chan inbound),
		handlers:     make(map[string][]eventEntry),
		currentDelay: cfg.ReconnectDelay,
	}, nil
}

// Connected reports whether the socket is up and handshaken.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the gateway and performs the challenge handshake. Already
// connected is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.mu.Unlock()

	identity := c.cfg.Identity

	// Expired device tokens are cleared up front so this connect falls
	// back to gateway-token registration instead of a guaranteed reject.
	if identity.TokenExpired(time.Now()) {
		c.logger.Warn("stored device token expired, re-registering",
			"device_id", shortID(identity.DeviceID))
		c.clearDeviceToken(ctx, identity)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dialing gateway: %w", err)
	}

	if err := c.handshake(ctx, conn, identity); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.currentDelay = c.cfg.ReconnectDelay
	c.mu.Unlock()

	go c.readLoop(conn)
	if c.cfg.Hooks.OnConnected != nil {
		c.cfg.Hooks.OnConnected()
	}
	return nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn, identity *DeviceIdentity) error {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	var challenge inbound
	if err := conn.ReadJSON(&challenge); err != nil {
		return fmt.Errorf("reading challenge: %w", err)
	}
	if challenge.Type != "event" || challenge.Event != "connect.challenge" {
		return fmt.Errorf("expected connect.challenge, got %s/%s", challenge.Type, challenge.Event)
	}
	var challengePayload struct {
		Nonce string `json:"nonce"`
	}
	if err := json.Unmarshal(challenge.Payload, &challengePayload); err != nil {
		return fmt.Errorf("decoding challenge: %w", err)
	}

	// Device token is preferred; the shared gateway token only serves
	// first-time registration.
	usingDeviceToken := identity.DeviceToken != ""
	authToken := identity.DeviceToken
	if !usingDeviceToken {
		authToken = c.cfg.Token
	}

	auth := map[string]any{}
	if authToken != "" {
		auth["token"] = authToken
	}
	connectReq := request{
		Type:   "req",
		ID:     "connect-" + uuid.NewString(),
		Method: "connect",
		Params: map[string]any{
			"minProtocol": protocolVersion,
			"maxProtocol": protocolVersion,
			"client": map[string]any{
				"id":       clientID,
				"version":  "1.0.0",
				"platform": "connect",
				"mode":     clientMode,
			},
			"device":    identity.DeviceBlock(challengePayload.Nonce, authToken, time.Now()),
			"role":      clientRole,
			"scopes":    operatorScopes,
			"auth":      auth,
			"locale":    "en-US",
			"userAgent": "connect/" + identity.DeviceName,
		},
	}
	if err := conn.WriteJSON(connectReq); err != nil {
		return fmt.Errorf("sending connect: %w", err)
	}

	var response inbound
	if err := conn.ReadJSON(&response); err != nil {
		return fmt.Errorf("reading connect response: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if !response.OK {
		gerr := response.Error
		if gerr == nil {
			gerr = &GatewayError{Code: "UNKNOWN", Message: "connect rejected"}
		}
		if usingDeviceToken {
			if _, rejected := tokenRejectionCodes[gerr.Code]; rejected {
				c.logger.Warn("device token rejected, clearing",
					"code", gerr.Code, "device_id", shortID(identity.DeviceID))
				c.clearDeviceToken(ctx, identity)
			}
		}
		return fmt.Errorf("connect rejected: %w", gerr)
	}

	// The gateway hands back a device token when it registers or rotates
	// this device.
	var connectPayload struct {
		Auth struct {
			DeviceToken string `json:"deviceToken"`
			Token       string `json:"token"`
		} `json:"auth"`
	}
	_ = json.Unmarshal(response.Payload, &connectPayload)
	newToken := connectPayload.Auth.DeviceToken
	if newToken == "" {
		newToken = connectPayload.Auth.Token
	}
	if newToken != "" && newToken != authToken {
		identity.DeviceToken = newToken
		if c.cfg.IdentityStore != nil {
			if err := c.cfg.IdentityStore.UpdateDeviceToken(ctx, identity.DeviceID, newToken); err != nil {
				c.logger.Error("persisting device token failed", "error", err)
			}
		}
		c.logger.Info("device token stored", "device_id", shortID(identity.DeviceID))
	}
	return nil
}

func (c *Client) clearDeviceToken(ctx context.Context, identity *DeviceIdentity) {
	identity.DeviceToken = ""
	if c.cfg.IdentityStore != nil {
		if err := c.cfg.IdentityStore.ClearDeviceToken(ctx, identity.DeviceID); err != nil {
			c.logger.Error("clearing device token failed", "error", err)
		}
	}
}

// Close shuts the socket down without triggering reconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(err)
			return
		}
		switch msg.Type {
		case "res":
			c.mu.Lock()
			ch := c.pending[msg.ID]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- msg:
				default:
					c.logger.Warn("response channel full", "request_id", msg.ID)
				}
			}
		case "event":
			c.dispatchEvent(msg)
		}
	}
}

func (c *Client) dispatchEvent(msg inbound) {
	var payload map[string]any
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			c.logger.Error("undecodable event payload", "event", msg.Event, "error", err)
			return
		}
	}

	c.mu.Lock()
	entries := make([]eventEntry, len(c.handlers[msg.Event]))
	copy(entries, c.handlers[msg.Event])
	c.mu.Unlock()

	for _, entry := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("event handler panicked", "event", msg.Event, "panic", r)
				}
			}()
			entry.fn(payload)
		}()
	}
}

func (c *Client) handleDisconnect(cause error) {
	c.mu.Lock()
	wasConnected := c.connected
	closed := c.closed
	c.connected = false
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	// Fail everything in flight so callers never hang on a dead socket.
	for id, ch := range c.pending {
		select {
		case ch <- inbound{
			Type:  "res",
			ID:    id,
			Error: &GatewayError{Code: codeDisconnected, Message: "gateway disconnected"},
		}:
		default:
		}
	}
	c.pending = make(map[string]chan inbound)
	c.mu.Unlock()

	if !wasConnected {
		return
	}
	reason := "closed"
	if cause != nil {
		reason = cause.Error()
	}
	c.logger.Warn("gateway connection lost", "reason", reason)
	if c.cfg.Hooks.OnDisconnected != nil {
		c.cfg.Hooks.OnDisconnected(reason)
	}
	if c.cfg.AutoReconnect && !closed {
		c.scheduleReconnect()
	}
}

func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnecting || c.closed {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	delay := c.currentDelay
	c.mu.Unlock()

	if c.cfg.Hooks.OnReconnecting != nil {
		c.cfg.Hooks.OnReconnecting(delay)
	}
	c.logger.Info("reconnect scheduled", "delay", delay)

	time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnecting = false
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout+handshakeTimeout)
		defer cancel()
		if err := c.Connect(ctx); err != nil {
			c.mu.Lock()
			c.currentDelay = min(c.currentDelay*2, c.cfg.MaxReconnectDelay)
			c.mu.Unlock()
			c.logger.Warn("reconnect failed", "error", err)
			c.scheduleReconnect()
		}
	})
}

// callOptions tune one gateway call.
type callOptions struct {
	timeout   time.Duration
	waitFinal bool
}

// CallOption configures Call.
type CallOption func(*callOptions)

// WithTimeout bounds how long Call waits for the response.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithFinalAgentResult makes Call wait for a second response when the
// first one only acknowledges acceptance of an agent run.
func WithFinalAgentResult() CallOption {
	return func(o *callOptions) { o.waitFinal = true }
}

// Call sends a request and waits for its response payload.
func (c *Client) Call(ctx context.Context, method string, params map[string]any, opts ...CallOption) (map[string]any, error) {
	options := callOptions{timeout: defaultCallWait}
	for _, opt := range opts {
		opt(&options)
	}
	if params == nil {
		params = map[string]any{}
	}

	c.mu.Lock()
	if !c.connected || c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	id := uuid.NewString()
	// Buffered for two responses: the accepted ack and the final result.
	ch := make(chan inbound, 2)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := request{Type: "req", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, options.timeout)
	defer cancel()

	response, err := awaitResponse(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if options.waitFinal && response.OK {
		var ack struct {
			Status string `json:"status"`
		}
		if json.Unmarshal(response.Payload, &ack) == nil && ack.Status == "accepted" {
			response, err = awaitResponse(ctx, ch)
			if err != nil {
				return nil, fmt.Errorf("call %s (final): %w", method, err)
			}
		}
	}
	if !response.OK {
		if response.Error != nil {
			return nil, response.Error
		}
		return nil, fmt.Errorf("call %s failed without error detail", method)
	}

	var payload map[string]any
	if len(response.Payload) > 0 {
		if err := json.Unmarshal(response.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decoding %s payload: %w", method, err)
		}
	}
	return payload, nil
}

func awaitResponse(ctx context.Context, ch <-chan inbound) (inbound, error) {
	select {
	case <-ctx.Done():
		return inbound{}, ctx.Err()
	case msg := <-ch:
		return msg, nil
	}
}

// Subscribe registers a handler for a named event and returns an
// unsubscribe func.
func (c *Client) Subscribe(event string, handler EventHandler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandler++
	id := c.nextHandler
	c.handlers[event] = append(c.handlers[event], eventEntry{id: id, fn: handler})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.handlers[event]
		for i, e := range entries {
			if e.id == id {
				c.handlers[event] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
