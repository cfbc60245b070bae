// ABOUTME: The gateway-backed agent connection: lifecycle, session listing,
// ABOUTME: history, message sending, and kill built on the websocket client.

package openclaw

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/EKINSOL-DEV/crewhub-sub001/internal/connection"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/dedupe"
	"github.com/EKINSOL-DEV/crewhub-sub001/internal/sessionio"
)

const (
	healthCallTimeout = 5 * time.Second
	defaultSendWait   = 90 * time.Second
	// sessionEventTTL absorbs session events the gateway re-delivers
	// around a reconnect.
	sessionEventTTL = time.Minute
)

// Connection is a gateway connection. Config keys:
//
//	url                 gateway websocket URL (default ws://127.0.0.1:18789)
//	token               shared gateway token for first-time device registration
//	auto_reconnect      bool, default true
//	reconnect_delay     seconds, default 1
//	max_reconnect_delay seconds, default 60
//	openclaw_dir        gateway state dir, default ~/.openclaw
type Connection struct {
	*connection.Base
	client *Client
	dir    sessionio.Dir
	seen   *dedupe.Cache
}

// New constructs a gateway connection from a config map. It satisfies the
// manager's factory signature.
func New(id, name string, config map[string]any, logger *slog.Logger) (connection.Connection, error) {
	return newConnection(id, name, config, nil, logger)
}

// NewWithStore is New plus persistent device identities.
func NewWithStore(store IdentityStore) connection.Factory {
	return func(id, name string, config map[string]any, logger *slog.Logger) (connection.Connection, error) {
		return newConnection(id, name, config, store, logger)
	}
}

func newConnection(id, name string, config map[string]any, store IdentityStore, logger *slog.Logger) (connection.Connection, error) {
	c := &Connection{
		Base: connection.NewBase(id, name, connection.TypeOpenClaw, logger),
		dir:  sessionio.NewDir(stringOpt(config, "openclaw_dir")),
		seen: dedupe.New(sessionEventTTL, 1024),
	}
	c.BindSelf(c)

	identity, err := loadOrCreateIdentity(store, id, name)
	if err != nil {
		return nil, err
	}

	client, err := NewClient(ClientConfig{
		URL:               stringOpt(config, "url"),
		Token:             stringOpt(config, "token"),
		AutoReconnect:     boolOpt(config, "auto_reconnect", true),
		ReconnectDelay:    durationOpt(config, "reconnect_delay", time.Second),
		MaxReconnectDelay: durationOpt(config, "max_reconnect_delay", 60*time.Second),
		Identity:          identity,
		IdentityStore:     store,
		Logger:            c.Logger(),
		Hooks: Hooks{
			OnConnected:    func() { c.SetStatus(connection.StatusConnected) },
			OnDisconnected: func(reason string) { c.SetStatus(connection.StatusDisconnected) },
			OnReconnecting: func(time.Duration) { c.SetStatus(connection.StatusReconnecting) },
		},
	})
	if err != nil {
		return nil, err
	}
	c.client = client
	client.Subscribe("session.updated", c.onSessionEvent)
	client.Subscribe("session.created", c.onSessionEvent)
	client.Subscribe("session.deleted", c.onSessionEvent)
	return c, nil
}

func loadOrCreateIdentity(store IdentityStore, connectionID, name string) (*DeviceIdentity, error) {
	if store != nil {
		identity, err := store.LoadIdentity(context.Background(), connectionID)
		if err != nil {
			return nil, fmt.Errorf("loading device identity: %w", err)
		}
		if identity != nil {
			return identity, nil
		}
	}
	identity, err := NewDeviceIdentity("connect-" + name)
	if err != nil {
		return nil, err
	}
	if store != nil {
		if err := store.SaveIdentity(context.Background(), connectionID, identity); err != nil {
			return nil, fmt.Errorf("saving device identity: %w", err)
		}
	}
	return identity, nil
}

// Client exposes the underlying protocol client for extended gateway
// operations.
func (c *Connection) Client() *Client { return c.client }

// Connect establishes the gateway socket and handshake.
func (c *Connection) Connect(ctx context.Context) error {
	if c.client.Connected() {
		return nil
	}
	c.SetStatus(connection.StatusConnecting)
	if err := c.client.Connect(ctx); err != nil {
		c.SetError(err.Error())
		return err
	}
	c.ClearError()
	// The connected hook has already flipped the status.
	return nil
}

// Disconnect closes the socket without reconnecting.
func (c *Connection) Disconnect(ctx context.Context) error {
	err := c.client.Close()
	c.SetStatus(connection.StatusDisconnected)
	return err
}

// Sessions lists the gateway's active sessions.
func (c *Connection) Sessions(ctx context.Context) ([]connection.Session, error) {
	payload, err := c.client.Call(ctx, "sessions.list", nil)
	if err != nil {
		return nil, err
	}
	raws, _ := payload["sessions"].([]any)
	sessions := make([]connection.Session, 0, len(raws))
	for _, raw := range raws {
		data, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if session, ok := c.parseSession(data); ok {
			sessions = append(sessions, session)
		}
	}
	return sessions, nil
}

// parseSession maps a raw gateway session to the shared session shape. The
// agent id and channel come from the key ("agent:<id>:<channel>").
func (c *Connection) parseSession(raw map[string]any) (connection.Session, bool) {
	key, _ := raw["key"].(string)
	sessionID, _ := raw["sessionId"].(string)
	if key == "" && sessionID == "" {
		return connection.Session{}, false
	}

	agentID := "main"
	channel := ""
	if parts := strings.Split(key, ":"); len(parts) > 1 {
		agentID = parts[1]
		if len(parts) > 2 {
			channel = parts[2]
		}
	}

	status, _ := raw["status"].(string)
	if status == "" {
		status = "active"
	}
	metadata := make(map[string]any)
	for k, v := range raw {
		switch k {
		case "key", "sessionId", "label", "model", "status", "createdAt", "lastActivity":
		default:
			metadata[k] = v
		}
	}
	return connection.Session{
		Key:          key,
		SessionID:    sessionID,
		Source:       string(connection.TypeOpenClaw),
		ConnectionID: c.ID(),
		AgentID:      agentID,
		Channel:      channel,
		Label:        stringOpt(raw, "label"),
		Model:        stringOpt(raw, "model"),
		Status:       status,
		CreatedAt:    int64Opt(raw, "createdAt"),
		LastActivity: int64Opt(raw, "lastActivity"),
		Metadata:     metadata,
	}, true
}

func (c *Connection) findSession(ctx context.Context, sessionKey string) (connection.Session, error) {
	sessions, err := c.Sessions(ctx)
	if err != nil {
		return connection.Session{}, err
	}
	for _, s := range sessions {
		if s.Key == sessionKey {
			return s, nil
		}
	}
	return connection.Session{}, fmt.Errorf("unknown session key %q", sessionKey)
}

// History reads a session's transcript from the gateway state directory.
func (c *Connection) History(ctx context.Context, sessionKey string, limit int) ([]connection.HistoryMessage, error) {
	session, err := c.findSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	if session.SessionID == "" {
		return nil, nil
	}
	return c.dir.ReadHistory(session.AgentID, session.SessionID, limit)
}

// SendMessage delivers a chat message to the session's agent and returns
// the final assistant text.
func (c *Connection) SendMessage(ctx context.Context, sessionKey, message string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = defaultSendWait
	}
	session, err := c.findSession(ctx, sessionKey)
	if err != nil {
		return "", err
	}

	params := map[string]any{
		"message":        message,
		"agentId":        session.AgentID,
		"deliver":        false,
		"idempotencyKey": uuid.NewString(),
	}
	if session.SessionID != "" {
		params["sessionId"] = session.SessionID
	}
	payload, err := c.client.Call(ctx, "agent", params,
		WithTimeout(timeout), WithFinalAgentResult())
	if err != nil {
		return "", err
	}
	return extractAgentText(payload), nil
}

// extractAgentText pulls assistant text out of the gateway's agent result,
// trying the structured payloads shape before the flat fallbacks.
func extractAgentText(payload map[string]any) string {
	if result, ok := payload["result"].(map[string]any); ok {
		if payloads, ok := result["payloads"].([]any); ok && len(payloads) > 0 {
			if first, ok := payloads[0].(map[string]any); ok {
				if text, ok := first["text"].(string); ok {
					return text
				}
			}
		}
	}
	for _, key := range []string{"text", "response", "content", "reply"} {
		if val, ok := payload[key].(string); ok && val != "" {
			return val
		}
	}
	return ""
}

// KillSession retires a session's transcript file. False means the key or
// file was not found.
func (c *Connection) KillSession(ctx context.Context, sessionKey string) (bool, error) {
	session, err := c.findSession(ctx, sessionKey)
	if err != nil {
		return false, err
	}
	if session.SessionID == "" {
		return false, nil
	}
	return c.dir.Kill(session.AgentID, session.SessionID)
}

// HealthCheck probes the gateway's status endpoint.
func (c *Connection) HealthCheck(ctx context.Context) bool {
	if !c.client.Connected() {
		return false
	}
	_, err := c.client.Call(ctx, "status", nil, WithTimeout(healthCallTimeout))
	return err == nil
}

// StatusDetail reports connection state plus the gateway's own status.
func (c *Connection) StatusDetail(ctx context.Context) map[string]any {
	detail := c.Base.StatusDetail(ctx)
	detail["uri"] = c.client.cfg.URL
	if gateway, err := c.client.Call(ctx, "status", nil, WithTimeout(healthCallTimeout)); err == nil {
		detail["gateway_status"] = gateway
	} else {
		detail["gateway_status"] = map[string]any{}
	}
	return detail
}

// onSessionEvent relays pushed session changes to session-update
// subscribers, deduplicating redelivery after reconnects.
func (c *Connection) onSessionEvent(payload map[string]any) {
	data := payload
	if nested, ok := payload["session"].(map[string]any); ok {
		data = nested
	}
	session, ok := c.parseSession(data)
	if !ok {
		return
	}
	key := fmt.Sprintf("%s|%s|%d", session.Key, session.Status, session.LastActivity)
	if c.seen.CheckAndMark(key) {
		return
	}
	c.NotifySessionUpdate(session)
}

func stringOpt(config map[string]any, key string) string {
	v, _ := config[key].(string)
	return v
}

func boolOpt(config map[string]any, key string, fallback bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return fallback
}

func durationOpt(config map[string]any, key string, fallback time.Duration) time.Duration {
	switch v := config[key].(type) {
	case float64:
		return time.Duration(v * float64(time.Second))
	case int:
		return time.Duration(v) * time.Second
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func int64Opt(raw map[string]any, key string) int64 {
	if v, ok := raw[key].(float64); ok {
		return int64(v)
	}
	return 0
}
