// ABOUTME: In-process fake gateway used by the client and connection tests:
// ABOUTME: performs the challenge handshake and serves scripted methods.

package openclaw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
)

const testNonce = "nonce-123"

type methodHandler func(req request) (any, *GatewayError)

// acceptedThen makes a handler answer with an accepted ack followed by a
// final payload, mimicking the gateway's agent runs.
type acceptedThen struct {
	final       map[string]any
	beforeFinal func()
}

type fakeGateway struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	handlers    map[string]methodHandler
	conns       []*websocket.Conn
	writeMus    []*sync.Mutex
	lastConnect map[string]any
	rejectCode  string
	deviceToken string

	connects atomic.Int32
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		t:        t,
		handlers: make(map[string]methodHandler),
	}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) handle(method string, h methodHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[method] = h
}

func (g *fakeGateway) setReject(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rejectCode = code
}

func (g *fakeGateway) setDeviceToken(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deviceToken = token
}

func (g *fakeGateway) connectParams() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastConnect
}

// pushEvent sends an event frame on every live connection.
func (g *fakeGateway) pushEvent(event string, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	frame := map[string]any{"type": "event", "event": event, "payload": json.RawMessage(raw)}
	g.mu.Lock()
	conns := append([]*websocket.Conn(nil), g.conns...)
	mus := append([]*sync.Mutex(nil), g.writeMus...)
	g.mu.Unlock()
	for i, conn := range conns {
		mus[i].Lock()
		conn.WriteJSON(frame)
		mus[i].Unlock()
	}
}

// closeConns drops every live connection to simulate a gateway restart.
func (g *fakeGateway) closeConns() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.writeMus = nil
	g.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	writeMu := &sync.Mutex{}

	challenge := map[string]any{
		"type":    "event",
		"event":   "connect.challenge",
		"payload": map[string]any{"nonce": testNonce},
	}
	if err := conn.WriteJSON(challenge); err != nil {
		conn.Close()
		return
	}

	var connectReq request
	if err := conn.ReadJSON(&connectReq); err != nil {
		conn.Close()
		return
	}

	g.mu.Lock()
	g.lastConnect = connectReq.Params
	reject := g.rejectCode
	token := g.deviceToken
	g.mu.Unlock()
	g.connects.Add(1)

	if reject != "" {
		conn.WriteJSON(map[string]any{
			"type": "res", "id": connectReq.ID, "ok": false,
			"error": map[string]any{"code": reject, "message": "rejected"},
		})
		conn.Close()
		return
	}

	payload := map[string]any{}
	if token != "" {
		payload["auth"] = map[string]any{"deviceToken": token}
	}
	conn.WriteJSON(map[string]any{
		"type": "res", "id": connectReq.ID, "ok": true, "payload": payload,
	})

	g.mu.Lock()
	g.conns = append(g.conns, conn)
	g.writeMus = append(g.writeMus, writeMu)
	g.mu.Unlock()

	go g.serveCalls(conn, writeMu)
}

func (g *fakeGateway) serveCalls(conn *websocket.Conn, writeMu *sync.Mutex) {
	defer conn.Close()
	for {
		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		g.mu.Lock()
		handler := g.handlers[req.Method]
		g.mu.Unlock()

		res := map[string]any{"type": "res", "id": req.ID}
		if handler == nil {
			res["ok"] = false
			res["error"] = map[string]any{"code": "UNKNOWN_METHOD", "message": req.Method}
			writeMu.Lock()
			err := conn.WriteJSON(res)
			writeMu.Unlock()
			if err != nil {
				return
			}
			continue
		}

		payload, gerr := handler(req)
		if gerr != nil {
			res["ok"] = false
			res["error"] = gerr
		} else if accepted, ok := payload.(acceptedThen); ok {
			// Agent-style double response: an accepted ack now, the
			// final result as a second res on the same id.
			writeMu.Lock()
			conn.WriteJSON(map[string]any{
				"type": "res", "id": req.ID, "ok": true,
				"payload": map[string]any{"status": "accepted"},
			})
			writeMu.Unlock()
			if accepted.beforeFinal != nil {
				accepted.beforeFinal()
			}
			res["ok"] = true
			res["payload"] = accepted.final
		} else {
			res["ok"] = true
			if payload != nil {
				res["payload"] = payload
			}
		}
		writeMu.Lock()
		err := conn.WriteJSON(res)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
