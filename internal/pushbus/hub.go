package pushbus

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentmaestro/agentmaestro/internal/domain"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Authenticator resolves the caller behind a WS handshake before upgrade.
// Returns ok=false to reject the connection. role is the caller's
// membership role, carried onto Conn so command handlers can run
// per-command rbac checks without a second identity lookup.
type Authenticator func(r *http.Request) (userID, workspaceID string, role domain.Role, ok bool)

// Command is one decoded incoming WS message (spec §4.5's command set:
// ping, subscribe_approvals, unsubscribe_approvals, request_snapshot,
// approve_tool_call, cancel_run, pause_run, resume_run, retry_run,
// spawn_subrun).
type Command struct {
	Cmd         string         `json:"cmd"`
	RunID       string         `json:"run_id,omitempty"`
	ToolCallID  string         `json:"tool_call_id,omitempty"`
	SinceSeq    *int64         `json:"since_seq,omitempty"`
	InputText   string         `json:"input_text,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CommandHandler executes the mutating side of an inbound command. wsapi
// supplies the concrete implementation; the hub only owns transport.
type CommandHandler interface {
	HandleCommand(conn *Conn, cmd Command)
}

// Conn is one upgraded WebSocket connection, possibly subscribed to
// several push-bus groups at once (a run's own stream plus its
// workspace's approvals stream, for example) — the generalization from
// the host's one-probe-per-connection hub to many-groups-per-connection.
type Conn struct {
	ID          string
	UserID      string
	WorkspaceID string
	Role        domain.Role
	// ResourceID is an opaque per-connection scope key resolved from the
	// upgrade request by the Hub's ResourceResolver — e.g. the run_id a
	// per-run endpoint was opened for. Lifecycle hooks read it to know
	// which group(s) to join without every Hub owner needing its own
	// route-specific Conn field.
	ResourceID string

	ws *websocket.Conn
	mu sync.Mutex

	unsubs   map[string]func()
	unsubsMu sync.Mutex

	lastSeen time.Time
}

// Subscribe joins the connection to group, replacing any existing
// subscription of the same name, and starts forwarding envelopes from
// bus to the socket.
func (c *Conn) Subscribe(bus Bus, group string) {
	c.unsubsMu.Lock()
	if old, ok := c.unsubs[group]; ok {
		old()
	}
	ch, unsub := bus.Subscribe(group, c.ID, 64)
	c.unsubs[group] = unsub
	c.unsubsMu.Unlock()

	go func() {
		for env := range ch {
			c.send(env)
		}
	}()
}

// Unsubscribe leaves group, if currently subscribed.
func (c *Conn) Unsubscribe(group string) {
	c.unsubsMu.Lock()
	defer c.unsubsMu.Unlock()
	if unsub, ok := c.unsubs[group]; ok {
		unsub()
		delete(c.unsubs, group)
	}
}

func (c *Conn) unsubscribeAll() {
	c.unsubsMu.Lock()
	defer c.unsubsMu.Unlock()
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = make(map[string]func())
}

// Send writes v as a JSON text frame to the client. Exported so command
// handlers outside this package can push replies/acks/errors.
func (c *Conn) Send(v any) error {
	return c.send(v)
}

func (c *Conn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Hub manages every currently-connected client and routes inbound
// commands to a CommandHandler, outbound envelopes from a Bus.
type Hub struct {
	bus    Bus
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	authenticator    Authenticator // nil = no auth (tests only)
	resourceResolver func(r *http.Request) string
	handler          CommandHandler

	onConnect    func(c *Conn)
	onDisconnect func(c *Conn)
}

// NewHub constructs a Hub delivering envelopes from bus.
func NewHub(bus Bus, logger *zap.Logger) *Hub {
	return &Hub{
		bus:    bus,
		logger: logger,
		conns:  make(map[string]*Conn),
	}
}

// SetAuthenticator installs the pre-upgrade auth hook.
func (h *Hub) SetAuthenticator(a Authenticator) { h.authenticator = a }

// SetResourceResolver installs the hook that derives Conn.ResourceID from
// the upgrade request (e.g. extracting {run_id} from the URL pattern).
func (h *Hub) SetResourceResolver(fn func(r *http.Request) string) { h.resourceResolver = fn }

// SetCommandHandler installs the inbound-command dispatcher.
func (h *Hub) SetCommandHandler(handler CommandHandler) { h.handler = handler }

// SetLifecycleHooks installs optional connect/disconnect callbacks.
func (h *Hub) SetLifecycleHooks(onConnect, onDisconnect func(c *Conn)) {
	h.onConnect = onConnect
	h.onDisconnect = onDisconnect
}

// ServeWS is the HTTP handler upgrading a request into a tracked Conn.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var userID, workspaceID string
	var role domain.Role
	if h.authenticator != nil {
		uid, wid, r2, ok := h.authenticator(r)
		if !ok {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		userID, workspaceID, role = uid, wid, r2
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("ws upgrade failed", zap.Error(err))
		}
		return
	}

	c := &Conn{
		ID:          uuid.New().String(),
		UserID:      userID,
		WorkspaceID: workspaceID,
		Role:        role,
		ws:          ws,
		unsubs:      make(map[string]func()),
		lastSeen:    time.Now().UTC(),
	}
	if h.resourceResolver != nil {
		c.ResourceID = h.resourceResolver(r)
	}

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	if h.onConnect != nil {
		h.onConnect(c)
	}

	defer func() {
		c.unsubscribeAll()
		ws.Close()
		h.mu.Lock()
		delete(h.conns, c.ID)
		h.mu.Unlock()
		if h.onDisconnect != nil {
			h.onDisconnect(c)
		}
	}()

	ws.SetPongHandler(func(string) error {
		c.lastSeen = time.Now().UTC()
		return ws.SetReadDeadline(time.Now().Add(90 * time.Second))
	})
	_ = ws.SetReadDeadline(time.Now().Add(90 * time.Second))

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			c.mu.Lock()
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		c.lastSeen = time.Now().UTC()

		var cmd Command
		if err := json.Unmarshal(msg, &cmd); err != nil {
			_ = c.send(map[string]any{"type": "error", "error": "invalid message"})
			continue
		}

		if cmd.Cmd == "ping" {
			_ = c.send(map[string]any{"type": "pong", "ts": time.Now().UTC()})
			continue
		}

		if h.handler != nil {
			h.handler.HandleCommand(c, cmd)
		}
	}
}

// Broadcaster adapts Hub's bus to journal.Broadcaster, matching the
// in-process Broadcaster in bus.go — kept here so httpapi/wsapi wiring
// code can construct one Hub and reuse it for both push delivery and
// broadcast fan-out.
func (h *Hub) Broadcaster() *Broadcaster { return &Broadcaster{Bus: h.bus} }
