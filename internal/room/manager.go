package room

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/parleyhq/parley/internal/auth"
	"github.com/parleyhq/parley/internal/observe"
	"github.com/parleyhq/parley/internal/wire"
	"github.com/parleyhq/parley/pkg/types"
)

const (
	// heartbeatInterval is how often every client is pinged; a client
	// whose last pong is older than clientTimeout is evicted.
	heartbeatInterval = 30 * time.Second
	clientTimeout     = 60 * time.Second
	pingTimeout       = 10 * time.Second

	// emptyRoomGrace keeps a room alive after its last client leaves so
	// a reconnecting interviewer finds the session intact.
	emptyRoomGrace = 30 * time.Second
)

// Cookie names accepted as a token fallback when the query parameter is
// absent.
var tokenCookies = []string{"session-token", "better-auth.session_token"}

// Manager owns every live room, upgrades incoming WebSocket requests,
// and runs the shared heartbeat and reaping cycles.
type Manager struct {
	settings Settings
	factory  RelayFactory
	bots     BotService
	auth     auth.Validator
	now      func() time.Time
	log      *slog.Logger
	metrics  *observe.Metrics

	clientSeq atomic.Int64

	mu     sync.Mutex
	rooms  map[string]*Room
	reaps  map[string]*time.Timer
	closed bool
	done   chan struct{}
}

// NewManager creates a manager and starts its heartbeat cycle.
func NewManager(settings Settings, factory RelayFactory, bots BotService, validator auth.Validator) *Manager {
	m := &Manager{
		settings: settings,
		factory:  factory,
		bots:     bots,
		auth:     validator,
		now:      time.Now,
		log:      slog.With("component", "room_manager"),
		metrics:  observe.DefaultMetrics(),
		rooms:    make(map[string]*Room),
		reaps:    make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}
	go m.heartbeatLoop()
	return m
}

// ServeHTTP upgrades a client connection. Auth runs before the upgrade
// so failures answer with plain HTTP 401.
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Missing or invalid connection params answer 401 before the
	// upgrade, matching the token path.
	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	if sessionID == "" {
		http.Error(w, "sessionId query parameter required", http.StatusUnauthorized)
		return
	}

	token := q.Get("token")
	if token == "" {
		for _, name := range tokenCookies {
			if ck, err := r.Cookie(name); err == nil && ck.Value != "" {
				token = ck.Value
				break
			}
		}
	}
	if err := m.auth.Validate(r.Context(), token); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	role := types.Role(q.Get("role"))
	if role == "" {
		role = types.RoleObserver
	}
	if !role.IsValid() {
		http.Error(w, fmt.Sprintf("unknown role %q", role), http.StatusUnauthorized)
		return
	}
	userName := q.Get("userName")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		m.log.Warn("websocket accept failed", "err", err)
		return
	}

	rm, ok := m.getOrCreate(sessionID)
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	clientID := fmt.Sprintf("client_%d_%d", m.clientSeq.Add(1), m.now().UnixMilli())
	client, err := rm.AddClient(clientID, role, userName, conn)
	if err != nil {
		data, encErr := wire.Encode(wire.NewError(wire.CodeUnauthorized, err.Error()))
		if encErr == nil {
			writeCtx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
		}
		conn.Close(websocket.StatusPolicyViolation, "interviewer already connected")
		return
	}
	m.cancelReap(sessionID)
	m.metrics.ActiveClients.Add(r.Context(), 1)

	go m.readLoop(rm, client, conn)
}

// readLoop pumps frames from one client socket into its room until the
// socket dies.
func (m *Manager) readLoop(rm *Room, c *Client, conn *websocket.Conn) {
	ctx := context.Background()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if typ != websocket.MessageText {
			rm.sendError(c, wire.CodeInvalidMessage, "binary frames are not supported")
			continue
		}
		rm.HandleMessage(ctx, c, data)
	}

	m.metrics.ActiveClients.Add(ctx, -1)
	if rm.RemoveClient(c.ID) {
		m.scheduleReap(rm.ID)
	}
}

// getOrCreate returns the room for sessionID, creating it on first
// touch. Reports false during shutdown.
func (m *Manager) getOrCreate(sessionID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}
	rm, ok := m.rooms[sessionID]
	if !ok {
		rm = New(sessionID, m.settings, m.factory, m.bots)
		m.rooms[sessionID] = rm
		m.metrics.ActiveRooms.Add(context.Background(), 1)
		m.log.Info("room created", "session_id", sessionID)
	}
	return rm, true
}

// GetRoom looks up an existing room without creating one. Webhook
// ingress uses this so unknown session ids are rejected.
func (m *Manager) GetRoom(sessionID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[sessionID]
	return rm, ok
}

// GetRoomByBot finds the room a meeting bot is attached to. Webhook
// deliveries carry only the bot id, not a session id.
func (m *Manager) GetRoomByBot(botID string) (*Room, bool) {
	if botID == "" {
		return nil, false
	}
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, rm := range m.rooms {
		rooms = append(rooms, rm)
	}
	m.mu.Unlock()

	for _, rm := range rooms {
		if rm.BotID() == botID {
			return rm, true
		}
	}
	return nil, false
}

// RoomStates reports every live room's lifecycle state.
func (m *Manager) RoomStates() map[string]types.SessionStatus {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, rm := range m.rooms {
		rooms = append(rooms, rm)
	}
	m.mu.Unlock()

	out := make(map[string]types.SessionStatus, len(rooms))
	for _, rm := range rooms {
		out[rm.ID] = rm.Status()
	}
	return out
}

// RoomCount returns the number of live rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// scheduleReap arms the empty-room timer. A client joining within the
// grace period cancels it.
func (m *Manager) scheduleReap(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if t, ok := m.reaps[sessionID]; ok {
		t.Stop()
	}
	m.reaps[sessionID] = time.AfterFunc(emptyRoomGrace, func() {
		m.reap(sessionID)
	})
}

func (m *Manager) cancelReap(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.reaps[sessionID]; ok {
		t.Stop()
		delete(m.reaps, sessionID)
	}
}

// reap destroys a room that stayed empty through the grace period.
func (m *Manager) reap(sessionID string) {
	m.mu.Lock()
	delete(m.reaps, sessionID)
	rm, ok := m.rooms[sessionID]
	if !ok || rm.ClientCount() > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, sessionID)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rm.Destroy(ctx)
	m.metrics.ActiveRooms.Add(ctx, -1)
	m.log.Info("empty room reaped", "session_id", sessionID)
}

// heartbeatLoop pings every client on a fixed interval and evicts the
// ones that stopped answering.
func (m *Manager) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, rm := range m.rooms {
		rooms = append(rooms, rm)
	}
	m.mu.Unlock()

	now := m.now()
	for _, rm := range rooms {
		for _, c := range rm.Clients() {
			if now.Sub(c.lastPong()) > clientTimeout {
				m.log.Info("evicting unresponsive client", "session_id", rm.ID, "client_id", c.ID)
				c.close(websocket.StatusGoingAway, "heartbeat timeout")
				if rm.RemoveClient(c.ID) {
					m.scheduleReap(rm.ID)
				}
				continue
			}
			go func(rm *Room, c *Client) {
				ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
				defer cancel()
				if err := c.conn.Ping(ctx); err == nil {
					c.markAlive(m.now())
				}
			}(rm, c)
		}
	}
}

// Shutdown stops the heartbeat and destroys every room.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	for id, t := range m.reaps {
		t.Stop()
		delete(m.reaps, id)
	}
	rooms := make([]*Room, 0, len(m.rooms))
	for _, rm := range m.rooms {
		rooms = append(rooms, rm)
	}
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	for _, rm := range rooms {
		rm.Destroy(ctx)
		m.metrics.ActiveRooms.Add(ctx, -1)
	}
	m.log.Info("room manager shut down", "rooms_closed", len(rooms))
}
