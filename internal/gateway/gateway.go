// Package gateway is the WebSocket connection core: per-connection handshake
// with a challenge event, backpressure-guarded sends, close-cause
// attribution, and presence/health broadcast to all connected clients.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/aira-core/openclaw/internal/bus"
)

// Close causes recorded on the connection scratchpad.
const (
	CloseCauseBackpressure     = "ws-backpressure"
	CloseCauseHandshakeTimeout = "handshake-timeout"
	CloseCauseAuthFailed       = "auth-failed"
	CloseCauseClientGone       = "client-gone"
)

// Handshake states.
const (
	HandshakePending   = "pending"
	HandshakeConnected = "connected"
	HandshakeFailed    = "failed"
)

const (
	defaultMaxBufferedBytes = 1 << 20 // 1 MiB of queued outbound frames
	defaultHandshakeTimeout = 10 * time.Second
)

// AgentSender delivers a wake/agent RPC payload into a session.
type AgentSender func(ctx context.Context, sessionKey, message, lane, idempotencyKey, deliver string) error

// Config wires a Server.
type Config struct {
	AuthToken        string
	MaxBufferedBytes int64
	HandshakeTimeout time.Duration
	AllowOrigins     []string

	AgentSender AgentSender
	Logger      *slog.Logger
	Bus         *bus.Bus
}

// Server accepts and supervises gateway WebSocket connections.
type Server struct {
	cfg       Config
	readiness *Readiness

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
	nodes     map[string]*client // node-role clients by connId

	presenceVersion atomic.Int64
	healthVersion   atomic.Int64

	wakesMu   sync.Mutex
	seenWakes map[string]struct{} // agent-RPC idempotency keys
}

// lastFrame remembers the most recent inbound frame for close attribution.
type lastFrame struct {
	Type   string
	Method string
	ID     string
}

// client is the per-connection scratchpad.
type client struct {
	id   string
	conn *websocket.Conn

	writeMu  sync.Mutex
	buffered atomic.Int64 // queued outbound bytes not yet flushed

	mu             sync.Mutex
	closed         bool
	handshakeState string
	closeCause     string
	closeMeta      map[string]any
	last           lastFrame
	role           string
	connectedAt    time.Time
	handshakeTimer *time.Timer
	headers        http.Header
}

// Frame shapes on the wire. Events are {type:"event", event, payload}; RPCs
// carry {id, method, params} and are answered with {id, result|error}.
type eventFrame struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type rpcFrame struct {
	Type   string          `json:"type,omitempty"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type rpcResult struct {
	ID     string    `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// New builds a Server.
func New(cfg Config) *Server {
	if cfg.MaxBufferedBytes <= 0 {
		cfg.MaxBufferedBytes = defaultMaxBufferedBytes
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		readiness: NewReadiness(),
		clients:   make(map[*client]struct{}),
		nodes:     make(map[string]*client),
		seenWakes: make(map[string]struct{}),
	}
}

// Readiness exposes the phase tracker so the daemon can advance it.
func (s *Server) Readiness() *Readiness { return s.readiness }

// Handler returns the HTTP handler hosting the /ws endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}

	c := &client{
		id:             uuid.NewString(),
		conn:           conn,
		handshakeState: HandshakePending,
		closeMeta:      make(map[string]any),
		connectedAt:    time.Now(),
		headers:        r.Header.Clone(),
	}
	s.addClient(c)
	defer s.finishClient(c)

	// The challenge must be the first event on a new socket.
	s.send(r.Context(), c, eventFrame{
		Type:  "event",
		Event: "connect.challenge",
		Payload: map[string]any{
			"nonce": uuid.NewString(),
			"ts":    time.Now().UnixMilli(),
		},
	})

	c.mu.Lock()
	c.handshakeTimer = time.AfterFunc(s.cfg.HandshakeTimeout, func() {
		c.mu.Lock()
		pending := c.handshakeState == HandshakePending && !c.closed
		if pending {
			c.handshakeState = HandshakeFailed
			c.closeCause = CloseCauseHandshakeTimeout
		}
		c.mu.Unlock()
		if pending {
			conn.Close(websocket.StatusPolicyViolation, "handshake timeout")
		}
	})
	c.mu.Unlock()

	s.broadcastPresence(r.Context())

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			c.mu.Lock()
			if c.closeCause == "" {
				c.closeCause = CloseCauseClientGone
			}
			c.mu.Unlock()
			return
		}
		var frame rpcFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		c.mu.Lock()
		c.last = lastFrame{Type: frame.Type, Method: frame.Method, ID: frame.ID}
		c.mu.Unlock()

		s.dispatch(r.Context(), c, frame)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, frame rpcFrame) {
	switch frame.Method {
	case "connect":
		s.handleConnect(ctx, c, frame)
	case "presence":
		s.broadcastPresence(ctx)
		s.reply(ctx, c, frame.ID, map[string]any{"ok": true}, nil)
	case "health":
		s.healthVersion.Add(1)
		s.reply(ctx, c, frame.ID, s.readiness.Snapshot(), nil)
	case "agent":
		s.handleAgent(ctx, c, frame)
	default:
		s.reply(ctx, c, frame.ID, nil, &rpcError{Code: -32601, Message: "method not found"})
	}
}

func (s *Server) handleConnect(ctx context.Context, c *client, frame rpcFrame) {
	var p struct {
		Token string `json:"token"`
		Role  string `json:"role"`
	}
	if frame.Params != nil {
		if err := json.Unmarshal(frame.Params, &p); err != nil {
			s.reply(ctx, c, frame.ID, nil, &rpcError{Code: -32600, Message: "invalid params"})
			return
		}
	}
	if s.cfg.AuthToken != "" && p.Token != s.cfg.AuthToken {
		c.mu.Lock()
		c.handshakeState = HandshakeFailed
		c.closeCause = CloseCauseAuthFailed
		c.mu.Unlock()
		s.reply(ctx, c, frame.ID, nil, &rpcError{Code: 4401, Message: "unauthorized"})
		c.conn.Close(websocket.StatusPolicyViolation, "unauthorized")
		return
	}

	c.mu.Lock()
	c.handshakeState = HandshakeConnected
	c.role = p.Role
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	c.mu.Unlock()

	if p.Role == "node" {
		s.clientsMu.Lock()
		s.nodes[c.id] = c
		s.clientsMu.Unlock()
	}

	s.reply(ctx, c, frame.ID, map[string]any{"connId": c.id, "protocol": "openclaw-gw/1"}, nil)
	s.broadcastPresence(ctx)
}

// handleAgent receives the parent-wake RPC. Duplicate idempotency keys are
// acknowledged without a second delivery.
func (s *Server) handleAgent(ctx context.Context, c *client, frame rpcFrame) {
	var p struct {
		SessionKey     string `json:"sessionKey"`
		Message        string `json:"message"`
		Lane           string `json:"lane"`
		IdempotencyKey string `json:"idempotencyKey"`
		Deliver        any    `json:"deliver"` // false or {"channel":"last"}
	}
	if err := json.Unmarshal(frame.Params, &p); err != nil || p.SessionKey == "" {
		s.reply(ctx, c, frame.ID, nil, &rpcError{Code: -32600, Message: "sessionKey required"})
		return
	}

	if p.IdempotencyKey != "" {
		s.wakesMu.Lock()
		_, dup := s.seenWakes[p.IdempotencyKey]
		if !dup {
			s.seenWakes[p.IdempotencyKey] = struct{}{}
		}
		s.wakesMu.Unlock()
		if dup {
			s.reply(ctx, c, frame.ID, map[string]any{"ok": true, "duplicate": true}, nil)
			return
		}
	}

	deliver := ""
	if m, ok := p.Deliver.(map[string]any); ok {
		if ch, ok := m["channel"].(string); ok {
			deliver = ch
		}
	}

	if s.cfg.AgentSender == nil {
		s.reply(ctx, c, frame.ID, nil, &rpcError{Code: -32603, Message: "no agent route"})
		return
	}
	if err := s.cfg.AgentSender(ctx, p.SessionKey, p.Message, p.Lane, p.IdempotencyKey, deliver); err != nil {
		s.reply(ctx, c, frame.ID, nil, &rpcError{Code: -32603, Message: err.Error()})
		return
	}
	s.reply(ctx, c, frame.ID, map[string]any{"ok": true}, nil)
}

func (s *Server) reply(ctx context.Context, c *client, id string, result any, rpcErr *rpcError) {
	if id == "" {
		return
	}
	s.send(ctx, c, rpcResult{ID: id, Result: result, Error: rpcErr})
}

// send is the backpressure-guarded write path. The buffered byte count is
// checked before serialization and again against the frame size before the
// actual write; either breach closes the socket with 1008 "slow consumer".
// Send failures are swallowed: the read loop notices the dead socket.
func (s *Server) send(ctx context.Context, c *client, frame any) {
	buffered := c.buffered.Load()
	if buffered > s.cfg.MaxBufferedBytes {
		s.closeSlowConsumer(c, "pre-stringify", buffered, 0)
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	frameBytes := int64(len(data))
	if buffered+frameBytes > s.cfg.MaxBufferedBytes {
		s.closeSlowConsumer(c, "pre-send", buffered, frameBytes)
		return
	}

	c.buffered.Add(frameBytes)
	defer c.buffered.Add(-frameBytes)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) closeSlowConsumer(c *client, phase string, buffered, frameBytes int64) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCause = CloseCauseBackpressure
	c.closeMeta = map[string]any{
		"maxBufferedBytes": s.cfg.MaxBufferedBytes,
		"bufferedAmount":   buffered,
		"phase":            phase,
	}
	if frameBytes > 0 {
		c.closeMeta["frameBytes"] = frameBytes
	}
	c.mu.Unlock()

	c.conn.Close(websocket.StatusPolicyViolation, "slow consumer")
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	s.clientsMu.Unlock()
}

// finishClient runs when the read loop exits: structured close log, registry
// cleanup, and a presence broadcast.
func (s *Server) finishClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	_, wasNode := s.nodes[c.id]
	delete(s.nodes, c.id)
	s.clientsMu.Unlock()

	c.mu.Lock()
	c.closed = true
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	cause := c.closeCause
	meta := c.closeMeta
	last := c.last
	duration := time.Since(c.connectedAt)
	headers := c.headers
	c.mu.Unlock()

	s.cfg.Logger.Info("gateway connection closed",
		"conn_id", c.id,
		"cause", cause,
		"duration_ms", duration.Milliseconds(),
		"last_frame_type", last.Type,
		"last_frame_method", last.Method,
		"last_frame_id", last.ID,
		"close_meta", meta,
		"was_node", wasNode,
		"headers", sanitizeHeaders(headers),
	)

	c.conn.Close(websocket.StatusNormalClosure, "bye")
	s.broadcastPresence(context.Background())
}

// broadcastPresence bumps the presence version, then fans the event out to
// every connected client through the guarded send path.
func (s *Server) broadcastPresence(ctx context.Context) {
	version := s.presenceVersion.Add(1)

	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	count := len(targets)
	s.clientsMu.RUnlock()

	payload := bus.PresenceEvent{Version: version, Clients: count}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicGatewayPresence, payload)
	}
	frame := eventFrame{Type: "event", Event: "presence", Payload: payload}
	for _, c := range targets {
		s.send(ctx, c, frame)
	}
}

// BroadcastHealth bumps the health version and fans out the readiness state.
func (s *Server) BroadcastHealth(ctx context.Context) {
	version := s.healthVersion.Add(1)
	snapshot := s.readiness.Snapshot()

	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicGatewayHealth, bus.HealthEvent{Version: version, Phase: snapshot.Phase})
	}

	s.clientsMu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.RUnlock()

	frame := eventFrame{Type: "event", Event: "health", Payload: map[string]any{
		"version": version,
		"state":   snapshot,
	}}
	for _, c := range targets {
		s.send(ctx, c, frame)
	}
}

// ClientCount reports connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
