// Package server is the daemon's transport: one loopback listener speaking
// plain HTTP for the health snapshot and WebSocket for everything else. Each
// WebSocket connection is untyped until its first message, which decides
// whether it is the browser agent or a client.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jfikrat/helm-browser/internal/eventbus"
	"github.com/jfikrat/helm-browser/internal/registry"
	"github.com/jfikrat/helm-browser/internal/router"
	"github.com/jfikrat/helm-browser/pkg/protocol"
)

// firstMessageWait bounds how long an untyped connection may stay silent
// before it is dropped.
const firstMessageWait = 30 * time.Second

// Server routes inbound connections to the registry and router.
type Server struct {
	reg      *registry.Registry
	router   *router.Router
	bus      *eventbus.Bus
	logger   *slog.Logger
	mux      *chi.Mux
	upgrader websocket.Upgrader

	startTime time.Time

	mu      sync.Mutex
	clients map[*clientConn]struct{}
}

type clientConn struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes all writes to the socket
}

func (c *clientConn) send(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// healthSnapshot is the body of GET /health.
type healthSnapshot struct {
	Status          string                     `json:"status"`
	PID             int                        `json:"pid"`
	StartedAt       time.Time                  `json:"startedAt"`
	ProtocolVersion int                        `json:"protocolVersion"`
	AgentConnected  bool                       `json:"agentConnected"`
	ClientCount     int                        `json:"clientCount"`
	Sessions        []protocol.SessionSnapshot `json:"sessions"`
}

// New creates a Server wired to the given registry and router.
func New(reg *registry.Registry, rt *router.Router, bus *eventbus.Bus, logger *slog.Logger) *Server {
	s := &Server{
		reg:    reg,
		router: rt,
		bus:    bus,
		logger: logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The listener is loopback-only; browser extensions connect with
			// an extension origin, so origin checks stay open.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
		clients:   make(map[*clientConn]struct{}),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Get("/", s.handleHealth)
	mux.Get("/health", s.handleHealth)
	mux.Get("/ws", s.handleWS)
	s.mux = mux

	return s
}

// Handler returns the HTTP handler for the daemon's single port.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	snap := healthSnapshot{
		Status:          "ok",
		PID:             os.Getpid(),
		StartedAt:       s.startTime,
		ProtocolVersion: protocol.Version,
		AgentConnected:  s.router.AgentConnected(),
		ClientCount:     s.reg.Count(),
		Sessions:        s.reg.Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		s.logger.Debug("health write failed", "error", err)
	}
}

// handleWS upgrades a connection and infers its role from the first message.
func (s *Server) handleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(firstMessageWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("first message read failed", "error", err)
		_ = conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.closeProtocolError(conn, "malformed JSON")
		return
	}

	switch env.Type {
	case protocol.TypeHello:
		s.router.HandleAgent(conn, &env)

	case protocol.TypeRegister, protocol.TypeCommand, protocol.TypeKeepalive, protocol.TypeUnregister:
		if env.SessionID == "" {
			s.closeProtocolError(conn, "missing sessionId")
			return
		}
		s.handleClient(conn, &env)

	default:
		s.closeProtocolError(conn, "unknown message type "+env.Type)
	}
}

func (s *Server) closeProtocolError(conn *websocket.Conn, reason string) {
	s.logger.Warn("protocol error on new connection", "reason", reason)
	env := &protocol.Envelope{
		Type:    protocol.TypeError,
		Code:    protocol.CodeProtocolError,
		Message: reason,
	}
	if data, err := json.Marshal(env); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	msg := websocket.FormatCloseMessage(websocket.CloseProtocolError, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// handleClient owns one client connection. The connection is associated with
// the sessionId carried in its first message; per-connection failures never
// terminate the daemon.
func (s *Server) handleClient(conn *websocket.Conn, first *protocol.Envelope) {
	connID := uuid.New().String()
	cc := &clientConn{conn: conn}

	s.mu.Lock()
	s.clients[cc] = struct{}{}
	s.mu.Unlock()

	// Canceling the connection context rejects the client's in-flight
	// dispatches.
	ctx, cancel := context.WithCancel(context.Background())

	sessionID := first.SessionID
	s.logger.Info("client connected", "session_id", sessionID)

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.clients, cc)
		s.mu.Unlock()
		// Closing the connection destroys its registration, unless a newer
		// connection took the session over.
		s.reg.UnregisterConn(sessionID, connID)
		_ = conn.Close()
		s.logger.Info("client disconnected", "session_id", sessionID)
	}()

	s.handleClientMessage(ctx, cc, connID, first)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			s.logger.Debug("client read error", "session_id", sessionID, "error", err)
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			s.logger.Warn("invalid message from client", "session_id", sessionID, "error", err)
			s.sendError(cc, "", sessionID, protocol.CodeProtocolError, "malformed JSON")
			continue
		}
		s.handleClientMessage(ctx, cc, connID, &env)
	}
}

func (s *Server) handleClientMessage(ctx context.Context, cc *clientConn, connID string, env *protocol.Envelope) {
	if env.SessionID != "" {
		s.reg.MarkLastSeen(env.SessionID)
	}

	switch env.Type {
	case protocol.TypeRegister:
		s.reg.Register(env.SessionID, env.Label, connID, cc.send)
		ok := true
		if err := cc.send(&protocol.Envelope{
			Type:      protocol.TypeRegistered,
			SessionID: env.SessionID,
			Success:   &ok,
		}); err != nil {
			s.logger.Warn("registered ack failed", "session_id", env.SessionID, "error", err)
		}

	case protocol.TypeKeepalive:
		s.reg.Keepalive(env.SessionID)

	case protocol.TypeCommand:
		if env.ReqID == "" || env.Command == "" {
			s.sendError(cc, env.ReqID, env.SessionID, protocol.CodeProtocolError, "command requires reqId and command")
			return
		}
		// Each dispatch gets its own task; replies interleave by reqId.
		go s.dispatch(ctx, cc, env)

	case protocol.TypeUnregister:
		s.reg.Unregister(env.SessionID)

	default:
		s.sendError(cc, env.ReqID, env.SessionID, protocol.CodeProtocolError, "unknown message type "+env.Type)
	}
}

func (s *Server) dispatch(ctx context.Context, cc *clientConn, env *protocol.Envelope) {
	result, err := s.router.Dispatch(ctx, env.SessionID, env.Command, env.Params)
	if err != nil {
		herr := protocol.AsHelmError(err)
		s.sendError(cc, env.ReqID, env.SessionID, herr.Code, herr.Message)
		return
	}

	if err := cc.send(&protocol.Envelope{
		Type:      protocol.TypeResponse,
		ReqID:     env.ReqID,
		SessionID: env.SessionID,
		Payload:   result,
	}); err != nil {
		s.logger.Debug("response write failed", "req_id", env.ReqID, "error", err)
	}
}

func (s *Server) sendError(cc *clientConn, reqID, sessionID, code, message string) {
	if err := cc.send(&protocol.Envelope{
		Type:      protocol.TypeError,
		ReqID:     reqID,
		SessionID: sessionID,
		Code:      code,
		Message:   message,
	}); err != nil {
		s.logger.Debug("error write failed", "req_id", reqID, "error", err)
	}
}

// RunStatusNotifier pushes a status frame to every client whenever agent
// connectivity changes. Stops when ctx is canceled or the bus closes.
func (s *Server) RunStatusNotifier(ctx context.Context) {
	sub := s.bus.Subscribe(eventbus.AgentConnected, eventbus.AgentDisconnected)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			connected := e.Type == eventbus.AgentConnected
			count := s.reg.Count()
			s.reg.Broadcast(&protocol.Envelope{
				Type:           protocol.TypeStatus,
				AgentConnected: &connected,
				SessionCount:   &count,
			})
		}
	}
}

// CloseClients closes every client connection with a normal close code.
func (s *Server) CloseClients() {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.clients))
	for cc := range s.clients {
		conns = append(conns, cc)
	}
	s.clients = make(map[*clientConn]struct{})
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
	for _, cc := range conns {
		cc.mu.Lock()
		_ = cc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		cc.mu.Unlock()
		_ = cc.conn.Close()
	}
}
