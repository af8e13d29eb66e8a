// Package router correlates client commands to agent replies. It owns the
// single agent connection, the pending-request table, per-request deadlines,
// and lazy window creation.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jfikrat/helm-browser/internal/eventbus"
	"github.com/jfikrat/helm-browser/internal/registry"
	"github.com/jfikrat/helm-browser/pkg/protocol"
)

// writeWait bounds every write to the agent socket, messages and control
// frames alike.
const writeWait = 10 * time.Second

// Options configures the Router.
type Options struct {
	RequestTimeout      time.Duration // per-command deadline (default 30s)
	AgentConnectTimeout time.Duration // how long Dispatch waits for an agent (default 15s)
	CloseWindowTimeout  time.Duration // fire-and-forget close_window deadline (default 5s)
	PingInterval        time.Duration // JSON ping cadence to the agent (default 25s)
}

// Router routes per-session commands between clients and the browser agent.
type Router struct {
	reg    *registry.Registry
	bus    *eventbus.Bus
	logger *slog.Logger
	opts   Options

	serverID  string
	bootNonce string // prefixes reqIds so replies from a previous boot cannot collide
	reqSeq    atomic.Uint64

	mu            sync.Mutex
	agent         *agentConn
	agentUp       chan struct{} // closed while an agent is bound; replaced on disconnect
	pending       map[string]*pending
	windowFlights map[string]chan struct{} // sessionId → in-progress create_window
}

type agentConn struct {
	conn         *websocket.Conn
	mu           sync.Mutex // serializes all writes to the socket
	profileID    string
	capabilities []string
	connectedAt  time.Time
}

func (ac *agentConn) send(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()
	_ = ac.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ac.conn.WriteMessage(websocket.TextMessage, data)
}

type outcome struct {
	payload any
	err     *protocol.HelmError
}

type pending struct {
	reqID     string
	sessionID string
	ch        chan outcome // buffered 1; the remover of the table entry sends
	timer     *time.Timer
}

// New creates a Router. Zero option fields get defaults.
func New(reg *registry.Registry, bus *eventbus.Bus, logger *slog.Logger, opts Options) *Router {
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.AgentConnectTimeout == 0 {
		opts.AgentConnectTimeout = 15 * time.Second
	}
	if opts.CloseWindowTimeout == 0 {
		opts.CloseWindowTimeout = 5 * time.Second
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 25 * time.Second
	}

	r := &Router{
		reg:           reg,
		bus:           bus,
		logger:        logger.With("component", "router"),
		opts:          opts,
		serverID:      uuid.New().String(),
		bootNonce:     uuid.New().String()[:8],
		agentUp:       make(chan struct{}),
		pending:       make(map[string]*pending),
		windowFlights: make(map[string]chan struct{}),
	}

	reg.OnChange(r.BroadcastSessions)
	reg.OnRemove(r.handleSessionRemoved)
	return r
}

// ServerID returns the identity advertised in welcome messages.
func (r *Router) ServerID() string { return r.serverID }

// AgentConnected reports whether an agent is currently bound.
func (r *Router) AgentConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agent != nil
}

// --- Agent connection lifecycle ---

// HandleAgent binds a freshly-upgraded connection whose first message was the
// given hello, then reads agent messages until the connection closes. A second
// agent is rejected with close code 4000 while the first stays bound.
func (r *Router) HandleAgent(conn *websocket.Conn, hello *protocol.Envelope) {
	var payload protocol.HelloPayload
	if hello.Payload != nil {
		if err := protocol.DecodePayload(hello.Payload, &payload); err != nil {
			r.logger.Warn("malformed hello payload", "error", err)
		}
	}

	ac := &agentConn{
		conn:         conn,
		profileID:    payload.ProfileID,
		capabilities: payload.Capabilities,
		connectedAt:  time.Now(),
	}

	r.mu.Lock()
	if r.agent != nil {
		r.mu.Unlock()
		r.logger.Warn("rejecting duplicate agent", "profile_id", payload.ProfileID)
		msg := websocket.FormatCloseMessage(protocol.CloseAgentConflict, "agent already connected")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	// Windows from a previous browser process no longer exist.
	r.reg.ClearAllWindowIDs()

	// The welcome must reach the agent before any routed command, so it is
	// written before the connection becomes visible to Dispatch.
	welcome := &protocol.Envelope{
		Type: protocol.TypeWelcome,
		Payload: protocol.WelcomePayload{
			ServerID:        r.serverID,
			ProtocolVersion: protocol.Version,
			Sessions:        r.reg.Snapshot(),
		},
	}
	if err := ac.send(welcome); err != nil {
		r.mu.Unlock()
		r.logger.Warn("welcome write failed", "error", err)
		_ = conn.Close()
		return
	}
	r.agent = ac
	close(r.agentUp)
	r.mu.Unlock()

	r.logger.Info("agent connected", "profile_id", payload.ProfileID, "capabilities", len(payload.Capabilities))
	r.bus.Publish(eventbus.AgentConnected, "", map[string]any{
		"profileId":    payload.ProfileID,
		"capabilities": payload.Capabilities,
	})
	r.BroadcastSessions()

	keepaliveCtx, cancelKeepalive := context.WithCancel(context.Background())
	go r.runKeepalive(keepaliveCtx, ac)

	defer func() {
		cancelKeepalive()
		r.dropAgent(ac)
	}()

	// Any inbound frame counts as liveness; a socket silent for several ping
	// intervals is dead.
	_ = conn.SetReadDeadline(time.Now().Add(r.agentReadWait()))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("agent read error", "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(r.agentReadWait()))

		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			r.logger.Warn("invalid message from agent", "error", err)
			continue
		}
		r.handleAgentMessage(ac, &env)
	}
}

// dropAgent detaches the connection and rejects every in-flight request
// before any new agent can bind: the rejection happens under the same lock
// that guards binding.
func (r *Router) dropAgent(ac *agentConn) {
	r.mu.Lock()
	if r.agent != ac {
		r.mu.Unlock()
		return
	}
	r.agent = nil
	r.agentUp = make(chan struct{})
	r.reg.ClearAllWindowIDs()
	for reqID, p := range r.pending {
		delete(r.pending, reqID)
		p.timer.Stop()
		p.ch <- outcome{err: protocol.Errorf(protocol.CodeAgentDisconnected, "agent disconnected")}
	}
	r.mu.Unlock()

	_ = ac.conn.Close()
	r.logger.Info("agent disconnected", "profile_id", ac.profileID)
	r.bus.Publish(eventbus.AgentDisconnected, "", map[string]string{"profileId": ac.profileID})
}

func (r *Router) handleAgentMessage(ac *agentConn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeRouteResult:
		r.complete(env.ReqID, outcome{payload: env.Payload})

	case protocol.TypeError:
		if env.ReqID == "" {
			r.logger.Warn("agent error without reqId", "message", env.Message)
			return
		}
		var p protocol.ErrorPayload
		if env.Payload != nil {
			_ = protocol.DecodePayload(env.Payload, &p)
		}
		if p.Message == "" {
			p.Message = env.Message
		}
		code := p.Code
		if code == "" {
			code = protocol.CodeCommandFailed
		}
		r.complete(env.ReqID, outcome{err: &protocol.HelmError{Code: code, Message: p.Message}})

	case protocol.TypeKeepalive:
		// reply to our ping, nothing to do

	case protocol.TypeTabClosed:
		tabID, ok := env.ClosedTabID()
		if !ok {
			r.logger.Warn("tab_closed without tabId")
			return
		}
		r.reg.RemoveTabRoute(tabID)

	case protocol.TypeWindowClosed:
		var p protocol.WindowClosedPayload
		if err := protocol.DecodePayload(env.Payload, &p); err != nil || p.SessionID == "" {
			r.logger.Warn("window_closed without sessionId")
			return
		}
		r.reg.ClearWindow(p.SessionID)

	case protocol.TypeSelectSession:
		var p protocol.SelectSessionPayload
		if err := protocol.DecodePayload(env.Payload, &p); err != nil {
			r.logger.Warn("malformed select_session", "error", err)
			return
		}
		success := true
		if err := r.reg.SetTabRoute(p.TabID, p.SessionID); err != nil {
			r.logger.Warn("select_session rejected", "tab_id", p.TabID, "session_id", p.SessionID, "error", err)
			success = false
		}
		ack := &protocol.Envelope{
			Type:  protocol.TypeSessionSelected,
			ReqID: env.ReqID,
			Payload: protocol.SessionSelectedPayload{
				TabID:     p.TabID,
				SessionID: p.SessionID,
				Success:   success,
			},
		}
		if err := ac.send(ack); err != nil {
			r.logger.Warn("session_selected write failed", "error", err)
		}

	default:
		r.logger.Warn("unknown agent message type", "type", env.Type)
	}
}

// complete resolves a pending request. Unknown reqIds are logged and dropped;
// a reply is delivered to at most one waiter.
func (r *Router) complete(reqID string, oc outcome) {
	r.mu.Lock()
	p, ok := r.pending[reqID]
	if ok {
		delete(r.pending, reqID)
		p.timer.Stop()
		p.ch <- oc
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("dropping reply with unknown reqId", "req_id", reqID)
	}
}

// --- Dispatch ---

// Dispatch delivers one command for one session and returns its terminal
// outcome. Errors are always *protocol.HelmError with a stable code.
func (r *Router) Dispatch(ctx context.Context, sessionID, command string, params map[string]any) (any, error) {
	if _, ok := r.reg.Get(sessionID); !ok {
		return nil, protocol.Errorf(protocol.CodeSessionNotFound, "unknown session %q", sessionID)
	}

	ac, herr := r.waitForAgent(ctx)
	if herr != nil {
		return nil, r.failed(sessionID, command, herr)
	}

	if herr := r.ensureWindow(ctx, ac, sessionID); herr != nil {
		return nil, r.failed(sessionID, command, herr)
	}

	if params == nil {
		params = make(map[string]any)
	}
	// The agent scopes tab/window lookups by session.
	params["sessionId"] = sessionID

	result, herr := r.roundTrip(ctx, ac, sessionID, protocol.RoutePayload{
		Command: command,
		Params:  params,
	}, r.opts.RequestTimeout)
	if herr != nil {
		return nil, r.failed(sessionID, command, herr)
	}
	return result, nil
}

func (r *Router) failed(sessionID, command string, herr *protocol.HelmError) *protocol.HelmError {
	r.bus.Publish(eventbus.CommandFailed, sessionID, map[string]string{
		"command": command,
		"code":    herr.Code,
	})
	return herr
}

// waitForAgent returns the bound agent, signalling the browser launcher and
// waiting up to the connect timeout when none is present.
func (r *Router) waitForAgent(ctx context.Context) (*agentConn, *protocol.HelmError) {
	r.mu.Lock()
	ac, up := r.agent, r.agentUp
	r.mu.Unlock()
	if ac != nil {
		return ac, nil
	}

	// The external collaborator that owns browser startup listens for this.
	r.bus.Publish(eventbus.AgentWanted, "", nil)

	timer := time.NewTimer(r.opts.AgentConnectTimeout)
	defer timer.Stop()
	for {
		select {
		case <-up:
			r.mu.Lock()
			ac, up = r.agent, r.agentUp
			r.mu.Unlock()
			if ac != nil {
				return ac, nil
			}
		case <-timer.C:
			return nil, protocol.Errorf(protocol.CodeAgentNotConnected,
				"no browser agent connected after %s", r.opts.AgentConnectTimeout)
		case <-ctx.Done():
			return nil, protocol.Errorf(protocol.CodeClientDisconnected, "client disconnected")
		}
	}
}

// ensureWindow lazily creates the session's browser window. Creation is
// single-flight per session: concurrent first commands perform one
// create_window; the rest wait and re-check the cache.
func (r *Router) ensureWindow(ctx context.Context, ac *agentConn, sessionID string) *protocol.HelmError {
	for {
		if r.reg.HasWindow(sessionID) {
			return nil
		}

		r.mu.Lock()
		if flight, ok := r.windowFlights[sessionID]; ok {
			r.mu.Unlock()
			select {
			case <-flight:
				continue
			case <-ctx.Done():
				return protocol.Errorf(protocol.CodeClientDisconnected, "client disconnected")
			}
		}
		flight := make(chan struct{})
		r.windowFlights[sessionID] = flight
		r.mu.Unlock()

		herr := r.createWindow(ctx, ac, sessionID)

		r.mu.Lock()
		delete(r.windowFlights, sessionID)
		r.mu.Unlock()
		close(flight)

		return herr
	}
}

func (r *Router) createWindow(ctx context.Context, ac *agentConn, sessionID string) *protocol.HelmError {
	result, herr := r.roundTrip(ctx, ac, sessionID, protocol.RoutePayload{
		Command: "create_window",
		Params:  map[string]any{"sessionId": sessionID},
	}, r.opts.RequestTimeout)
	if herr != nil {
		return protocol.Errorf(protocol.CodeWindowCreationFailed, "create window: %s", herr.Message)
	}

	var reply struct {
		WindowID *int `json:"windowId"`
	}
	if err := protocol.DecodePayload(result, &reply); err != nil || reply.WindowID == nil {
		return protocol.Errorf(protocol.CodeWindowCreationFailed, "agent reply carried no windowId")
	}

	r.reg.SetWindowID(sessionID, *reply.WindowID)
	r.logger.Info("window created", "session_id", sessionID, "window_id", *reply.WindowID)
	return nil
}

// roundTrip registers a pending request, forwards the route message, and waits
// for exactly one terminal outcome: reply, agent error, deadline, agent
// disconnect, or client disconnect.
func (r *Router) roundTrip(ctx context.Context, ac *agentConn, sessionID string, payload protocol.RoutePayload, timeout time.Duration) (any, *protocol.HelmError) {
	reqID := r.nextReqID()
	p := &pending{
		reqID:     reqID,
		sessionID: sessionID,
		ch:        make(chan outcome, 1),
	}

	r.mu.Lock()
	if r.agent != ac {
		r.mu.Unlock()
		return nil, protocol.Errorf(protocol.CodeAgentDisconnected, "agent disconnected")
	}
	r.pending[reqID] = p
	p.timer = time.AfterFunc(timeout, func() {
		r.complete(reqID, outcome{err: protocol.Errorf(protocol.CodeRequestTimeout,
			"no reply within %s", timeout)})
	})
	r.mu.Unlock()

	env := &protocol.Envelope{
		Type:      protocol.TypeRoute,
		ReqID:     reqID,
		SessionID: sessionID,
		Payload:   payload,
	}
	if err := ac.send(env); err != nil {
		r.remove(reqID)
		return nil, protocol.Errorf(protocol.CodeAgentDisconnected, "agent write failed: %v", err)
	}

	select {
	case oc := <-p.ch:
		return oc.payload, oc.err
	case <-ctx.Done():
		// The command may already be running in the browser; its eventual
		// reply finds no pending entry and is dropped.
		r.remove(reqID)
		return nil, protocol.Errorf(protocol.CodeClientDisconnected, "client disconnected")
	}
}

// remove deletes a pending entry without delivering an outcome.
func (r *Router) remove(reqID string) {
	r.mu.Lock()
	if p, ok := r.pending[reqID]; ok {
		delete(r.pending, reqID)
		p.timer.Stop()
	}
	r.mu.Unlock()
}

func (r *Router) nextReqID() string {
	return fmt.Sprintf("%s-%d", r.bootNonce, r.reqSeq.Add(1))
}

// --- Registry hooks ---

// handleSessionRemoved rejects the session's in-flight requests and, if it had
// a window, asks the agent to close it (fire-and-forget).
func (r *Router) handleSessionRemoved(sessionID string, windowID *int) {
	r.FailSession(sessionID, protocol.CodeClientDisconnected)
	if windowID != nil {
		go r.closeWindow(sessionID, *windowID)
	}
}

// FailSession rejects all pending requests originated by a session.
func (r *Router) FailSession(sessionID, code string) {
	r.mu.Lock()
	for reqID, p := range r.pending {
		if p.sessionID != sessionID {
			continue
		}
		delete(r.pending, reqID)
		p.timer.Stop()
		p.ch <- outcome{err: protocol.Errorf(code, "session %s gone", sessionID)}
	}
	r.mu.Unlock()
}

// closeWindow tells the agent to tear down an unregistered session's window.
// The session is already gone, so errors are only logged.
func (r *Router) closeWindow(sessionID string, windowID int) {
	r.mu.Lock()
	ac := r.agent
	r.mu.Unlock()
	if ac == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.CloseWindowTimeout)
	defer cancel()
	_, herr := r.roundTrip(ctx, ac, sessionID, protocol.RoutePayload{
		Command: "close_window",
		Params:  map[string]any{"sessionId": sessionID, "windowId": windowID},
	}, r.opts.CloseWindowTimeout)
	if herr != nil {
		r.logger.Debug("close_window failed", "session_id", sessionID, "code", herr.Code)
	}
}

// BroadcastSessions pushes the current session snapshot and tab routing to the
// agent. No-op when no agent is bound.
func (r *Router) BroadcastSessions() {
	r.mu.Lock()
	ac := r.agent
	r.mu.Unlock()
	if ac == nil {
		return
	}

	env := &protocol.Envelope{
		Type: protocol.TypeSessions,
		Payload: protocol.SessionsPayload{
			Sessions:   r.reg.Snapshot(),
			TabRouting: r.reg.TabRouting(),
		},
	}
	if err := ac.send(env); err != nil {
		r.logger.Warn("sessions broadcast failed", "error", err)
	}
}

// Shutdown rejects all pending requests and closes the agent connection with a
// normal close code.
func (r *Router) Shutdown() {
	r.mu.Lock()
	ac := r.agent
	r.agent = nil
	r.agentUp = make(chan struct{})
	for reqID, p := range r.pending {
		delete(r.pending, reqID)
		p.timer.Stop()
		p.ch <- outcome{err: protocol.Errorf(protocol.CodeAgentDisconnected, "daemon shutting down")}
	}
	r.mu.Unlock()

	if ac != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
		_ = ac.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = ac.conn.Close()
	}
}
