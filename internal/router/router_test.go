package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jfikrat/helm-browser/internal/eventbus"
	"github.com/jfikrat/helm-browser/internal/registry"
	"github.com/jfikrat/helm-browser/pkg/protocol"
)

func noSend(*protocol.Envelope) error { return nil }

// newTestRouter starts a router behind a minimal WebSocket listener that
// hands hello connections to HandleAgent, mirroring the transport's role
// inference.
func newTestRouter(t *testing.T) (*Router, *registry.Registry, *eventbus.Bus, string) {
	t.Helper()

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	reg := registry.New(time.Minute, bus, slog.Default())
	rt := New(reg, bus, slog.Default(), Options{
		RequestTimeout:      500 * time.Millisecond,
		AgentConnectTimeout: 300 * time.Millisecond,
		CloseWindowTimeout:  200 * time.Millisecond,
		PingInterval:        time.Minute,
	})

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil || env.Type != protocol.TypeHello {
			_ = conn.Close()
			return
		}
		rt.HandleAgent(conn, &env)
	}))
	t.Cleanup(srv.Close)

	return rt, reg, bus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// fakeAgent is a scripted browser agent. The handler is called for every
// route message; a non-nil return is written back. All other frames land on
// the events channel.
type fakeAgent struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	events  chan *protocol.Envelope
	handler func(env *protocol.Envelope) *protocol.Envelope
	done    chan struct{}
}

func dialAgent(t *testing.T, url string, handler func(env *protocol.Envelope) *protocol.Envelope) *fakeAgent {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}

	a := &fakeAgent{
		conn:    conn,
		events:  make(chan *protocol.Envelope, 32),
		handler: handler,
		done:    make(chan struct{}),
	}
	t.Cleanup(a.close)

	a.send(t, &protocol.Envelope{
		Type:    protocol.TypeHello,
		Payload: protocol.HelloPayload{ProfileID: "default", Capabilities: []string{"tabs", "windows"}},
	})

	go func() {
		defer close(a.done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			if env.Type == protocol.TypeRoute && a.handler != nil {
				if reply := a.handler(&env); reply != nil {
					a.write(reply)
				}
				continue
			}
			select {
			case a.events <- &env:
			default:
			}
		}
	}()

	return a
}

func (a *fakeAgent) send(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	if err := a.write(env); err != nil {
		t.Fatalf("agent send: %v", err)
	}
}

func (a *fakeAgent) write(env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *fakeAgent) close() {
	_ = a.conn.Close()
	<-a.done
}

// waitEvent waits for the next frame of the given type, skipping others.
func (a *fakeAgent) waitEvent(t *testing.T, msgType string) *protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-a.events:
			if env.Type == msgType {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", msgType)
		}
	}
}

func waitForAgentBound(t *testing.T, rt *Router) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !rt.AgentConnected() {
		if time.Now().After(deadline) {
			t.Fatal("agent never bound")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// echoAgent answers create_window with a fixed windowId and every other
// command with {ok:true, command}.
func echoAgent(windowID int, createCount *int, mu *sync.Mutex) func(env *protocol.Envelope) *protocol.Envelope {
	return func(env *protocol.Envelope) *protocol.Envelope {
		var route protocol.RoutePayload
		_ = protocol.DecodePayload(env.Payload, &route)

		if route.Command == "create_window" {
			if createCount != nil {
				mu.Lock()
				*createCount++
				mu.Unlock()
			}
			return &protocol.Envelope{
				Type:      protocol.TypeRouteResult,
				ReqID:     env.ReqID,
				SessionID: env.SessionID,
				Payload:   map[string]any{"windowId": windowID},
			}
		}
		return &protocol.Envelope{
			Type:      protocol.TypeRouteResult,
			ReqID:     env.ReqID,
			SessionID: env.SessionID,
			Payload:   map[string]any{"ok": true, "command": route.Command},
		}
	}
}

func TestDispatch_NoAgent(t *testing.T) {
	rt, reg, bus, _ := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	wanted := bus.Subscribe(eventbus.AgentWanted)
	defer wanted.Close()

	_, err := rt.Dispatch(context.Background(), "s1", "navigate", nil)
	herr := protocol.AsHelmError(err)
	if herr.Code != protocol.CodeAgentNotConnected {
		t.Fatalf("expected AGENT_NOT_CONNECTED, got %v", err)
	}

	select {
	case <-wanted.C:
	case <-time.After(time.Second):
		t.Error("expected agent.wanted signal for the browser launcher")
	}
}

func TestDispatch_UnknownSession(t *testing.T) {
	rt, _, _, _ := newTestRouter(t)

	_, err := rt.Dispatch(context.Background(), "ghost", "navigate", nil)
	if protocol.AsHelmError(err).Code != protocol.CodeSessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", err)
	}
}

func TestDispatch_HappyPathAndWindowCache(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	var mu sync.Mutex
	creates := 0
	a := dialAgent(t, url, echoAgent(42, &creates, &mu))
	a.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	result, err := rt.Dispatch(context.Background(), "s1", "navigate", map[string]any{"url": "https://example.com"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	var reply struct {
		OK      bool   `json:"ok"`
		Command string `json:"command"`
	}
	if err := protocol.DecodePayload(result, &reply); err != nil {
		t.Fatal(err)
	}
	if !reply.OK || reply.Command != "navigate" {
		t.Errorf("unexpected reply: %+v", reply)
	}

	sess, _ := reg.Get("s1")
	if sess.WindowID == nil || *sess.WindowID != 42 {
		t.Errorf("expected window 42 bound, got %+v", sess.WindowID)
	}

	// Second dispatch must not create another window.
	if _, err := rt.Dispatch(context.Background(), "s1", "get_tabs", nil); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	mu.Lock()
	got := creates
	mu.Unlock()
	if got != 1 {
		t.Errorf("expected exactly one create_window, got %d", got)
	}
}

func TestDispatch_SessionIDInjected(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	var mu sync.Mutex
	var seen []string
	a := dialAgent(t, url, func(env *protocol.Envelope) *protocol.Envelope {
		var route protocol.RoutePayload
		_ = protocol.DecodePayload(env.Payload, &route)
		mu.Lock()
		if sid, _ := route.Params["sessionId"].(string); sid != "" {
			seen = append(seen, sid)
		}
		mu.Unlock()
		return echoAgent(7, nil, nil)(env)
	})
	a.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	if _, err := rt.Dispatch(context.Background(), "s1", "navigate", map[string]any{"url": "x"}); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected sessionId on create_window and navigate, got %v", seen)
	}
	for _, sid := range seen {
		if sid != "s1" {
			t.Errorf("foreign sessionId forwarded: %s", sid)
		}
	}
}

func TestDispatch_Timeout(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	// Replies to create_window, then goes silent.
	var silentReq string
	var mu sync.Mutex
	a := dialAgent(t, url, func(env *protocol.Envelope) *protocol.Envelope {
		var route protocol.RoutePayload
		_ = protocol.DecodePayload(env.Payload, &route)
		if route.Command == "create_window" {
			return echoAgent(1, nil, nil)(env)
		}
		mu.Lock()
		silentReq = env.ReqID
		mu.Unlock()
		return nil
	})
	a.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	start := time.Now()
	_, err := rt.Dispatch(context.Background(), "s1", "navigate", nil)
	if protocol.AsHelmError(err).Code != protocol.CodeRequestTimeout {
		t.Fatalf("expected REQUEST_TIMEOUT, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Errorf("timed out too early: %v", elapsed)
	}

	// A late reply for the expired reqId is dropped silently and the router
	// stays usable.
	mu.Lock()
	late := silentReq
	mu.Unlock()
	a.send(t, &protocol.Envelope{
		Type:    protocol.TypeRouteResult,
		ReqID:   late,
		Payload: map[string]any{"ok": true},
	})

	if _, err := rt.Dispatch(context.Background(), "s1", "get_tabs", nil); err != nil {
		// get_tabs also goes unanswered by this agent; timeout is the
		// expected terminal outcome, anything else means corrupted state.
		if protocol.AsHelmError(err).Code != protocol.CodeRequestTimeout {
			t.Fatalf("router broken after late reply: %v", err)
		}
	}
}

func TestDispatch_AgentErrorReply(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	a := dialAgent(t, url, func(env *protocol.Envelope) *protocol.Envelope {
		var route protocol.RoutePayload
		_ = protocol.DecodePayload(env.Payload, &route)
		if route.Command == "create_window" {
			return echoAgent(1, nil, nil)(env)
		}
		return &protocol.Envelope{
			Type:    protocol.TypeError,
			ReqID:   env.ReqID,
			Payload: protocol.ErrorPayload{Message: "no such element"},
		}
	})
	a.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	_, err := rt.Dispatch(context.Background(), "s1", "click", map[string]any{"selector": "#gone"})
	herr := protocol.AsHelmError(err)
	if herr.Code != protocol.CodeCommandFailed {
		t.Fatalf("expected COMMAND_FAILED, got %v", err)
	}
	if !strings.Contains(herr.Message, "no such element") {
		t.Errorf("agent message lost: %q", herr.Message)
	}
}

func TestDispatch_WindowCreationFailed(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	a := dialAgent(t, url, func(env *protocol.Envelope) *protocol.Envelope {
		return &protocol.Envelope{
			Type:    protocol.TypeError,
			ReqID:   env.ReqID,
			Payload: protocol.ErrorPayload{Message: "browser refused"},
		}
	})
	a.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	_, err := rt.Dispatch(context.Background(), "s1", "navigate", nil)
	if protocol.AsHelmError(err).Code != protocol.CodeWindowCreationFailed {
		t.Fatalf("expected WINDOW_CREATION_FAILED, got %v", err)
	}
	if rt.reg.HasWindow("s1") {
		t.Error("window cache polluted by failed creation")
	}
}

func TestAgentDisconnect_RejectsPending(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	a := dialAgent(t, url, func(env *protocol.Envelope) *protocol.Envelope {
		var route protocol.RoutePayload
		_ = protocol.DecodePayload(env.Payload, &route)
		if route.Command == "create_window" {
			return echoAgent(1, nil, nil)(env)
		}
		return nil // leave the command in flight
	})
	a.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	errCh := make(chan error, 1)
	go func() {
		_, err := rt.Dispatch(context.Background(), "s1", "navigate", nil)
		errCh <- err
	}()

	// Let the command reach the agent, then kill the connection.
	time.Sleep(100 * time.Millisecond)
	a.close()

	select {
	case err := <-errCh:
		if protocol.AsHelmError(err).Code != protocol.CodeAgentDisconnected {
			t.Fatalf("expected AGENT_DISCONNECTED, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on agent disconnect")
	}

	sess, _ := reg.Get("s1")
	if sess.WindowID != nil {
		t.Error("window id survived agent disconnect")
	}
	if reg.HasWindow("s1") {
		t.Error("window cache survived agent disconnect")
	}
}

func TestDuplicateAgentRejected(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	a1 := dialAgent(t, url, echoAgent(42, nil, nil))
	a1.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	// Second hello on a new connection must be closed with 4000.
	conn2, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn2.Close()
	hello, _ := json.Marshal(&protocol.Envelope{Type: protocol.TypeHello, Payload: protocol.HelloPayload{ProfileID: "intruder"}})
	if err := conn2.WriteMessage(websocket.TextMessage, hello); err != nil {
		t.Fatal(err)
	}

	_ = conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn2.ReadMessage()
	if err == nil {
		t.Fatal("expected duplicate agent connection to be closed")
	}
	if !websocket.IsCloseError(err, protocol.CloseAgentConflict) {
		t.Errorf("expected close code 4000, got %v", err)
	}

	// The original agent is unaffected.
	if _, err := rt.Dispatch(context.Background(), "s1", "navigate", nil); err != nil {
		t.Fatalf("original agent broken by duplicate hello: %v", err)
	}
}

func TestAgentReconnect_InvalidatesWindows(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	var mu sync.Mutex
	creates := 0
	a1 := dialAgent(t, url, echoAgent(42, &creates, &mu))
	a1.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	if _, err := rt.Dispatch(context.Background(), "s1", "navigate", nil); err != nil {
		t.Fatal(err)
	}

	a1.close()
	deadline := time.Now().Add(2 * time.Second)
	for rt.AgentConnected() {
		if time.Now().After(deadline) {
			t.Fatal("agent never unbound")
		}
		time.Sleep(5 * time.Millisecond)
	}

	a2 := dialAgent(t, url, echoAgent(77, &creates, &mu))
	welcome := a2.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	// The welcome snapshot must show the session with no window.
	var wp protocol.WelcomePayload
	if err := protocol.DecodePayload(welcome.Payload, &wp); err != nil {
		t.Fatal(err)
	}
	if len(wp.Sessions) != 1 || wp.Sessions[0].WindowID != nil {
		t.Errorf("expected cleared window in welcome, got %+v", wp.Sessions)
	}

	if _, err := rt.Dispatch(context.Background(), "s1", "navigate", nil); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	got := creates
	mu.Unlock()
	if got != 2 {
		t.Errorf("expected a fresh create_window after reconnect, got %d total", got)
	}
	sess, _ := reg.Get("s1")
	if sess.WindowID == nil || *sess.WindowID != 77 {
		t.Errorf("expected new window 77, got %+v", sess.WindowID)
	}
}

func TestUnregister_RejectsPendingAndClosesWindow(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	var mu sync.Mutex
	var closedWindows []int
	a := dialAgent(t, url, func(env *protocol.Envelope) *protocol.Envelope {
		var route protocol.RoutePayload
		_ = protocol.DecodePayload(env.Payload, &route)
		switch route.Command {
		case "create_window":
			return echoAgent(42, nil, nil)(env)
		case "close_window":
			mu.Lock()
			if w, ok := route.Params["windowId"].(float64); ok {
				closedWindows = append(closedWindows, int(w))
			}
			mu.Unlock()
			return echoAgent(42, nil, nil)(env)
		default:
			return nil // hang
		}
	})
	a.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	errCh := make(chan error, 1)
	go func() {
		_, err := rt.Dispatch(context.Background(), "s1", "navigate", nil)
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)

	reg.Unregister("s1")

	select {
	case err := <-errCh:
		if protocol.AsHelmError(err).Code != protocol.CodeClientDisconnected {
			t.Fatalf("expected CLIENT_DISCONNECTED, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on unregister")
	}

	// The fire-and-forget close_window reaches the agent.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(closedWindows)
		var first int
		if n > 0 {
			first = closedWindows[0]
		}
		mu.Unlock()
		if n == 1 {
			if first != 42 {
				t.Errorf("closed wrong window: %d", first)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("close_window never sent")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSelectSession(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	a := dialAgent(t, url, nil)
	a.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	a.send(t, &protocol.Envelope{
		Type:    protocol.TypeSelectSession,
		ReqID:   "sel-1",
		Payload: protocol.SelectSessionPayload{TabID: 9, SessionID: "s1"},
	})
	ack := a.waitEvent(t, protocol.TypeSessionSelected)
	var sp protocol.SessionSelectedPayload
	if err := protocol.DecodePayload(ack.Payload, &sp); err != nil {
		t.Fatal(err)
	}
	if ack.ReqID != "sel-1" || !sp.Success || sp.TabID != 9 {
		t.Errorf("unexpected ack: reqId=%s payload=%+v", ack.ReqID, sp)
	}
	if reg.TabRouting()["9"] != "s1" {
		t.Errorf("tab route not recorded: %v", reg.TabRouting())
	}

	// Unknown session: hard error, acked with success:false.
	a.send(t, &protocol.Envelope{
		Type:    protocol.TypeSelectSession,
		ReqID:   "sel-2",
		Payload: protocol.SelectSessionPayload{TabID: 10, SessionID: "ghost"},
	})
	ack = a.waitEvent(t, protocol.TypeSessionSelected)
	if err := protocol.DecodePayload(ack.Payload, &sp); err != nil {
		t.Fatal(err)
	}
	if sp.Success {
		t.Error("expected success:false for unknown session")
	}
}

func TestTabClosed_BothFieldPositions(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	a := dialAgent(t, url, nil)
	a.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	if err := reg.SetTabRoute(1, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := reg.SetTabRoute(2, "s1"); err != nil {
		t.Fatal(err)
	}

	one := 1
	a.send(t, &protocol.Envelope{Type: protocol.TypeTabClosed, TabID: &one})
	a.send(t, &protocol.Envelope{Type: protocol.TypeTabClosed, Payload: map[string]any{"tabId": 2}})

	deadline := time.Now().Add(2 * time.Second)
	for len(reg.TabRouting()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tab routes not removed: %v", reg.TabRouting())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWindowClosed_TriggersRecreate(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	var mu sync.Mutex
	creates := 0
	a := dialAgent(t, url, echoAgent(42, &creates, &mu))
	a.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	if _, err := rt.Dispatch(context.Background(), "s1", "navigate", nil); err != nil {
		t.Fatal(err)
	}

	a.send(t, &protocol.Envelope{
		Type:    protocol.TypeWindowClosed,
		Payload: protocol.WindowClosedPayload{SessionID: "s1"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for reg.HasWindow("s1") {
		if time.Now().After(deadline) {
			t.Fatal("window cache entry not cleared by window_closed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := rt.Dispatch(context.Background(), "s1", "navigate", nil); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	got := creates
	mu.Unlock()
	if got != 2 {
		t.Errorf("expected recreate after window_closed, got %d creates", got)
	}
}

func TestDispatchWaitsForLateAgent(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)
	reg.Register("s1", "L", "c1", noSend)

	errCh := make(chan error, 1)
	go func() {
		_, err := rt.Dispatch(context.Background(), "s1", "navigate", nil)
		errCh <- err
	}()

	// Attach the agent inside the connect window.
	time.Sleep(100 * time.Millisecond)
	a := dialAgent(t, url, echoAgent(5, nil, nil))
	a.waitEvent(t, protocol.TypeWelcome)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("dispatch should succeed once the agent attaches: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never completed")
	}
}

func TestBroadcastSessionsReachesAgent(t *testing.T) {
	rt, reg, _, url := newTestRouter(t)

	a := dialAgent(t, url, nil)
	a.waitEvent(t, protocol.TypeWelcome)
	waitForAgentBound(t, rt)

	reg.Register("s1", "labelled", "c1", noSend)

	// Binding the agent broadcasts too, with a snapshot that may predate s1;
	// skip empty broadcasts until the registration shows up.
	var sp protocol.SessionsPayload
	for len(sp.Sessions) == 0 {
		env := a.waitEvent(t, protocol.TypeSessions)
		sp = protocol.SessionsPayload{}
		if err := protocol.DecodePayload(env.Payload, &sp); err != nil {
			t.Fatal(err)
		}
	}
	if len(sp.Sessions) != 1 || sp.Sessions[0].SessionID != "s1" || sp.Sessions[0].Label != "labelled" {
		t.Errorf("unexpected broadcast: %+v", sp.Sessions)
	}
	if sp.TabRouting == nil {
		t.Error("tabRouting must be present (possibly empty) in broadcasts")
	}
}

func TestReqIDsCarryBootNonce(t *testing.T) {
	rt, _, _, _ := newTestRouter(t)

	id1 := rt.nextReqID()
	id2 := rt.nextReqID()
	if id1 == id2 {
		t.Fatal("req ids must be unique")
	}
	if !strings.HasPrefix(id1, rt.bootNonce+"-") {
		t.Errorf("req id %q missing boot nonce prefix", id1)
	}
}
