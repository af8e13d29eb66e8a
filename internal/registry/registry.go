// Package registry tracks client sessions, their window bindings, and manual
// tab routes. It is the single owner of that state: the router reads it
// through accessors and mutates it through the methods here.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jfikrat/helm-browser/internal/eventbus"
	"github.com/jfikrat/helm-browser/pkg/protocol"
)

// SendFunc delivers a message to one client connection. Implementations must
// serialize writes; the registry calls it without holding its lock.
type SendFunc func(env *protocol.Envelope) error

// Session is one registered client identity.
type Session struct {
	SessionID    string
	Label        string
	ConnID       string // owning transport connection
	Send         SendFunc
	WindowID     *int
	RegisteredAt time.Time
	LastSeen     time.Time
}

// Registry is the in-memory session table.
type Registry struct {
	keepalive time.Duration
	logger    *slog.Logger
	bus       *eventbus.Bus

	mu          sync.Mutex
	sessions    map[string]*Session
	tabRoutes   map[int]string  // tabId → sessionId
	windowCache map[string]bool // sessionIds with a live window this agent lifetime

	// onChange pushes the sessions broadcast to the agent. onRemove lets the
	// router reject the session's in-flight requests and close its window.
	// Both are wired once at startup and called without the registry lock.
	onChange func()
	onRemove func(sessionID string, windowID *int)
}

// New creates a registry. keepalive is the staleness cutoff for the sweeper.
func New(keepalive time.Duration, bus *eventbus.Bus, logger *slog.Logger) *Registry {
	return &Registry{
		keepalive:   keepalive,
		logger:      logger.With("component", "registry"),
		bus:         bus,
		sessions:    make(map[string]*Session),
		tabRoutes:   make(map[int]string),
		windowCache: make(map[string]bool),
	}
}

// OnChange installs the broadcast hook. Must be called before serving.
func (r *Registry) OnChange(fn func()) { r.onChange = fn }

// OnRemove installs the removal hook. Must be called before serving.
func (r *Registry) OnRemove(fn func(sessionID string, windowID *int)) { r.onRemove = fn }

// Register creates a client session, replacing any previous registration for
// the same id (a reconnecting client keeps its window binding).
func (r *Registry) Register(sessionID, label, connID string, send SendFunc) {
	now := time.Now()
	r.mu.Lock()
	if existing, ok := r.sessions[sessionID]; ok {
		existing.Label = label
		existing.ConnID = connID
		existing.Send = send
		existing.LastSeen = now
		r.mu.Unlock()
		r.logger.Info("session re-registered", "session_id", sessionID, "label", label)
	} else {
		r.sessions[sessionID] = &Session{
			SessionID:    sessionID,
			Label:        label,
			ConnID:       connID,
			Send:         send,
			RegisteredAt: now,
			LastSeen:     now,
		}
		r.mu.Unlock()
		r.logger.Info("session registered", "session_id", sessionID, "label", label)
	}

	r.bus.Publish(eventbus.SessionRegistered, sessionID, map[string]string{"label": label})
	r.notify()
}

// Unregister tears a session down: close its window (fire-and-forget via the
// removal hook), reject its in-flight requests, purge its tab routes, and
// rebroadcast. Unknown sessions are ignored.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	delete(r.windowCache, sessionID)
	for tabID, sid := range r.tabRoutes {
		if sid == sessionID {
			delete(r.tabRoutes, tabID)
		}
	}
	windowID := sess.WindowID
	r.mu.Unlock()

	r.logger.Info("session unregistered", "session_id", sessionID)
	if r.onRemove != nil {
		r.onRemove(sessionID, windowID)
	}
	r.bus.Publish(eventbus.SessionRemoved, sessionID, nil)
	r.notify()
}

// UnregisterConn tears the session down only if connID still owns it. A
// connection that dies after the client re-registered elsewhere must not take
// the new registration with it.
func (r *Registry) UnregisterConn(sessionID, connID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	owned := ok && sess.ConnID == connID
	r.mu.Unlock()
	if owned {
		r.Unregister(sessionID)
	}
}

// Keepalive refreshes a session's liveness. Missing sessions are ignored.
func (r *Registry) Keepalive(sessionID string) {
	r.MarkLastSeen(sessionID)
}

// MarkLastSeen runs on every inbound client message.
func (r *Registry) MarkLastSeen(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[sessionID]; ok {
		sess.LastSeen = time.Now()
	}
}

// Get returns a copy of the session's current state.
func (r *Registry) Get(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// HasWindow reports whether the session's window exists in the current agent
// lifetime.
func (r *Registry) HasWindow(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.windowCache[sessionID]
}

// SetWindowID records a successful window creation for the session.
func (r *Registry) SetWindowID(sessionID string, windowID int) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		w := windowID
		sess.WindowID = &w
		r.windowCache[sessionID] = true
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.bus.Publish(eventbus.WindowBound, sessionID, map[string]int{"windowId": windowID})
	r.notify()
}

// ClearWindow drops the session's window binding (the browser closed it).
// The next dispatch will lazily recreate.
func (r *Registry) ClearWindow(sessionID string) {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if ok {
		sess.WindowID = nil
		delete(r.windowCache, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.logger.Info("window closed", "session_id", sessionID)
	r.notify()
}

// ClearAllWindowIDs runs on each agent (re)connect: windows from a previous
// browser process no longer exist, so every binding, tab route, and cache
// entry is dropped atomically.
func (r *Registry) ClearAllWindowIDs() {
	r.mu.Lock()
	for _, sess := range r.sessions {
		sess.WindowID = nil
	}
	r.tabRoutes = make(map[int]string)
	r.windowCache = make(map[string]bool)
	r.mu.Unlock()
}

// SetTabRoute pins a tab to a session. Unknown sessions are a hard error; the
// daemon never auto-registers windows.
func (r *Registry) SetTabRoute(tabID int, sessionID string) error {
	r.mu.Lock()
	if _, ok := r.sessions[sessionID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("session not found: %s", sessionID)
	}
	r.tabRoutes[tabID] = sessionID
	r.mu.Unlock()

	r.notify()
	return nil
}

// RemoveTabRoute drops the route for a tab the browser closed.
func (r *Registry) RemoveTabRoute(tabID int) {
	r.mu.Lock()
	_, ok := r.tabRoutes[tabID]
	delete(r.tabRoutes, tabID)
	r.mu.Unlock()

	if ok {
		r.notify()
	}
}

// Snapshot returns the serialisable session list, ordered by registration.
func (r *Registry) Snapshot() []protocol.SessionSnapshot {
	type entry struct {
		snap protocol.SessionSnapshot
		at   time.Time
	}

	r.mu.Lock()
	entries := make([]entry, 0, len(r.sessions))
	for _, s := range r.sessions {
		status := "pending"
		if s.WindowID != nil {
			status = "ready"
		}
		entries = append(entries, entry{
			snap: protocol.SessionSnapshot{
				SessionID: s.SessionID,
				Label:     s.Label,
				WindowID:  s.WindowID,
				LastSeen:  s.LastSeen,
				Status:    status,
			},
			at: s.RegisteredAt,
		})
	}
	r.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].at.Equal(entries[j].at) {
			return entries[i].snap.SessionID < entries[j].snap.SessionID
		}
		return entries[i].at.Before(entries[j].at)
	})

	snap := make([]protocol.SessionSnapshot, len(entries))
	for i, e := range entries {
		snap[i] = e.snap
	}
	return snap
}

// TabRouting returns the tab → session map with decimal string keys, as it
// appears on the wire.
func (r *Registry) TabRouting() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	routes := make(map[string]string, len(r.tabRoutes))
	for tabID, sessionID := range r.tabRoutes {
		routes[strconv.Itoa(tabID)] = sessionID
	}
	return routes
}

// Broadcast sends a message to every registered client. Send errors are left
// to each connection's own close handling.
func (r *Registry) Broadcast(env *protocol.Envelope) {
	r.mu.Lock()
	sends := make([]SendFunc, 0, len(r.sessions))
	for _, s := range r.sessions {
		sends = append(sends, s.Send)
	}
	r.mu.Unlock()

	for _, send := range sends {
		_ = send(env)
	}
}

// RunSweeper evicts sessions whose last-seen time is older than the keepalive
// timeout. It ticks at half the timeout and stops when ctx is canceled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.keepalive / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepStale()
		}
	}
}

// SweepStale performs one staleness pass. Running it twice back-to-back is a
// no-op the second time.
func (r *Registry) SweepStale() {
	cutoff := time.Now().Add(-r.keepalive)

	r.mu.Lock()
	var stale []string
	for id, sess := range r.sessions {
		if sess.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.logger.Info("evicting stale session", "session_id", id)
		r.Unregister(id)
	}
}

func (r *Registry) notify() {
	if r.onChange != nil {
		r.onChange()
	}
}
