// Package protocol defines the wire protocol messages exchanged between Helm
// components (client ↔ daemon ↔ browser agent) over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with a "type" field
// that determines which of the remaining fields are meaningful. Client-facing
// messages carry their fields flat on the envelope; daemon ↔ agent messages
// nest structured data under "payload".
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the protocol version advertised in welcome.payload.protocolVersion.
// Mismatches are advisory: the daemon never drops a connection over it and the
// lock-file check does not compare versions; `helmd status` reports a mismatch.
const Version = 1

// CloseAgentConflict is the WebSocket close code sent to a second agent that
// attempts to attach while one is already bound.
const CloseAgentConflict = 4000

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Type      string         `json:"type"`
	ReqID     string         `json:"reqId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Label     string         `json:"label,omitempty"`
	Command   string         `json:"command,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	TabID     *int           `json:"tabId,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
	Message   string         `json:"message,omitempty"`

	// status push fields
	AgentConnected *bool `json:"agentConnected,omitempty"`
	SessionCount   *int  `json:"sessionCount,omitempty"`

	Payload any `json:"payload,omitempty"`
}

// --- Message type constants ---

const (
	// Client → daemon
	TypeRegister   = "register"
	TypeUnregister = "unregister"
	TypeCommand    = "command"
	TypeKeepalive  = "keepalive"

	// Daemon → client
	TypeRegistered = "registered"
	TypeResponse   = "response"
	TypeError      = "error"
	TypeStatus     = "status"

	// Agent → daemon
	TypeHello         = "hello"
	TypeRouteResult   = "route_result"
	TypeTabClosed     = "tab_closed"
	TypeWindowClosed  = "window_closed"
	TypeSelectSession = "select_session"

	// Daemon → agent
	TypeWelcome         = "welcome"
	TypeSessions        = "sessions"
	TypeRoute           = "route"
	TypePing            = "ping"
	TypeSessionSelected = "session_selected"
)

// --- Stable error codes ---

const (
	CodeAgentNotConnected    = "AGENT_NOT_CONNECTED"
	CodeWindowCreationFailed = "WINDOW_CREATION_FAILED"
	CodeRequestTimeout       = "REQUEST_TIMEOUT"
	CodeAgentDisconnected    = "AGENT_DISCONNECTED"
	CodeClientDisconnected   = "CLIENT_DISCONNECTED"
	CodeSessionNotFound      = "SESSION_NOT_FOUND"
	CodeProtocolError        = "PROTOCOL_ERROR"
	CodeCommandFailed        = "COMMAND_FAILED"
)

// HelmError is a wire-visible failure with a stable code.
type HelmError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *HelmError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a HelmError with a formatted message.
func Errorf(code, format string, args ...any) *HelmError {
	return &HelmError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsHelmError extracts a HelmError from err, or wraps err as COMMAND_FAILED.
func AsHelmError(err error) *HelmError {
	if he, ok := err.(*HelmError); ok {
		return he
	}
	return &HelmError{Code: CodeCommandFailed, Message: err.Error()}
}

// --- Agent-side payloads ---

// HelloPayload is carried by the agent's hello message.
type HelloPayload struct {
	ProfileID    string   `json:"profileId"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// WelcomePayload is the daemon's reply to hello.
type WelcomePayload struct {
	ServerID        string            `json:"serverId"`
	ProtocolVersion int               `json:"protocolVersion"`
	Sessions        []SessionSnapshot `json:"sessions"`
}

// SessionSnapshot is the serialisable view of one client session, used in
// welcome/sessions broadcasts and the HTTP health snapshot.
type SessionSnapshot struct {
	SessionID string    `json:"sessionId"`
	Label     string    `json:"label"`
	WindowID  *int      `json:"windowId"`
	LastSeen  time.Time `json:"lastSeen"`
	Status    string    `json:"status"` // "ready" once a window is bound, else "pending"
}

// SessionsPayload is broadcast to the agent whenever the registry changes.
// TabRouting keys are decimal tab ids.
type SessionsPayload struct {
	Sessions   []SessionSnapshot `json:"sessions"`
	TabRouting map[string]string `json:"tabRouting"`
}

// RoutePayload carries a forwarded command inside a route message.
type RoutePayload struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

// ErrorPayload is the body of an agent-sent error message.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SelectSessionPayload is sent by the agent to pin a tab to a session.
type SelectSessionPayload struct {
	TabID     int    `json:"tabId"`
	SessionID string `json:"sessionId"`
}

// SessionSelectedPayload acknowledges a select_session request.
type SessionSelectedPayload struct {
	TabID     int    `json:"tabId"`
	SessionID string `json:"sessionId"`
	Success   bool   `json:"success"`
}

// WindowClosedPayload reports a session window the browser tore down.
type WindowClosedPayload struct {
	SessionID string `json:"sessionId"`
}

type tabClosedPayload struct {
	TabID *int `json:"tabId"`
}

// DecodePayload re-marshals an envelope payload into a typed struct.
func DecodePayload(payload any, v any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// ClosedTabID extracts the tab id from a tab_closed message. Some agent code
// paths send it at the top level, others under payload.tabId; both are valid.
func (e *Envelope) ClosedTabID() (int, bool) {
	if e.TabID != nil {
		return *e.TabID, true
	}
	if e.Payload != nil {
		var p tabClosedPayload
		if err := DecodePayload(e.Payload, &p); err == nil && p.TabID != nil {
			return *p.TabID, true
		}
	}
	return 0, false
}
