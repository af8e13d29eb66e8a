package router

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jfikrat/helm-browser/pkg/protocol"
)

// The agent's liveness window is derived from the configured ping cadence:
// any inbound frame (route_result, keepalive, pong, events) counts as life,
// and a socket that stays silent for several ping intervals is dead.
const readWaitIntervals = 3

func (r *Router) agentReadWait() time.Duration {
	return readWaitIntervals * r.opts.PingInterval
}

// runKeepalive keeps the agent alive from both ends. Each tick it emits a
// JSON-level ping — the agent's service-worker runtime idles out without
// application traffic, so WS control frames alone are not enough — and a
// WS-level ping as a fallback probe for agents that are wedged above the
// socket but below the message loop. Send failures are not fatal here; the
// read loop's deadline and close event are authoritative.
func (r *Router) runKeepalive(ctx context.Context, ac *agentConn) {
	ac.conn.SetPongHandler(func(string) error {
		return ac.conn.SetReadDeadline(time.Now().Add(r.agentReadWait()))
	})

	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ac.send(&protocol.Envelope{Type: protocol.TypePing}); err != nil {
				r.logger.Debug("agent ping failed", "error", err)
				continue
			}
			ac.mu.Lock()
			err := ac.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			ac.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
