package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfikrat/helm-browser/internal/daemon"
	"github.com/jfikrat/helm-browser/internal/store"
	"github.com/jfikrat/helm-browser/pkg/protocol"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE:  runStatus,
	}
	cmd.Flags().Int("events", 0, "also print the last N lifecycle events")
	return cmd
}

// healthReply mirrors the daemon's GET /health body.
type healthReply struct {
	Status          string                     `json:"status"`
	PID             int                        `json:"pid"`
	StartedAt       time.Time                  `json:"startedAt"`
	ProtocolVersion int                        `json:"protocolVersion"`
	AgentConnected  bool                       `json:"agentConnected"`
	ClientCount     int                        `json:"clientCount"`
	Sessions        []protocol.SessionSnapshot `json:"sessions"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	lock, err := daemon.ReadLock()
	if err != nil {
		return fmt.Errorf("read lock file: %w", err)
	}
	if lock == nil {
		_, _ = fmt.Fprintln(os.Stdout, "Status:  stopped (no lock file)")
		return nil
	}
	if !daemon.IsRunning(lock.PID) {
		_, _ = fmt.Fprintf(os.Stdout, "Status:  stopped (stale lock for PID %d)\n", lock.PID)
		return nil
	}

	health, err := queryHealth(lock.Port)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stdout, "Status:  running (PID %d), but health query failed: %v\n", lock.PID, err)
		return nil
	}

	agent := "not connected"
	if health.AgentConnected {
		agent = "connected"
	}

	_, _ = fmt.Fprintf(os.Stdout, "Status:   running\n")
	_, _ = fmt.Fprintf(os.Stdout, "PID:      %d\n", health.PID)
	_, _ = fmt.Fprintf(os.Stdout, "Port:     %d\n", lock.Port)
	_, _ = fmt.Fprintf(os.Stdout, "Uptime:   %s\n", time.Since(health.StartedAt).Round(time.Second))
	_, _ = fmt.Fprintf(os.Stdout, "Agent:    %s\n", agent)
	_, _ = fmt.Fprintf(os.Stdout, "Clients:  %d\n", health.ClientCount)
	for _, s := range health.Sessions {
		window := "-"
		if s.WindowID != nil {
			window = fmt.Sprintf("%d", *s.WindowID)
		}
		_, _ = fmt.Fprintf(os.Stdout, "  %-24s %-10s window=%-6s label=%s\n", s.SessionID, s.Status, window, s.Label)
	}

	// The version comparison is advisory: a peer at a different protocol
	// version is reported, never acted on.
	if health.ProtocolVersion != protocol.Version {
		_, _ = fmt.Fprintf(os.Stdout, "Note: daemon speaks protocol v%d, this binary expects v%d\n",
			health.ProtocolVersion, protocol.Version)
	}

	if n, _ := cmd.Flags().GetInt("events"); n > 0 {
		if err := printEvents(n); err != nil {
			_, _ = fmt.Fprintf(os.Stdout, "Events:   unavailable (%v)\n", err)
		}
	}
	return nil
}

func queryHealth(port int) (*healthReply, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health returned %d", resp.StatusCode)
	}
	var health healthReply
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return &health, nil
}

func printEvents(n int) error {
	s, err := store.NewSQLite(daemon.DBPath())
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	events, err := s.ListEvents(ctx, n)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(os.Stdout, "Events (last %d):\n", len(events))
	for _, e := range events {
		session := e.SessionID
		if session == "" {
			session = "-"
		}
		_, _ = fmt.Fprintf(os.Stdout, "  %s  %-24s %s\n", e.CreatedAt.Format(time.RFC3339), e.Kind, session)
	}
	return nil
}
