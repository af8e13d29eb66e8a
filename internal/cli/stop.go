package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfikrat/helm-browser/internal/daemon"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background daemon process",
		RunE:  runStop,
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	lock, err := daemon.ReadLock()
	if err != nil {
		return fmt.Errorf("read lock file: %w", err)
	}
	if lock == nil {
		_, _ = fmt.Fprintln(os.Stdout, "helmd is not running (no lock file)")
		return nil
	}

	if !daemon.IsRunning(lock.PID) {
		_ = daemon.Release()
		_, _ = fmt.Fprintf(os.Stdout, "helmd is not running (stale lock for PID %d removed)\n", lock.PID)
		return nil
	}

	_, _ = fmt.Fprintf(os.Stdout, "Stopping helmd (PID %d)...\n", lock.PID)
	if err := daemon.StopProcess(lock.PID, 5*time.Second); err != nil {
		return err
	}

	// The daemon removes its own lock on a clean shutdown; clear any remnant.
	_ = daemon.Release()
	_, _ = fmt.Fprintln(os.Stdout, "helmd stopped")
	return nil
}
