package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jfikrat/helm-browser/internal/config"
	"github.com/jfikrat/helm-browser/internal/daemon"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = daemon.ConfigPath()
			}
			force, _ := cmd.Flags().GetBool("force")

			if _, err := os.Stat(output); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", output)
			}

			cfg := config.Default()
			cfg.Server.DBPath = daemon.DBPath()
			if err := os.MkdirAll(daemon.DefaultDir(), 0700); err != nil {
				return fmt.Errorf("create daemon dir: %w", err)
			}
			if err := cfg.Save(output); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(os.Stdout, "Wrote %s\n", output)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ~/.helm/helm-config.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}
