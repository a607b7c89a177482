package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCheckCmd creates the check subcommand, which flushes pending
// writes and compares the in-memory tree against backend records.
func NewCheckCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the active session against the storage backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			coord := app.registry.For(app.sessions.Namespace())
			report, err := coord.IntegrityCheck(cmd.Context(), app.sessions.Store().Snapshot())
			if err != nil {
				return err
			}
			if report.OK() {
				fmt.Printf("ok: %d nodes in memory, %d persisted\n",
					report.InMemoryCount, report.PersistedCount)
				return nil
			}
			for _, p := range report.Missing {
				fmt.Printf("missing from backend: %s\n", p)
			}
			for _, p := range report.Extra {
				fmt.Printf("extra in backend: %s\n", p)
			}
			for _, p := range report.Mismatched {
				fmt.Printf("content mismatch: %s\n", p)
			}
			return fmt.Errorf("integrity check failed: %d missing, %d extra, %d mismatched",
				len(report.Missing), len(report.Extra), len(report.Mismatched))
		},
	}
}
