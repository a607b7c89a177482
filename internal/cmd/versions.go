package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shellvault/shellvault/internal/versions"
)

// NewVersionsCmd creates the versions command group for per-file
// history: save, list, show, diff, and revert.
func NewVersionsCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "versions",
		Short: "Inspect and revert per-file version history",
	}

	var (
		message string
		branch  string
	)

	save := &cobra.Command{
		Use:   "save PATH",
		Short: "Record the file's current content as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			content, err := app.sessions.Store().Read(args[0])
			if err != nil {
				return err
			}
			v, err := app.versions.SaveVersion(cmd.Context(), app.sessions.Namespace(), args[0], content,
				versions.SaveOptions{Message: message, Branch: branch})
			if err != nil {
				return err
			}
			fmt.Printf("saved version %s of %s on branch %s\n", v.ID, args[0], v.Branch)
			return nil
		},
	}
	save.Flags().StringVarP(&message, "message", "m", "", "Version message")
	save.Flags().StringVar(&branch, "branch", "", "Branch to record on (default: current)")

	list := &cobra.Command{
		Use:   "list PATH",
		Short: "List a file's versions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			vs, err := app.versions.GetFileVersions(cmd.Context(), app.sessions.Namespace(), args[0])
			if err != nil {
				return err
			}
			history, err := app.versions.GetHistory(cmd.Context(), app.sessions.Namespace(), args[0])
			if err != nil {
				return err
			}
			for _, v := range vs {
				marker := " "
				if v.ID == history.CurrentVersionID {
					marker = "*"
				}
				fmt.Printf("%s %s  %s  [%s]  %s\n",
					marker, v.ID[:8], v.Timestamp.Format("2006-01-02 15:04:05"), v.Branch, v.Message)
			}
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show PATH REF",
		Short: "Print a version's content (REF: id, id prefix, or branch)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			v, err := app.versions.ResolveVersion(cmd.Context(), app.sessions.Namespace(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Print(v.Content)
			return nil
		},
	}

	diff := &cobra.Command{
		Use:   "diff PATH REF [REF2]",
		Short: "Show line differences between versions (or against the live file)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			ns := app.sessions.Namespace()
			from, err := app.versions.ResolveVersion(cmd.Context(), ns, args[0], args[1])
			if err != nil {
				return err
			}
			var to string
			if len(args) == 3 {
				v, err := app.versions.ResolveVersion(cmd.Context(), ns, args[0], args[2])
				if err != nil {
					return err
				}
				to = v.Content
			} else {
				to, err = app.sessions.Store().Read(args[0])
				if err != nil {
					return err
				}
			}
			for _, line := range versions.Diff(from.Content, to) {
				fmt.Println(line.String())
			}
			return nil
		},
	}

	var revertBranch string
	revert := &cobra.Command{
		Use:   "revert PATH REF",
		Short: "Restore a file to an earlier version",
		Long: `Restore a file to an earlier version. The revert is recorded forward
as a new version, so it is itself revertible. With --branch, the revert
starts a new branch instead of continuing the current one.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			ns := app.sessions.Namespace()
			target, err := app.versions.ResolveVersion(cmd.Context(), ns, args[0], args[1])
			if err != nil {
				return err
			}
			v, err := app.versions.RevertToVersion(cmd.Context(), ns, args[0], target.ID,
				versions.RevertOptions{CreateBranch: revertBranch})
			if err != nil {
				return err
			}
			if err := app.sessions.Store().Write(args[0], v.Content); err != nil {
				return err
			}
			fmt.Printf("reverted %s to %s (new version %s)\n", args[0], target.ID[:8], v.ID[:8])
			return nil
		},
	}
	revert.Flags().StringVar(&revertBranch, "branch", "", "Record the revert on a new branch")

	cmd.AddCommand(save, list, show, diff, revert)
	return cmd
}
