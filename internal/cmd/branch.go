package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewBranchCmd creates the branch command group for a file's history
// branches.
func NewBranchCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Manage a file's history branches",
	}

	list := &cobra.Command{
		Use:   "list PATH",
		Short: "List a file's branches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			branches, err := app.versions.ListBranches(cmd.Context(), app.sessions.Namespace(), args[0])
			if err != nil {
				return err
			}
			for _, b := range branches {
				marker := " "
				if b.Current {
					marker = "*"
				}
				fmt.Printf("%s %s (tip %s)\n", marker, b.Name, b.TipID[:8])
			}
			return nil
		},
	}

	create := &cobra.Command{
		Use:   "create PATH NAME",
		Short: "Fork a new branch from the file's current version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			v, err := app.versions.CreateBranch(cmd.Context(), app.sessions.Namespace(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("created branch %s at %s\n", args[1], v.ID[:8])
			return nil
		},
	}

	sw := &cobra.Command{
		Use:   "switch PATH NAME",
		Short: "Point the file's history at another branch",
		Long: `Point the file's history at another branch. Only the current-branch
pointer moves; the live file content is updated to the branch tip.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			tip, err := app.versions.SwitchBranch(cmd.Context(), app.sessions.Namespace(), args[0], args[1])
			if err != nil {
				return err
			}
			if err := app.sessions.Store().Write(args[0], tip.Content); err != nil {
				return err
			}
			fmt.Printf("switched %s to branch %s (tip %s)\n", args[0], args[1], tip.ID[:8])
			return nil
		},
	}

	cmd.AddCommand(list, create, sw)
	return cmd
}
