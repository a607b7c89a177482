package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSessionsCmd creates the sessions command group: list, create,
// switch, and delete.
func NewSessionsCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage shell sessions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all sessions, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			states, err := app.sessions.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			active := app.sessions.ID()
			for _, s := range states {
				marker := " "
				if s.ID == active {
					marker = "*"
				}
				fmt.Printf("%s %s  %s  (updated %s)\n",
					marker, s.ID, s.Name, s.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a new empty session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			state, err := app.sessions.CreateSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("created session %s (%s)\n", state.Name, state.ID)
			return nil
		},
	}

	use := &cobra.Command{
		Use:   "use ID",
		Short: "Make a session the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			if err := app.sessions.SwitchSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("active session: %s\n", args[0])
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a session and all its data",
		Long: `Delete a session and everything scoped to it: its filesystem, version
histories, snapshots, and import history. The active session cannot be
deleted; switch away first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			if err := app.sessions.DeleteSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted session %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, create, use, del)
	return cmd
}
