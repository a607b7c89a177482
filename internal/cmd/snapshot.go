package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shellvault/shellvault/internal/snapshots"
)

// NewSnapshotCmd creates the snapshot command group.
func NewSnapshotCmd(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Manage session snapshots",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the active session's snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			snaps, err := app.snaps.GetSessionSnapshots(cmd.Context(), app.sessions.ID())
			if err != nil {
				return err
			}
			for _, s := range snaps {
				kind := "manual"
				if s.IsAuto {
					kind = "auto"
				}
				fmt.Printf("%s  %s  %-6s  %s\n",
					s.ID, s.Timestamp.Format("2006-01-02 15:04:05"), kind, s.Name)
			}
			return nil
		},
	}

	var description string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Checkpoint the active session under a name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			img, err := app.sessions.CaptureImage(cmd.Context())
			if err != nil {
				return err
			}
			snap, err := app.snaps.CreateSnapshot(cmd.Context(), app.sessions.ID(), args[0], img,
				snapshots.CreateOptions{Description: description})
			if err != nil {
				return err
			}
			evicted, err := app.snaps.EnforceSnapshotLimit(cmd.Context(), app.sessions.ID())
			if err != nil {
				return err
			}
			fmt.Printf("created snapshot %s (%s)\n", snap.Name, snap.ID)
			if evicted > 0 {
				fmt.Printf("evicted %d old snapshots\n", evicted)
			}
			return nil
		},
	}
	create.Flags().StringVarP(&description, "description", "d", "", "Snapshot description")

	del := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a snapshot of the active session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			if err := app.snaps.DeleteSnapshot(cmd.Context(), app.sessions.ID(), args[0]); err != nil {
				return err
			}
			fmt.Printf("deleted snapshot %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, create, del)
	return cmd
}
