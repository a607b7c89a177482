package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shellvault/shellvault/internal/merge"
	"github.com/shellvault/shellvault/pkg/diskimage"
	"github.com/shellvault/shellvault/pkg/models"
)

// NewExportCmd creates the export subcommand.
func NewExportCmd(cfgFile *string) *cobra.Command {
	var (
		output string
		format string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the active session as a disk image",
		Long: `Export the active session's filesystem, environment, aliases, and
command history as a portable disk image. Pending writes are flushed
first so the image reflects durable state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			img, err := app.sessions.ExportSession(cmd.Context())
			if err != nil {
				return err
			}
			f := diskimage.FormatJSON
			if format == "yaml" {
				f = diskimage.FormatYAML
			}
			data, err := diskimage.Encode(img, f)
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("exported %s (%d files) to %s\n", img.Name, len(img.Files), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	cmd.Flags().StringVar(&format, "format", "json", "Image format: json or yaml")
	return cmd
}

// NewImportCmd creates the import subcommand: a fresh import into a
// brand-new session.
func NewImportCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Load a disk image into a new session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			img, err := readImage(args[0])
			if err != nil {
				return err
			}
			result, err := app.merger.ImportSession(cmd.Context(), img)
			if err != nil {
				return err
			}
			entry := app.merger.BuildHistoryEntry(img, result.SessionID, true,
				"", result.Imported, nil, nil, nil, nil)
			if err := app.merger.RecordImportHistory(cmd.Context(), entry); err != nil {
				return err
			}
			if err := app.registry.For(result.SessionID).WaitForPending(cmd.Context()); err != nil {
				return err
			}

			fmt.Printf("imported %d files into session %s\n", len(result.Imported), result.SessionID)
			for _, fe := range result.Errors {
				fmt.Printf("failed: %s: %v\n", fe.Path, fe.Err)
			}
			return nil
		},
	}
}

// NewMergeCmd creates the merge subcommand.
func NewMergeCmd(cfgFile *string) *cobra.Command {
	var strategy string

	cmd := &cobra.Command{
		Use:   "merge FILE",
		Short: "Merge a disk image into the active session",
		Long: `Merge a disk image into the active session. An auto-snapshot is taken
first. Conflicting files follow the chosen strategy: overwrite replaces
local content (after saving it as a version for undo), skip keeps it,
interactive prompts per conflict.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			img, err := readImage(args[0])
			if err != nil {
				return err
			}
			strat := merge.Strategy(strategy)
			switch strat {
			case merge.StrategyOverwrite, merge.StrategySkip, merge.StrategyInteractive:
			default:
				return fmt.Errorf("unknown strategy: %s", strategy)
			}

			var resolver merge.Resolver
			if strat == merge.StrategyInteractive {
				resolver = promptResolver(bufio.NewReader(os.Stdin))
			}

			result, err := app.merger.MergeSession(cmd.Context(), img, strat, resolver)
			if err != nil {
				return err
			}
			entry := app.merger.BuildHistoryEntry(img, app.sessions.ID(), false, strat,
				append(append([]string{}, result.New...), result.Merged...),
				result.Skipped, result.PreOverwriteVersionIDs,
				result.EnvMerged, result.AliasMerged)
			if err := app.merger.RecordImportHistory(cmd.Context(), entry); err != nil {
				return err
			}

			fmt.Printf("merged %s: %d new, %d overwritten, %d skipped, %d unchanged\n",
				img.Name, len(result.New), len(result.Merged), len(result.Skipped), len(result.Unchanged))
			for _, fe := range result.Errors {
				fmt.Printf("failed: %s: %v\n", fe.Path, fe.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "skip", "Conflict strategy: overwrite, skip, or interactive")
	return cmd
}

// NewDiffCmd creates the diff subcommand.
func NewDiffCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "diff FILE",
		Short: "Preview what merging an image would change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			img, err := readImage(args[0])
			if err != nil {
				return err
			}
			diff, err := app.merger.DiffDiskImage(img)
			if err != nil {
				return err
			}
			fmt.Print(diff.Render())
			return nil
		},
	}
}

// NewUndoCmd creates the undo subcommand, reverting the most recent
// merge's overwritten files.
func NewUndoCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "undo",
		Short: "Revert the files overwritten by the most recent merge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), *cfgFile)
			if err != nil {
				return err
			}
			defer app.close(cmd.Context())

			result, err := app.merger.HandleImportUndo(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("reverted %d files from merge %s\n", len(result.Reverted), result.EntryID)
			for _, fe := range result.Errors {
				fmt.Printf("failed: %s: %v\n", fe.Path, fe.Err)
			}
			return nil
		},
	}
}

func readImage(path string) (*models.DiskImage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return diskimage.Decode(data)
}

// promptResolver asks on stdin for each conflict.
func promptResolver(in *bufio.Reader) merge.Resolver {
	return func(item, local, incoming string) merge.Decision {
		fmt.Printf("conflict at %s: overwrite? [y/N] ", item)
		line, err := in.ReadString('\n')
		if err != nil {
			return merge.DecisionSkip
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return merge.DecisionOverwrite
		default:
			return merge.DecisionSkip
		}
	}
}
