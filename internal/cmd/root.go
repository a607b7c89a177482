// Package cmd assembles the shellvault command-line interface.
package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/shellvault/shellvault/internal/config"
	"github.com/shellvault/shellvault/internal/events"
	"github.com/shellvault/shellvault/internal/logging"
	"github.com/shellvault/shellvault/internal/merge"
	"github.com/shellvault/shellvault/internal/session"
	"github.com/shellvault/shellvault/internal/snapshots"
	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/internal/storage/batch"
	"github.com/shellvault/shellvault/internal/storage/fsdir"
	"github.com/shellvault/shellvault/internal/storage/memory"
	"github.com/shellvault/shellvault/internal/storage/postgres"
	"github.com/shellvault/shellvault/internal/storage/sqlite"
	"github.com/shellvault/shellvault/internal/versions"
	"github.com/shellvault/shellvault/internal/vfs"
	"github.com/shellvault/shellvault/internal/vfs/overlays"
)

// NewRootCmd creates the root cobra command with all subcommands
// attached.
func NewRootCmd() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "shellvault",
		Short: "shellvault - persistent versioned storage for simulated shell sessions",
		Long: `shellvault stores the virtual filesystems of simulated shell sessions:
a node tree per session, durable through pluggable storage backends,
with per-file version history, session snapshots, and portable disk
images for export, import, and merge.

Use subcommands to perform different operations:
  - sessions:  list, create, and delete sessions
  - export:    write the active session as a disk image
  - import:    load a disk image into a new session
  - merge:     merge a disk image into the active session
  - diff:      preview what merging an image would change
  - versions:  inspect and revert per-file version history
  - branch:    manage a file's history branches
  - snapshot:  manage session snapshots
  - check:     verify in-memory state against the backend`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	groupSessions := "sessions"
	groupImages := "images"
	groupHistory := "history"

	rootCmd.AddGroup(&cobra.Group{ID: groupSessions, Title: "Session Commands"})
	rootCmd.AddGroup(&cobra.Group{ID: groupImages, Title: "Disk Image Commands"})
	rootCmd.AddGroup(&cobra.Group{ID: groupHistory, Title: "History Commands"})

	for _, c := range []*cobra.Command{NewSessionsCmd(&cfgFile), NewCheckCmd(&cfgFile)} {
		c.GroupID = groupSessions
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{
		NewExportCmd(&cfgFile), NewImportCmd(&cfgFile),
		NewMergeCmd(&cfgFile), NewDiffCmd(&cfgFile), NewUndoCmd(&cfgFile),
	} {
		c.GroupID = groupImages
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{
		NewVersionsCmd(&cfgFile), NewBranchCmd(&cfgFile), NewSnapshotCmd(&cfgFile),
	} {
		c.GroupID = groupHistory
		rootCmd.AddCommand(c)
	}

	return rootCmd
}

// app bundles the wired engine for one CLI invocation.
type app struct {
	cfg      *config.Config
	backend  storage.Backend
	registry *batch.Registry
	sessions *session.Manager
	versions *versions.Engine
	snaps    *snapshots.Manager
	merger   *merge.Engine
}

// openApp loads config, initializes logging and the backend, and wires
// the engine with the most recently used session active.
func openApp(ctx context.Context, cfgFile string) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: "stderr"}); err != nil {
		return nil, err
	}

	backend, err := openBackend(cfg)
	if err != nil {
		return nil, err
	}
	if err := backend.Init(ctx); err != nil {
		return nil, err
	}

	registry := batch.NewRegistry(backend, cfg.DebounceInterval)
	bus := events.NewBroadcaster()
	sessions := session.NewManager(backend, registry, bus, defaultOverlays())
	if _, err := sessions.Open(ctx); err != nil {
		return nil, err
	}

	verses := versions.NewEngine(backend)
	snaps := snapshots.NewManager(backend, cfg.SnapshotLimit)
	merger := merge.NewEngine(sessions, verses, snaps, backend)

	return &app{
		cfg:      cfg,
		backend:  backend,
		registry: registry,
		sessions: sessions,
		versions: verses,
		snaps:    snaps,
		merger:   merger,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.sessions.Close(ctx); err != nil {
		logging.Warn("close session", logging.Err(err))
	}
	if err := a.backend.Close(); err != nil {
		logging.Warn("close backend", logging.Err(err))
	}
	logging.Sync()
}

func openBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Backend {
	case "fsdir":
		return fsdir.New(filepath.Join(cfg.DataDir, "store")), nil
	case "sqlite":
		return sqlite.New(filepath.Join(cfg.DataDir, "shellvault.db"))
	case "postgres":
		return postgres.New(cfg.DatabaseURL)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

func defaultOverlays() []vfs.OverlayProvider {
	return []vfs.OverlayProvider{
		overlays.NewDevice(),
		overlays.NewProc(overlays.DefaultProcGenerators()),
		overlays.NewStatic("doc", "/usr/share/doc", map[string]string{
			"shellvault/README": "shellvault: versioned virtual storage for shell sessions\n",
		}),
	}
}
