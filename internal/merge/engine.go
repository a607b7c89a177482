// Package merge implements the DiskImage import, merge, diff, and undo
// workflows on top of the node store, version engine, and snapshot
// manager.
package merge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shellvault/shellvault/internal/logging"
	"github.com/shellvault/shellvault/internal/metrics"
	"github.com/shellvault/shellvault/internal/snapshots"
	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/internal/versions"
	"github.com/shellvault/shellvault/internal/vfs"
	"github.com/shellvault/shellvault/pkg/diskimage"
	"github.com/shellvault/shellvault/pkg/models"
)

// Strategy selects conflict resolution during a merge.
type Strategy string

const (
	StrategyOverwrite   Strategy = "overwrite"
	StrategySkip        Strategy = "skip"
	StrategyInteractive Strategy = "interactive"
)

// Decision is an interactive resolver's verdict for one conflict.
type Decision int

const (
	DecisionSkip Decision = iota
	DecisionOverwrite
)

// Resolver decides a single conflict. Item is the file path, or
// "env:KEY" / "alias:KEY" for non-file conflicts.
type Resolver func(item, local, incoming string) Decision

// ErrFreshImportUndo indicates an undo attempt on a fresh import, which
// only session deletion can remove.
var ErrFreshImportUndo = errors.New("fresh imports cannot be undone")

// Session is the slice of the session manager the engine needs.
type Session interface {
	ID() string
	Namespace() string
	Store() *vfs.Store
	CaptureImage(ctx context.Context) (*models.DiskImage, error)
	Env() map[string]string
	SetEnv(key, value string)
	Aliases() map[string]string
	SetAlias(key, value string)

	// Allocate creates a fresh namespace for an import, uniquifying the
	// requested name on collision, and applies the image's session
	// state to it.
	Allocate(ctx context.Context, img *models.DiskImage) (sessionID string, store *vfs.Store, err error)
}

// FileError pairs a path with its failure.
type FileError struct {
	Path string
	Err  error
}

// Engine orchestrates import/merge workflows.
type Engine struct {
	session Session
	verses  *versions.Engine
	snaps   *snapshots.Manager
	backend storage.Backend
}

// NewEngine wires the merge engine to its collaborators.
func NewEngine(session Session, verses *versions.Engine, snaps *snapshots.Manager, backend storage.Backend) *Engine {
	return &Engine{session: session, verses: verses, snaps: snaps, backend: backend}
}

// ImportResult reports a fresh import.
type ImportResult struct {
	SessionID string
	Imported  []string
	Errors    []FileError
}

// ImportSession imports an image into a brand-new namespace. Files are
// replayed by ascending path depth so parents exist before children;
// one file's failure is logged and skipped, never aborting the batch.
func (e *Engine) ImportSession(ctx context.Context, img *models.DiskImage) (*ImportResult, error) {
	if err := diskimage.Validate(img); err != nil {
		return nil, err
	}

	sessionID, store, err := e.session.Allocate(ctx, img)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{SessionID: sessionID}
	for _, path := range pathsByDepth(img.Files) {
		if err := applyFile(store, path, img.Files[path]); err != nil {
			logging.Warn("import file failed",
				logging.String("path", path),
				logging.Err(err))
			metrics.RecordMergeFile("error")
			result.Errors = append(result.Errors, FileError{Path: path, Err: err})
			continue
		}
		metrics.RecordMergeFile("new")
		result.Imported = append(result.Imported, path)
	}
	return result, nil
}

// MergeResult reports a merge into the current namespace.
type MergeResult struct {
	New       []string
	Merged    []string
	Skipped   []string
	Unchanged []string
	Errors    []FileError

	EnvMerged    []string
	EnvSkipped   []string
	AliasMerged  []string
	AliasSkipped []string

	// PreOverwriteVersionIDs maps each overwritten path to the version
	// saved just before the overwrite, for undo.
	PreOverwriteVersionIDs map[string]string

	SnapshotID string
}

// MergeSession merges an image into the current namespace under the
// given strategy. An auto-snapshot is taken first (failure non-fatal).
// The caller persists an ImportHistoryEntry afterward; see
// BuildHistoryEntry and RecordImportHistory.
func (e *Engine) MergeSession(ctx context.Context, img *models.DiskImage, strategy Strategy, resolver Resolver) (*MergeResult, error) {
	if err := diskimage.Validate(img); err != nil {
		return nil, err
	}
	if strategy == StrategyInteractive && resolver == nil {
		strategy = StrategySkip
	}

	result := &MergeResult{PreOverwriteVersionIDs: map[string]string{}}

	snap := e.snaps.CreateAutoSnapshot(ctx, e.session.ID(), "pre-merge "+img.Name, func() (*models.DiskImage, error) {
		return e.session.CaptureImage(ctx)
	})
	if snap != nil {
		result.SnapshotID = snap.ID
	}

	store := e.session.Store()
	ns := e.session.Namespace()

	for _, path := range pathsByDepth(img.Files) {
		incoming := img.Files[path]
		outcome, err := e.mergeFile(ctx, store, ns, path, incoming, strategy, resolver, result)
		if err != nil {
			metrics.RecordMergeFile("error")
			result.Errors = append(result.Errors, FileError{Path: path, Err: err})
			continue
		}
		metrics.RecordMergeFile(outcome)
	}

	e.mergeKV(img.Session.Env, e.session.Env(), "env", strategy, resolver,
		e.session.SetEnv, &result.EnvMerged, &result.EnvSkipped)
	e.mergeKV(img.Session.Aliases, e.session.Aliases(), "alias", strategy, resolver,
		e.session.SetAlias, &result.AliasMerged, &result.AliasSkipped)

	return result, nil
}

// mergeFile handles one file and returns its outcome label.
func (e *Engine) mergeFile(ctx context.Context, store *vfs.Store, ns, path string, incoming models.DiskImageFile, strategy Strategy, resolver Resolver, result *MergeResult) (string, error) {
	if incoming.Kind == models.KindDirectory {
		if store.Exists(path) {
			return "unchanged", nil
		}
		if err := store.Mkdir(path, true); err != nil {
			return "", err
		}
		result.New = append(result.New, path)
		return "new", nil
	}

	if !store.Exists(path) {
		if err := applyFile(store, path, incoming); err != nil {
			return "", err
		}
		result.New = append(result.New, path)
		return "new", nil
	}

	local, err := store.Read(path)
	if err != nil {
		return "", err
	}
	if local == incoming.Content {
		result.Unchanged = append(result.Unchanged, path)
		return "unchanged", nil
	}

	overwrite := strategy == StrategyOverwrite
	if strategy == StrategyInteractive {
		overwrite = resolver(path, local, incoming.Content) == DecisionOverwrite
	}
	if !overwrite {
		result.Skipped = append(result.Skipped, path)
		return "skipped", nil
	}

	// Save the pre-overwrite content so the merge is undoable, and
	// await durability before the overwrite lands.
	v, err := e.verses.SaveVersion(ctx, ns, path, local, versions.SaveOptions{
		Message: "pre-merge snapshot",
	})
	if err != nil {
		return "", fmt.Errorf("save pre-overwrite version for %s: %w", path, err)
	}
	result.PreOverwriteVersionIDs[path] = v.ID

	if err := store.Write(path, incoming.Content); err != nil {
		return "", err
	}
	result.Merged = append(result.Merged, path)
	return "merged", nil
}

// mergeKV applies the file conflict logic to a string map: absent keys
// are set, identical values are untouched, conflicts follow the
// strategy.
func (e *Engine) mergeKV(incoming, local map[string]string, kind string, strategy Strategy, resolver Resolver, set func(k, v string), merged, skipped *[]string) {
	keys := make([]string, 0, len(incoming))
	for k := range incoming {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		want := incoming[k]
		have, exists := local[k]
		if exists && have == want {
			continue
		}
		if exists {
			overwrite := strategy == StrategyOverwrite
			if strategy == StrategyInteractive {
				overwrite = resolver(kind+":"+k, have, want) == DecisionOverwrite
			}
			if !overwrite {
				*skipped = append(*skipped, k)
				continue
			}
		}
		set(k, want)
		*merged = append(*merged, k)
	}
}

// BuildHistoryEntry assembles the immutable import record for a
// completed import or merge.
func (e *Engine) BuildHistoryEntry(img *models.DiskImage, sessionID string, fresh bool, strategy Strategy, imported, skipped []string, preOverwrite map[string]string, envMerged, aliasMerged []string) *models.ImportHistoryEntry {
	entry := &models.ImportHistoryEntry{
		ID:                     uuid.NewString(),
		Timestamp:              time.Now(),
		SourceName:             img.Name,
		SourceExportedAt:       img.ExportedAt,
		SessionID:              sessionID,
		WasFreshImport:         fresh,
		FilesImported:          imported,
		FilesSkipped:           skipped,
		PreOverwriteVersionIDs: preOverwrite,
		EnvKeysMerged:          envMerged,
		AliasKeysMerged:        aliasMerged,
	}
	if !fresh {
		entry.MergeStrategy = string(strategy)
	}
	return entry
}

// RecordImportHistory persists an import record.
func (e *Engine) RecordImportHistory(ctx context.Context, entry *models.ImportHistoryEntry) error {
	return e.backend.SaveImportHistory(ctx, entry)
}

// UndoResult reports an import undo.
type UndoResult struct {
	EntryID  string
	Reverted []string
	Errors   []FileError
}

// HandleImportUndo reverts the most recent merge's overwritten files by
// walking its pre-overwrite version map, best-effort: per-file errors
// are collected, never aborting. Environment and alias changes are not
// reverted. Fresh-import entries cannot be undone this way.
func (e *Engine) HandleImportUndo(ctx context.Context) (*UndoResult, error) {
	entries, err := e.backend.LoadImportHistory(ctx, e.session.ID())
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("undo: no import history for session %s", e.session.ID())
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	entry := entries[0]
	if entry.WasFreshImport {
		return nil, fmt.Errorf("undo %s: %w", entry.ID, ErrFreshImportUndo)
	}

	store := e.session.Store()
	ns := e.session.Namespace()
	result := &UndoResult{EntryID: entry.ID}

	paths := make([]string, 0, len(entry.PreOverwriteVersionIDs))
	for path := range entry.PreOverwriteVersionIDs {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		versionID := entry.PreOverwriteVersionIDs[path]
		v, err := e.verses.RevertToVersion(ctx, ns, path, versionID, versions.RevertOptions{})
		if err != nil {
			result.Errors = append(result.Errors, FileError{Path: path, Err: err})
			continue
		}
		if err := store.Write(path, v.Content); err != nil {
			result.Errors = append(result.Errors, FileError{Path: path, Err: err})
			continue
		}
		result.Reverted = append(result.Reverted, path)
	}
	return result, nil
}

// applyFile writes one image entry into the store, creating missing
// parent directories.
func applyFile(store *vfs.Store, path string, f models.DiskImageFile) error {
	if f.Kind == models.KindDirectory {
		return store.Mkdir(path, true)
	}
	parent := vfs.ParentPath(path)
	if !store.Exists(parent) {
		if err := store.Mkdir(parent, true); err != nil {
			return err
		}
	}
	return store.Write(path, f.Content)
}

// pathsByDepth returns the image's paths sorted by ascending depth, then
// lexically, so parents precede children deterministically.
func pathsByDepth(files map[string]models.DiskImageFile) []string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		di, dj := vfs.Depth(paths[i]), vfs.Depth(paths[j])
		if di != dj {
			return di < dj
		}
		return paths[i] < paths[j]
	})
	return paths
}
