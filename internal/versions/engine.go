// Package versions implements the branch-aware, append-only version
// history engine. Versions are never rewritten or deleted by normal
// operation; a revert is recorded forward as a new version.
package versions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shellvault/shellvault/internal/metrics"
	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/pkg/models"
)

// DefaultBranch is the branch used when callers don't name one.
const DefaultBranch = "main"

// Sentinel errors for the version engine.
var (
	ErrNoHistory       = errors.New("no version history")
	ErrVersionNotFound = errors.New("version not found")
	ErrBranchNotFound  = errors.New("branch not found")
	ErrBranchExists    = errors.New("branch already exists")
)

// Engine manages per-(namespace, path) version histories, persisted as
// bundles through the storage backend and cached in memory.
type Engine struct {
	backend storage.Backend

	mu    sync.Mutex
	cache map[string]*storage.VersionBundle
}

// NewEngine creates a version engine on a backend.
func NewEngine(backend storage.Backend) *Engine {
	return &Engine{
		backend: backend,
		cache:   make(map[string]*storage.VersionBundle),
	}
}

// SaveOptions carries optional metadata for SaveVersion.
type SaveOptions struct {
	Message string
	Author  string
	Branch  string // defaults to DefaultBranch
}

// RevertOptions controls RevertToVersion.
type RevertOptions struct {
	// CreateBranch, when set, records the revert on a new branch of
	// that name instead of continuing the current one.
	CreateBranch string
}

// Branch is one entry of ListBranches.
type Branch struct {
	Name    string
	TipID   string
	Current bool
}

// SaveVersion records content as a new version whose parent is the
// history's current version (nil parent when no history exists yet),
// then points both the history head and the named branch at it.
func (e *Engine) SaveVersion(ctx context.Context, namespace, path, content string, opts SaveOptions) (*models.FileVersion, error) {
	branch := opts.Branch
	if branch == "" {
		branch = DefaultBranch
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	bundle, err := e.loadLocked(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	key := models.VersionKey(namespace, path)
	if bundle == nil {
		bundle = &storage.VersionBundle{
			History: &models.FileVersionHistory{
				Key:      key,
				Branches: map[string]string{},
			},
		}
	}

	v := &models.FileVersion{
		ID:        uuid.NewString(),
		Key:       key,
		Content:   content,
		Timestamp: time.Now(),
		ParentID:  bundle.History.CurrentVersionID,
		Branch:    branch,
		Message:   opts.Message,
		Author:    opts.Author,
	}
	bundle.Versions = append(bundle.Versions, v)
	bundle.History.CurrentVersionID = v.ID
	bundle.History.Branches[branch] = v.ID

	if err := e.persistLocked(ctx, namespace, path, bundle); err != nil {
		return nil, err
	}
	metrics.RecordVersionSaved()
	return v, nil
}

// GetFileVersions returns all versions for a key, newest first.
func (e *Engine) GetFileVersions(ctx context.Context, namespace, path string) ([]*models.FileVersion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bundle, err := e.loadLocked(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, nil
	}
	out := make([]*models.FileVersion, len(bundle.Versions))
	copy(out, bundle.Versions)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

// GetHistory returns the history pointers for a key, or ErrNoHistory.
func (e *Engine) GetHistory(ctx context.Context, namespace, path string) (*models.FileVersionHistory, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bundle, err := e.loadLocked(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, fmt.Errorf("history %s: %w", path, ErrNoHistory)
	}
	h := *bundle.History
	h.Branches = make(map[string]string, len(bundle.History.Branches))
	for k, v := range bundle.History.Branches {
		h.Branches[k] = v
	}
	return &h, nil
}

// RevertToVersion records a new version whose content equals the
// target's and whose parent is the current version, preserving the full
// audit trail. With opts.CreateBranch the revert starts a new branch.
// The returned version carries the reverted content; writing it back to
// the live tree is the caller's job.
func (e *Engine) RevertToVersion(ctx context.Context, namespace, path, targetID string, opts RevertOptions) (*models.FileVersion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bundle, err := e.loadLocked(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, fmt.Errorf("revert %s: %w", path, ErrNoHistory)
	}
	target := findVersion(bundle, targetID)
	if target == nil {
		return nil, fmt.Errorf("revert %s to %s: %w", path, targetID, ErrVersionNotFound)
	}

	branch := opts.CreateBranch
	if branch != "" {
		if _, exists := bundle.History.Branches[branch]; exists {
			return nil, fmt.Errorf("revert %s: branch %s: %w", path, branch, ErrBranchExists)
		}
	} else {
		branch = currentBranch(bundle)
	}

	v := &models.FileVersion{
		ID:        uuid.NewString(),
		Key:       bundle.History.Key,
		Content:   target.Content,
		Timestamp: time.Now(),
		ParentID:  bundle.History.CurrentVersionID,
		Branch:    branch,
		Message:   "revert to " + shortID(target.ID),
	}
	bundle.Versions = append(bundle.Versions, v)
	bundle.History.CurrentVersionID = v.ID
	bundle.History.Branches[branch] = v.ID

	if err := e.persistLocked(ctx, namespace, path, bundle); err != nil {
		return nil, err
	}
	metrics.RecordVersionSaved()
	return v, nil
}

// CreateBranch forks a new branch from the current head content. The
// name must not already exist.
func (e *Engine) CreateBranch(ctx context.Context, namespace, path, name string) (*models.FileVersion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bundle, err := e.loadLocked(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, fmt.Errorf("branch %s: %w", path, ErrNoHistory)
	}
	if _, exists := bundle.History.Branches[name]; exists {
		return nil, fmt.Errorf("branch %s on %s: %w", name, path, ErrBranchExists)
	}
	head := findVersion(bundle, bundle.History.CurrentVersionID)
	if head == nil {
		return nil, fmt.Errorf("branch %s on %s: head: %w", name, path, ErrVersionNotFound)
	}

	v := &models.FileVersion{
		ID:        uuid.NewString(),
		Key:       bundle.History.Key,
		Content:   head.Content,
		Timestamp: time.Now(),
		ParentID:  head.ID,
		Branch:    name,
		Message:   "branch " + name,
	}
	bundle.Versions = append(bundle.Versions, v)
	bundle.History.CurrentVersionID = v.ID
	bundle.History.Branches[name] = v.ID

	if err := e.persistLocked(ctx, namespace, path, bundle); err != nil {
		return nil, err
	}
	metrics.RecordVersionSaved()
	return v, nil
}

// SwitchBranch repoints the history head at the branch tip and returns
// that tip. It does NOT write content back into the live file tree:
// callers wanting the live file to follow must read the returned
// version's content and write it themselves.
func (e *Engine) SwitchBranch(ctx context.Context, namespace, path, name string) (*models.FileVersion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bundle, err := e.loadLocked(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, fmt.Errorf("switch %s: %w", path, ErrNoHistory)
	}
	tipID, ok := bundle.History.Branches[name]
	if !ok {
		return nil, fmt.Errorf("switch %s to %s: %w", path, name, ErrBranchNotFound)
	}
	tip := findVersion(bundle, tipID)
	if tip == nil {
		return nil, fmt.Errorf("switch %s to %s: tip: %w", path, name, ErrVersionNotFound)
	}

	bundle.History.CurrentVersionID = tipID
	if err := e.persistLocked(ctx, namespace, path, bundle); err != nil {
		return nil, err
	}
	return tip, nil
}

// ListBranches returns the history's branches sorted by name.
func (e *Engine) ListBranches(ctx context.Context, namespace, path string) ([]Branch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bundle, err := e.loadLocked(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, fmt.Errorf("branches %s: %w", path, ErrNoHistory)
	}
	out := make([]Branch, 0, len(bundle.History.Branches))
	for name, tip := range bundle.History.Branches {
		out = append(out, Branch{
			Name:    name,
			TipID:   tip,
			Current: tip == bundle.History.CurrentVersionID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ResolveVersion maps an identifier to a version: first by id prefix,
// then by treating it as a branch name.
func (e *Engine) ResolveVersion(ctx context.Context, namespace, path, identifier string) (*models.FileVersion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	bundle, err := e.loadLocked(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, fmt.Errorf("resolve %s: %w", path, ErrNoHistory)
	}

	var match *models.FileVersion
	for _, v := range bundle.Versions {
		if v.ID == identifier {
			return v, nil
		}
		if strings.HasPrefix(v.ID, identifier) {
			if match != nil {
				match = nil // ambiguous prefix, fall through to branches
				break
			}
			match = v
		}
	}
	if match != nil {
		return match, nil
	}

	if tipID, ok := bundle.History.Branches[identifier]; ok {
		if tip := findVersion(bundle, tipID); tip != nil {
			return tip, nil
		}
	}
	return nil, fmt.Errorf("resolve %s on %s: %w", identifier, path, ErrVersionNotFound)
}

// loadLocked returns the cached bundle, loading it from the backend on
// first access. A nil bundle means the file has no history yet.
func (e *Engine) loadLocked(ctx context.Context, namespace, path string) (*storage.VersionBundle, error) {
	key := models.VersionKey(namespace, path)
	if bundle, ok := e.cache[key]; ok {
		return bundle, nil
	}
	bundle, err := e.backend.LoadVersionBundle(ctx, namespace, path)
	if err != nil {
		return nil, err
	}
	if bundle != nil {
		if bundle.History.Branches == nil {
			bundle.History.Branches = map[string]string{}
		}
		e.cache[key] = bundle
	}
	return bundle, nil
}

func (e *Engine) persistLocked(ctx context.Context, namespace, path string, bundle *storage.VersionBundle) error {
	if err := e.backend.SaveVersionBundle(ctx, namespace, path, bundle); err != nil {
		return err
	}
	e.cache[models.VersionKey(namespace, path)] = bundle
	return nil
}

// Forget drops a namespace's cached bundles, used on namespace switch.
func (e *Engine) Forget(namespace string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prefix := namespace + ":"
	for key := range e.cache {
		if strings.HasPrefix(key, prefix) {
			delete(e.cache, key)
		}
	}
}

func findVersion(bundle *storage.VersionBundle, id string) *models.FileVersion {
	for _, v := range bundle.Versions {
		if v.ID == id {
			return v
		}
	}
	return nil
}

// currentBranch returns the branch of the current head version, falling
// back to the default branch.
func currentBranch(bundle *storage.VersionBundle) string {
	if head := findVersion(bundle, bundle.History.CurrentVersionID); head != nil {
		return head.Branch
	}
	return DefaultBranch
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
