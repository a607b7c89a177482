// Package session owns shell sessions: their lifecycle, their
// namespace-per-session node stores, and the switch barrier that keeps
// pending writes from leaking across namespaces.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shellvault/shellvault/internal/events"
	"github.com/shellvault/shellvault/internal/logging"
	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/internal/storage/batch"
	"github.com/shellvault/shellvault/internal/vfs"
	"github.com/shellvault/shellvault/pkg/models"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrActiveSession   = errors.New("session is active")
)

// Manager tracks all sessions and the one currently active. A session's
// namespace is its ID; every node store, version key, and coordinator
// is scoped by it.
type Manager struct {
	backend  storage.Backend
	registry *batch.Registry
	bus      *events.Broadcaster
	overlays []vfs.OverlayProvider

	mu    sync.Mutex
	state *models.SessionState
	store *vfs.Store
}

// NewManager wires a manager. No session is active until Open or
// SwitchSession.
func NewManager(backend storage.Backend, registry *batch.Registry, bus *events.Broadcaster, overlays []vfs.OverlayProvider) *Manager {
	return &Manager{
		backend:  backend,
		registry: registry,
		bus:      bus,
		overlays: overlays,
	}
}

// Open activates the most recently used session, creating "default"
// when none exist yet.
func (m *Manager) Open(ctx context.Context) (*models.SessionState, error) {
	states, err := m.backend.LoadSessions(ctx)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		state, err := m.CreateSession(ctx, "default")
		if err != nil {
			return nil, err
		}
		return state, m.SwitchSession(ctx, state.ID)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
	return states[0].Clone(), m.SwitchSession(ctx, states[0].ID)
}

// CreateSession registers a new empty session without activating it.
// The name is uniquified against existing sessions.
func (m *Manager) CreateSession(ctx context.Context, name string) (*models.SessionState, error) {
	name, err := m.uniqueName(ctx, name)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	state := &models.SessionState{
		ID:        uuid.NewString(),
		Name:      name,
		Cwd:       "/",
		Env:       map[string]string{},
		Aliases:   map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.backend.SaveSession(ctx, state); err != nil {
		return nil, err
	}
	logging.Info("session created",
		logging.String("id", state.ID),
		logging.String("name", name))
	return state.Clone(), nil
}

// ListSessions returns all sessions, most recently used first.
func (m *Manager) ListSessions(ctx context.Context) ([]*models.SessionState, error) {
	states, err := m.backend.LoadSessions(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
	return states, nil
}

// SwitchSession activates another session. The barrier: the outgoing
// namespace's pending writes are flushed to durability before any state
// of the incoming one is loaded, so a crash mid-switch never interleaves
// namespaces.
func (m *Manager) SwitchSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != nil {
		if m.state.ID == id {
			return nil
		}
		if err := m.registry.For(m.state.ID).WaitForPending(ctx); err != nil {
			return fmt.Errorf("flush outgoing session: %w", err)
		}
		if err := m.saveStateLocked(ctx); err != nil {
			return err
		}
	}

	target, err := m.findSession(ctx, id)
	if err != nil {
		return err
	}
	store := m.newStore(target.ID)
	nodes, err := m.backend.LoadFilesystem(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("load filesystem for %s: %w", target.ID, err)
	}
	store.Load(nodes)

	m.state = target.Clone()
	m.store = store
	logging.Info("session switched",
		logging.String("id", target.ID),
		logging.String("name", target.Name),
		logging.Int("nodes", store.Len()))
	return nil
}

// DeleteSession removes a session and everything scoped to it: node
// records, pending writes, version histories, snapshots, and import
// history. The active session cannot be deleted.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	if m.state != nil && m.state.ID == id {
		m.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, ErrActiveSession)
	}
	m.mu.Unlock()

	if _, err := m.findSession(ctx, id); err != nil {
		return err
	}

	m.registry.Remove(id)

	if err := m.backend.SyncFilesystem(ctx, id, map[string]*models.Node{}); err != nil {
		return err
	}
	if err := m.backend.DeleteVersions(ctx, id); err != nil {
		return err
	}
	snaps, err := m.backend.LoadSnapshots(ctx, id)
	if err != nil {
		return err
	}
	for _, s := range snaps {
		if err := m.backend.DeleteSnapshot(ctx, id, s.ID); err != nil {
			return err
		}
	}
	if err := m.backend.DeleteImportHistory(ctx, id); err != nil {
		return err
	}
	if err := m.backend.DeleteSession(ctx, id); err != nil {
		return err
	}
	logging.Info("session deleted", logging.String("id", id))
	return nil
}

// Close flushes the active namespace and persists session state.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return nil
	}
	if err := m.registry.For(m.state.ID).WaitForPending(ctx); err != nil {
		return err
	}
	return m.saveStateLocked(ctx)
}

// ID returns the active session's ID, "" when none is active.
func (m *Manager) ID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return ""
	}
	return m.state.ID
}

// Namespace is the active session's namespace (its ID).
func (m *Manager) Namespace() string { return m.ID() }

// Store returns the active session's node store.
func (m *Manager) Store() *vfs.Store {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store
}

// Current returns a copy of the active session's state.
func (m *Manager) Current() *models.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Clone()
}

// Env returns a copy of the active session's environment.
func (m *Manager) Env() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m.state.Env))
	for k, v := range m.state.Env {
		out[k] = v
	}
	return out
}

// SetEnv sets one environment variable on the active session.
func (m *Manager) SetEnv(key, value string) {
	m.mutate(func(s *models.SessionState) {
		if s.Env == nil {
			s.Env = map[string]string{}
		}
		s.Env[key] = value
	})
}

// Aliases returns a copy of the active session's aliases.
func (m *Manager) Aliases() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return map[string]string{}
	}
	out := make(map[string]string, len(m.state.Aliases))
	for k, v := range m.state.Aliases {
		out[k] = v
	}
	return out
}

// SetAlias sets one alias on the active session.
func (m *Manager) SetAlias(key, value string) {
	m.mutate(func(s *models.SessionState) {
		if s.Aliases == nil {
			s.Aliases = map[string]string{}
		}
		s.Aliases[key] = value
	})
}

// SetCwd updates the active session's working directory.
func (m *Manager) SetCwd(cwd string) {
	m.mutate(func(s *models.SessionState) { s.Cwd = vfs.Normalize(cwd) })
}

// AppendHistory records an executed command line.
func (m *Manager) AppendHistory(line string) {
	m.mutate(func(s *models.SessionState) {
		s.CommandHistory = append(s.CommandHistory, line)
	})
}

// CaptureImage snapshots the live session into a DiskImage after
// flushing pending writes.
func (m *Manager) CaptureImage(ctx context.Context) (*models.DiskImage, error) {
	m.mu.Lock()
	if m.state == nil {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	id := m.state.ID
	m.mu.Unlock()

	if err := m.registry.For(id).WaitForPending(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	img := &models.DiskImage{
		FormatVersion: models.DiskImageFormatVersion,
		Name:          m.state.Name,
		CreatedAt:     m.state.CreatedAt,
		ExportedAt:    time.Now(),
		Session: models.DiskImageSession{
			Env:            copyMap(m.state.Env),
			Aliases:        copyMap(m.state.Aliases),
			CommandHistory: append([]string(nil), m.state.CommandHistory...),
		},
		Files: map[string]models.DiskImageFile{},
	}
	for path, node := range m.store.Snapshot() {
		if path == "/" {
			continue
		}
		f := models.DiskImageFile{
			Kind: node.Kind,
			Meta: models.DiskImageFileMeta{
				Created:  node.CreatedAt,
				Modified: node.UpdatedAt,
			},
		}
		if node.Kind == models.KindFile {
			f.Content = node.Content
		}
		img.Files[path] = f
	}
	return img, nil
}

// ExportSession produces the portable image of the active session.
func (m *Manager) ExportSession(ctx context.Context) (*models.DiskImage, error) {
	return m.CaptureImage(ctx)
}

// Allocate creates a fresh session for an import and applies the
// image's non-filesystem state to it. The new session is not activated;
// the returned store persists through its own coordinator.
func (m *Manager) Allocate(ctx context.Context, img *models.DiskImage) (string, *vfs.Store, error) {
	state, err := m.CreateSession(ctx, img.Name)
	if err != nil {
		return "", nil, err
	}
	state.Env = copyMap(img.Session.Env)
	state.Aliases = copyMap(img.Session.Aliases)
	state.CommandHistory = append([]string(nil), img.Session.CommandHistory...)
	state.UpdatedAt = time.Now()
	if err := m.backend.SaveSession(ctx, state); err != nil {
		return "", nil, err
	}
	return state.ID, m.newStore(state.ID), nil
}

func (m *Manager) newStore(namespace string) *vfs.Store {
	return vfs.New(namespace, vfs.Options{
		Persistence: m.registry.For(namespace),
		Broadcaster: m.bus,
		Overlays:    m.overlays,
	})
}

// mutate applies fn to the active state and persists it best-effort.
func (m *Manager) mutate(fn func(*models.SessionState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == nil {
		return
	}
	fn(m.state)
	m.state.UpdatedAt = time.Now()
	if err := m.saveStateLocked(context.Background()); err != nil {
		logging.Warn("save session state failed",
			logging.String("id", m.state.ID),
			logging.Err(err))
	}
}

func (m *Manager) saveStateLocked(ctx context.Context) error {
	return m.backend.SaveSession(ctx, m.state.Clone())
}

func (m *Manager) findSession(ctx context.Context, id string) (*models.SessionState, error) {
	states, err := m.backend.LoadSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, s := range states {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrSessionNotFound)
}

// uniqueName appends "-2", "-3", ... until the name is unused.
func (m *Manager) uniqueName(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = "session"
	}
	states, err := m.backend.LoadSessions(ctx)
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool, len(states))
	for _, s := range states {
		taken[s.Name] = true
	}
	if !taken[name] {
		return name, nil
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", name, i)
		if !taken[candidate] {
			return candidate, nil
		}
	}
}

func copyMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
