// Package memory is an in-process Backend for ephemeral runs and tests.
// Records survive only as long as the process; everything else behaves
// like a direct backend.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/pkg/models"
)

// Backend keeps all records in maps guarded by one mutex. Values are
// stored as deep copies so callers can't mutate persisted state.
type Backend struct {
	mu       sync.Mutex
	files    map[string]map[string]*models.Node // namespace -> path -> node
	sessions map[string]*models.SessionState
	snaps    map[string]map[string]*models.SessionSnapshot // sessionID -> id -> snap
	imports  map[string]map[string]*models.ImportHistoryEntry
	versions map[string]map[string]*storage.VersionBundle // namespace -> path -> bundle
}

func New() *Backend {
	return &Backend{
		files:    map[string]map[string]*models.Node{},
		sessions: map[string]*models.SessionState{},
		snaps:    map[string]map[string]*models.SessionSnapshot{},
		imports:  map[string]map[string]*models.ImportHistoryEntry{},
		versions: map[string]map[string]*storage.VersionBundle{},
	}
}

func (b *Backend) Init(ctx context.Context) error { return nil }

func (b *Backend) LoadFilesystem(ctx context.Context, namespace string) (map[string]*models.Node, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]*models.Node, len(b.files[namespace]))
	for path, node := range b.files[namespace] {
		out[path] = node.Clone()
	}
	return out, nil
}

func (b *Backend) SaveFile(ctx context.Context, namespace, path string, node *models.Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.files[namespace]
	if !ok {
		ns = map[string]*models.Node{}
		b.files[namespace] = ns
	}
	ns[path] = node.Clone()
	return nil
}

func (b *Backend) DeleteFile(ctx context.Context, namespace, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.files[namespace], path)
	return nil
}

func (b *Backend) SyncFilesystem(ctx context.Context, namespace string, nodes map[string]*models.Node) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns := make(map[string]*models.Node, len(nodes))
	for path, node := range nodes {
		ns[path] = node.Clone()
	}
	b.files[namespace] = ns
	return nil
}

func (b *Backend) SaveSession(ctx context.Context, state *models.SessionState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[state.ID] = state.Clone()
	return nil
}

func (b *Backend) LoadSessions(ctx context.Context) ([]*models.SessionState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.SessionState, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (b *Backend) DeleteSession(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
	return nil
}

func (b *Backend) SaveSnapshot(ctx context.Context, snap *models.SessionSnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.snaps[snap.SessionID]
	if !ok {
		sess = map[string]*models.SessionSnapshot{}
		b.snaps[snap.SessionID] = sess
	}
	sess[snap.ID] = cloneJSON(snap)
	return nil
}

func (b *Backend) LoadSnapshots(ctx context.Context, sessionID string) ([]*models.SessionSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.SessionSnapshot, 0, len(b.snaps[sessionID]))
	for _, s := range b.snaps[sessionID] {
		out = append(out, cloneJSON(s))
	}
	return out, nil
}

func (b *Backend) DeleteSnapshot(ctx context.Context, sessionID, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.snaps[sessionID], id)
	return nil
}

func (b *Backend) SaveImportHistory(ctx context.Context, entry *models.ImportHistoryEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.imports[entry.SessionID]
	if !ok {
		sess = map[string]*models.ImportHistoryEntry{}
		b.imports[entry.SessionID] = sess
	}
	sess[entry.ID] = cloneJSON(entry)
	return nil
}

func (b *Backend) LoadImportHistory(ctx context.Context, sessionID string) ([]*models.ImportHistoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.ImportHistoryEntry, 0, len(b.imports[sessionID]))
	for _, e := range b.imports[sessionID] {
		out = append(out, cloneJSON(e))
	}
	return out, nil
}

func (b *Backend) DeleteImportHistory(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.imports, sessionID)
	return nil
}

func (b *Backend) SaveVersionBundle(ctx context.Context, namespace, path string, bundle *storage.VersionBundle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.versions[namespace]
	if !ok {
		ns = map[string]*storage.VersionBundle{}
		b.versions[namespace] = ns
	}
	ns[path] = cloneJSON(bundle)
	return nil
}

func (b *Backend) LoadVersionBundle(ctx context.Context, namespace, path string) (*storage.VersionBundle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bundle, ok := b.versions[namespace][path]
	if !ok {
		return nil, nil
	}
	return cloneJSON(bundle), nil
}

func (b *Backend) DeleteVersions(ctx context.Context, namespace string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.versions, namespace)
	return nil
}

func (b *Backend) Type() string { return "memory" }

func (b *Backend) Close() error { return nil }

// cloneJSON deep-copies a record through its JSON encoding, the same
// shape it would take through any durable backend.
func cloneJSON[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return v
	}
	return out
}
