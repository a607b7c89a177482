// Package fsdir provides the direct storage backend: one JSON record
// file per key under a root directory, written read-modify-write under a
// per-key lock queue so concurrent writers to the same key serialize
// instead of racing.
package fsdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/shellvault/shellvault/internal/metrics"
	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/pkg/models"
)

// Backend implements storage.Backend on a local directory tree.
type Backend struct {
	root  string
	locks *keyLocks
}

// New creates a filesystem-tree backend rooted at dir.
func New(dir string) *Backend {
	return &Backend{root: dir, locks: newKeyLocks()}
}

// Init creates the root directory layout.
func (b *Backend) Init(_ context.Context) error {
	for _, d := range []string{"namespaces", "sessions", "snapshots", "imports"} {
		if err := os.MkdirAll(filepath.Join(b.root, d), 0o755); err != nil {
			return storage.PersistErr("init "+d, err)
		}
	}
	return nil
}

// Type returns "fsdir".
func (b *Backend) Type() string { return "fsdir" }

// Close is a no-op for directory backends.
func (b *Backend) Close() error { return nil }

func (b *Backend) filePath(namespace, path string) string {
	return filepath.Join(b.root, "namespaces", escape(namespace), "files", escape(path)+".json")
}

func (b *Backend) versionPath(namespace, path string) string {
	return filepath.Join(b.root, "namespaces", escape(namespace), "versions", escape(path)+".json")
}

// LoadFilesystem reads every node record of a namespace.
func (b *Backend) LoadFilesystem(_ context.Context, namespace string) (map[string]*models.Node, error) {
	dir := filepath.Join(b.root, "namespaces", escape(namespace), "files")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*models.Node{}, nil
		}
		return nil, storage.PersistErr("load filesystem "+namespace, err)
	}

	nodes := make(map[string]*models.Node, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path, err := unescape(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue // skip unreadable record names
		}
		var n models.Node
		if err := b.readRecord(filepath.Join(dir, e.Name()), &n); err != nil {
			return nil, err
		}
		nodes[path] = &n
	}
	return nodes, nil
}

// SaveFile persists one node record.
func (b *Backend) SaveFile(_ context.Context, namespace, path string, node *models.Node) (err error) {
	defer func() { metrics.RecordPersistOp(b.Type(), "save", err) }()
	key := models.VersionKey(namespace, path)
	unlock := b.locks.lock(key)
	defer unlock()
	return b.writeRecord(b.filePath(namespace, path), node)
}

// DeleteFile removes one node record.
func (b *Backend) DeleteFile(_ context.Context, namespace, path string) (err error) {
	defer func() { metrics.RecordPersistOp(b.Type(), "delete", err) }()
	key := models.VersionKey(namespace, path)
	unlock := b.locks.lock(key)
	defer unlock()
	return b.removeRecord(b.filePath(namespace, path))
}

// SyncFilesystem replaces a namespace's node records wholesale.
func (b *Backend) SyncFilesystem(ctx context.Context, namespace string, nodes map[string]*models.Node) error {
	dir := filepath.Join(b.root, "namespaces", escape(namespace), "files")
	if err := os.RemoveAll(dir); err != nil {
		return storage.PersistErr("sync filesystem "+namespace, err)
	}
	for path, node := range nodes {
		if err := b.SaveFile(ctx, namespace, path, node); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession persists a session record.
func (b *Backend) SaveSession(_ context.Context, state *models.SessionState) error {
	unlock := b.locks.lock("session:" + state.ID)
	defer unlock()
	return b.writeRecord(filepath.Join(b.root, "sessions", escape(state.ID)+".json"), state)
}

// LoadSessions reads all session records.
func (b *Backend) LoadSessions(_ context.Context) ([]*models.SessionState, error) {
	var out []*models.SessionState
	err := b.eachRecord(filepath.Join(b.root, "sessions"), func(path string) error {
		var s models.SessionState
		if err := b.readRecord(path, &s); err != nil {
			return err
		}
		out = append(out, &s)
		return nil
	})
	return out, err
}

// DeleteSession removes a session record.
func (b *Backend) DeleteSession(_ context.Context, id string) error {
	unlock := b.locks.lock("session:" + id)
	defer unlock()
	return b.removeRecord(filepath.Join(b.root, "sessions", escape(id)+".json"))
}

// SaveSnapshot persists a snapshot record.
func (b *Backend) SaveSnapshot(_ context.Context, snap *models.SessionSnapshot) error {
	dir := filepath.Join(b.root, "snapshots", escape(snap.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage.PersistErr("save snapshot "+snap.ID, err)
	}
	unlock := b.locks.lock("snapshot:" + snap.ID)
	defer unlock()
	return b.writeRecord(filepath.Join(dir, escape(snap.ID)+".json"), snap)
}

// LoadSnapshots reads all snapshot records of a session.
func (b *Backend) LoadSnapshots(_ context.Context, sessionID string) ([]*models.SessionSnapshot, error) {
	var out []*models.SessionSnapshot
	err := b.eachRecord(filepath.Join(b.root, "snapshots", escape(sessionID)), func(path string) error {
		var s models.SessionSnapshot
		if err := b.readRecord(path, &s); err != nil {
			return err
		}
		out = append(out, &s)
		return nil
	})
	return out, err
}

// DeleteSnapshot removes one snapshot record.
func (b *Backend) DeleteSnapshot(_ context.Context, sessionID, id string) error {
	unlock := b.locks.lock("snapshot:" + id)
	defer unlock()
	return b.removeRecord(filepath.Join(b.root, "snapshots", escape(sessionID), escape(id)+".json"))
}

// SaveImportHistory persists an import-history record.
func (b *Backend) SaveImportHistory(_ context.Context, entry *models.ImportHistoryEntry) error {
	dir := filepath.Join(b.root, "imports", escape(entry.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage.PersistErr("save import history "+entry.ID, err)
	}
	unlock := b.locks.lock("import:" + entry.ID)
	defer unlock()
	return b.writeRecord(filepath.Join(dir, escape(entry.ID)+".json"), entry)
}

// LoadImportHistory reads all import-history records of a session.
func (b *Backend) LoadImportHistory(_ context.Context, sessionID string) ([]*models.ImportHistoryEntry, error) {
	var out []*models.ImportHistoryEntry
	err := b.eachRecord(filepath.Join(b.root, "imports", escape(sessionID)), func(path string) error {
		var e models.ImportHistoryEntry
		if err := b.readRecord(path, &e); err != nil {
			return err
		}
		out = append(out, &e)
		return nil
	})
	return out, err
}

// DeleteImportHistory removes a session's import-history records.
func (b *Backend) DeleteImportHistory(_ context.Context, sessionID string) error {
	if err := os.RemoveAll(filepath.Join(b.root, "imports", escape(sessionID))); err != nil {
		return storage.PersistErr("delete import history "+sessionID, err)
	}
	return nil
}

// SaveVersionBundle persists one file's version bundle.
func (b *Backend) SaveVersionBundle(_ context.Context, namespace, path string, bundle *storage.VersionBundle) error {
	dir := filepath.Dir(b.versionPath(namespace, path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storage.PersistErr("save versions "+path, err)
	}
	unlock := b.locks.lock("version:" + models.VersionKey(namespace, path))
	defer unlock()
	return b.writeRecord(b.versionPath(namespace, path), bundle)
}

// LoadVersionBundle reads one file's version bundle, or nil when the file
// has no history yet.
func (b *Backend) LoadVersionBundle(_ context.Context, namespace, path string) (*storage.VersionBundle, error) {
	var bundle storage.VersionBundle
	err := b.readRecord(b.versionPath(namespace, path), &bundle)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &bundle, nil
}

// DeleteVersions removes every version bundle of a namespace.
func (b *Backend) DeleteVersions(_ context.Context, namespace string) error {
	dir := filepath.Join(b.root, "namespaces", escape(namespace), "versions")
	if err := os.RemoveAll(dir); err != nil {
		return storage.PersistErr("delete versions "+namespace, err)
	}
	return nil
}

// writeRecord marshals v and writes it atomically (temp file, then
// rename).
func (b *Backend) writeRecord(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return storage.PersistErr("write "+path, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return storage.PersistErr("encode "+path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".shellvault-*.tmp")
	if err != nil {
		return storage.PersistErr("write "+path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.PersistErr("write "+path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return storage.PersistErr("write "+path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return storage.PersistErr("write "+path, err)
	}
	return nil
}

func (b *Backend) readRecord(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return storage.PersistErr("read "+path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return storage.PersistErr("decode "+path, err)
	}
	return nil
}

func (b *Backend) removeRecord(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return storage.PersistErr("remove "+path, err)
	}
	return nil
}

func (b *Backend) eachRecord(dir string, fn func(path string) error) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return storage.PersistErr("list "+dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := fn(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// escape makes a record key safe as a single file name.
func escape(key string) string {
	return url.PathEscape(key)
}

func unescape(name string) (string, error) {
	s, err := url.PathUnescape(name)
	if err != nil {
		return "", fmt.Errorf("unescape %s: %w", name, err)
	}
	return s, nil
}
