// Package sqlite provides the batched storage backend: writes are
// coalesced in memory and flushed together in a single transaction
// against one SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shellvault/shellvault/internal/metrics"
	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	ns         TEXT NOT NULL,
	kind       TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      BLOB NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (ns, kind, key)
);

CREATE INDEX IF NOT EXISTS idx_records_ns_kind ON records(ns, kind);
`

type recordKey struct {
	ns   string
	kind string
	key  string
}

type stagedOp struct {
	value  []byte
	delete bool
}

// Backend implements storage.Backend on SQLite with in-memory write
// coalescing. Reads merge staged writes over persisted rows, so staged
// data is visible before a flush.
type Backend struct {
	db *sql.DB

	mu     sync.Mutex
	staged map[recordKey]stagedOp
}

// New opens (or creates) the database at path.
func New(path string) (*Backend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, storage.PersistErr("open database", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	return &Backend{db: db, staged: make(map[recordKey]stagedOp)}, nil
}

// Init creates the schema.
func (b *Backend) Init(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return storage.PersistErr("init schema", err)
	}
	return nil
}

// Type returns "sqlite".
func (b *Backend) Type() string { return "sqlite" }

// Close flushes any records still staged, then closes the database.
func (b *Backend) Close() error {
	flushErr := b.FlushRecords(context.Background())
	if err := b.db.Close(); err != nil {
		return err
	}
	return flushErr
}

// FlushRecords applies all staged operations in one transaction. On
// failure the batch is merged back into the staging map without
// clobbering operations staged in the meantime.
func (b *Backend) FlushRecords(ctx context.Context) error {
	b.mu.Lock()
	if len(b.staged) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.staged
	b.staged = make(map[recordKey]stagedOp)
	b.mu.Unlock()

	err := b.applyBatch(ctx, batch)
	if err != nil {
		b.mu.Lock()
		for k, op := range batch {
			if _, ok := b.staged[k]; !ok {
				b.staged[k] = op
			}
		}
		b.mu.Unlock()
		return err
	}
	return nil
}

func (b *Backend) applyBatch(ctx context.Context, batch map[recordKey]stagedOp) (err error) {
	defer func() { metrics.RecordPersistOp(b.Type(), "flush", err) }()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.PersistErr("begin flush", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now()
	for k, op := range batch {
		if op.delete {
			if _, err = tx.ExecContext(ctx,
				`DELETE FROM records WHERE ns = ? AND kind = ? AND key = ?`,
				k.ns, k.kind, k.key); err != nil {
				return storage.PersistErr("flush delete "+k.key, err)
			}
			continue
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO records (ns, kind, key, value, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (ns, kind, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k.ns, k.kind, k.key, op.value, now); err != nil {
			return storage.PersistErr("flush save "+k.key, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return storage.PersistErr("commit flush", err)
	}
	return nil
}

func (b *Backend) stagePut(ns, kind, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return storage.PersistErr("encode "+key, err)
	}
	b.mu.Lock()
	b.staged[recordKey{ns, kind, key}] = stagedOp{value: data}
	b.mu.Unlock()
	return nil
}

func (b *Backend) stageDelete(ns, kind, key string) {
	b.mu.Lock()
	b.staged[recordKey{ns, kind, key}] = stagedOp{delete: true}
	b.mu.Unlock()
}

// loadKind returns all records of (ns, kind) with staged operations
// merged over persisted rows.
func (b *Backend) loadKind(ctx context.Context, ns, kind string) (map[string][]byte, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, value FROM records WHERE ns = ? AND kind = ?`, ns, kind)
	if err != nil {
		return nil, storage.PersistErr("load "+kind, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, storage.PersistErr("scan "+kind, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, storage.PersistErr("load "+kind, err)
	}

	b.mu.Lock()
	for k, op := range b.staged {
		if k.ns != ns || k.kind != kind {
			continue
		}
		if op.delete {
			delete(out, k.key)
		} else {
			out[k.key] = op.value
		}
	}
	b.mu.Unlock()
	return out, nil
}

func (b *Backend) loadOne(ctx context.Context, ns, kind, key string) ([]byte, bool, error) {
	b.mu.Lock()
	if op, ok := b.staged[recordKey{ns, kind, key}]; ok {
		b.mu.Unlock()
		if op.delete {
			return nil, false, nil
		}
		return op.value, true, nil
	}
	b.mu.Unlock()

	var value []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE ns = ? AND kind = ? AND key = ?`,
		ns, kind, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storage.PersistErr("load "+key, err)
	}
	return value, true, nil
}

// LoadFilesystem returns every node record of a namespace.
func (b *Backend) LoadFilesystem(ctx context.Context, namespace string) (map[string]*models.Node, error) {
	raw, err := b.loadKind(ctx, namespace, storage.KindFile)
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*models.Node, len(raw))
	for path, data := range raw {
		var n models.Node
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, storage.PersistErr("decode "+path, err)
		}
		nodes[path] = &n
	}
	return nodes, nil
}

// SaveFile stages one node record.
func (b *Backend) SaveFile(_ context.Context, namespace, path string, node *models.Node) error {
	return b.stagePut(namespace, storage.KindFile, path, node)
}

// DeleteFile stages one node record deletion.
func (b *Backend) DeleteFile(_ context.Context, namespace, path string) error {
	b.stageDelete(namespace, storage.KindFile, path)
	return nil
}

// SyncFilesystem replaces a namespace's node records wholesale:
// everything persisted or staged is dropped, then the given map is
// staged and flushed.
func (b *Backend) SyncFilesystem(ctx context.Context, namespace string, nodes map[string]*models.Node) error {
	existing, err := b.loadKind(ctx, namespace, storage.KindFile)
	if err != nil {
		return err
	}
	for path := range existing {
		if _, keep := nodes[path]; !keep {
			b.stageDelete(namespace, storage.KindFile, path)
		}
	}
	// Deterministic order keeps flush batches reproducible in tests.
	paths := make([]string, 0, len(nodes))
	for path := range nodes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if err := b.stagePut(namespace, storage.KindFile, path, nodes[path]); err != nil {
			return err
		}
	}
	return b.FlushRecords(ctx)
}

// SaveSession stages a session record.
func (b *Backend) SaveSession(_ context.Context, state *models.SessionState) error {
	return b.stagePut("", storage.KindSession, state.ID, state)
}

// LoadSessions returns all session records.
func (b *Backend) LoadSessions(ctx context.Context) ([]*models.SessionState, error) {
	raw, err := b.loadKind(ctx, "", storage.KindSession)
	if err != nil {
		return nil, err
	}
	out := make([]*models.SessionState, 0, len(raw))
	for id, data := range raw {
		var s models.SessionState
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, storage.PersistErr("decode session "+id, err)
		}
		out = append(out, &s)
	}
	return out, nil
}

// DeleteSession stages a session record deletion.
func (b *Backend) DeleteSession(_ context.Context, id string) error {
	b.stageDelete("", storage.KindSession, id)
	return nil
}

// SaveSnapshot stages a snapshot record.
func (b *Backend) SaveSnapshot(_ context.Context, snap *models.SessionSnapshot) error {
	return b.stagePut(snap.SessionID, storage.KindSnapshot, snap.ID, snap)
}

// LoadSnapshots returns all snapshot records of a session.
func (b *Backend) LoadSnapshots(ctx context.Context, sessionID string) ([]*models.SessionSnapshot, error) {
	raw, err := b.loadKind(ctx, sessionID, storage.KindSnapshot)
	if err != nil {
		return nil, err
	}
	out := make([]*models.SessionSnapshot, 0, len(raw))
	for id, data := range raw {
		var s models.SessionSnapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, storage.PersistErr("decode snapshot "+id, err)
		}
		out = append(out, &s)
	}
	return out, nil
}

// DeleteSnapshot stages a snapshot record deletion.
func (b *Backend) DeleteSnapshot(_ context.Context, sessionID, id string) error {
	b.stageDelete(sessionID, storage.KindSnapshot, id)
	return nil
}

// SaveImportHistory stages an import-history record.
func (b *Backend) SaveImportHistory(_ context.Context, entry *models.ImportHistoryEntry) error {
	return b.stagePut(entry.SessionID, storage.KindImport, entry.ID, entry)
}

// LoadImportHistory returns all import-history records of a session.
func (b *Backend) LoadImportHistory(ctx context.Context, sessionID string) ([]*models.ImportHistoryEntry, error) {
	raw, err := b.loadKind(ctx, sessionID, storage.KindImport)
	if err != nil {
		return nil, err
	}
	out := make([]*models.ImportHistoryEntry, 0, len(raw))
	for id, data := range raw {
		var e models.ImportHistoryEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, storage.PersistErr("decode import "+id, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

// DeleteImportHistory stages deletion of a session's import records.
func (b *Backend) DeleteImportHistory(ctx context.Context, sessionID string) error {
	raw, err := b.loadKind(ctx, sessionID, storage.KindImport)
	if err != nil {
		return err
	}
	for id := range raw {
		b.stageDelete(sessionID, storage.KindImport, id)
	}
	return nil
}

// SaveVersionBundle stages one file's version bundle.
func (b *Backend) SaveVersionBundle(_ context.Context, namespace, path string, bundle *storage.VersionBundle) error {
	return b.stagePut(namespace, storage.KindVersion, path, bundle)
}

// LoadVersionBundle returns one file's version bundle, or nil when the
// file has no history yet.
func (b *Backend) LoadVersionBundle(ctx context.Context, namespace, path string) (*storage.VersionBundle, error) {
	data, ok, err := b.loadOne(ctx, namespace, storage.KindVersion, path)
	if err != nil || !ok {
		return nil, err
	}
	var bundle storage.VersionBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, storage.PersistErr("decode versions "+path, err)
	}
	return &bundle, nil
}

// DeleteVersions stages deletion of every version bundle of a namespace.
func (b *Backend) DeleteVersions(ctx context.Context, namespace string) error {
	raw, err := b.loadKind(ctx, namespace, storage.KindVersion)
	if err != nil {
		return err
	}
	for path := range raw {
		b.stageDelete(namespace, storage.KindVersion, path)
	}
	return nil
}
