// Package postgres provides a direct storage backend on PostgreSQL.
// Every record operation hits the database immediately; placement behind
// the batch coordinator is what gives callers debounced writes.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/lib/pq"

	"github.com/shellvault/shellvault/internal/metrics"
	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	ns         TEXT NOT NULL,
	kind       TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (ns, kind, key)
);

CREATE INDEX IF NOT EXISTS idx_records_ns_kind ON records(ns, kind);
`

// Backend implements storage.Backend on PostgreSQL.
type Backend struct {
	db *sql.DB
}

// New connects to the database at the given URL.
func New(databaseURL string) (*Backend, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, storage.PersistErr("open database", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, storage.PersistErr("ping database", err)
	}

	return &Backend{db: db}, nil
}

// Init creates the schema.
func (b *Backend) Init(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, schema); err != nil {
		return storage.PersistErr("init schema", err)
	}
	return nil
}

// Type returns "postgres".
func (b *Backend) Type() string { return "postgres" }

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) put(ctx context.Context, ns, kind, key string, v any) (err error) {
	defer func() { metrics.RecordPersistOp(b.Type(), "save", err) }()
	data, err := json.Marshal(v)
	if err != nil {
		return storage.PersistErr("encode "+key, err)
	}
	if _, err = b.db.ExecContext(ctx,
		`INSERT INTO records (ns, kind, key, value, updated_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (ns, kind, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		ns, kind, key, data, time.Now()); err != nil {
		return storage.PersistErr("save "+key, err)
	}
	return nil
}

func (b *Backend) delete(ctx context.Context, ns, kind, key string) (err error) {
	defer func() { metrics.RecordPersistOp(b.Type(), "delete", err) }()
	if _, err = b.db.ExecContext(ctx,
		`DELETE FROM records WHERE ns = $1 AND kind = $2 AND key = $3`,
		ns, kind, key); err != nil {
		return storage.PersistErr("delete "+key, err)
	}
	return nil
}

func (b *Backend) loadKind(ctx context.Context, ns, kind string) (map[string][]byte, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT key, value FROM records WHERE ns = $1 AND kind = $2`, ns, kind)
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
	return out, nil
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

// SaveFile persists one node record.
func (b *Backend) SaveFile(ctx context.Context, namespace, path string, node *models.Node) error {
	return b.put(ctx, namespace, storage.KindFile, path, node)
}

// DeleteFile removes one node record.
func (b *Backend) DeleteFile(ctx context.Context, namespace, path string) error {
	return b.delete(ctx, namespace, storage.KindFile, path)
}

// SyncFilesystem replaces a namespace's node records in one transaction.
func (b *Backend) SyncFilesystem(ctx context.Context, namespace string, nodes map[string]*models.Node) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.PersistErr("begin sync", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM records WHERE ns = $1 AND kind = $2`, namespace, storage.KindFile); err != nil {
		return storage.PersistErr("sync clear "+namespace, err)
	}
	now := time.Now()
	for path, node := range nodes {
		data, merr := json.Marshal(node)
		if merr != nil {
			err = storage.PersistErr("encode "+path, merr)
			return err
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO records (ns, kind, key, value, updated_at) VALUES ($1, $2, $3, $4, $5)`,
			namespace, storage.KindFile, path, data, now); err != nil {
			return storage.PersistErr("sync save "+path, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return storage.PersistErr("commit sync", err)
	}
	return nil
}

// SaveSession persists a session record.
func (b *Backend) SaveSession(ctx context.Context, state *models.SessionState) error {
	return b.put(ctx, "", storage.KindSession, state.ID, state)
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

// DeleteSession removes a session record.
func (b *Backend) DeleteSession(ctx context.Context, id string) error {
	return b.delete(ctx, "", storage.KindSession, id)
}

// SaveSnapshot persists a snapshot record.
func (b *Backend) SaveSnapshot(ctx context.Context, snap *models.SessionSnapshot) error {
	return b.put(ctx, snap.SessionID, storage.KindSnapshot, snap.ID, snap)
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

// DeleteSnapshot removes one snapshot record.
func (b *Backend) DeleteSnapshot(ctx context.Context, sessionID, id string) error {
	return b.delete(ctx, sessionID, storage.KindSnapshot, id)
}

// SaveImportHistory persists an import-history record.
func (b *Backend) SaveImportHistory(ctx context.Context, entry *models.ImportHistoryEntry) error {
	return b.put(ctx, entry.SessionID, storage.KindImport, entry.ID, entry)
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

// DeleteImportHistory removes a session's import-history records.
func (b *Backend) DeleteImportHistory(ctx context.Context, sessionID string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM records WHERE ns = $1 AND kind = $2`, sessionID, storage.KindImport); err != nil {
		return storage.PersistErr("delete import history "+sessionID, err)
	}
	return nil
}

// SaveVersionBundle persists one file's version bundle.
func (b *Backend) SaveVersionBundle(ctx context.Context, namespace, path string, bundle *storage.VersionBundle) error {
	return b.put(ctx, namespace, storage.KindVersion, path, bundle)
}

// LoadVersionBundle returns one file's version bundle, or nil when the
// file has no history yet.
func (b *Backend) LoadVersionBundle(ctx context.Context, namespace, path string) (*storage.VersionBundle, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE ns = $1 AND kind = $2 AND key = $3`,
		namespace, storage.KindVersion, path).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storage.PersistErr("load versions "+path, err)
	}
	var bundle storage.VersionBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, storage.PersistErr("decode versions "+path, err)
	}
	return &bundle, nil
}

// DeleteVersions removes every version bundle of a namespace.
func (b *Backend) DeleteVersions(ctx context.Context, namespace string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM records WHERE ns = $1 AND kind = $2`, namespace, storage.KindVersion); err != nil {
		return storage.PersistErr("delete versions "+namespace, err)
	}
	return nil
}
