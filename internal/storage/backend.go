// Package storage defines the Backend interface for durable persistence
// of all engine records: file nodes, sessions, version histories,
// snapshots, and import history. Implementations are the sole boundary
// toward environment-specific I/O; the engine never touches concrete
// storage directly.
package storage

import (
	"context"
	"errors"

	"github.com/shellvault/shellvault/pkg/models"
)

// ErrPersistence marks write/delete/load failures against the backing
// store. Wrapped by all backend errors so callers can errors.Is them.
var ErrPersistence = errors.New("persistence failure")

// Record kinds, used by keyed backends to partition records.
const (
	KindFile     = "file"
	KindSession  = "session"
	KindSnapshot = "snapshot"
	KindImport   = "import"
	KindVersion  = "version"
)

// VersionBundle is the persisted unit of the version engine: one file's
// history pointers plus its full version forest.
type VersionBundle struct {
	History  *models.FileVersionHistory `json:"history"`
	Versions []*models.FileVersion      `json:"versions"`
}

// Backend is the durable persistence contract. All records are logically
// partitioned by namespace; session, snapshot, and import records are
// partitioned by their session id instead.
type Backend interface {
	// Init prepares the backing store (directories, schema).
	Init(ctx context.Context) error

	// LoadFilesystem returns every node record of a namespace.
	LoadFilesystem(ctx context.Context, namespace string) (map[string]*models.Node, error)

	// SaveFile persists one node record.
	SaveFile(ctx context.Context, namespace, path string, node *models.Node) error

	// DeleteFile removes one node record.
	DeleteFile(ctx context.Context, namespace, path string) error

	// SyncFilesystem replaces a namespace's node records wholesale.
	SyncFilesystem(ctx context.Context, namespace string, nodes map[string]*models.Node) error

	// Session record pass-throughs.
	SaveSession(ctx context.Context, state *models.SessionState) error
	LoadSessions(ctx context.Context) ([]*models.SessionState, error)
	DeleteSession(ctx context.Context, id string) error

	// Snapshot record pass-throughs.
	SaveSnapshot(ctx context.Context, snap *models.SessionSnapshot) error
	LoadSnapshots(ctx context.Context, sessionID string) ([]*models.SessionSnapshot, error)
	DeleteSnapshot(ctx context.Context, sessionID, id string) error

	// Import-history record pass-throughs.
	SaveImportHistory(ctx context.Context, entry *models.ImportHistoryEntry) error
	LoadImportHistory(ctx context.Context, sessionID string) ([]*models.ImportHistoryEntry, error)
	DeleteImportHistory(ctx context.Context, sessionID string) error

	// Version records, one bundle per (namespace, path).
	SaveVersionBundle(ctx context.Context, namespace, path string, bundle *VersionBundle) error
	LoadVersionBundle(ctx context.Context, namespace, path string) (*VersionBundle, error)
	DeleteVersions(ctx context.Context, namespace string) error

	// Type returns the backend identifier ("fsdir", "sqlite", "postgres",
	// "memory").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// BatchFlusher is implemented by backends that coalesce writes in memory
// and persist them together. The batch coordinator calls FlushRecords
// after handing over a batch; direct backends simply don't implement it.
type BatchFlusher interface {
	FlushRecords(ctx context.Context) error
}
