// Package snapshots manages named and automatic checkpoints of a
// session's full state, with policy-driven retention eviction.
package snapshots

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shellvault/shellvault/internal/logging"
	"github.com/shellvault/shellvault/internal/metrics"
	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/pkg/models"
)

// DefaultLimit is the retention cap enforced by EnforceSnapshotLimit.
const DefaultLimit = 10

// ErrSnapshotNotFound indicates no snapshot matches the lookup.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Manager persists session snapshots through the storage backend.
type Manager struct {
	backend storage.Backend
	limit   int
}

// NewManager creates a snapshot manager. A non-positive limit falls back
// to DefaultLimit.
func NewManager(backend storage.Backend, limit int) *Manager {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Manager{backend: backend, limit: limit}
}

// CreateOptions carries optional snapshot fields.
type CreateOptions struct {
	Description string
	IsAuto      bool
}

// CreateSnapshot persists a new snapshot of the given image. Name
// uniqueness among a session's manual snapshots is the caller's
// responsibility, checked before calling.
func (m *Manager) CreateSnapshot(ctx context.Context, sessionID, name string, image *models.DiskImage, opts CreateOptions) (*models.SessionSnapshot, error) {
	snap := &models.SessionSnapshot{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Name:        name,
		Timestamp:   time.Now(),
		Description: opts.Description,
		IsAuto:      opts.IsAuto,
		Image:       *image.Clone(),
	}
	if err := m.backend.SaveSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	metrics.RecordSnapshot(opts.IsAuto)
	return snap, nil
}

// GetSessionSnapshots returns a session's snapshots, newest first.
func (m *Manager) GetSessionSnapshots(ctx context.Context, sessionID string) ([]*models.SessionSnapshot, error) {
	snaps, err := m.backend.LoadSnapshots(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.After(snaps[j].Timestamp)
	})
	return snaps, nil
}

// GetSnapshotByName returns the newest snapshot with the given name.
func (m *Manager) GetSnapshotByName(ctx context.Context, sessionID, name string) (*models.SessionSnapshot, error) {
	snaps, err := m.GetSessionSnapshots(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, s := range snaps {
		if s.Name == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("snapshot %s: %w", name, ErrSnapshotNotFound)
}

// DeleteSnapshot removes one snapshot.
func (m *Manager) DeleteSnapshot(ctx context.Context, sessionID, id string) error {
	return m.backend.DeleteSnapshot(ctx, sessionID, id)
}

// EnforceSnapshotLimit evicts snapshots beyond the retention cap: the
// newest `limit` manual snapshots are kept first (older manual snapshots
// are evicted once the manual count alone exceeds the cap), remaining
// capacity is filled with the newest automatic snapshots, and everything
// else is deleted. Returns the number deleted.
func (m *Manager) EnforceSnapshotLimit(ctx context.Context, sessionID string) (int, error) {
	snaps, err := m.GetSessionSnapshots(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if len(snaps) <= m.limit {
		return 0, nil
	}

	var manual, auto []*models.SessionSnapshot
	for _, s := range snaps {
		if s.IsAuto {
			auto = append(auto, s)
		} else {
			manual = append(manual, s)
		}
	}

	keep := make(map[string]bool, m.limit)
	kept := 0
	for _, s := range manual {
		if kept >= m.limit {
			break
		}
		keep[s.ID] = true
		kept++
	}
	for _, s := range auto {
		if kept >= m.limit {
			break
		}
		keep[s.ID] = true
		kept++
	}

	deleted := 0
	for _, s := range snaps {
		if keep[s.ID] {
			continue
		}
		if !s.IsAuto {
			// Retention can drop a user's named checkpoint; make that
			// loud rather than silent.
			logging.Warn("evicting manual snapshot over retention limit",
				logging.String("session", sessionID),
				logging.String("name", s.Name),
				logging.String("id", s.ID))
		}
		if err := m.backend.DeleteSnapshot(ctx, sessionID, s.ID); err != nil {
			return deleted, err
		}
		metrics.RecordSnapshotEviction(s.IsAuto)
		deleted++
	}
	return deleted, nil
}

// CreateAutoSnapshot wraps snapshot creation in a best-effort guard: it
// is always invoked as a side effect of an operation that must proceed,
// so capture or storage failures are logged and swallowed. Returns nil
// on failure.
func (m *Manager) CreateAutoSnapshot(ctx context.Context, sessionID, reason string, capture func() (*models.DiskImage, error)) *models.SessionSnapshot {
	image, err := capture()
	if err != nil {
		logging.Warn("auto-snapshot capture failed",
			logging.String("session", sessionID),
			logging.String("reason", reason),
			logging.Err(err))
		return nil
	}
	snap, err := m.CreateSnapshot(ctx, sessionID, "auto: "+reason, image, CreateOptions{
		Description: reason,
		IsAuto:      true,
	})
	if err != nil {
		logging.Warn("auto-snapshot save failed",
			logging.String("session", sessionID),
			logging.String("reason", reason),
			logging.Err(err))
		return nil
	}
	if _, err := m.EnforceSnapshotLimit(ctx, sessionID); err != nil {
		logging.Warn("snapshot retention enforcement failed",
			logging.String("session", sessionID),
			logging.Err(err))
	}
	return snap
}
