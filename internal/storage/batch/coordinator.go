// Package batch provides the debounced write coordinator sitting in
// front of a storage backend. Mutations are coalesced per key, flushed
// after a quiet period, and retried on failure; persistence errors are
// never raised to node-store callers.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shellvault/shellvault/internal/logging"
	"github.com/shellvault/shellvault/internal/metrics"
	"github.com/shellvault/shellvault/internal/retry"
	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/pkg/models"
)

// DefaultDebounce is the quiet period before a scheduled flush.
const DefaultDebounce = 500 * time.Millisecond

type pendingOp struct {
	node *models.Node // nil for deletes
	del  bool
}

// Coordinator coalesces save/delete operations for one namespace and
// flushes them through the backend. Only the owning coordinator may
// mutate its pending map.
type Coordinator struct {
	namespace string
	backend   storage.Backend
	debounce  time.Duration
	retryCfg  retry.Config

	mu        sync.Mutex
	pending   map[string]pendingOp
	timer     *time.Timer
	flushing  bool
	flushDone chan struct{}
	closed    bool
}

// New creates a coordinator for a namespace.
func New(namespace string, backend storage.Backend, debounce time.Duration) *Coordinator {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	done := make(chan struct{})
	close(done)
	return &Coordinator{
		namespace: namespace,
		backend:   backend,
		debounce:  debounce,
		retryCfg:  retry.DefaultConfig(),
		pending:   make(map[string]pendingOp),
		flushDone: done,
	}
}

// Namespace returns the coordinator's namespace.
func (c *Coordinator) Namespace() string { return c.namespace }

// Save records a pending save for path, replacing any pending operation
// on the same key, and restarts the debounce timer.
func (c *Coordinator) Save(path string, node *models.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending[path] = pendingOp{node: node}
	c.scheduleLocked()
	metrics.SetPendingOps(c.namespace, len(c.pending))
}

// Delete records a pending delete for path, replacing any pending save,
// and restarts the debounce timer.
func (c *Coordinator) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.pending[path] = pendingOp{del: true}
	c.scheduleLocked()
	metrics.SetPendingOps(c.namespace, len(c.pending))
}

// Pending returns the number of coalesced operations not yet flushed.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// scheduleLocked (re)starts the debounce timer. Callers hold c.mu.
func (c *Coordinator) scheduleLocked() {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		// Failures are logged and rescheduled inside Flush.
		_ = c.Flush(context.Background())
	})
}

// Flush drains the pending map through the backend. It is idempotent and
// safe to call concurrently: a caller arriving during an in-flight flush
// awaits it, and if operations accumulated in the meantime, the flush
// runs again. On failure the attempted batch is merged back into pending
// without overwriting operations queued since, and a retry is scheduled.
func (c *Coordinator) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.flushing {
			done := c.flushDone
			c.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if len(c.pending) == 0 {
			c.mu.Unlock()
			// The backend may hold staged non-file records (sessions,
			// snapshots, versions) with no file operation pending.
			if err := c.flushRecords(ctx); err != nil {
				metrics.RecordPersistFailure()
				logging.Error("flush staged records failed",
					logging.String("namespace", c.namespace),
					logging.Err(err))
				return err
			}
			return nil
		}
		batch := c.pending
		c.pending = make(map[string]pendingOp)
		c.flushing = true
		c.flushDone = make(chan struct{})
		if c.timer != nil {
			c.timer.Stop()
		}
		c.mu.Unlock()

		start := time.Now()
		err := c.apply(ctx, batch)
		metrics.RecordFlush(time.Since(start))

		c.mu.Lock()
		c.flushing = false
		close(c.flushDone)
		if err != nil {
			// Re-queue without clobbering anything queued meanwhile.
			for path, op := range batch {
				if _, ok := c.pending[path]; !ok {
					c.pending[path] = op
				}
			}
			c.scheduleLocked()
			requeued := len(c.pending)
			metrics.SetPendingOps(c.namespace, requeued)
			c.mu.Unlock()
			metrics.RecordPersistFailure()
			logging.Error("flush failed, operations re-queued",
				logging.String("namespace", c.namespace),
				logging.Int("pending", requeued),
				logging.Err(err))
			return err
		}
		metrics.SetPendingOps(c.namespace, len(c.pending))
		c.mu.Unlock()
		// Loop again: operations may have accumulated during the flush.
	}
}

// apply pushes one batch of file operations through the backend. The
// batch is retried as a whole on error; record upserts are idempotent.
// Staged non-file records are flushed by the loop in Flush once the
// pending map drains.
func (c *Coordinator) apply(ctx context.Context, batch map[string]pendingOp) error {
	for path, op := range batch {
		var err error
		if op.del {
			err = c.backend.DeleteFile(ctx, c.namespace, path)
		} else {
			err = c.backend.SaveFile(ctx, c.namespace, path, op.node)
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", path, err)
		}
	}
	return nil
}

// flushRecords pushes the backend's staged non-file records when the
// backend batches them. Failed batches stay staged in the backend and
// are retried on the next flush.
func (c *Coordinator) flushRecords(ctx context.Context) error {
	f, ok := c.backend.(storage.BatchFlusher)
	if !ok {
		return nil
	}
	if err := f.FlushRecords(ctx); err != nil {
		return fmt.Errorf("flush records: %w", err)
	}
	return nil
}

// WaitForPending forces an immediate flush and blocks until it and any
// continuations settle, retrying failed flushes with backoff. Used
// before operations that require durability (export, namespace switch).
func (c *Coordinator) WaitForPending(ctx context.Context) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		if err := c.Flush(ctx); err != nil {
			return retry.Retryable(err)
		}
		return nil
	})
}

// Cancel discards not-yet-flushed operations and stops the debounce
// timer. An in-flight flush is not interrupted. Used at session
// teardown.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = make(map[string]pendingOp)
	c.closed = true
	metrics.SetPendingOps(c.namespace, 0)
}

// IntegrityReport is the result of comparing in-memory state against the
// persisted map. Diagnostic only; nothing is corrected.
type IntegrityReport struct {
	Namespace      string
	InMemoryCount  int
	PersistedCount int
	Missing        []string // in memory, not persisted
	Extra          []string // persisted, not in memory
	Mismatched     []string // both present, content differs
}

// OK reports whether the two maps agree.
func (r *IntegrityReport) OK() bool {
	return len(r.Missing) == 0 && len(r.Extra) == 0 && len(r.Mismatched) == 0
}

// IntegrityCheck flushes all pending operations, reloads the namespace
// from the backend, and compares it against the supplied in-memory map.
func (c *Coordinator) IntegrityCheck(ctx context.Context, inMemory map[string]*models.Node) (*IntegrityReport, error) {
	if err := c.WaitForPending(ctx); err != nil {
		return nil, err
	}
	persisted, err := c.backend.LoadFilesystem(ctx, c.namespace)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{
		Namespace:      c.namespace,
		InMemoryCount:  len(inMemory),
		PersistedCount: len(persisted),
	}
	for path, mem := range inMemory {
		disk, ok := persisted[path]
		if !ok {
			report.Missing = append(report.Missing, path)
			continue
		}
		if disk.Content != mem.Content || disk.Kind != mem.Kind {
			report.Mismatched = append(report.Mismatched, path)
		}
	}
	for path := range persisted {
		if _, ok := inMemory[path]; !ok {
			report.Extra = append(report.Extra, path)
		}
	}
	return report, nil
}
