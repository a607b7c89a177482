// Package vfs implements the in-memory virtual file-node store with
// cwd-relative path resolution and read-only overlay dispatch.
package vfs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shellvault/shellvault/internal/events"
	"github.com/shellvault/shellvault/internal/metrics"
	"github.com/shellvault/shellvault/pkg/models"
)

// Persistence receives fire-and-forget notifications for every mutated
// node. The batch coordinator implements it; failures never reach the
// node-store caller.
type Persistence interface {
	Save(path string, node *models.Node)
	Delete(path string)
}

// Options configures a Store.
type Options struct {
	Persistence Persistence        // may be nil (no durability)
	Broadcaster *events.Broadcaster // may be nil (no change events)
	Overlays    []OverlayProvider  // consulted in order, before the real map
}

// Store is the canonical path-to-node map for one namespace. In-memory
// operations are synchronous; persistence is a side effect.
type Store struct {
	mu        sync.RWMutex
	namespace string
	nodes     map[string]*models.Node
	overlays  []OverlayProvider
	persist   Persistence
	bus       *events.Broadcaster
}

// New creates an empty store for a namespace, containing only the root
// directory.
func New(namespace string, opts Options) *Store {
	s := &Store{
		namespace: namespace,
		nodes:     make(map[string]*models.Node),
		overlays:  opts.Overlays,
		persist:   opts.Persistence,
		bus:       opts.Broadcaster,
	}
	now := time.Now()
	s.nodes["/"] = &models.Node{
		Name:      "/",
		Kind:      models.KindDirectory,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s
}

// Namespace returns the store's isolation key.
func (s *Store) Namespace() string { return s.namespace }

// Load replaces the in-memory map with freshly loaded nodes, typically
// after a namespace switch. A missing root is created.
func (s *Store) Load(nodes map[string]*models.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = make(map[string]*models.Node, len(nodes)+1)
	for p, n := range nodes {
		s.nodes[Normalize(p)] = n.Clone()
	}
	if _, ok := s.nodes["/"]; !ok {
		now := time.Now()
		s.nodes["/"] = &models.Node{
			Name:      "/",
			Kind:      models.KindDirectory,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	metrics.SetNodeTreeSize(len(s.nodes))
}

// Snapshot returns a deep copy of the full node map.
func (s *Store) Snapshot() map[string]*models.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*models.Node, len(s.nodes))
	for p, n := range s.nodes {
		out[p] = n.Clone()
	}
	return out
}

// Len returns the number of real nodes, including the root.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Exists reports whether a path resolves to an overlay entry or a real
// node.
func (s *Store) Exists(path string) bool {
	path = Normalize(path)
	if p := s.overlayFor(path); p != nil {
		return p.IsFile(path) || p.IsDir(path)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[path]
	return ok
}

// Stat returns a copy of the node at path. Overlay entries are
// synthesized as virtual nodes.
func (s *Store) Stat(path string) (*models.Node, error) {
	path = Normalize(path)
	if p := s.overlayFor(path); p != nil {
		return s.statOverlay(p, path)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[path]
	if !ok {
		return nil, fmt.Errorf("stat %s: %w", path, ErrNotFound)
	}
	return n.Clone(), nil
}

func (s *Store) statOverlay(p OverlayProvider, path string) (*models.Node, error) {
	switch {
	case p.IsDir(path):
		children, err := p.List(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		return &models.Node{
			Name:       BaseName(path),
			Kind:       models.KindVirtual,
			ParentPath: ParentPath(path),
			ChildNames: children,
		}, nil
	case p.IsFile(path):
		content, err := p.Read(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		return &models.Node{
			Name:       BaseName(path),
			Kind:       models.KindVirtual,
			ParentPath: ParentPath(path),
			Content:    content,
		}, nil
	default:
		return nil, fmt.Errorf("stat %s: %w", path, ErrNotFound)
	}
}

// Read returns the content of the file at path.
func (s *Store) Read(path string) (string, error) {
	path = Normalize(path)
	if p := s.overlayFor(path); p != nil {
		if p.IsDir(path) {
			return "", fmt.Errorf("read %s: %w", path, ErrNotAFile)
		}
		if !p.IsFile(path) {
			return "", fmt.Errorf("read %s: %w", path, ErrNotFound)
		}
		return p.Read(path)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[path]
	if !ok {
		return "", fmt.Errorf("read %s: %w", path, ErrNotFound)
	}
	if n.Kind != models.KindFile {
		return "", fmt.Errorf("read %s: %w", path, ErrNotAFile)
	}
	return n.Content, nil
}

// Write stores content at path, creating the file or overwriting an
// existing one. The parent directory must already exist; overwriting
// requires the existing node to be a file.
func (s *Store) Write(path, content string) (err error) {
	defer func() { metrics.RecordNodeOp("write", err) }()
	path = Normalize(path)
	if p := s.overlayFor(path); p != nil {
		if !p.Writable() {
			return fmt.Errorf("write %s: %w", path, ErrReadOnly)
		}
		return p.Write(path, content)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evType := events.EventModify
	parent, perr := s.parentDir(path)
	if perr != nil {
		return fmt.Errorf("write %s: %w", path, perr)
	}

	now := time.Now()
	n, ok := s.nodes[path]
	if ok {
		if n.Kind != models.KindFile {
			return fmt.Errorf("write %s: %w", path, ErrNotAFile)
		}
		n.Content = content
		n.UpdatedAt = now
	} else {
		evType = events.EventCreate
		n = &models.Node{
			Name:       BaseName(path),
			Kind:       models.KindFile,
			ParentPath: ParentPath(path),
			CreatedAt:  now,
			UpdatedAt:  now,
			Content:    content,
		}
		s.nodes[path] = n
		parent.AddChild(n.Name)
	}
	parent.UpdatedAt = now

	s.notifySave(path, n)
	s.notifySave(ParentPath(path), parent)
	s.emit(evType, path)
	metrics.SetNodeTreeSize(len(s.nodes))
	return nil
}

// Append appends content to an existing file, or creates it.
func (s *Store) Append(path, content string) (err error) {
	defer func() { metrics.RecordNodeOp("append", err) }()
	path = Normalize(path)
	if p := s.overlayFor(path); p != nil {
		if !p.Writable() {
			return fmt.Errorf("append %s: %w", path, ErrReadOnly)
		}
		existing := ""
		if p.IsFile(path) {
			existing, _ = p.Read(path)
		}
		return p.Write(path, existing+content)
	}

	s.mu.RLock()
	n, ok := s.nodes[path]
	s.mu.RUnlock()
	if ok && n.Kind != models.KindFile {
		return fmt.Errorf("append %s: %w", path, ErrNotAFile)
	}
	existing := ""
	if ok {
		existing = n.Content
	}
	return s.Write(path, existing+content)
}

// Mkdir creates a directory. With recursive, missing parents are created
// and re-creating an existing directory succeeds; without it, both are
// errors.
func (s *Store) Mkdir(path string, recursive bool) (err error) {
	defer func() { metrics.RecordNodeOp("mkdir", err) }()
	path = Normalize(path)
	if p := s.overlayFor(path); p != nil {
		return fmt.Errorf("mkdir %s: %w", path, ErrReadOnly)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.nodes[path]; ok {
		if n.Kind == models.KindDirectory && recursive {
			return nil
		}
		return fmt.Errorf("mkdir %s: %w", path, ErrAlreadyExists)
	}

	if recursive {
		// Create missing ancestors root-down.
		var missing []string
		for p := ParentPath(path); ; p = ParentPath(p) {
			if _, ok := s.nodes[p]; ok {
				break
			}
			missing = append(missing, p)
			if p == "/" {
				break
			}
		}
		for i := len(missing) - 1; i >= 0; i-- {
			if err := s.mkdirOne(missing[i]); err != nil {
				return fmt.Errorf("mkdir %s: %w", path, err)
			}
		}
	}

	if err := s.mkdirOne(path); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	metrics.SetNodeTreeSize(len(s.nodes))
	return nil
}

// mkdirOne creates a single directory whose parent must exist.
// Callers hold the write lock.
func (s *Store) mkdirOne(path string) error {
	parent, err := s.parentDir(path)
	if err != nil {
		return err
	}
	now := time.Now()
	n := &models.Node{
		Name:       BaseName(path),
		Kind:       models.KindDirectory,
		ParentPath: ParentPath(path),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.nodes[path] = n
	parent.AddChild(n.Name)
	parent.UpdatedAt = now

	s.notifySave(path, n)
	s.notifySave(ParentPath(path), parent)
	s.emit(events.EventCreate, path)
	return nil
}

// Remove deletes the node at path. Removing a non-empty directory
// requires recursive, which cascades depth-first and deletes the
// persisted record of every descendant.
func (s *Store) Remove(path string, recursive bool) (err error) {
	defer func() { metrics.RecordNodeOp("remove", err) }()
	path = Normalize(path)
	if p := s.overlayFor(path); p != nil {
		return fmt.Errorf("remove %s: %w", path, ErrReadOnly)
	}
	if path == "/" {
		return fmt.Errorf("remove %s: %w", path, ErrNotAFile)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[path]
	if !ok {
		return fmt.Errorf("remove %s: %w", path, ErrNotFound)
	}
	if n.Kind == models.KindDirectory && len(n.ChildNames) > 0 && !recursive {
		return fmt.Errorf("remove %s: %w", path, ErrNotEmpty)
	}

	// Deepest first, so children disappear before their parents.
	doomed := s.descendantsLocked(path)
	sort.Slice(doomed, func(i, j int) bool { return Depth(doomed[i]) > Depth(doomed[j]) })
	for _, dp := range doomed {
		delete(s.nodes, dp)
		s.notifyDelete(dp)
		s.emit(events.EventDelete, dp)
	}
	delete(s.nodes, path)
	s.notifyDelete(path)
	s.emit(events.EventDelete, path)

	now := time.Now()
	if parent, ok := s.nodes[ParentPath(path)]; ok {
		parent.RemoveChild(n.Name)
		parent.UpdatedAt = now
		s.notifySave(ParentPath(path), parent)
	}
	metrics.SetNodeTreeSize(len(s.nodes))
	return nil
}

// Copy duplicates src at dst. Directory sources require recursive, and
// the destination must not already exist.
func (s *Store) Copy(src, dst string, recursive bool) (err error) {
	defer func() { metrics.RecordNodeOp("copy", err) }()
	src = Normalize(src)
	dst = Normalize(dst)

	if _, err := s.Stat(src); err != nil {
		return err
	}
	if s.Exists(dst) {
		return fmt.Errorf("copy %s: destination %s: %w", src, dst, ErrAlreadyExists)
	}
	if s.isDirPath(src) {
		if !recursive {
			return fmt.Errorf("copy %s: %w", src, ErrNotAFile)
		}
		return s.copyDir(src, dst)
	}
	content, err := s.Read(src)
	if err != nil {
		return err
	}
	return s.Write(dst, content)
}

// isDirPath reports whether path is a directory in an overlay or the
// real tree.
func (s *Store) isDirPath(path string) bool {
	if p := s.overlayFor(path); p != nil {
		return p.IsDir(path)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[path]
	return ok && n.Kind == models.KindDirectory
}

func (s *Store) copyDir(src, dst string) error {
	if err := s.Mkdir(dst, false); err != nil {
		return err
	}
	names, err := s.List(src)
	if err != nil {
		return err
	}
	for _, name := range names {
		childSrc := JoinChild(src, name)
		childDst := JoinChild(dst, name)
		if s.isDirPath(childSrc) {
			if err := s.copyDir(childSrc, childDst); err != nil {
				return err
			}
			continue
		}
		content, err := s.Read(childSrc)
		if err != nil {
			return err
		}
		if err := s.Write(childDst, content); err != nil {
			return err
		}
	}
	return nil
}

// Move relocates src to dst as copy-then-remove, both recursive. It is
// not atomic: a failed copy leaves src in place, a failed remove leaves
// both.
func (s *Store) Move(src, dst string) (err error) {
	defer func() { metrics.RecordNodeOp("move", err) }()
	if err := s.Copy(src, dst, true); err != nil {
		return err
	}
	return s.Remove(src, true)
}

// List returns the sorted entry names of the directory at path.
func (s *Store) List(path string) ([]string, error) {
	path = Normalize(path)
	if p := s.overlayFor(path); p != nil {
		if !p.IsDir(path) {
			if p.IsFile(path) {
				return nil, fmt.Errorf("list %s: %w", path, ErrNotADirectory)
			}
			return nil, fmt.Errorf("list %s: %w", path, ErrNotFound)
		}
		names, err := p.List(path)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", path, err)
		}
		sort.Strings(names)
		return names, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[path]
	if !ok {
		return nil, fmt.Errorf("list %s: %w", path, ErrNotFound)
	}
	if n.Kind != models.KindDirectory {
		return nil, fmt.Errorf("list %s: %w", path, ErrNotADirectory)
	}
	names := make([]string, 0, len(n.ChildNames))
	for _, name := range n.ChildNames {
		// Orphan child references are tolerated on read, never listed.
		if _, ok := s.nodes[JoinChild(path, name)]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ListDetailed returns copies of the child nodes of the directory at
// path, sorted by name.
func (s *Store) ListDetailed(path string) ([]*models.Node, error) {
	names, err := s.List(path)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Node, 0, len(names))
	for _, name := range names {
		n, err := s.Stat(JoinChild(Normalize(path), name))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// parentDir returns the parent directory node for a path. Callers hold
// at least the read lock.
func (s *Store) parentDir(path string) (*models.Node, error) {
	parent, ok := s.nodes[ParentPath(path)]
	if !ok {
		return nil, ErrNotFound
	}
	if parent.Kind != models.KindDirectory {
		return nil, ErrNotADirectory
	}
	return parent, nil
}

// descendantsLocked returns all strict descendants of path. Callers hold
// the write lock.
func (s *Store) descendantsLocked(path string) []string {
	var out []string
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	for p := range s.nodes {
		if p != path && strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Store) notifySave(path string, n *models.Node) {
	if s.persist != nil {
		s.persist.Save(path, n.Clone())
	}
}

func (s *Store) notifyDelete(path string) {
	if s.persist != nil {
		s.persist.Delete(path)
	}
}

func (s *Store) emit(evType, path string) {
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Type:      evType,
			Namespace: s.namespace,
			Path:      path,
		})
	}
}
