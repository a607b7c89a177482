// Package models contains the shared data types of the storage engine.
package models

import "time"

// NodeKind distinguishes the kinds of entries in the virtual tree.
type NodeKind string

const (
	KindFile      NodeKind = "file"
	KindDirectory NodeKind = "directory"
	KindVirtual   NodeKind = "virtual"
)

// Node represents a file or directory in the virtual filesystem.
// Exactly one node exists per (namespace, absolute path).
type Node struct {
	Name       string    `json:"name"`
	Kind       NodeKind  `json:"kind"`
	ParentPath string    `json:"parent_path,omitempty"` // empty for the root
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Content    string    `json:"content,omitempty"`
	ChildNames []string  `json:"child_names,omitempty"`
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.Kind == KindDirectory }

// Clone returns a deep copy. Persistence boundaries must receive copies,
// never references into the live tree.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.ChildNames != nil {
		c.ChildNames = make([]string, len(n.ChildNames))
		copy(c.ChildNames, n.ChildNames)
	}
	return &c
}

// HasChild reports whether name is registered under a directory node.
func (n *Node) HasChild(name string) bool {
	for _, c := range n.ChildNames {
		if c == name {
			return true
		}
	}
	return false
}

// AddChild registers a child name, keeping the set free of duplicates.
func (n *Node) AddChild(name string) {
	if !n.HasChild(name) {
		n.ChildNames = append(n.ChildNames, name)
	}
}

// RemoveChild unregisters a child name.
func (n *Node) RemoveChild(name string) {
	for i, c := range n.ChildNames {
		if c == name {
			n.ChildNames = append(n.ChildNames[:i], n.ChildNames[i+1:]...)
			return
		}
	}
}

// FileVersion is one saved revision of a file. Versions form a forest:
// each has at most one parent, a nil ParentID marks a root.
type FileVersion struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"` // "<namespace>:<absolute path>"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ParentID  string    `json:"parent_id,omitempty"`
	Branch    string    `json:"branch"`
	Message   string    `json:"message,omitempty"`
	Author    string    `json:"author,omitempty"`
}

// FileVersionHistory tracks the current version and branch tips for one
// namespace-scoped path. CurrentVersionID and every branch tip must
// reference an existing FileVersion for the same key.
type FileVersionHistory struct {
	Key              string            `json:"key"`
	CurrentVersionID string            `json:"current_version_id"`
	Branches         map[string]string `json:"branches"` // branch name -> version id
}

// SessionSnapshot is a named or automatic checkpoint of a session's full
// state. Name uniqueness among a session's manual snapshots is a
// caller-side check, not a storage constraint.
type SessionSnapshot struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Name        string    `json:"name"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
	IsAuto      bool      `json:"is_auto"`
	Image       DiskImage `json:"image"`
}

// DiskImageFormatVersion is the only envelope version this engine accepts.
const DiskImageFormatVersion = 1

// DiskImage is the portable envelope capturing a session's environment and
// full file tree for export, import, and merge.
type DiskImage struct {
	FormatVersion int                      `json:"formatVersion" yaml:"formatVersion"`
	Name          string                   `json:"name" yaml:"name"`
	CreatedAt     time.Time                `json:"createdAt" yaml:"createdAt"`
	ExportedAt    time.Time                `json:"exportedAt" yaml:"exportedAt"`
	Session       DiskImageSession         `json:"session" yaml:"session"`
	Files         map[string]DiskImageFile `json:"files" yaml:"files"`
}

// DiskImageSession carries the non-filesystem session state.
type DiskImageSession struct {
	Env            map[string]string `json:"env" yaml:"env"`
	Aliases        map[string]string `json:"aliases" yaml:"aliases"`
	CommandHistory []string          `json:"commandHistory" yaml:"commandHistory"`
}

// DiskImageFile is one entry of DiskImage.Files, keyed by absolute path.
type DiskImageFile struct {
	Kind    NodeKind          `json:"kind" yaml:"kind"`
	Content string            `json:"content,omitempty" yaml:"content,omitempty"`
	Meta    DiskImageFileMeta `json:"meta" yaml:"meta"`
}

// DiskImageFileMeta carries per-file metadata through export and import.
type DiskImageFileMeta struct {
	Created     time.Time `json:"created" yaml:"created"`
	Modified    time.Time `json:"modified" yaml:"modified"`
	Permissions string    `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// Clone returns a deep copy of the image.
func (d *DiskImage) Clone() *DiskImage {
	if d == nil {
		return nil
	}
	c := *d
	c.Session.Env = copyStringMap(d.Session.Env)
	c.Session.Aliases = copyStringMap(d.Session.Aliases)
	if d.Session.CommandHistory != nil {
		c.Session.CommandHistory = make([]string, len(d.Session.CommandHistory))
		copy(c.Session.CommandHistory, d.Session.CommandHistory)
	}
	if d.Files != nil {
		c.Files = make(map[string]DiskImageFile, len(d.Files))
		for p, f := range d.Files {
			c.Files[p] = f
		}
	}
	return &c
}

// ImportHistoryEntry is the immutable record of one import or merge,
// used for undo bookkeeping.
type ImportHistoryEntry struct {
	ID                     string            `json:"id"`
	Timestamp              time.Time         `json:"timestamp"`
	SourceName             string            `json:"source_name"`
	SourceExportedAt       time.Time         `json:"source_exported_at"`
	SessionID              string            `json:"session_id"`
	WasFreshImport         bool              `json:"was_fresh_import"`
	MergeStrategy          string            `json:"merge_strategy,omitempty"`
	FilesImported          []string          `json:"files_imported,omitempty"`
	FilesSkipped           []string          `json:"files_skipped,omitempty"`
	PreOverwriteVersionIDs map[string]string `json:"pre_overwrite_version_ids,omitempty"`
	EnvKeysMerged          []string          `json:"env_keys_merged,omitempty"`
	AliasKeysMerged        []string          `json:"alias_keys_merged,omitempty"`
}

// SessionState is the plain DTO for a session's non-filesystem state. It
// crosses the persistence boundary only as a deep copy.
type SessionState struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Cwd            string            `json:"cwd"`
	Env            map[string]string `json:"env"`
	Aliases        map[string]string `json:"aliases"`
	CommandHistory []string          `json:"command_history"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of the session state.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	c.Env = copyStringMap(s.Env)
	c.Aliases = copyStringMap(s.Aliases)
	if s.CommandHistory != nil {
		c.CommandHistory = make([]string, len(s.CommandHistory))
		copy(c.CommandHistory, s.CommandHistory)
	}
	return &c
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// VersionKey builds the persisted record key for file and version lookups.
func VersionKey(namespace, absPath string) string {
	return namespace + ":" + absPath
}
