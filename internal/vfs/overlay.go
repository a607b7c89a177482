package vfs

// OverlayProvider serves a virtual subtree resolved before the real node
// map. Providers are consulted in registration order, so the first
// provider claiming a path wins; a real node can never shadow a claimed
// path, and overlays never leak writes into the real tree.
type OverlayProvider interface {
	// Name identifies the provider in logs and listings.
	Name() string

	// Claims reports whether the provider owns the given absolute path.
	Claims(path string) bool

	// IsDir reports whether a claimed path is a directory.
	IsDir(path string) bool

	// IsFile reports whether a claimed path is a file.
	IsFile(path string) bool

	// Read returns the content of a claimed file path.
	Read(path string) (string, error)

	// Write stores content at a claimed path. Read-only providers
	// return ErrReadOnly.
	Write(path, content string) error

	// List returns the entry names of a claimed directory path.
	List(path string) ([]string, error)

	// Writable reports whether the provider accepts writes at all.
	Writable() bool
}

// overlayFor returns the first provider claiming the path, or nil.
func (s *Store) overlayFor(path string) OverlayProvider {
	for _, p := range s.overlays {
		if p.Claims(path) {
			return p
		}
	}
	return nil
}
