package vfs

import (
	"path"
	"strings"
)

// Resolve turns a caller-supplied path into a canonical absolute path.
// Relative paths are joined against cwd; "." and ".." are normalized.
// An empty cwd is treated as the root.
func Resolve(p, cwd string) string {
	if cwd == "" {
		cwd = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = path.Join(cwd, p)
	}
	return Normalize(p)
}

// Normalize cleans an absolute path: collapses separators, resolves
// "." and "..", and strips trailing slashes (except for the root).
func Normalize(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// ParentPath returns the parent directory of an absolute path.
// The root is its own parent.
func ParentPath(p string) string {
	return path.Dir(Normalize(p))
}

// BaseName returns the last element of an absolute path.
func BaseName(p string) string {
	return path.Base(Normalize(p))
}

// JoinChild constructs a child path from a parent path and a name.
func JoinChild(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// Depth returns the number of path components below the root.
// Depth("/") == 0, Depth("/a/b") == 2.
func Depth(p string) int {
	p = Normalize(p)
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}

// IsAncestor reports whether ancestor contains p (strictly).
func IsAncestor(ancestor, p string) bool {
	ancestor = Normalize(ancestor)
	p = Normalize(p)
	if ancestor == p {
		return false
	}
	if ancestor == "/" {
		return true
	}
	return strings.HasPrefix(p, ancestor+"/")
}
