// Package overlays contains reference overlay providers: device files,
// generated proc-style content, and static documentation subtrees. The
// surrounding environment usually supplies its own providers; these are
// the stock set wired by the session manager and exercised by tests.
package overlays

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/shellvault/shellvault/internal/vfs"
)

const randomChunk = 64

// Device serves /dev. Writes to /dev/null are discarded; every other
// entry is read-only.
type Device struct {
	prefix string
}

// NewDevice creates the device overlay rooted at /dev.
func NewDevice() *Device {
	return &Device{prefix: "/dev"}
}

func (d *Device) Name() string { return "device" }

func (d *Device) Claims(path string) bool {
	return path == d.prefix || strings.HasPrefix(path, d.prefix+"/")
}

func (d *Device) IsDir(path string) bool { return path == d.prefix }

func (d *Device) IsFile(path string) bool {
	switch path {
	case d.prefix + "/null", d.prefix + "/zero", d.prefix + "/random", d.prefix + "/urandom":
		return true
	}
	return false
}

func (d *Device) Read(path string) (string, error) {
	switch path {
	case d.prefix + "/null":
		return "", nil
	case d.prefix + "/zero":
		return strings.Repeat("\x00", randomChunk), nil
	case d.prefix + "/random", d.prefix + "/urandom":
		b := make([]byte, randomChunk)
		for i := range b {
			b[i] = byte(rand.Intn(256))
		}
		return string(b), nil
	}
	return "", fmt.Errorf("read %s: %w", path, vfs.ErrNotFound)
}

func (d *Device) Write(path, _ string) error {
	if path == d.prefix+"/null" {
		return nil // discarded
	}
	return fmt.Errorf("write %s: %w", path, vfs.ErrReadOnly)
}

func (d *Device) List(path string) ([]string, error) {
	if path != d.prefix {
		return nil, fmt.Errorf("list %s: %w", path, vfs.ErrNotADirectory)
	}
	return []string{"null", "random", "urandom", "zero"}, nil
}

func (d *Device) Writable() bool { return true }

// Proc serves generated content under /proc. Each entry is a generator
// invoked on every read, so content always reflects live session state.
type Proc struct {
	prefix     string
	generators map[string]func() string // name -> generator
}

// NewProc creates the proc overlay with the given generators.
func NewProc(generators map[string]func() string) *Proc {
	return &Proc{prefix: "/proc", generators: generators}
}

func (p *Proc) Name() string { return "proc" }

func (p *Proc) Claims(path string) bool {
	return path == p.prefix || strings.HasPrefix(path, p.prefix+"/")
}

func (p *Proc) IsDir(path string) bool { return path == p.prefix }

func (p *Proc) IsFile(path string) bool {
	_, ok := p.generators[strings.TrimPrefix(path, p.prefix+"/")]
	return ok
}

func (p *Proc) Read(path string) (string, error) {
	gen, ok := p.generators[strings.TrimPrefix(path, p.prefix+"/")]
	if !ok {
		return "", fmt.Errorf("read %s: %w", path, vfs.ErrNotFound)
	}
	return gen(), nil
}

func (p *Proc) Write(path, _ string) error {
	return fmt.Errorf("write %s: %w", path, vfs.ErrReadOnly)
}

func (p *Proc) List(path string) ([]string, error) {
	if path != p.prefix {
		return nil, fmt.Errorf("list %s: %w", path, vfs.ErrNotADirectory)
	}
	names := make([]string, 0, len(p.generators))
	for name := range p.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *Proc) Writable() bool { return false }

// DefaultProcGenerators returns the stock /proc entries.
func DefaultProcGenerators() map[string]func() string {
	start := time.Now()
	return map[string]func() string{
		"uptime": func() string {
			return fmt.Sprintf("%.2f\n", time.Since(start).Seconds())
		},
		"version": func() string {
			return "shellvault virtual kernel 1.0\n"
		},
	}
}

// Static serves a fixed read-only subtree, used for bundled
// documentation. Paths are absolute and must live under the prefix.
type Static struct {
	name   string
	prefix string
	files  map[string]string // absolute path -> content
	dirs   map[string]bool
}

// NewStatic creates a read-only overlay for the given files. Intermediate
// directories are derived from the file paths.
func NewStatic(name, prefix string, files map[string]string) *Static {
	s := &Static{
		name:   name,
		prefix: strings.TrimSuffix(prefix, "/"),
		files:  make(map[string]string, len(files)),
		dirs:   map[string]bool{},
	}
	s.dirs[s.prefix] = true
	for p, content := range files {
		p = s.prefix + "/" + strings.Trim(strings.TrimPrefix(p, s.prefix), "/")
		s.files[p] = content
		for dir := parentOf(p); dir != s.prefix && strings.HasPrefix(dir, s.prefix); dir = parentOf(dir) {
			s.dirs[dir] = true
		}
	}
	return s
}

func (s *Static) Name() string { return s.name }

func (s *Static) Claims(path string) bool {
	return path == s.prefix || strings.HasPrefix(path, s.prefix+"/")
}

func (s *Static) IsDir(path string) bool { return s.dirs[path] }

func (s *Static) IsFile(path string) bool {
	_, ok := s.files[path]
	return ok
}

func (s *Static) Read(path string) (string, error) {
	content, ok := s.files[path]
	if !ok {
		return "", fmt.Errorf("read %s: %w", path, vfs.ErrNotFound)
	}
	return content, nil
}

func (s *Static) Write(path, _ string) error {
	return fmt.Errorf("write %s: %w", path, vfs.ErrReadOnly)
}

func (s *Static) List(path string) ([]string, error) {
	if !s.dirs[path] {
		return nil, fmt.Errorf("list %s: %w", path, vfs.ErrNotADirectory)
	}
	seen := map[string]bool{}
	for p := range s.files {
		if parentOf(p) == path {
			seen[baseOf(p)] = true
		}
	}
	for d := range s.dirs {
		if parentOf(d) == path {
			seen[baseOf(d)] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *Static) Writable() bool { return false }

func parentOf(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func baseOf(p string) string {
	i := strings.LastIndex(p, "/")
	return p[i+1:]
}
