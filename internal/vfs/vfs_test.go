package vfs

import (
	"errors"
	"sync"
	"testing"

	"github.com/shellvault/shellvault/pkg/models"
)

// recorder captures persistence notifications.
type recorder struct {
	mu      sync.Mutex
	saves   map[string]*models.Node
	deletes []string
}

func newRecorder() *recorder {
	return &recorder{saves: map[string]*models.Node{}}
}

func (r *recorder) Save(path string, node *models.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves[path] = node
}

func (r *recorder) Delete(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, path)
}

func (r *recorder) deleted(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.deletes {
		if p == path {
			return true
		}
	}
	return false
}

func TestWriteAndRead(t *testing.T) {
	s := New("test", Options{})

	if err := s.Write("/hello.txt", "hi"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read("/hello.txt")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "hi" {
		t.Errorf("Read = %q, want %q", got, "hi")
	}

	// Overwrite in place.
	if err := s.Write("/hello.txt", "bye"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if got, _ := s.Read("/hello.txt"); got != "bye" {
		t.Errorf("after overwrite Read = %q, want %q", got, "bye")
	}
}

func TestWriteMissingParent(t *testing.T) {
	s := New("test", Options{})
	err := s.Write("/no/such/dir/f.txt", "x")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Write with missing parent = %v, want ErrNotFound", err)
	}
}

func TestWriteOverDirectory(t *testing.T) {
	s := New("test", Options{})
	if err := s.Mkdir("/d", false); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	if err := s.Write("/d", "x"); !errors.Is(err, ErrNotAFile) {
		t.Errorf("Write over directory = %v, want ErrNotAFile", err)
	}
}

func TestAppend(t *testing.T) {
	s := New("test", Options{})
	if err := s.Append("/log", "a"); err != nil {
		t.Fatalf("Append create: %v", err)
	}
	if err := s.Append("/log", "b"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got, _ := s.Read("/log"); got != "ab" {
		t.Errorf("Read = %q, want ab", got)
	}
}

func TestMkdirRecursive(t *testing.T) {
	s := New("test", Options{})

	if err := s.Mkdir("/a/b/c", true); err != nil {
		t.Fatalf("Mkdir recursive: %v", err)
	}
	for _, p := range []string{"/a", "/a/b", "/a/b/c"} {
		if !s.Exists(p) {
			t.Errorf("%s missing after recursive mkdir", p)
		}
	}

	// Idempotent with recursive, error without.
	if err := s.Mkdir("/a/b/c", true); err != nil {
		t.Errorf("recursive mkdir existing = %v, want nil", err)
	}
	if err := s.Mkdir("/a/b/c", false); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("mkdir existing = %v, want ErrAlreadyExists", err)
	}
	if err := s.Mkdir("/x/y", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("mkdir missing parent = %v, want ErrNotFound", err)
	}
}

func TestRemove(t *testing.T) {
	rec := newRecorder()
	s := New("test", Options{Persistence: rec})

	must(t, s.Mkdir("/d/sub", true))
	must(t, s.Write("/d/sub/f1", "1"))
	must(t, s.Write("/d/f2", "2"))

	if err := s.Remove("/d", false); !errors.Is(err, ErrNotEmpty) {
		t.Fatalf("Remove non-empty = %v, want ErrNotEmpty", err)
	}
	if err := s.Remove("/d", true); err != nil {
		t.Fatalf("Remove recursive: %v", err)
	}
	for _, p := range []string{"/d", "/d/sub", "/d/sub/f1", "/d/f2"} {
		if s.Exists(p) {
			t.Errorf("%s still exists after recursive remove", p)
		}
		if !rec.deleted(p) {
			t.Errorf("%s not deleted from persistence", p)
		}
	}

	if err := s.Remove("/gone", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("Remove missing = %v, want ErrNotFound", err)
	}
	if err := s.Remove("/", true); err == nil {
		t.Error("Remove root succeeded, want error")
	}
}

func TestCopy(t *testing.T) {
	s := New("test", Options{})
	must(t, s.Mkdir("/src/sub", true))
	must(t, s.Write("/src/a", "A"))
	must(t, s.Write("/src/sub/b", "B"))

	if err := s.Copy("/src", "/dst", false); err == nil {
		t.Error("Copy dir without recursive succeeded, want error")
	}
	if err := s.Copy("/src", "/dst", true); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if got, _ := s.Read("/dst/sub/b"); got != "B" {
		t.Errorf("copied content = %q, want B", got)
	}
	// Source intact.
	if got, _ := s.Read("/src/a"); got != "A" {
		t.Errorf("source content = %q, want A", got)
	}
	// Destination collision.
	if err := s.Copy("/src", "/dst", true); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Copy onto existing = %v, want ErrAlreadyExists", err)
	}
}

func TestMove(t *testing.T) {
	s := New("test", Options{})
	must(t, s.Mkdir("/src", true))
	must(t, s.Write("/src/a", "A"))

	if err := s.Move("/src", "/dst"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if s.Exists("/src") {
		t.Error("source still exists after move")
	}
	if got, _ := s.Read("/dst/a"); got != "A" {
		t.Errorf("moved content = %q, want A", got)
	}
}

func TestListSortedAndOrphanTolerant(t *testing.T) {
	s := New("test", Options{})
	must(t, s.Write("/b", "2"))
	must(t, s.Write("/a", "1"))
	must(t, s.Mkdir("/c", false))

	names, err := s.List("/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"a", "b", "c"}
	if len(names) != len(want) {
		t.Fatalf("List = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("List = %v, want %v", names, want)
		}
	}

	// A dangling child reference is skipped, not surfaced.
	snap := s.Snapshot()
	snap["/"].AddChild("ghost")
	s.Load(snap)
	names, err = s.List("/")
	if err != nil {
		t.Fatalf("List after orphan: %v", err)
	}
	for _, n := range names {
		if n == "ghost" {
			t.Error("orphan child listed")
		}
	}
}

func TestPersistenceNotifications(t *testing.T) {
	rec := newRecorder()
	s := New("test", Options{Persistence: rec})

	must(t, s.Write("/f", "x"))
	if _, ok := rec.saves["/f"]; !ok {
		t.Error("file save not notified")
	}
	if _, ok := rec.saves["/"]; !ok {
		t.Error("parent save not notified")
	}

	// Notified nodes are copies: mutating them must not affect the store.
	rec.saves["/f"].Content = "tampered"
	if got, _ := s.Read("/f"); got != "x" {
		t.Errorf("store content = %q after tampering with notified copy", got)
	}
}

func TestLoadEnsuresRoot(t *testing.T) {
	s := New("test", Options{})
	s.Load(map[string]*models.Node{})
	if !s.Exists("/") {
		t.Error("root missing after Load of empty map")
	}
}

func TestStatReturnsCopy(t *testing.T) {
	s := New("test", Options{})
	must(t, s.Write("/f", "x"))
	n, err := s.Stat("/f")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	n.Content = "tampered"
	if got, _ := s.Read("/f"); got != "x" {
		t.Errorf("store content = %q after mutating Stat result", got)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
