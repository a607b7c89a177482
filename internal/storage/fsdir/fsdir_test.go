package fsdir

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/pkg/models"
)

func newBackend(t *testing.T) *Backend {
	t.Helper()
	b := New(t.TempDir())
	if err := b.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return b
}

func TestFileRoundtrip(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	node := &models.Node{Name: "motd", Kind: models.KindFile, Content: "welcome"}
	if err := b.SaveFile(ctx, "ns", "/etc/motd", node); err != nil {
		t.Fatalf("SaveFile: %v", err)
	}

	nodes, err := b.LoadFilesystem(ctx, "ns")
	if err != nil {
		t.Fatalf("LoadFilesystem: %v", err)
	}
	got, ok := nodes["/etc/motd"]
	if !ok {
		t.Fatalf("node missing, have %v", nodes)
	}
	if got.Content != "welcome" || got.Kind != models.KindFile {
		t.Errorf("loaded node = %+v", got)
	}

	if err := b.DeleteFile(ctx, "ns", "/etc/motd"); err != nil {
		t.Fatalf("DeleteFile: %v", err)
	}
	nodes, _ = b.LoadFilesystem(ctx, "ns")
	if len(nodes) != 0 {
		t.Errorf("nodes after delete = %v, want none", nodes)
	}

	// Deleting a missing record is not an error.
	if err := b.DeleteFile(ctx, "ns", "/gone"); err != nil {
		t.Errorf("DeleteFile missing = %v, want nil", err)
	}
}

func TestLoadEmptyNamespace(t *testing.T) {
	b := newBackend(t)
	nodes, err := b.LoadFilesystem(context.Background(), "never-written")
	if err != nil {
		t.Fatalf("LoadFilesystem: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("nodes = %v, want empty map", nodes)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	if err := b.SaveFile(ctx, "a", "/f", &models.Node{Name: "f", Kind: models.KindFile, Content: "A"}); err != nil {
		t.Fatal(err)
	}
	if err := b.SaveFile(ctx, "b", "/f", &models.Node{Name: "f", Kind: models.KindFile, Content: "B"}); err != nil {
		t.Fatal(err)
	}

	nodesA, _ := b.LoadFilesystem(ctx, "a")
	nodesB, _ := b.LoadFilesystem(ctx, "b")
	if nodesA["/f"].Content != "A" || nodesB["/f"].Content != "B" {
		t.Error("namespaces bleed into each other")
	}
}

func TestSyncFilesystemReplaces(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	must(t, b.SaveFile(ctx, "ns", "/old", &models.Node{Name: "old", Kind: models.KindFile}))
	err := b.SyncFilesystem(ctx, "ns", map[string]*models.Node{
		"/new": {Name: "new", Kind: models.KindFile, Content: "n"},
	})
	if err != nil {
		t.Fatalf("SyncFilesystem: %v", err)
	}

	nodes, _ := b.LoadFilesystem(ctx, "ns")
	if _, ok := nodes["/old"]; ok {
		t.Error("/old survived sync")
	}
	if _, ok := nodes["/new"]; !ok {
		t.Error("/new missing after sync")
	}
}

func TestSessionRecords(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	state := &models.SessionState{ID: "s1", Name: "work", Cwd: "/", CreatedAt: time.Now()}
	must(t, b.SaveSession(ctx, state))

	states, err := b.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("LoadSessions: %v", err)
	}
	if len(states) != 1 || states[0].Name != "work" {
		t.Errorf("LoadSessions = %v", states)
	}

	must(t, b.DeleteSession(ctx, "s1"))
	states, _ = b.LoadSessions(ctx)
	if len(states) != 0 {
		t.Errorf("sessions after delete = %v", states)
	}
}

func TestSnapshotRecords(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	snap := &models.SessionSnapshot{ID: "snap1", SessionID: "s1", Name: "before-risky"}
	must(t, b.SaveSnapshot(ctx, snap))

	snaps, err := b.LoadSnapshots(ctx, "s1")
	if err != nil {
		t.Fatalf("LoadSnapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Name != "before-risky" {
		t.Errorf("LoadSnapshots = %v", snaps)
	}

	// Other sessions see nothing.
	snaps, _ = b.LoadSnapshots(ctx, "s2")
	if len(snaps) != 0 {
		t.Errorf("snapshots for wrong session = %v", snaps)
	}

	must(t, b.DeleteSnapshot(ctx, "s1", "snap1"))
	snaps, _ = b.LoadSnapshots(ctx, "s1")
	if len(snaps) != 0 {
		t.Errorf("snapshots after delete = %v", snaps)
	}
}

func TestVersionBundle(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	// Absent history loads as nil without error.
	bundle, err := b.LoadVersionBundle(ctx, "ns", "/f")
	if err != nil {
		t.Fatalf("LoadVersionBundle absent: %v", err)
	}
	if bundle != nil {
		t.Errorf("bundle = %+v, want nil", bundle)
	}

	in := &storage.VersionBundle{
		History: &models.FileVersionHistory{
			Key:              models.VersionKey("ns", "/f"),
			CurrentVersionID: "v1",
			Branches:         map[string]string{"main": "v1"},
		},
		Versions: []*models.FileVersion{
			{ID: "v1", Key: models.VersionKey("ns", "/f"), Content: "one", Branch: "main"},
		},
	}
	must(t, b.SaveVersionBundle(ctx, "ns", "/f", in))

	bundle, err = b.LoadVersionBundle(ctx, "ns", "/f")
	if err != nil {
		t.Fatalf("LoadVersionBundle: %v", err)
	}
	if bundle.History.CurrentVersionID != "v1" || len(bundle.Versions) != 1 {
		t.Errorf("bundle = %+v", bundle)
	}

	must(t, b.DeleteVersions(ctx, "ns"))
	bundle, _ = b.LoadVersionBundle(ctx, "ns", "/f")
	if bundle != nil {
		t.Errorf("bundle after DeleteVersions = %+v, want nil", bundle)
	}
}

func TestConcurrentSavesSameKey(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.SaveFile(ctx, "ns", "/contended", &models.Node{
				Name: "contended", Kind: models.KindFile, Content: "x",
			})
		}()
	}
	wg.Wait()

	nodes, err := b.LoadFilesystem(ctx, "ns")
	if err != nil {
		t.Fatalf("LoadFilesystem: %v", err)
	}
	if nodes["/contended"] == nil || nodes["/contended"].Content != "x" {
		t.Error("record corrupted by concurrent writers")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
