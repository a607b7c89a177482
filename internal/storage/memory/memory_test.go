package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shellvault/shellvault/pkg/models"
)

func TestFileIsolationAndCopies(t *testing.T) {
	ctx := context.Background()
	b := New()

	node := &models.Node{Name: "f", ParentPath: "/", Kind: models.KindFile, Content: "one"}
	if err := b.SaveFile(ctx, "ns1", "/f", node); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's node after save must not leak in.
	node.Content = "mutated"

	got, err := b.LoadFilesystem(ctx, "ns1")
	if err != nil {
		t.Fatal(err)
	}
	if got["/f"].Content != "one" {
		t.Errorf("content = %q, backend shares caller memory", got["/f"].Content)
	}

	// Mutating what Load returned must not change the stored copy.
	got["/f"].Content = "also mutated"
	again, _ := b.LoadFilesystem(ctx, "ns1")
	if again["/f"].Content != "one" {
		t.Error("LoadFilesystem returned live references")
	}

	other, _ := b.LoadFilesystem(ctx, "ns2")
	if len(other) != 0 {
		t.Errorf("ns2 sees %d nodes from ns1", len(other))
	}
}

func TestSyncReplacesNamespace(t *testing.T) {
	ctx := context.Background()
	b := New()

	b.SaveFile(ctx, "ns", "/old", &models.Node{Name: "old", ParentPath: "/", Kind: models.KindFile})
	err := b.SyncFilesystem(ctx, "ns", map[string]*models.Node{
		"/new": {Name: "new", ParentPath: "/", Kind: models.KindFile},
	})
	if err != nil {
		t.Fatal(err)
	}

	nodes, _ := b.LoadFilesystem(ctx, "ns")
	if _, ok := nodes["/old"]; ok {
		t.Error("sync kept a stale node")
	}
	if _, ok := nodes["/new"]; !ok {
		t.Error("sync dropped the new node")
	}
}

func TestSessionRoundtrip(t *testing.T) {
	ctx := context.Background()
	b := New()

	state := &models.SessionState{
		ID: "s1", Name: "work", Cwd: "/",
		Env:       map[string]string{"K": "v"},
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := b.SaveSession(ctx, state); err != nil {
		t.Fatal(err)
	}

	states, err := b.LoadSessions(ctx)
	if err != nil || len(states) != 1 {
		t.Fatalf("LoadSessions: %v, %v", states, err)
	}
	if states[0].Name != "work" || states[0].Env["K"] != "v" {
		t.Errorf("state = %+v", states[0])
	}

	if err := b.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	states, _ = b.LoadSessions(ctx)
	if len(states) != 0 {
		t.Error("session survived delete")
	}
}

func TestVersionBundleAbsent(t *testing.T) {
	b := New()
	bundle, err := b.LoadVersionBundle(context.Background(), "ns", "/f")
	if err != nil {
		t.Fatal(err)
	}
	if bundle != nil {
		t.Errorf("bundle = %+v, want nil for unknown path", bundle)
	}
}
