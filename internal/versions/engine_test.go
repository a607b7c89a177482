package versions

import (
	"context"
	"errors"
	"testing"

	"github.com/shellvault/shellvault/internal/storage/memory"
)

func TestSaveVersionChain(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memory.New())

	v1, err := e.SaveVersion(ctx, "ns", "/f", "one", SaveOptions{Message: "first"})
	if err != nil {
		t.Fatalf("SaveVersion: %v", err)
	}
	if v1.ParentID != "" {
		t.Errorf("first version parent = %q, want empty", v1.ParentID)
	}
	if v1.Branch != DefaultBranch {
		t.Errorf("branch = %q, want %q", v1.Branch, DefaultBranch)
	}

	v2, err := e.SaveVersion(ctx, "ns", "/f", "two", SaveOptions{})
	if err != nil {
		t.Fatalf("SaveVersion: %v", err)
	}
	if v2.ParentID != v1.ID {
		t.Errorf("second version parent = %q, want %q", v2.ParentID, v1.ID)
	}

	history, err := e.GetHistory(ctx, "ns", "/f")
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if history.CurrentVersionID != v2.ID {
		t.Errorf("head = %q, want %q", history.CurrentVersionID, v2.ID)
	}
	if history.Branches[DefaultBranch] != v2.ID {
		t.Errorf("branch tip = %q, want %q", history.Branches[DefaultBranch], v2.ID)
	}
}

func TestRevertRecordsForward(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memory.New())

	v1, _ := e.SaveVersion(ctx, "ns", "/f", "one", SaveOptions{})
	v2, _ := e.SaveVersion(ctx, "ns", "/f", "two", SaveOptions{})

	v3, err := e.RevertToVersion(ctx, "ns", "/f", v1.ID, RevertOptions{})
	if err != nil {
		t.Fatalf("RevertToVersion: %v", err)
	}
	if v3.Content != "one" {
		t.Errorf("reverted content = %q, want one", v3.Content)
	}
	// The revert is a new version on top of v2, not a rewind.
	if v3.ParentID != v2.ID {
		t.Errorf("revert parent = %q, want %q", v3.ParentID, v2.ID)
	}

	vs, err := e.GetFileVersions(ctx, "ns", "/f")
	if err != nil {
		t.Fatalf("GetFileVersions: %v", err)
	}
	if len(vs) != 3 {
		t.Errorf("version count = %d, want 3 (append-only)", len(vs))
	}
	if vs[0].ID != v3.ID {
		t.Errorf("newest version = %q, want %q", vs[0].ID, v3.ID)
	}
}

func TestRevertUnknownVersion(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memory.New())
	e.SaveVersion(ctx, "ns", "/f", "one", SaveOptions{})

	_, err := e.RevertToVersion(ctx, "ns", "/f", "no-such-id", RevertOptions{})
	if !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("revert unknown = %v, want ErrVersionNotFound", err)
	}
}

func TestRevertOntoNewBranch(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memory.New())

	v1, _ := e.SaveVersion(ctx, "ns", "/f", "one", SaveOptions{})
	e.SaveVersion(ctx, "ns", "/f", "two", SaveOptions{})

	v3, err := e.RevertToVersion(ctx, "ns", "/f", v1.ID, RevertOptions{CreateBranch: "undo"})
	if err != nil {
		t.Fatalf("RevertToVersion: %v", err)
	}
	if v3.Branch != "undo" {
		t.Errorf("branch = %q, want undo", v3.Branch)
	}

	// The branch name is now taken.
	_, err = e.RevertToVersion(ctx, "ns", "/f", v1.ID, RevertOptions{CreateBranch: "undo"})
	if !errors.Is(err, ErrBranchExists) {
		t.Errorf("revert onto existing branch = %v, want ErrBranchExists", err)
	}
}

func TestCreateAndSwitchBranch(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memory.New())

	e.SaveVersion(ctx, "ns", "/f", "base", SaveOptions{})
	fork, err := e.CreateBranch(ctx, "ns", "/f", "experiment")
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if fork.Content != "base" {
		t.Errorf("fork content = %q, want base", fork.Content)
	}
	if _, err := e.CreateBranch(ctx, "ns", "/f", "experiment"); !errors.Is(err, ErrBranchExists) {
		t.Errorf("duplicate branch = %v, want ErrBranchExists", err)
	}

	// Diverge on the experiment branch, then switch back.
	e.SaveVersion(ctx, "ns", "/f", "wild", SaveOptions{Branch: "experiment"})
	tip, err := e.SwitchBranch(ctx, "ns", "/f", DefaultBranch)
	if err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}
	if tip.Content != "base" {
		t.Errorf("main tip content = %q, want base", tip.Content)
	}

	history, _ := e.GetHistory(ctx, "ns", "/f")
	if history.CurrentVersionID != tip.ID {
		t.Error("head pointer did not follow the switch")
	}
	// Pointer move only: the experiment versions survive.
	vs, _ := e.GetFileVersions(ctx, "ns", "/f")
	if len(vs) != 3 {
		t.Errorf("version count = %d, want 3", len(vs))
	}

	if _, err := e.SwitchBranch(ctx, "ns", "/f", "missing"); !errors.Is(err, ErrBranchNotFound) {
		t.Errorf("switch to missing branch = %v, want ErrBranchNotFound", err)
	}
}

func TestListBranches(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memory.New())

	e.SaveVersion(ctx, "ns", "/f", "base", SaveOptions{})
	e.CreateBranch(ctx, "ns", "/f", "b")
	e.CreateBranch(ctx, "ns", "/f", "a")

	branches, err := e.ListBranches(ctx, "ns", "/f")
	if err != nil {
		t.Fatalf("ListBranches: %v", err)
	}
	if len(branches) != 3 {
		t.Fatalf("branch count = %d, want 3", len(branches))
	}
	// Sorted by name.
	if branches[0].Name != "a" || branches[1].Name != "b" || branches[2].Name != "main" {
		t.Errorf("branch order = %v", branches)
	}
	// "a" was created last, so it holds the head.
	if !branches[0].Current {
		t.Error("newest branch not marked current")
	}
}

func TestResolveVersion(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memory.New())

	v1, _ := e.SaveVersion(ctx, "ns", "/f", "one", SaveOptions{})
	v2, _ := e.SaveVersion(ctx, "ns", "/f", "two", SaveOptions{})

	// Exact id.
	got, err := e.ResolveVersion(ctx, "ns", "/f", v1.ID)
	if err != nil || got.ID != v1.ID {
		t.Errorf("resolve exact = %v, %v", got, err)
	}
	// Unique prefix.
	got, err = e.ResolveVersion(ctx, "ns", "/f", v2.ID[:8])
	if err != nil || got.ID != v2.ID {
		t.Errorf("resolve prefix = %v, %v", got, err)
	}
	// Branch name resolves to its tip.
	got, err = e.ResolveVersion(ctx, "ns", "/f", DefaultBranch)
	if err != nil || got.ID != v2.ID {
		t.Errorf("resolve branch = %v, %v", got, err)
	}
	// Garbage.
	if _, err := e.ResolveVersion(ctx, "ns", "/f", "zzzz"); !errors.Is(err, ErrVersionNotFound) {
		t.Errorf("resolve garbage = %v, want ErrVersionNotFound", err)
	}
}

func TestNoHistory(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memory.New())

	vs, err := e.GetFileVersions(ctx, "ns", "/never")
	if err != nil || vs != nil {
		t.Errorf("GetFileVersions = %v, %v, want nil, nil", vs, err)
	}
	if _, err := e.GetHistory(ctx, "ns", "/never"); !errors.Is(err, ErrNoHistory) {
		t.Errorf("GetHistory = %v, want ErrNoHistory", err)
	}
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(memory.New())

	e.SaveVersion(ctx, "ns1", "/f", "one", SaveOptions{})
	if _, err := e.GetHistory(ctx, "ns2", "/f"); !errors.Is(err, ErrNoHistory) {
		t.Errorf("history leaked across namespaces: %v", err)
	}
}
