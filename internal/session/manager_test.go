package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shellvault/shellvault/internal/events"
	"github.com/shellvault/shellvault/internal/storage/batch"
	"github.com/shellvault/shellvault/internal/storage/memory"
	"github.com/shellvault/shellvault/pkg/models"
)

func testManager(t *testing.T) (*Manager, *memory.Backend) {
	t.Helper()
	backend := memory.New()
	registry := batch.NewRegistry(backend, 5*time.Millisecond)
	return NewManager(backend, registry, events.NewBroadcaster(), nil), backend
}

func TestOpenCreatesDefault(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	state, err := m.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if state.Name != "default" {
		t.Errorf("name = %q, want default", state.Name)
	}
	if m.ID() != state.ID {
		t.Errorf("active = %q, want %q", m.ID(), state.ID)
	}
	if m.Store() == nil || !m.Store().Exists("/") {
		t.Error("active store has no root")
	}
}

func TestOpenPicksMostRecent(t *testing.T) {
	ctx := context.Background()
	m, backend := testManager(t)

	old := &models.SessionState{
		ID: "old", Name: "old", Cwd: "/",
		Env: map[string]string{}, Aliases: map[string]string{},
		CreatedAt: time.Now().Add(-2 * time.Hour),
		UpdatedAt: time.Now().Add(-2 * time.Hour),
	}
	recent := &models.SessionState{
		ID: "recent", Name: "recent", Cwd: "/",
		Env: map[string]string{}, Aliases: map[string]string{},
		CreatedAt: time.Now().Add(-time.Hour),
		UpdatedAt: time.Now().Add(-time.Minute),
	}
	for _, s := range []*models.SessionState{old, recent} {
		if err := backend.SaveSession(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	state, err := m.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if state.ID != "recent" {
		t.Errorf("opened %q, want recent", state.ID)
	}
}

func TestCreateSessionUniqueNames(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	names := make([]string, 3)
	for i := range names {
		s, err := m.CreateSession(ctx, "work")
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		names[i] = s.Name
	}
	want := []string{"work", "work-2", "work-3"}
	for i, n := range names {
		if n != want[i] {
			t.Errorf("names = %v, want %v", names, want)
			break
		}
	}
}

func TestListSessionsOrder(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	for _, name := range []string{"a", "b", "c"} {
		if _, err := m.CreateSession(ctx, name); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	states, err := m.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(states) != 3 || states[0].Name != "c" || states[2].Name != "a" {
		names := make([]string, len(states))
		for i, s := range states {
			names[i] = s.Name
		}
		t.Errorf("order = %v, want newest first", names)
	}
}

func TestSwitchSessionFlushesOutgoing(t *testing.T) {
	ctx := context.Background()
	m, backend := testManager(t)

	if _, err := m.Open(ctx); err != nil {
		t.Fatal(err)
	}
	first := m.ID()
	if err := m.Store().Write("/note", "pending"); err != nil {
		t.Fatal(err)
	}

	second, err := m.CreateSession(ctx, "second")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SwitchSession(ctx, second.ID); err != nil {
		t.Fatalf("SwitchSession: %v", err)
	}

	// The switch barrier flushes outgoing writes before loading the target.
	nodes, err := backend.LoadFilesystem(ctx, first)
	if err != nil {
		t.Fatal(err)
	}
	if n, ok := nodes["/note"]; !ok || n.Content != "pending" {
		t.Errorf("outgoing write not durable before switch: %v", nodes)
	}
	if m.Store().Exists("/note") {
		t.Error("incoming store leaked the outgoing namespace's node")
	}

	// Switching to the active session is a no-op.
	if err := m.SwitchSession(ctx, second.ID); err != nil {
		t.Errorf("self-switch: %v", err)
	}

	// Switching back reloads the persisted tree.
	if err := m.SwitchSession(ctx, first); err != nil {
		t.Fatal(err)
	}
	if got, err := m.Store().Read("/note"); err != nil || got != "pending" {
		t.Errorf("reloaded /note = %q, %v", got, err)
	}
}

func TestSwitchSessionUnknown(t *testing.T) {
	m, _ := testManager(t)
	err := m.SwitchSession(context.Background(), "nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	m, backend := testManager(t)

	if _, err := m.Open(ctx); err != nil {
		t.Fatal(err)
	}
	active := m.ID()

	victim, err := m.CreateSession(ctx, "victim")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SwitchSession(ctx, victim.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.Store().Write("/f", "x"); err != nil {
		t.Fatal(err)
	}
	if err := m.SwitchSession(ctx, active); err != nil {
		t.Fatal(err)
	}

	if err := m.DeleteSession(ctx, active); !errors.Is(err, ErrActiveSession) {
		t.Errorf("delete active = %v, want ErrActiveSession", err)
	}
	if err := m.DeleteSession(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("delete unknown = %v, want ErrSessionNotFound", err)
	}

	if err := m.DeleteSession(ctx, victim.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	states, _ := backend.LoadSessions(ctx)
	for _, s := range states {
		if s.ID == victim.ID {
			t.Error("deleted session still listed")
		}
	}
	nodes, _ := backend.LoadFilesystem(ctx, victim.ID)
	if len(nodes) != 0 {
		t.Errorf("deleted session kept %d nodes", len(nodes))
	}
}

func TestCaptureImage(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	if _, err := m.Open(ctx); err != nil {
		t.Fatal(err)
	}
	if err := m.Store().Mkdir("/etc", false); err != nil {
		t.Fatal(err)
	}
	if err := m.Store().Write("/etc/motd", "hello"); err != nil {
		t.Fatal(err)
	}
	m.SetEnv("HOME", "/root")
	m.SetAlias("ll", "ls -l")
	m.AppendHistory("cat /etc/motd")

	img, err := m.CaptureImage(ctx)
	if err != nil {
		t.Fatalf("CaptureImage: %v", err)
	}
	if img.FormatVersion != models.DiskImageFormatVersion {
		t.Errorf("format version = %d", img.FormatVersion)
	}
	if img.Name != "default" {
		t.Errorf("name = %q", img.Name)
	}
	if _, ok := img.Files["/"]; ok {
		t.Error("image contains the root node")
	}
	f, ok := img.Files["/etc/motd"]
	if !ok || f.Content != "hello" || f.Kind != models.KindFile {
		t.Errorf("/etc/motd = %+v", f)
	}
	d, ok := img.Files["/etc"]
	if !ok || d.Kind != models.KindDirectory || d.Content != "" {
		t.Errorf("/etc = %+v", d)
	}
	if img.Session.Env["HOME"] != "/root" || img.Session.Aliases["ll"] != "ls -l" {
		t.Errorf("session state = %+v", img.Session)
	}
	if len(img.Session.CommandHistory) != 1 {
		t.Errorf("history = %v", img.Session.CommandHistory)
	}
}

func TestAllocateAppliesImageState(t *testing.T) {
	ctx := context.Background()
	m, backend := testManager(t)

	if _, err := m.Open(ctx); err != nil {
		t.Fatal(err)
	}
	active := m.ID()

	img := &models.DiskImage{
		FormatVersion: models.DiskImageFormatVersion,
		Name:          "laptop",
		CreatedAt:     time.Now(),
		ExportedAt:    time.Now(),
		Session: models.DiskImageSession{
			Env:            map[string]string{"TERM": "xterm"},
			Aliases:        map[string]string{"g": "git"},
			CommandHistory: []string{"ls"},
		},
	}
	id, store, err := m.Allocate(ctx, img)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if id == active {
		t.Error("import reused the active session")
	}
	if store == nil || !store.Exists("/") {
		t.Error("allocated store has no root")
	}
	if m.ID() != active {
		t.Error("Allocate changed the active session")
	}

	states, _ := backend.LoadSessions(ctx)
	var got *models.SessionState
	for _, s := range states {
		if s.ID == id {
			got = s
		}
	}
	if got == nil {
		t.Fatal("allocated session not persisted")
	}
	if got.Name != "laptop" || got.Env["TERM"] != "xterm" || got.Aliases["g"] != "git" {
		t.Errorf("allocated state = %+v", got)
	}
	if len(got.CommandHistory) != 1 || got.CommandHistory[0] != "ls" {
		t.Errorf("history = %v", got.CommandHistory)
	}
}

func TestEnvAndAliasCopies(t *testing.T) {
	ctx := context.Background()
	m, _ := testManager(t)

	if _, err := m.Open(ctx); err != nil {
		t.Fatal(err)
	}
	m.SetEnv("K", "v")
	env := m.Env()
	env["K"] = "mutated"
	if m.Env()["K"] != "v" {
		t.Error("Env returned a live reference")
	}

	m.SetAlias("a", "b")
	aliases := m.Aliases()
	aliases["a"] = "mutated"
	if m.Aliases()["a"] != "b" {
		t.Error("Aliases returned a live reference")
	}
}

func TestCloseFlushesState(t *testing.T) {
	ctx := context.Background()
	m, backend := testManager(t)

	if _, err := m.Open(ctx); err != nil {
		t.Fatal(err)
	}
	id := m.ID()
	if err := m.Store().Write("/last", "word"); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	nodes, err := backend.LoadFilesystem(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if n, ok := nodes["/last"]; !ok || n.Content != "word" {
		t.Errorf("pending write lost on close: %v", nodes)
	}
}
