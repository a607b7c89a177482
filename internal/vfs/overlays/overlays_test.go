package overlays

import (
	"strings"
	"testing"
)

func TestDeviceNull(t *testing.T) {
	d := NewDevice()

	if err := d.Write("/dev/null", "discard me"); err != nil {
		t.Fatalf("write /dev/null: %v", err)
	}
	got, err := d.Read("/dev/null")
	if err != nil {
		t.Fatalf("read /dev/null: %v", err)
	}
	if got != "" {
		t.Errorf("/dev/null read = %q, want empty", got)
	}
}

func TestDeviceZeroAndRandom(t *testing.T) {
	d := NewDevice()

	zero, err := d.Read("/dev/zero")
	if err != nil {
		t.Fatalf("read /dev/zero: %v", err)
	}
	if strings.Trim(zero, "\x00") != "" {
		t.Errorf("/dev/zero content not all zero bytes: %q", zero)
	}

	r1, err := d.Read("/dev/urandom")
	if err != nil {
		t.Fatalf("read /dev/urandom: %v", err)
	}
	if len(r1) == 0 {
		t.Error("/dev/urandom returned nothing")
	}

	if err := d.Write("/dev/zero", "x"); err == nil {
		t.Error("write to /dev/zero succeeded, want error")
	}
}

func TestDeviceListAndClaims(t *testing.T) {
	d := NewDevice()

	if !d.Claims("/dev") || !d.Claims("/dev/null") {
		t.Error("device overlay does not claim its paths")
	}
	if d.Claims("/devil") {
		t.Error("device overlay claims /devil")
	}

	names, err := d.List("/dev")
	if err != nil {
		t.Fatalf("list /dev: %v", err)
	}
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	for _, want := range []string{"null", "zero", "random", "urandom"} {
		if !found[want] {
			t.Errorf("/dev missing %s", want)
		}
	}
}

func TestProc(t *testing.T) {
	p := NewProc(map[string]func() string{
		"uptime": func() string { return "42\n" },
	})

	got, err := p.Read("/proc/uptime")
	if err != nil {
		t.Fatalf("read /proc/uptime: %v", err)
	}
	if got != "42\n" {
		t.Errorf("read = %q, want 42\\n", got)
	}
	if _, err := p.Read("/proc/nope"); err == nil {
		t.Error("read of unknown proc entry succeeded")
	}
	if err := p.Write("/proc/uptime", "x"); err == nil {
		t.Error("write to proc succeeded, want error")
	}
	if p.Writable() {
		t.Error("proc reports writable")
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic("docs", "/usr/share/doc", map[string]string{
		"/usr/share/doc/readme":        "hello",
		"/usr/share/doc/guides/intro":  "start here",
		"/usr/share/doc/guides/extras": "more",
	})

	got, err := s.Read("/usr/share/doc/guides/intro")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "start here" {
		t.Errorf("read = %q", got)
	}

	// Intermediate directories are derived from the file set.
	if !s.IsDir("/usr/share/doc/guides") {
		t.Error("derived directory not reported as dir")
	}
	names, err := s.List("/usr/share/doc")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	if !found["readme"] || !found["guides"] {
		t.Errorf("list = %v, want readme and guides", names)
	}

	if err := s.Write("/usr/share/doc/readme", "x"); err == nil {
		t.Error("write to static overlay succeeded")
	}
}
