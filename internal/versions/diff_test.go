package versions

import (
	"strings"
	"testing"
)

func renderDiff(lines []DiffLine) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.String())
		b.WriteByte('\n')
	}
	return b.String()
}

func TestDiffIdentical(t *testing.T) {
	lines := Diff("a\nb\n", "a\nb\n")
	for _, l := range lines {
		if l.Op != DiffContext {
			t.Fatalf("identical inputs produced %s", renderDiff(lines))
		}
	}
}

func TestDiffInsertion(t *testing.T) {
	got := renderDiff(Diff("a\nc\n", "a\nb\nc\n"))
	want := "  a\n+ b\n  c\n"
	if got != want {
		t.Errorf("diff =\n%s\nwant\n%s", got, want)
	}
}

func TestDiffDeletion(t *testing.T) {
	got := renderDiff(Diff("a\nb\nc\n", "a\nc\n"))
	want := "  a\n- b\n  c\n"
	if got != want {
		t.Errorf("diff =\n%s\nwant\n%s", got, want)
	}
}

func TestDiffModification(t *testing.T) {
	got := renderDiff(Diff("a\nold\nc\n", "a\nnew\nc\n"))
	want := "  a\n- old\n+ new\n  c\n"
	if got != want {
		t.Errorf("diff =\n%s\nwant\n%s", got, want)
	}
}

func TestDiffEmptySides(t *testing.T) {
	got := renderDiff(Diff("", "a\nb\n"))
	want := "+ a\n+ b\n"
	if got != want {
		t.Errorf("diff from empty =\n%s\nwant\n%s", got, want)
	}

	got = renderDiff(Diff("a\nb\n", ""))
	want = "- a\n- b\n"
	if got != want {
		t.Errorf("diff to empty =\n%s\nwant\n%s", got, want)
	}
}

func TestDiffTailChanges(t *testing.T) {
	got := renderDiff(Diff("a\n", "a\nb\nc\n"))
	want := "  a\n+ b\n+ c\n"
	if got != want {
		t.Errorf("diff =\n%s\nwant\n%s", got, want)
	}
}
