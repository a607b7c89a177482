package versions

import "strings"

// diffWindow bounds the forward search when lines diverge. Whichever
// side finds a matching line nearer within the window is treated as a
// pure insertion or deletion block; past the window, differing lines
// become a paired delete+insert.
const diffWindow = 5

// DiffOp classifies one diff line.
type DiffOp int

const (
	DiffContext DiffOp = iota
	DiffInsert
	DiffDelete
)

// DiffLine is one line of diff output.
type DiffLine struct {
	Op   DiffOp
	Text string
}

// String renders a line in unified-style notation.
func (l DiffLine) String() string {
	switch l.Op {
	case DiffInsert:
		return "+ " + l.Text
	case DiffDelete:
		return "- " + l.Text
	default:
		return "  " + l.Text
	}
}

// Diff computes a line-ordered diff of two contents with bounded
// lookahead.
func Diff(a, b string) []DiffLine {
	return diffLines(splitLines(a), splitLines(b))
}

func diffLines(a, b []string) []DiffLine {
	var out []DiffLine
	i, j := 0, 0

	for i < len(a) && j < len(b) {
		if a[i] == b[j] {
			out = append(out, DiffLine{DiffContext, a[i]})
			i++
			j++
			continue
		}

		// Distance to the nearest re-sync point on each side.
		da := lookahead(a, i, b[j])
		db := lookahead(b, j, a[i])

		switch {
		case da >= 0 && (db < 0 || da <= db):
			// Lines a[i:i+da] have no counterpart: a deletion block.
			for k := 0; k < da; k++ {
				out = append(out, DiffLine{DiffDelete, a[i+k]})
			}
			i += da
		case db >= 0:
			// Lines b[j:j+db] are new: an insertion block.
			for k := 0; k < db; k++ {
				out = append(out, DiffLine{DiffInsert, b[j+k]})
			}
			j += db
		default:
			// No match within the window: a modification.
			out = append(out, DiffLine{DiffDelete, a[i]})
			out = append(out, DiffLine{DiffInsert, b[j]})
			i++
			j++
		}
	}

	for ; i < len(a); i++ {
		out = append(out, DiffLine{DiffDelete, a[i]})
	}
	for ; j < len(b); j++ {
		out = append(out, DiffLine{DiffInsert, b[j]})
	}
	return out
}

// lookahead returns how many lines past from must be skipped in s to
// reach target, or -1 when target is not within the window.
func lookahead(s []string, from int, target string) int {
	for k := 1; k <= diffWindow && from+k < len(s); k++ {
		if s[from+k] == target {
			return k
		}
	}
	return -1
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
