package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shellvault/shellvault/pkg/diskimage"
	"github.com/shellvault/shellvault/pkg/models"
)

// listingCap bounds how many entries per category Render prints.
const listingCap = 20

// ImageDiff partitions an image against the live session without
// modifying anything.
type ImageDiff struct {
	New       []string
	Modified  []string
	Unchanged []string

	EnvAdded     []string
	EnvChanged   []string
	AliasAdded   []string
	AliasChanged []string
}

// Empty reports whether applying the image would change nothing.
func (d *ImageDiff) Empty() bool {
	return len(d.New) == 0 && len(d.Modified) == 0 &&
		len(d.EnvAdded) == 0 && len(d.EnvChanged) == 0 &&
		len(d.AliasAdded) == 0 && len(d.AliasChanged) == 0
}

// Render formats the diff for display, capping each listing and
// eliding the remainder as a count.
func (d *ImageDiff) Render() string {
	var b strings.Builder
	section := func(label string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&b, "%s (%d):\n", label, len(items))
		shown := items
		if len(shown) > listingCap {
			shown = shown[:listingCap]
		}
		for _, it := range shown {
			fmt.Fprintf(&b, "  %s\n", it)
		}
		if rest := len(items) - len(shown); rest > 0 {
			fmt.Fprintf(&b, "  ... and %d more\n", rest)
		}
	}
	section("new files", d.New)
	section("modified files", d.Modified)
	section("unchanged files", d.Unchanged)
	section("new env vars", d.EnvAdded)
	section("changed env vars", d.EnvChanged)
	section("new aliases", d.AliasAdded)
	section("changed aliases", d.AliasChanged)
	if b.Len() == 0 {
		return "no differences\n"
	}
	return b.String()
}

// DiffDiskImage previews what a merge of the image would do to the
// current session. It makes no writes.
func (e *Engine) DiffDiskImage(img *models.DiskImage) (*ImageDiff, error) {
	if err := diskimage.Validate(img); err != nil {
		return nil, err
	}
	store := e.session.Store()
	diff := &ImageDiff{}

	for _, path := range pathsByDepth(img.Files) {
		f := img.Files[path]
		if f.Kind == models.KindDirectory {
			if !store.Exists(path) {
				diff.New = append(diff.New, path)
			}
			continue
		}
		if !store.Exists(path) {
			diff.New = append(diff.New, path)
			continue
		}
		local, err := store.Read(path)
		if err != nil {
			return nil, err
		}
		if local == f.Content {
			diff.Unchanged = append(diff.Unchanged, path)
		} else {
			diff.Modified = append(diff.Modified, path)
		}
	}

	diff.EnvAdded, diff.EnvChanged = diffKV(img.Session.Env, e.session.Env())
	diff.AliasAdded, diff.AliasChanged = diffKV(img.Session.Aliases, e.session.Aliases())
	return diff, nil
}

func diffKV(incoming, local map[string]string) (added, changed []string) {
	for k, v := range incoming {
		have, ok := local[k]
		switch {
		case !ok:
			added = append(added, k)
		case have != v:
			changed = append(changed, k)
		}
	}
	sort.Strings(added)
	sort.Strings(changed)
	return added, changed
}
