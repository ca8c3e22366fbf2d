package archive

import (
	"fmt"
	"path"
	"strings"

	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

const ManifestPath = "AndroidManifest.xml"

type Entry struct {
	Path     string
	Content  []byte
	Compress bool
}

// Layout is the ordered, unsigned entry list of a package. Order is the
// on-disk order.
type Layout struct {
	Entries []Entry
}

func (l Layout) Validate() error {
	if len(l.Entries) == 0 || l.Entries[0].Path != ManifestPath {
		return types.Errorf(types.KindArchiveConflict, "%s must be the first entry", ManifestPath)
	}
	seen := make(map[string]bool, len(l.Entries))
	for _, e := range l.Entries {
		if err := CheckPath(e.Path); err != nil {
			return &types.Error{Kind: types.KindArchiveConflict, Path: e.Path, Err: err}
		}
		if seen[e.Path] {
			return &types.Error{Kind: types.KindArchiveConflict, Path: e.Path, Err: fmt.Errorf("duplicate entry path")}
		}
		seen[e.Path] = true
	}
	return nil
}

// CheckPath accepts relative, slash separated, already clean paths.
func CheckPath(p string) error {
	switch {
	case p == "":
		return fmt.Errorf("empty entry path")
	case strings.HasPrefix(p, "/"):
		return fmt.Errorf("absolute entry path")
	case strings.Contains(p, "\\"):
		return fmt.Errorf("backslash in entry path")
	case strings.HasSuffix(p, "/"):
		return fmt.Errorf("directory entries are not allowed")
	case path.Clean(p) != p || p == ".." || strings.HasPrefix(p, "../"):
		return fmt.Errorf("entry path is not clean")
	}
	return nil
}

func (l Layout) Lookup(p string) (Entry, bool) {
	for _, e := range l.Entries {
		if e.Path == p {
			return e, true
		}
	}
	return Entry{}, false
}

func (l Layout) Paths() []string {
	out := make([]string, len(l.Entries))
	for i, e := range l.Entries {
		out[i] = e.Path
	}
	return out
}

// With returns a new layout with extra appended after the existing entries.
func (l Layout) With(extra ...Entry) Layout {
	out := Layout{Entries: make([]Entry, 0, len(l.Entries)+len(extra))}
	out.Entries = append(out.Entries, l.Entries...)
	out.Entries = append(out.Entries, extra...)
	return out
}

// Without drops every entry for which drop returns true.
func (l Layout) Without(drop func(string) bool) Layout {
	out := Layout{Entries: make([]Entry, 0, len(l.Entries))}
	for _, e := range l.Entries {
		if !drop(e.Path) {
			out.Entries = append(out.Entries, e)
		}
	}
	return out
}

// IsNativeLibrary reports whether p is a lib/<abi>/<name>.so entry.
func IsNativeLibrary(p string) bool {
	parts := strings.Split(p, "/")
	return len(parts) == 3 && parts[0] == "lib" && strings.HasSuffix(parts[2], ".so")
}
