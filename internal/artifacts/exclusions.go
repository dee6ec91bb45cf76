package artifacts

import (
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ratifact-dev/ratifact/pkg/shared/files"
)

// ExclusionEntry is a path or glob the operator opted out of scanning and removal.
type ExclusionEntry struct {
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// IsGlob reports whether the entry contains glob metacharacters.
func (e ExclusionEntry) IsGlob() bool {
	return strings.ContainsAny(e.Path, "*?[")
}

// Matches reports whether path is covered by the entry. Plain entries cover the
// path itself and everything below it; globs are matched against the path and
// each of its ancestors, by base name when the glob has no separator.
func (e ExclusionEntry) Matches(path string) bool {
	path = filepath.Clean(path)
	if !e.IsGlob() {
		return files.IsWithin(e.Path, path)
	}
	byName := !strings.Contains(e.Path, string(filepath.Separator))
	for p := path; ; {
		subject := p
		if byName {
			subject = filepath.Base(p)
		}
		if ok, err := filepath.Match(e.Path, subject); err == nil && ok {
			return true
		}
		parent := filepath.Dir(p)
		if parent == p {
			return false
		}
		p = parent
	}
}

// ExclusionSet is an immutable snapshot of exclusion entries taken for one pass.
type ExclusionSet struct {
	entries []ExclusionEntry
}

// NewExclusionSet copies entries into a snapshot sorted by path.
func NewExclusionSet(entries []ExclusionEntry) ExclusionSet {
	cp := make([]ExclusionEntry, len(entries))
	copy(cp, entries)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Path < cp[j].Path })
	return ExclusionSet{entries: cp}
}

// Matches reports whether any entry covers path.
func (s ExclusionSet) Matches(path string) bool {
	_, ok := s.Match(path)
	return ok
}

// Match returns the first entry covering path.
func (s ExclusionSet) Match(path string) (ExclusionEntry, bool) {
	for _, e := range s.entries {
		if e.Matches(path) {
			return e, true
		}
	}
	return ExclusionEntry{}, false
}

// Entries returns a copy of the snapshot.
func (s ExclusionSet) Entries() []ExclusionEntry {
	cp := make([]ExclusionEntry, len(s.entries))
	copy(cp, s.entries)
	return cp
}

func (s ExclusionSet) Len() int {
	return len(s.entries)
}

// NormalizeExclusion cleans a user-supplied exclusion. Globs keep their
// metacharacters; plain paths are made absolute.
func NormalizeExclusion(raw string) (string, error) {
	expanded, err := files.ExpandPath(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if strings.ContainsAny(expanded, "*?[") {
		if !filepath.IsAbs(expanded) && strings.Contains(expanded, string(filepath.Separator)) {
			abs, err := filepath.Abs(expanded)
			if err != nil {
				return "", err
			}
			return abs, nil
		}
		return expanded, nil
	}
	return files.NormalizePath(expanded)
}

// RescanTargets picks what to rescan after an exclusion change: the path
// itself when it was re-included, otherwise the roots that overlap it.
func RescanTargets(entry ExclusionEntry, excluded bool, roots []string) []string {
	if !excluded && !entry.IsGlob() {
		for _, r := range roots {
			if files.IsWithin(r, entry.Path) {
				return []string{entry.Path}
			}
		}
		return nil
	}
	var out []string
	for _, r := range roots {
		if entry.IsGlob() || files.IsWithin(r, entry.Path) || files.IsWithin(entry.Path, r) {
			out = append(out, r)
		}
	}
	return out
}
