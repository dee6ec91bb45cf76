package classifier

import (
	"path/filepath"
	"strings"
)

// Pattern pairs build-output directory names with the marker files that
// identify the owning project. A directory is classified only when its name is
// listed and one of the markers is present next to it.
type Pattern struct {
	Language    string
	BuildSystem string
	Dirs        []string
	// Markers are sibling file names; entries with glob metacharacters match by pattern.
	Markers []string
}

// Entry is the directory-entry metadata the classifier needs.
type Entry struct {
	Path  string
	Name  string
	IsDir bool
	// Siblings holds the names of the other entries in the parent directory.
	Siblings []string
}

// Match is a positive classification.
type Match struct {
	Language    string
	BuildSystem string
}

// DefaultPatterns is the built-in build-output table.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Language: "Rust", BuildSystem: "cargo", Dirs: []string{"target"}, Markers: []string{"Cargo.toml"}},
		{Language: "Java", BuildSystem: "maven", Dirs: []string{"target"}, Markers: []string{"pom.xml"}},
		{Language: "Java", BuildSystem: "gradle", Dirs: []string{"build", ".gradle", "out"}, Markers: []string{"build.gradle", "build.gradle.kts", "settings.gradle", "settings.gradle.kts"}},
		{Language: "C/C++", BuildSystem: "cmake", Dirs: []string{"build", "cmake-build-debug", "cmake-build-release", "Debug", "Release"}, Markers: []string{"CMakeLists.txt"}},
		{Language: "JavaScript", BuildSystem: "npm", Dirs: []string{"node_modules", "dist", ".next", ".parcel-cache", ".nyc_output", ".output", ".cache", "out"}, Markers: []string{"package.json"}},
		{Language: "Python", BuildSystem: "python", Dirs: []string{"__pycache__"}, Markers: []string{"*.py"}},
		{Language: "Python", BuildSystem: "python", Dirs: []string{".eggs", "eggs", ".tox", "build", "dist"}, Markers: []string{"setup.py", "pyproject.toml", "tox.ini", "setup.cfg"}},
		{Language: "PHP", BuildSystem: "composer", Dirs: []string{"vendor"}, Markers: []string{"composer.json"}},
		{Language: "Ruby", BuildSystem: "bundler", Dirs: []string{".bundle"}, Markers: []string{"Gemfile"}},
		{Language: "Swift", BuildSystem: "swiftpm", Dirs: []string{".build"}, Markers: []string{"Package.swift"}},
		{Language: "Elixir", BuildSystem: "mix", Dirs: []string{"_build", "deps"}, Markers: []string{"mix.exs"}},
		{Language: "Dart", BuildSystem: "pub", Dirs: []string{".dart_tool", "build"}, Markers: []string{"pubspec.yaml"}},
		{Language: "Zig", BuildSystem: "zig", Dirs: []string{"zig-cache", ".zig-cache", "zig-out"}, Markers: []string{"build.zig"}},
		{Language: "C#", BuildSystem: "dotnet", Dirs: []string{"bin", "obj"}, Markers: []string{"*.csproj", "*.fsproj", "*.sln"}},
	}
}

// projectMarkers identifies project roots that have no build output yet.
var projectMarkers = []Pattern{
	{Language: "Go", BuildSystem: "go", Markers: []string{"go.mod"}},
	{Language: "C", BuildSystem: "make", Markers: []string{"Makefile"}},
}

// Classifier maps directory entries to build-output classifications.
type Classifier struct {
	patterns []Pattern
	dirNames map[string]struct{}
}

// New returns a classifier over the default table followed by extra.
func New(extra ...Pattern) *Classifier {
	patterns := append(DefaultPatterns(), extra...)
	c := &Classifier{patterns: patterns, dirNames: map[string]struct{}{}}
	for _, p := range patterns {
		for _, d := range p.Dirs {
			c.dirNames[d] = struct{}{}
		}
	}
	return c
}

// Patterns returns the active table.
func (c *Classifier) Patterns() []Pattern {
	return append([]Pattern(nil), c.patterns...)
}

// IsCandidateName reports whether name appears in any pattern. Callers use it
// to skip reading the parent directory for names that can never match.
func (c *Classifier) IsCandidateName(name string) bool {
	_, ok := c.dirNames[name]
	return ok
}

// Classify returns the language and build system when e is a build-output directory.
func (c *Classifier) Classify(e Entry) (Match, bool) {
	if !e.IsDir {
		return Match{}, false
	}
	name := e.Name
	if name == "" {
		name = filepath.Base(e.Path)
	}
	if !c.IsCandidateName(name) {
		return Match{}, false
	}
	for _, p := range c.patterns {
		if !contains(p.Dirs, name) {
			continue
		}
		if hasMarker(p.Markers, e.Siblings, name) {
			return Match{Language: p.Language, BuildSystem: p.BuildSystem}, true
		}
	}
	return Match{}, false
}

// ProjectKind detects the primary language and build system of a directory
// from the names of its entries.
func (c *Classifier) ProjectKind(names []string) (Match, bool) {
	for _, p := range append(c.Patterns(), projectMarkers...) {
		if hasMarker(p.Markers, names, "") {
			return Match{Language: p.Language, BuildSystem: p.BuildSystem}, true
		}
	}
	return Match{}, false
}

func hasMarker(markers, siblings []string, self string) bool {
	for _, m := range markers {
		glob := strings.ContainsAny(m, "*?[")
		for _, s := range siblings {
			if s == self {
				continue
			}
			if glob {
				if ok, err := filepath.Match(m, s); err == nil && ok {
					return true
				}
			} else if s == m {
				return true
			}
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
