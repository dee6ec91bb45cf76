package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := New()
	tests := []struct {
		name     string
		entry    Entry
		wantOK   bool
		wantLang string
		wantBS   string
	}{
		{"rust target", Entry{Name: "target", IsDir: true, Siblings: []string{"Cargo.toml", "src"}}, true, "Rust", "cargo"},
		{"maven target", Entry{Name: "target", IsDir: true, Siblings: []string{"pom.xml"}}, true, "Java", "maven"},
		{"target without marker", Entry{Name: "target", IsDir: true, Siblings: []string{"README.md"}}, false, "", ""},
		{"node_modules", Entry{Name: "node_modules", IsDir: true, Siblings: []string{"package.json"}}, true, "JavaScript", "npm"},
		{"pycache with glob marker", Entry{Name: "__pycache__", IsDir: true, Siblings: []string{"main.py"}}, true, "Python", "python"},
		{"csproj bin", Entry{Name: "bin", IsDir: true, Siblings: []string{"App.csproj"}}, true, "C#", "dotnet"},
		{"gradle build", Entry{Name: "build", IsDir: true, Siblings: []string{"build.gradle.kts"}}, true, "Java", "gradle"},
		{"cmake build", Entry{Name: "build", IsDir: true, Siblings: []string{"CMakeLists.txt"}}, true, "C/C++", "cmake"},
		{"file never matches", Entry{Name: "target", IsDir: false, Siblings: []string{"Cargo.toml"}}, false, "", ""},
		{"name from path", Entry{Path: "/proj/vendor", IsDir: true, Siblings: []string{"composer.json"}}, true, "PHP", "composer"},
		{"unknown name", Entry{Name: "src", IsDir: true, Siblings: []string{"Cargo.toml"}}, false, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := c.Classify(tt.entry)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantLang, m.Language)
			assert.Equal(t, tt.wantBS, m.BuildSystem)
		})
	}
}

func TestClassifyExtraPatterns(t *testing.T) {
	c := New(Pattern{Language: "Haskell", BuildSystem: "stack", Dirs: []string{".stack-work"}, Markers: []string{"stack.yaml"}})
	m, ok := c.Classify(Entry{Name: ".stack-work", IsDir: true, Siblings: []string{"stack.yaml"}})
	assert.True(t, ok)
	assert.Equal(t, "Haskell", m.Language)
	assert.True(t, c.IsCandidateName(".stack-work"))
}

func TestProjectKind(t *testing.T) {
	c := New()
	m, ok := c.ProjectKind([]string{"Cargo.toml", "src", "target"})
	assert.True(t, ok)
	assert.Equal(t, "cargo", m.BuildSystem)

	m, ok = c.ProjectKind([]string{"go.mod", "main.go"})
	assert.True(t, ok)
	assert.Equal(t, "Go", m.Language)

	_, ok = c.ProjectKind([]string{"notes.txt"})
	assert.False(t, ok)
}
