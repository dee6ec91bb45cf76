package artifacts

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExclusionMatches(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		path  string
		want  bool
	}{
		{"exact path", "/proj/target", "/proj/target", true},
		{"below excluded dir", "/proj", "/proj/target", true},
		{"sibling sharing prefix", "/proj", "/project/target", false},
		{"unrelated", "/other", "/proj/target", false},
		{"name glob on leaf", "node_modules", "/web/node_modules", false},
		{"name glob wildcard", "*_modules", "/web/node_modules", true},
		{"name glob on ancestor", "vendor*", "/php/vendor/pkg", true},
		{"path glob", "/work/*/target", "/work/app/target", true},
		{"path glob ancestor", "/work/*", "/work/app/target", true},
		{"path glob miss", "/work/*/build", "/work/app/target", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := ExclusionEntry{Path: tt.entry}
			assert.Equal(t, tt.want, e.Matches(tt.path))
		})
	}
}

func TestExclusionSetIsSnapshot(t *testing.T) {
	entries := []ExclusionEntry{{Path: "/b"}, {Path: "/a"}}
	set := NewExclusionSet(entries)
	entries[0].Path = "/changed"

	assert.True(t, set.Matches("/b/target"))
	assert.False(t, set.Matches("/changed"))
	assert.Equal(t, "/a", set.Entries()[0].Path)
	assert.Equal(t, 2, set.Len())
}

func TestRescanTargets(t *testing.T) {
	roots := []string{"/work", "/srv/code"}
	tests := []struct {
		name     string
		entry    string
		excluded bool
		want     []string
	}{
		{"excluded path inside a root", "/work/app/target", true, []string{"/work"}},
		{"excluded path above a root", "/srv", true, []string{"/srv/code"}},
		{"excluded glob touches every root", "*_cache", true, []string{"/work", "/srv/code"}},
		{"re-included path rescans itself", "/work/app/target", false, []string{"/work/app/target"}},
		{"re-included path outside roots", "/elsewhere", false, nil},
		{"re-included glob touches every root", "*_cache", false, []string{"/work", "/srv/code"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RescanTargets(ExclusionEntry{Path: tt.entry}, tt.excluded, roots)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRetentionPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultRetentionPolicy().Validate())
	assert.Error(t, RetentionPolicy{RetentionDays: 0}.Validate())
	assert.Equal(t, 30*24*time.Hour, DefaultRetentionPolicy().Threshold())
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("pending_delete")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingDelete, st)

	_, err = ParseStatus("gone")
	assert.Error(t, err)
}

func TestSameObservationIgnoresBookkeeping(t *testing.T) {
	now := time.Now()
	a := Artifact{Path: "/p/target", Language: "Rust", SizeBytes: 10, LastModified: now, Status: StatusActive, LogicalTime: 1, FirstSeen: now}
	b := a
	b.LogicalTime = 99
	b.FirstSeen = now.Add(time.Hour)
	assert.True(t, a.SameObservation(b))

	b.SizeBytes = 11
	assert.False(t, a.SameObservation(b))
}

func TestSummarize(t *testing.T) {
	totals := Summarize([]Artifact{
		{Language: "Rust", SizeBytes: 100, Status: StatusActive},
		{Language: "Rust", SizeBytes: 50, Status: StatusPendingDelete},
		{Language: "JavaScript", SizeBytes: 10, Status: StatusActive},
		{Language: "Rust", SizeBytes: 1000, Status: StatusDeleted},
	})
	assert.Equal(t, 3, totals.Count)
	assert.EqualValues(t, 160, totals.SizeBytes)
	assert.EqualValues(t, 150, totals.ByLanguage["Rust"])
}

func TestHumanSize(t *testing.T) {
	assert.Equal(t, "512 B", HumanSize(512))
	assert.Equal(t, "1.0 KiB", HumanSize(1024))
	assert.Equal(t, "120.0 MiB", HumanSize(120*1024*1024))
}

func TestTruncateOutput(t *testing.T) {
	long := strings.Repeat("x", MaxHistoryOutput+10)
	got := TruncateOutput(long)
	assert.True(t, strings.HasPrefix(got, "...(truncated)"))
	assert.Equal(t, "short", TruncateOutput("short"))
}

func TestClockMonotonic(t *testing.T) {
	fixed := time.Unix(0, 1000)
	c := NewClock(0)
	c.now = func() time.Time { return fixed }

	first := c.Tick()
	second := c.Tick()
	assert.Equal(t, int64(1000), first)
	assert.Equal(t, int64(1001), second)

	c.Observe(5000)
	assert.Equal(t, int64(5001), c.Tick())
}

func TestClockSeededAboveStoreMax(t *testing.T) {
	future := time.Now().Add(time.Hour).UnixNano()
	c := NewClock(future)
	assert.Greater(t, c.Tick(), future)
}

func TestClockConcurrentTicksUnique(t *testing.T) {
	c := NewClock(0)
	var mu sync.Mutex
	seen := map[int64]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s := c.Tick()
				mu.Lock()
				seen[s] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 1600)
}
