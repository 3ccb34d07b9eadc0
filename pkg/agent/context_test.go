package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/burrowhq/burrow/pkg/githost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTreeSource struct {
	entries []githost.TreeEntry
	files   map[string]string
}

func (f *fakeTreeSource) GetTree(_ context.Context, _, _ string, _ bool) (*githost.Tree, error) {
	return &githost.Tree{SHA: "t-1", Entries: f.entries}, nil
}

func (f *fakeTreeSource) GetFile(_ context.Context, _, _, path string) ([]byte, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return []byte(content), nil
}

func blob(path string, size int64) githost.TreeEntry {
	return githost.TreeEntry{Path: path, Type: "blob", Size: size}
}

func TestBuildFiltersAndSelects(t *testing.T) {
	source := &fakeTreeSource{
		entries: []githost.TreeEntry{
			blob("package.json", 300),
			blob("src/index.ts", 500),
			blob("node_modules/react/index.js", 100),
			blob("logo.png", 100),
			blob("yarn.lock", 100),
			blob("dist/bundle.js", 100),
			blob("src/big.ts", 100*1024),
			{Path: "src", Type: "tree"},
		},
		files: map[string]string{
			"package.json": `{"name":"widgets"}`,
			"src/index.ts": "export {}",
		},
	}

	b := NewContextBuilder(source, 15, 50*1024)
	prompt, err := b.Build(context.Background(), "acme/widgets", "main", nil)
	require.NoError(t, err)

	assert.Contains(t, prompt, "package.json")
	assert.Contains(t, prompt, "src/index.ts")
	assert.Contains(t, prompt, `{"name":"widgets"}`)
	assert.NotContains(t, prompt, "node_modules")
	assert.NotContains(t, prompt, "logo.png")
	assert.NotContains(t, prompt, "yarn.lock")
	assert.NotContains(t, prompt, "dist/bundle.js")
	// Oversized files appear in the tree listing but not as content
	assert.Contains(t, prompt, "src/big.ts")
}

func TestBuildRespectsFileCap(t *testing.T) {
	source := &fakeTreeSource{files: map[string]string{}}
	for i := 0; i < 30; i++ {
		path := fmt.Sprintf("src/mod%02d.ts", i)
		source.entries = append(source.entries, blob(path, 100))
		source.files[path] = "export {}"
	}

	b := NewContextBuilder(source, 5, 50*1024)
	selected := b.selectFiles(pathsOf(source.entries), sizesOf(source.entries), nil)
	assert.Len(t, selected, 5)
}

func TestBuildMustIncludeExemptFromCap(t *testing.T) {
	source := &fakeTreeSource{files: map[string]string{}}
	musts := []string{"package.json", "tsconfig.json", "go.mod", "README.md"}
	for _, p := range musts {
		source.entries = append(source.entries, blob(p, 100))
		source.files[p] = "x"
	}
	for i := 0; i < 10; i++ {
		path := fmt.Sprintf("src/mod%02d.ts", i)
		source.entries = append(source.entries, blob(path, 100))
		source.files[path] = "export {}"
	}

	// Cap of 2 still admits all four must-include configs
	b := NewContextBuilder(source, 2, 50*1024)
	selected := b.selectFiles(pathsOf(source.entries), sizesOf(source.entries), nil)
	for _, p := range musts {
		assert.Contains(t, selected, p)
	}
	assert.Len(t, selected, len(musts))
}

func TestBuildAppliesOverlays(t *testing.T) {
	source := &fakeTreeSource{
		entries: []githost.TreeEntry{blob("src/index.ts", 100)},
		files:   map[string]string{"src/index.ts": "stale disk content"},
	}

	b := NewContextBuilder(source, 15, 50*1024)
	prompt, err := b.Build(context.Background(), "acme/widgets", "main", map[string]string{
		"src/index.ts": "freshly edited content",
		"src/new.ts":   "created this session",
	})
	require.NoError(t, err)

	assert.Contains(t, prompt, "freshly edited content")
	assert.NotContains(t, prompt, "stale disk content")
	// Files created in prior turns show up even though the tree lacks them
	assert.Contains(t, prompt, "created this session")
}

func TestBuildIncludesInstructions(t *testing.T) {
	source := &fakeTreeSource{
		entries: []githost.TreeEntry{blob("AGENTS.md", 100), blob("src/index.ts", 100)},
		files: map[string]string{
			"AGENTS.md":    "Always run the linter before finishing.",
			"src/index.ts": "export {}",
		},
	}

	b := NewContextBuilder(source, 15, 50*1024)
	prompt, err := b.Build(context.Background(), "acme/widgets", "main", nil)
	require.NoError(t, err)
	assert.Contains(t, prompt, "# Project instructions")
	assert.Contains(t, prompt, "Always run the linter before finishing.")
}

func pathsOf(entries []githost.TreeEntry) []string {
	var paths []string
	for _, e := range entries {
		if e.Type == "blob" && !skipPath(e.Path) {
			paths = append(paths, e.Path)
		}
	}
	return paths
}

func sizesOf(entries []githost.TreeEntry) map[string]int64 {
	sizes := make(map[string]int64)
	for _, e := range entries {
		sizes[e.Path] = e.Size
	}
	return sizes
}
