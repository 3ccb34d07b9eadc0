package agent

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/burrowhq/burrow/pkg/githost"
	"github.com/burrowhq/burrow/pkg/log"
	"github.com/rs/zerolog"
)

// maxContextFileSize skips individual files too large to be useful
// prompt context
const maxContextFileSize = 32 * 1024

// instructionsFile carries project-specific guidance for the model
const instructionsFile = "AGENTS.md"

// mustInclude are root config files the model nearly always needs.
// They are selected even past the file cap.
var mustInclude = map[string]bool{
	"package.json":       true,
	"tsconfig.json":      true,
	"go.mod":             true,
	"Cargo.toml":         true,
	"pyproject.toml":     true,
	"requirements.txt":   true,
	"README.md":          true,
	"vite.config.ts":     true,
	"next.config.js":     true,
	"next.config.mjs":    true,
	"tailwind.config.js": true,
}

// skipDirs are subtrees never shown to the model
var skipDirs = []string{
	"node_modules/", ".git/", "dist/", "build/", "vendor/", ".next/",
	"coverage/", "__pycache__/",
}

// skipSuffixes are file types excluded from context
var skipSuffixes = []string{
	".png", ".jpg", ".jpeg", ".gif", ".ico", ".svg", ".woff", ".woff2",
	".lock", ".min.js", ".map", ".wasm",
}

// TreeSource is the slice of the source host the builder reads from
type TreeSource interface {
	GetTree(ctx context.Context, slug, ref string, recursive bool) (*githost.Tree, error)
	GetFile(ctx context.Context, slug, ref, path string) ([]byte, error)
}

// ContextBuilder assembles the system prompt for one turn
type ContextBuilder struct {
	source  TreeSource
	fileCap int
	byteCap int
	logger  zerolog.Logger
}

// NewContextBuilder creates a builder with the given selection caps
func NewContextBuilder(source TreeSource, fileCap, byteCap int) *ContextBuilder {
	return &ContextBuilder{
		source:  source,
		fileCap: fileCap,
		byteCap: byteCap,
		logger:  log.WithComponent("agent"),
	}
}

// Build assembles the system prompt: the filtered file tree, selected
// context files with session overlays applied, and project
// instructions when an AGENTS.md exists.
func (b *ContextBuilder) Build(ctx context.Context, slug, ref string, overlays map[string]string) (string, error) {
	tree, err := b.source.GetTree(ctx, slug, ref, true)
	if err != nil {
		return "", fmt.Errorf("failed to fetch repo tree: %w", err)
	}

	var paths []string
	sizes := make(map[string]int64)
	for _, entry := range tree.Entries {
		if entry.Type != "blob" || skipPath(entry.Path) {
			continue
		}
		paths = append(paths, entry.Path)
		sizes[entry.Path] = entry.Size
	}
	sort.Strings(paths)

	var sb strings.Builder
	sb.WriteString("You are an expert software engineer working inside a development sandbox.\n")
	sb.WriteString("Respond with <explanation>, <file path=\"...\">, <edit path=\"...\">, and <bash> blocks.\n\n")

	sb.WriteString("# Repository files\n")
	for _, p := range paths {
		sb.WriteString(p)
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')

	selected := b.selectFiles(paths, sizes, overlays)
	budget := b.byteCap
	sb.WriteString("# File contents\n")
	for _, p := range selected {
		content, ok := overlays[p]
		if !ok {
			data, err := b.source.GetFile(ctx, slug, ref, p)
			if err != nil {
				b.logger.Warn().Err(err).Str("path", p).Msg("failed to fetch context file")
				continue
			}
			content = string(data)
		}
		if !mustInclude[p] && len(content) > budget {
			continue
		}
		budget -= len(content)
		fmt.Fprintf(&sb, "## %s\n```\n%s\n```\n", p, content)
	}

	// Overlay paths the model created this session may not exist in
	// the tree yet
	for p, content := range overlays {
		if contains(selected, p) {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n```\n%s\n```\n", p, content)
	}

	if instructions := b.instructions(ctx, slug, ref, paths); instructions != "" {
		sb.WriteString("\n# Project instructions\n")
		sb.WriteString(instructions)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

// selectFiles picks context files: must-include configs first (exempt
// from the cap), then root-level and shallow source files
func (b *ContextBuilder) selectFiles(paths []string, sizes map[string]int64, overlays map[string]string) []string {
	var musts, rest []string
	for _, p := range paths {
		if mustInclude[p] {
			musts = append(musts, p)
			continue
		}
		if sizes[p] > maxContextFileSize {
			continue
		}
		rest = append(rest, p)
	}

	// Prefer shallow paths and conventional entrypoints
	sort.SliceStable(rest, func(i, j int) bool {
		di, dj := strings.Count(rest[i], "/"), strings.Count(rest[j], "/")
		if di != dj {
			return di < dj
		}
		ei, ej := isEntrypoint(rest[i]), isEntrypoint(rest[j])
		if ei != ej {
			return ei
		}
		return rest[i] < rest[j]
	})

	selected := musts
	for _, p := range rest {
		if len(selected) >= b.fileCap {
			break
		}
		selected = append(selected, p)
	}

	// Files the session already edited are always relevant
	for p := range overlays {
		if !contains(selected, p) && contains(paths, p) {
			selected = append(selected, p)
		}
	}
	return selected
}

func (b *ContextBuilder) instructions(ctx context.Context, slug, ref string, paths []string) string {
	if !contains(paths, instructionsFile) {
		return ""
	}
	data, err := b.source.GetFile(ctx, slug, ref, instructionsFile)
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to fetch project instructions")
		return ""
	}
	return string(data)
}

func skipPath(p string) bool {
	for _, dir := range skipDirs {
		if strings.HasPrefix(p, dir) || strings.Contains(p, "/"+dir) {
			return true
		}
	}
	for _, suffix := range skipSuffixes {
		if strings.HasSuffix(p, suffix) {
			return true
		}
	}
	return false
}

func isEntrypoint(p string) bool {
	base := path.Base(p)
	switch base {
	case "main.go", "index.ts", "index.tsx", "index.js", "app.ts", "App.tsx", "main.py":
		return true
	}
	return false
}

func contains(list []string, want string) bool {
	for _, p := range list {
		if p == want {
			return true
		}
	}
	return false
}
