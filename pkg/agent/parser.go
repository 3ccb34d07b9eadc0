package agent

import (
	"regexp"
	"sort"
	"strings"
)

// BlockKind identifies one structured block of a model response
type BlockKind string

const (
	BlockExplanation BlockKind = "explanation"
	BlockFile        BlockKind = "file"
	BlockEdit        BlockKind = "edit"
	BlockBash        BlockKind = "bash"
)

// SearchReplace is one exact-substring replacement within an edit
// block. Whitespace is significant and never normalized.
type SearchReplace struct {
	Search  string
	Replace string
}

// Block is one parsed response block, in document order
type Block struct {
	Kind    BlockKind
	Path    string
	Content string
	Pairs   []SearchReplace
}

var (
	explanationRe = regexp.MustCompile(`(?s)<explanation>(.*?)</explanation>`)
	fileRe        = regexp.MustCompile(`(?s)<file path="([^"]+)">(.*?)</file>`)
	editRe        = regexp.MustCompile(`(?s)<edit path="([^"]+)">(.*?)</edit>`)
	bashRe        = regexp.MustCompile(`(?s)<bash>(.*?)</bash>`)
	pairRe        = regexp.MustCompile(`(?s)<<<<<<< SEARCH\n(.*?)\n=======\n(.*?)\n>>>>>>> REPLACE`)
)

// Parse splits a model response into structured blocks, preserving
// document order. Malformed fragments are simply not matched; the
// caller treats an empty result as a terminating response.
func Parse(text string) []Block {
	var blocks []Block
	var positions []int

	collect := func(re *regexp.Regexp, build func(m []string) Block) {
		for _, idx := range re.FindAllStringSubmatchIndex(text, -1) {
			groups := make([]string, 0, len(idx)/2)
			for i := 0; i < len(idx); i += 2 {
				if idx[i] < 0 {
					groups = append(groups, "")
					continue
				}
				groups = append(groups, text[idx[i]:idx[i+1]])
			}
			blocks = append(blocks, build(groups))
			positions = append(positions, idx[0])
		}
	}

	collect(explanationRe, func(m []string) Block {
		return Block{Kind: BlockExplanation, Content: strings.TrimSpace(m[1])}
	})
	collect(fileRe, func(m []string) Block {
		return Block{Kind: BlockFile, Path: m[1], Content: trimLeadingNewline(m[2])}
	})
	collect(editRe, func(m []string) Block {
		return Block{Kind: BlockEdit, Path: m[1], Pairs: parsePairs(m[2])}
	})
	collect(bashRe, func(m []string) Block {
		return Block{Kind: BlockBash, Content: strings.TrimSpace(m[1])}
	})

	sort.Sort(&blockOrder{blocks, positions})
	return blocks
}

// parsePairs extracts the SEARCH/REPLACE pairs of one edit block
func parsePairs(body string) []SearchReplace {
	var pairs []SearchReplace
	for _, m := range pairRe.FindAllStringSubmatch(body, -1) {
		pairs = append(pairs, SearchReplace{Search: m[1], Replace: m[2]})
	}
	return pairs
}

// trimLeadingNewline drops the newline that immediately follows the
// opening tag, keeping everything else byte-exact
func trimLeadingNewline(s string) string {
	return strings.TrimPrefix(s, "\n")
}

type blockOrder struct {
	blocks    []Block
	positions []int
}

func (o *blockOrder) Len() int           { return len(o.blocks) }
func (o *blockOrder) Less(i, j int) bool { return o.positions[i] < o.positions[j] }
func (o *blockOrder) Swap(i, j int) {
	o.blocks[i], o.blocks[j] = o.blocks[j], o.blocks[i]
	o.positions[i], o.positions[j] = o.positions[j], o.positions[i]
}

// ApplyEdits applies the pairs in order against content. Each search
// string must appear verbatim; a miss is reported and skipped without
// aborting the rest.
func ApplyEdits(content string, pairs []SearchReplace) (string, []string) {
	var misses []string
	for _, p := range pairs {
		if !strings.Contains(content, p.Search) {
			misses = append(misses, p.Search)
			continue
		}
		content = strings.Replace(content, p.Search, p.Replace, 1)
	}
	return content, misses
}
