// Package render turns fleet query results into terminal output: an
// indented tree for detail views, a flat table for listings. Renderers hold
// no knowledge of instances; they format whatever entries they are given.
package render

import (
	"fmt"
	"io"
	"strings"
)

// Tree accumulates hierarchical node and body entries with explicit branch
// markers and renders them with correct continuation and closing glyphs.
// Construct one per listing; it carries no global state.
type Tree struct {
	entries []treeEntry
	depth   int
}

type treeEntry struct {
	depth  int
	header string
	value  string
	body   bool
}

// NewTree creates an empty tree renderer.
func NewTree() *Tree {
	return &Tree{}
}

// Reset discards all buffered entries and returns to depth zero.
func (t *Tree) Reset() {
	t.entries = nil
	t.depth = 0
}

// Node buffers one header/value row at the current depth.
func (t *Tree) Node(header, value string) {
	t.entries = append(t.entries, treeEntry{depth: t.depth, header: header, value: value})
}

// Body buffers a plain text row attached beneath the most recent node.
func (t *Tree) Body(text string) {
	t.entries = append(t.entries, treeEntry{depth: t.depth, header: text, body: true})
}

// Open starts a branch: subsequent nodes nest one level under the most
// recent one.
func (t *Tree) Open() {
	t.depth++
}

// Close ends the current branch, returning to the parent depth.
func (t *Tree) Close() {
	if t.depth > 0 {
		t.depth--
	}
}

// String renders the buffered entries without consuming them.
func (t *Tree) String() string {
	var b strings.Builder
	for i, entry := range t.entries {
		b.WriteString(t.prefix(i))
		if entry.body {
			b.WriteString(entry.header)
		} else if entry.value != "" {
			b.WriteString(fmt.Sprintf("%s: %s", entry.header, entry.value))
		} else {
			b.WriteString(entry.header)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Print flushes the buffered entries to w and resets the renderer.
func (t *Tree) Print(w io.Writer) {
	io.WriteString(w, t.String())
	t.Reset()
}

// prefix computes the glyph column for entry i: one continuation cell per
// ancestor depth and a connector chosen by whether a later sibling exists
// at the same depth before the branch closes.
func (t *Tree) prefix(i int) string {
	entry := t.entries[i]
	var b strings.Builder
	for d := 0; d < entry.depth; d++ {
		if t.siblingFollows(i, d) {
			b.WriteString("│   ")
		} else {
			b.WriteString("    ")
		}
	}
	if entry.body {
		b.WriteString("    ")
		return b.String()
	}
	if t.siblingFollows(i, entry.depth) {
		b.WriteString("├── ")
	} else {
		b.WriteString("└── ")
	}
	return b.String()
}

// siblingFollows reports whether another node at the given depth appears
// after entry i before that depth's branch closes.
func (t *Tree) siblingFollows(i, depth int) bool {
	for j := i + 1; j < len(t.entries); j++ {
		if t.entries[j].depth < depth {
			return false
		}
		if t.entries[j].depth == depth && !t.entries[j].body {
			return true
		}
	}
	return false
}
