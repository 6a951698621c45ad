// Package render draws a replica snapshot as an indented text tree.
package render

import (
	"strings"

	"github.com/agentworkforce/relaytree/internal/replica"
	"github.com/agentworkforce/relaytree/internal/tree"
	"github.com/charmbracelet/lipgloss"
)

const (
	markerCollapsed = "+"
	markerExpanded  = "-"
	loadingSuffix   = " …"
	indentUnit      = "  "
)

type Styles struct {
	Collection lipgloss.Style
	Request    lipgloss.Style
	Method     lipgloss.Style
	Loading    lipgloss.Style
	Muted      lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		Collection: lipgloss.NewStyle().Foreground(lipgloss.Color("#89b4fa")).Bold(true),
		Request:    lipgloss.NewStyle().Foreground(lipgloss.Color("#cdd6f4")),
		Method:     lipgloss.NewStyle().Foreground(lipgloss.Color("#fab387")),
		Loading:    lipgloss.NewStyle().Foreground(lipgloss.Color("#f9e2af")),
		Muted:      lipgloss.NewStyle().Foreground(lipgloss.Color("#7f849c")),
	}
}

// PlainStyles renders without any styling.
func PlainStyles() Styles {
	return Styles{
		Collection: lipgloss.NewStyle(),
		Request:    lipgloss.NewStyle(),
		Method:     lipgloss.NewStyle(),
		Loading:    lipgloss.NewStyle(),
		Muted:      lipgloss.NewStyle(),
	}
}

// Tree renders the forest. Collections show "+" until expanded and "-"
// after; ids in loading get a trailing ellipsis.
func Tree(forest tree.Forest, loading []string, styles Styles) string {
	busy := make(map[string]bool, len(loading))
	for _, id := range loading {
		busy[id] = true
	}
	var b strings.Builder
	if busy[replica.RootLoadingID] {
		b.WriteString(styles.Loading.Render("loading collections…"))
		b.WriteByte('\n')
	}
	if len(forest) == 0 {
		if !busy[replica.RootLoadingID] {
			b.WriteString(styles.Muted.Render("(no collections)"))
			b.WriteByte('\n')
		}
		return b.String()
	}
	for _, node := range forest {
		writeNode(&b, node, 0, busy, styles)
	}
	return b.String()
}

func writeNode(b *strings.Builder, node *tree.CollectionNode, depth int, busy map[string]bool, styles Styles) {
	indent := strings.Repeat(indentUnit, depth)
	marker := markerCollapsed
	if node.Expanded() {
		marker = markerExpanded
	}
	b.WriteString(indent)
	b.WriteString(marker)
	b.WriteByte(' ')
	b.WriteString(styles.Collection.Render(node.Title))
	if busy[node.ID] {
		b.WriteString(styles.Loading.Render(loadingSuffix))
	}
	b.WriteByte('\n')
	if !node.Expanded() {
		return
	}
	for _, child := range node.Children {
		writeNode(b, child, depth+1, busy, styles)
	}
	for _, leaf := range node.Requests {
		b.WriteString(indent)
		b.WriteString(indentUnit)
		b.WriteString(indentUnit)
		b.WriteString(styles.Method.Render(leaf.Request.Method))
		b.WriteByte(' ')
		b.WriteString(styles.Request.Render(leaf.Title))
		b.WriteByte('\n')
	}
	if len(node.Children) == 0 && len(node.Requests) == 0 {
		b.WriteString(indent)
		b.WriteString(indentUnit)
		b.WriteString(indentUnit)
		b.WriteString(styles.Muted.Render("(empty)"))
		b.WriteByte('\n')
	}
}
