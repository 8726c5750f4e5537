package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	ltree "github.com/charmbracelet/lipgloss/tree"

	"github.com/jsonkit/jsonkit/internal/tree"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dirStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	matchStyle  = lipgloss.NewStyle().Reverse(true)
)

func renderAccent(s string) string { return accentStyle.Render(s) }
func renderPass(s string) string   { return passStyle.Render(s) }
func renderWarn(s string) string   { return warnStyle.Render(s) }
func renderFail(s string) string   { return failStyle.Render(s) }

// renderTree draws n and its descendants. Keys in highlight are marked.
func renderTree(n *tree.Node, showExtData bool, highlight map[string]bool) string {
	type frame struct {
		node *tree.Node
		out  *ltree.Tree
	}

	root := ltree.Root(dirStyle.Render(n.Title)).
		Enumerator(ltree.RoundedEnumerator).
		EnumeratorStyle(mutedStyle)
	stack := []frame{{n, root}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, c := range f.node.Children {
			label := nodeLabel(c, showExtData)
			if highlight[c.Key] {
				label = matchStyle.Render(label)
			}
			if !c.IsDir() {
				f.out.Child(label)
				continue
			}
			sub := ltree.Root(label)
			f.out.Child(sub)
			stack = append(stack, frame{c, sub})
		}
	}
	return root.String()
}

func nodeLabel(n *tree.Node, showExtData bool) string {
	if n.IsDir() {
		return dirStyle.Render(n.Title + "/")
	}
	if !showExtData || len(n.ExtData) == 0 {
		return n.Title
	}
	return n.Title + " " + mutedStyle.Render(formatExtData(n.ExtData))
}

// formatExtData renders extData as name=[v1 v2] pairs in name order.
func formatExtData(ext tree.ExtData) string {
	names := make([]string, 0, len(ext))
	for name := range ext {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		values := make([]string, len(ext[name]))
		for i, v := range ext[name] {
			values[i] = fmt.Sprint(v)
		}
		parts = append(parts, name+"=["+strings.Join(values, " ")+"]")
	}
	return strings.Join(parts, " ")
}

// formatEvent renders one change for a terminal.
func formatEvent(ev tree.Event) string {
	var badge string
	switch ev.Kind {
	case tree.FileAdded, tree.DirAdded:
		badge = renderPass("+ " + ev.Kind.String())
	case tree.FileChanged:
		badge = renderAccent("~ " + ev.Kind.String())
	default:
		badge = renderFail("- " + ev.Kind.String())
	}
	line := fmt.Sprintf("%s %s %s", mutedStyle.Render(ev.Time.Format("15:04:05.000")), badge, ev.Path)
	if len(ev.ExtData) > 0 {
		line += " " + mutedStyle.Render(formatExtData(ev.ExtData))
	}
	return line
}
