package depgraph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

func byModule(g *Graph) ([]string, map[string][]Node) {
	groups := make(map[string][]Node)
	for _, n := range g.Nodes {
		groups[n.Name] = append(groups[n.Name], n)
	}
	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, groups
}

func shortKey(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}

func nodeLabel(n Node) string {
	label := n.Name + "\\n" + shortKey(n.Key)
	if n.Source != "" {
		label += " (" + n.Source + ")"
	}
	return label
}

// ExportDOT generates a Graphviz DOT representation of the graph. Nodes of
// the same module are clustered.
func ExportDOT(g *Graph) string {
	var b strings.Builder
	b.WriteString("digraph resolution {\n")
	b.WriteString("  rankdir=LR;\n")
	b.WriteString("  node [fontname=\"Helvetica\"];\n")
	b.WriteString("  edge [fontname=\"Helvetica\" fontsize=10];\n\n")

	names, groups := byModule(g)
	for _, name := range names {
		b.WriteString(fmt.Sprintf("  subgraph cluster_%s {\n", sanitizeID(name)))
		b.WriteString(fmt.Sprintf("    label=\"%s\";\n", name))
		b.WriteString("    style=dashed;\n")
		b.WriteString("    color=\"#58a6ff\";\n")
		for _, n := range groups[name] {
			b.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\" shape=%s style=filled fillcolor=\"%s\"];\n",
				n.ID, nodeLabel(n), nodeShape(n.Kind), nodeColor(n)))
		}
		b.WriteString("  }\n\n")
	}

	for _, e := range g.Edges {
		label := ""
		if e.Label != "" {
			label = fmt.Sprintf(" label=\"%s\"", e.Label)
		}
		b.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [style=%s color=\"%s\"%s];\n",
			e.From, e.To, edgeStyle(e.Kind), edgeColor(e.Kind), label))
	}

	b.WriteString("}\n")
	return b.String()
}

// ExportMermaid generates a Mermaid diagram of the graph.
func ExportMermaid(g *Graph) string {
	var b strings.Builder
	b.WriteString("graph LR\n")

	names, groups := byModule(g)
	for _, name := range names {
		b.WriteString(fmt.Sprintf("  subgraph %s\n", sanitizeID(name)))
		for _, n := range groups[name] {
			b.WriteString(fmt.Sprintf("    %s%s\n", sanitizeID(n.ID), mermaidNodeShape(n)))
		}
		b.WriteString("  end\n")
	}

	for _, e := range g.Edges {
		label := ""
		if e.Label != "" {
			label = "|" + e.Label + "|"
		}
		b.WriteString(fmt.Sprintf("  %s %s%s %s\n",
			sanitizeID(e.From), mermaidArrow(e.Kind), label, sanitizeID(e.To)))
	}

	return b.String()
}

// ExportJSON serializes the graph to JSON.
func ExportJSON(g *Graph) ([]byte, error) {
	return json.MarshalIndent(g, "", "  ")
}

// FormatStats returns a human-readable summary of graph statistics.
func FormatStats(g *Graph) string {
	var b strings.Builder
	b.WriteString("Resolution Graph Statistics\n")
	b.WriteString("===========================\n\n")
	b.WriteString(fmt.Sprintf("Nodes:       %d total\n", g.Stats.TotalNodes))
	b.WriteString(fmt.Sprintf("  Modules:   %d\n", g.Stats.ModuleCount))
	b.WriteString(fmt.Sprintf("  Params:    %d\n", g.Stats.ParameterCount))
	b.WriteString(fmt.Sprintf("Edges:       %d total\n", g.Stats.TotalEdges))
	b.WriteString(fmt.Sprintf("Max Fan-Out: %d\n", g.Stats.MaxFanOut))
	b.WriteString(fmt.Sprintf("Max Fan-In:  %d (%s)\n", g.Stats.MaxFanIn, g.Stats.HotspotNode))
	b.WriteString(fmt.Sprintf("Depth:       %d\n", g.Stats.Depth))
	b.WriteString(fmt.Sprintf("Components:  %d\n", g.Stats.ConnectedComponents))

	if len(g.Stats.Sources) > 0 {
		b.WriteString("\nResult Sources:\n")
		srcs := make([]string, 0, len(g.Stats.Sources))
		for s := range g.Stats.Sources {
			srcs = append(srcs, s)
		}
		sort.Strings(srcs)
		for _, s := range srcs {
			b.WriteString(fmt.Sprintf("  %s: %d\n", s, g.Stats.Sources[s]))
		}
	}

	if len(g.Stats.CyclicDeps) > 0 {
		b.WriteString(fmt.Sprintf("\nCyclic Dependencies: %d\n", len(g.Stats.CyclicDeps)))
		for i, cycle := range g.Stats.CyclicDeps {
			b.WriteString(fmt.Sprintf("  %d: %s\n", i+1, strings.Join(cycle, " -> ")))
		}
	}

	return b.String()
}

func sanitizeID(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, s)
}

func nodeShape(kind NodeKind) string {
	if kind == NodeParameters {
		return "note"
	}
	return "box3d"
}

func nodeColor(n Node) string {
	if n.Kind == NodeParameters {
		return "#8957e5"
	}
	switch n.Source {
	case "run":
		return "#238636"
	case "memory":
		return "#1f6feb"
	case "disk":
		return "#d29922"
	}
	return "#30363d"
}

func edgeStyle(kind EdgeKind) string {
	switch kind {
	case EdgeParameters:
		return "dotted"
	case EdgeModule:
		return "bold"
	}
	return "solid"
}

func edgeColor(kind EdgeKind) string {
	switch kind {
	case EdgeParameters:
		return "#8957e5"
	case EdgeModule:
		return "#f85149"
	}
	return "#3fb950"
}

func mermaidNodeShape(n Node) string {
	label := n.Name + " " + shortKey(n.Key)
	if n.Kind == NodeParameters {
		return fmt.Sprintf("([\"%s\"])", label)
	}
	return fmt.Sprintf("[[\"%s\"]]", label)
}

func mermaidArrow(kind EdgeKind) string {
	switch kind {
	case EdgeParameters:
		return "-.->"
	case EdgeModule:
		return "==>"
	}
	return "-->"
}
