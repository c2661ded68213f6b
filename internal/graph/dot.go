package graph

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// DOTOptions controls WriteDOT.
type DOTOptions struct {
	// Outputs are drawn as requested results.
	Outputs []ValueRef
	// Detached includes removed nodes, drawn dashed.
	Detached bool
}

// WriteDOT renders the graph in Graphviz format. Values are boxes colored by
// kind; operations are filled yellow boxes.
func (g *Graph) WriteDOT(w io.Writer, opts DOTOptions) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	outputs := make(map[ValueRef]bool, len(opts.Outputs))
	for _, v := range opts.Outputs {
		outputs[v] = true
	}

	var sb strings.Builder
	sb.WriteString("digraph DAG {\n")
	sb.WriteString("  rankdir=TB;\n")
	fmt.Fprintf(&sb, "  label=%q;\n", "graph "+g.id.String())
	sb.WriteString("  node [shape=box, style=rounded, fontname=\"Arial\"];\n")
	sb.WriteString("  edge [fontname=\"Arial\", fontsize=10];\n\n")

	visible := func(i int) bool { return opts.Detached || !g.nodes[i].detached }

	for i := range g.nodes {
		n := &g.nodes[i]
		if n.kind != valueNode || !visible(i) {
			continue
		}
		color := "white"
		switch {
		case outputs[ValueRef(i)]:
			color = "lightblue"
		case n.vkind == Input:
			color = "lightgreen"
		case n.vkind == Parameter:
			color = "palegreen3"
		case n.vkind == Constant:
			color = "gray90"
		case n.vkind == Placeholder:
			color = "mistyrose"
		}
		style := "rounded,filled"
		if n.detached {
			style += ",dashed"
		}
		label := fmt.Sprintf("%s\\n%s", escapeDOT(n.name), n.spec)
		if n.vkind != Intermediate {
			label += "\\n(" + n.vkind.String() + ")"
		}
		fmt.Fprintf(&sb, "  V%d [label=\"%s\", fillcolor=\"%s\", style=\"%s\"];\n", i, label, color, style)
	}
	sb.WriteString("\n")

	for i := range g.nodes {
		n := &g.nodes[i]
		if n.kind != opNode || !visible(i) {
			continue
		}
		style := "filled"
		if n.detached {
			style += ",dashed"
		}
		fmt.Fprintf(&sb, "  Op%d [label=\"%s\\n%s\", fillcolor=\"lightyellow\", style=\"%s\"];\n",
			i, escapeDOT(n.name), n.op.Type(), style)
	}
	sb.WriteString("\n")

	for i := range g.nodes {
		n := &g.nodes[i]
		if n.kind != opNode || !visible(i) {
			continue
		}
		for pos, v := range n.inputs {
			edgeLabel := ""
			if len(n.inputs) > 1 {
				edgeLabel = fmt.Sprintf(" [label=\"%d\"]", pos)
			}
			fmt.Fprintf(&sb, "  V%d -> Op%d%s;\n", v, i, edgeLabel)
		}
		for _, v := range n.outputs {
			fmt.Fprintf(&sb, "  Op%d -> V%d;\n", i, v)
		}
	}
	sb.WriteString("}\n")

	if _, err := io.WriteString(w, sb.String()); err != nil {
		return errors.Wrap(err, "writing DOT")
	}
	return nil
}

func escapeDOT(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
