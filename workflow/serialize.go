// ABOUTME: Canonical DOT serializer, converting a parsed Graph back into deterministic source text.
// ABOUTME: Used for storage hashing and round-trip; two parse->serialize passes must agree byte for byte.
package workflow

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Serialize converts a Graph into a canonical DOT string. Node order follows
// graph.NodeOrder (insertion order of first definition) rather than a lexical
// sort, so the output reflects how the graph was written. Attribute keys
// within each block are sorted for stability. Serialize(Parse(text)) is
// idempotent under a second parse/serialize pass.
func Serialize(g *Graph) string {
	var b strings.Builder

	name := g.Name
	if needsQuoting(name) {
		name = quoteDOTValue(name)
	}
	fmt.Fprintf(&b, "digraph %s {\n", name)

	if len(g.Attrs) > 0 {
		fmt.Fprintf(&b, "  graph [%s]\n", formatDOTAttrs(g.Attrs))
	}
	if len(g.NodeDefaults) > 0 {
		fmt.Fprintf(&b, "  node [%s]\n", formatDOTAttrs(g.NodeDefaults))
	}
	if len(g.EdgeDefaults) > 0 {
		fmt.Fprintf(&b, "  edge [%s]\n", formatDOTAttrs(g.EdgeDefaults))
	}
	if len(g.Attrs) > 0 || len(g.NodeDefaults) > 0 || len(g.EdgeDefaults) > 0 {
		b.WriteString("\n")
	}

	nodeIDs := g.NodeIDs()
	for _, id := range nodeIDs {
		node := g.Nodes[id]
		nodeID := id
		if needsQuoting(nodeID) {
			nodeID = quoteDOTValue(nodeID)
		}
		if len(node.Attrs) > 0 {
			fmt.Fprintf(&b, "  %s [%s]\n", nodeID, formatDOTAttrs(node.Attrs))
		} else {
			fmt.Fprintf(&b, "  %s\n", nodeID)
		}
	}

	if len(nodeIDs) > 0 && len(g.Subgraphs) > 0 {
		b.WriteString("\n")
	}

	for _, sg := range g.Subgraphs {
		sgName := sg.Name
		if needsQuoting(sgName) {
			sgName = quoteDOTValue(sgName)
		}
		fmt.Fprintf(&b, "  subgraph %s {\n", sgName)

		if len(sg.Attrs) > 0 {
			for _, k := range sortedDOTKeys(sg.Attrs) {
				fmt.Fprintf(&b, "    %s=%s\n", k, quoteDOTValue(sg.Attrs[k]))
			}
		}
		if len(sg.NodeDefaults) > 0 {
			fmt.Fprintf(&b, "    node [%s]\n", formatDOTAttrs(sg.NodeDefaults))
		}
		for _, nodeID := range sg.Nodes {
			nid := nodeID
			if needsQuoting(nid) {
				nid = quoteDOTValue(nid)
			}
			fmt.Fprintf(&b, "    %s\n", nid)
		}

		b.WriteString("  }\n")
	}

	if (len(nodeIDs) > 0 || len(g.Subgraphs) > 0) && len(g.Edges) > 0 {
		b.WriteString("\n")
	}

	for _, e := range g.Edges {
		from := e.From
		if needsQuoting(from) {
			from = quoteDOTValue(from)
		}
		to := e.To
		if needsQuoting(to) {
			to = quoteDOTValue(to)
		}
		if len(e.Attrs) > 0 {
			fmt.Fprintf(&b, "  %s -> %s [%s]\n", from, to, formatDOTAttrs(e.Attrs))
		} else {
			fmt.Fprintf(&b, "  %s -> %s\n", from, to)
		}
	}

	b.WriteString("}\n")
	return b.String()
}

// formatDOTAttrs renders attrs as a comma-separated key=value string with sorted keys.
func formatDOTAttrs(attrs map[string]string) string {
	keys := sortedDOTKeys(attrs)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, quoteDOTValue(attrs[k])))
	}
	return strings.Join(parts, ", ")
}

// quoteDOTValue returns a DOT-safe representation of a value: bare when it is
// already a valid identifier or number, double-quoted with escapes otherwise.
func quoteDOTValue(val string) string {
	if val == "" {
		return `""`
	}
	if isBareDOTIdentifier(val) {
		return val
	}

	var b strings.Builder
	b.WriteByte('"')
	for _, ch := range val {
		switch ch {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(ch)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// isBareDOTIdentifier reports whether val can appear unquoted in DOT: an
// identifier of letters/digits/underscores (not starting with a digit), or a
// numeral. Anything containing whitespace, punctuation used as DOT syntax
// (=, ,, [, ], ;, ->, :), or quotes must be quoted.
func isBareDOTIdentifier(val string) bool {
	if val == "" {
		return false
	}
	if isDOTNumeric(val) {
		return true
	}
	for i, ch := range val {
		if ch == '_' || unicode.IsLetter(ch) {
			continue
		}
		if unicode.IsDigit(ch) && i > 0 {
			continue
		}
		return false
	}
	return true
}

// isDOTNumeric reports whether val looks like a DOT numeral: an optional
// leading '-', digits, with at most one decimal point.
func isDOTNumeric(val string) bool {
	start := 0
	if val[0] == '-' {
		if len(val) == 1 {
			return false
		}
		start = 1
	}
	hasDot := false
	hasDigit := false
	for i := start; i < len(val); i++ {
		ch := val[i]
		switch {
		case ch == '.':
			if hasDot {
				return false
			}
			hasDot = true
		case ch >= '0' && ch <= '9':
			hasDigit = true
		default:
			return false
		}
	}
	return hasDigit
}

// needsQuoting reports whether val requires quoting to round-trip through the lexer.
func needsQuoting(val string) bool {
	return !isBareDOTIdentifier(val)
}

// sortedDOTKeys returns a map's keys in sorted order, for stable attribute emission.
func sortedDOTKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
