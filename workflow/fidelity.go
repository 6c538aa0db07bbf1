// ABOUTME: Context fidelity modes controlling how much context is carried between pipeline nodes.
// ABOUTME: Implements precedence resolution: edge > node > graph default > "compact".
package workflow

// FidelityMode represents how much context is carried between nodes.
type FidelityMode string

const (
	FidelityFull          FidelityMode = "full"
	FidelityTruncate      FidelityMode = "truncate"
	FidelityCompact       FidelityMode = "compact"
	FidelitySummaryLow    FidelityMode = "summary:low"
	FidelitySummaryMedium FidelityMode = "summary:medium"
	FidelitySummaryHigh   FidelityMode = "summary:high"
)

// allFidelityModes lists every recognized mode, both as the authoritative
// membership set and as the ordered slice ValidFidelityModes returns.
var allFidelityModes = []FidelityMode{
	FidelityFull, FidelityTruncate, FidelityCompact,
	FidelitySummaryLow, FidelitySummaryMedium, FidelitySummaryHigh,
}

// ValidFidelityModes returns every recognized fidelity mode string, in the
// order of allFidelityModes, full fidelity first.
func ValidFidelityModes() []string {
	out := make([]string, len(allFidelityModes))
	for i, m := range allFidelityModes {
		out[i] = string(m)
	}
	return out
}

// IsValidFidelity reports whether mode is one of the recognized fidelity strings.
func IsValidFidelity(mode string) bool {
	for _, m := range allFidelityModes {
		if string(m) == mode {
			return true
		}
	}
	return false
}

// fidelityAttr reads and validates a "fidelity" attribute from an attrs map,
// reporting ok=false when absent, nil, or unrecognized.
func fidelityAttr(attrs map[string]string) (FidelityMode, bool) {
	if attrs == nil {
		return "", false
	}
	f, present := attrs["fidelity"]
	if !present || !IsValidFidelity(f) {
		return "", false
	}
	return FidelityMode(f), true
}

// ResolveFidelity picks the fidelity mode for a transition into targetNode,
// preferring the incoming edge's own attribute, then the node's, then the
// graph's default_fidelity, and finally falling back to FidelityCompact.
func ResolveFidelity(edge *Edge, targetNode *Node, graph *Graph) FidelityMode {
	if edge != nil {
		if f, ok := fidelityAttr(edge.Attrs); ok {
			return f
		}
	}
	if targetNode != nil {
		if f, ok := fidelityAttr(targetNode.Attrs); ok {
			return f
		}
	}
	if graph != nil && graph.Attrs != nil {
		if f, ok := graph.Attrs["default_fidelity"]; ok && IsValidFidelity(f) {
			return FidelityMode(f)
		}
	}
	return FidelityCompact
}
