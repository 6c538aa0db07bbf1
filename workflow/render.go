// ABOUTME: Status-overlay rendering on top of the canonical serializer, plus optional
// ABOUTME: graphviz shell-out for svg/png output, used by the HTTP server's visualization routes.
package workflow

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Status fill colors for ToDOTWithStatus, matching the node's last recorded outcome.
const (
	StatusColorSuccess = "#4CAF50" // green
	StatusColorFailed  = "#F44336" // red
	StatusColorRunning = "#FFC107" // yellow
	StatusColorPending = "#9E9E9E" // gray
)

// ToDOTWithStatus serializes a Graph to canonical DOT text with each node's fillcolor
// set from its execution outcome: green for success/partial_success, red for fail,
// yellow for retry (in progress), gray for pending (no outcome yet, or skipped).
func ToDOTWithStatus(g *Graph, outcomes map[string]*Outcome) string {
	if g == nil {
		return ""
	}
	if outcomes == nil {
		outcomes = map[string]*Outcome{}
	}

	overlaid := &Graph{
		Name:         g.Name,
		Nodes:        make(map[string]*Node, len(g.Nodes)),
		Edges:        g.Edges,
		Attrs:        g.Attrs,
		NodeDefaults: g.NodeDefaults,
		EdgeDefaults: g.EdgeDefaults,
		Subgraphs:    g.Subgraphs,
		NodeOrder:    g.NodeOrder,
	}
	for id, node := range g.Nodes {
		merged := make(map[string]string, len(node.Attrs)+2)
		for k, v := range node.Attrs {
			merged[k] = v
		}
		merged["style"] = "filled"
		merged["fillcolor"] = statusColorForNode(id, outcomes)
		overlaid.Nodes[id] = &Node{ID: id, Attrs: merged}
	}

	return Serialize(overlaid)
}

// statusColorForNode maps a node's last recorded outcome status to a fill color.
func statusColorForNode(nodeID string, outcomes map[string]*Outcome) string {
	outcome, ok := outcomes[nodeID]
	if !ok {
		return StatusColorPending
	}
	switch outcome.Status {
	case StatusSuccess, StatusPartialSuccess:
		return StatusColorSuccess
	case StatusFail:
		return StatusColorFailed
	case StatusRetry:
		return StatusColorRunning
	default:
		return StatusColorPending
	}
}

// Render produces rendered output from a Graph in the given format: "dot" returns
// canonical DOT text, "svg"/"png" shell out to the graphviz `dot` command.
func Render(ctx context.Context, g *Graph, format string) ([]byte, error) {
	if g == nil {
		return nil, fmt.Errorf("cannot render nil graph")
	}
	switch format {
	case "dot":
		return []byte(Serialize(g)), nil
	case "svg", "png":
		return renderDOTSourceWithGraphviz(ctx, Serialize(g), format)
	default:
		return nil, fmt.Errorf("unsupported format %q: supported formats are dot, svg, png", format)
	}
}

// GraphvizAvailable reports whether the graphviz `dot` command is installed and reachable.
func GraphvizAvailable() bool {
	_, err := exec.LookPath("dot")
	return err == nil
}

// RenderDOTSource renders already-serialized DOT text (e.g. from ToDOTWithStatus,
// which should not be re-parsed before rendering) to the given format.
func RenderDOTSource(ctx context.Context, dotText string, format string) ([]byte, error) {
	if dotText == "" {
		return nil, fmt.Errorf("cannot render empty DOT text")
	}
	switch format {
	case "dot":
		return []byte(dotText), nil
	case "svg", "png":
		return renderDOTSourceWithGraphviz(ctx, dotText, format)
	default:
		return nil, fmt.Errorf("unsupported format %q: supported formats are dot, svg, png", format)
	}
}

// renderDOTSourceWithGraphviz pipes DOT text to the graphviz `dot` command and returns its output.
func renderDOTSourceWithGraphviz(ctx context.Context, dotText string, format string) ([]byte, error) {
	if !GraphvizAvailable() {
		return nil, fmt.Errorf("graphviz dot command not found: install graphviz to render %s output", format)
	}

	cmd := exec.CommandContext(ctx, "dot", "-T"+format)
	cmd.Stdin = strings.NewReader(dotText)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("graphviz dot command failed: %w: %s", err, stderr.String())
	}

	return stdout.Bytes(), nil
}
