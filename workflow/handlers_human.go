// ABOUTME: Wait for human handler for the graphrunner pipeline runner.
// ABOUTME: Presents choices derived from outgoing edges to a human via the Interviewer interface.
package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WaitForHumanHandler handles human gate nodes (shape=hexagon).
// It presents choices derived from outgoing edges to a human via the
// Interviewer interface and returns their selection.
type WaitForHumanHandler struct {
	// Interviewer is the human interaction frontend. If nil, the handler
	// returns a failure indicating no interviewer is available.
	Interviewer Interviewer
}

// Type returns the handler type string "wait.human".
func (h *WaitForHumanHandler) Type() string {
	return "wait.human"
}

// Execute presents choices to a human and returns their selection.
// Choices are derived from outgoing edges of the node.
//
// Supports optional node attributes:
//   - timeout: Duration string (e.g. "5m", "1h") limiting how long to wait for human input.
//     The timeout applies only to this question; handler-internal timeouts elsewhere
//     are the caller's responsibility.
//   - human.default_choice: edge target node id to select when the human answers
//     empty, answers "TIMEOUT" (case-insensitive), or the timeout fires.
//
// Context updates always include human.timed_out (bool) and human.response_time_ms (int64).
func (h *WaitForHumanHandler) Execute(ctx context.Context, node *Node, pctx *Context, store *ArtifactStore) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Get the graph from context to find outgoing edges
	var edges []*Edge
	if graphVal := pctx.Get("_graph"); graphVal != nil {
		if g, ok := graphVal.(*Graph); ok {
			edges = g.OutgoingEdges(node.ID)
		}
	}

	if len(edges) == 0 {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "No outgoing edges for human gate: " + node.ID,
		}, nil
	}

	// Build options from edge labels
	options := make([]string, 0, len(edges))
	for _, e := range edges {
		label := e.Attrs["label"]
		if label == "" {
			label = e.To
		}
		options = append(options, label)
	}

	// Check for interviewer
	if h.Interviewer == nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "No interviewer available for human gate: " + node.ID,
		}, nil
	}

	// Parse timeout attribute
	var timeout time.Duration
	var hasTimeout bool
	if timeoutStr := node.Attrs["timeout"]; timeoutStr != "" {
		var err error
		timeout, err = parseGateDuration(timeoutStr)
		if err != nil {
			return &Outcome{
				Status:        StatusFail,
				FailureReason: fmt.Sprintf("Invalid timeout duration %q: %v", timeoutStr, err),
			}, nil
		}
		hasTimeout = true
	}

	defaultChoice := node.Attrs["human.default_choice"]

	// Parse and validate reminder_interval attribute. Not part of the recognized
	// attribute set, but kept for interviewer frontends that support re-prompting.
	if riStr := node.Attrs["reminder_interval"]; riStr != "" {
		if _, err := parseGateDuration(riStr); err != nil {
			return &Outcome{
				Status:        StatusFail,
				FailureReason: fmt.Sprintf("Invalid reminder_interval duration %q: %v", riStr, err),
			}, nil
		}
	}

	// Build question
	question := node.Attrs["label"]
	if question == "" {
		question = "Select an option:"
	}

	// Build the context for the interviewer call, applying timeout if configured
	askCtx := ctx
	var cancelTimeout context.CancelFunc
	if hasTimeout {
		askCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	// Ask the human and track response time
	startTime := time.Now()
	answer, err := h.Interviewer.Ask(askCtx, question, options)
	elapsed := time.Since(startTime)
	responseTimeMs := elapsed.Milliseconds()

	// Handle timeout: context.DeadlineExceeded from our timeout (not the parent)
	if err != nil && hasTimeout && askCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return h.resolveDefault(defaultChoice, edges, node, responseTimeMs, true)
	}

	// Handle parent context cancellation or other errors
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &Outcome{
			Status:        StatusFail,
			FailureReason: "Interviewer error: " + err.Error(),
			ContextUpdates: map[string]any{
				"human.timed_out":        false,
				"human.response_time_ms": responseTimeMs,
			},
		}, nil
	}

	// An empty answer or "TIMEOUT" (case-insensitive) is treated the same as an
	// actual timeout: fall back to the configured default choice.
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" || strings.EqualFold(trimmed, "TIMEOUT") {
		return h.resolveDefault(defaultChoice, edges, node, responseTimeMs, false)
	}

	selectedEdge := h.findEdgeByAnswer(trimmed, edges)
	selectedLabel := selectedEdge.Attrs["label"]
	if selectedLabel == "" {
		selectedLabel = selectedEdge.To
	}
	selectedKey := parseAcceleratorKey(selectedLabel)

	return &Outcome{
		Status:           StatusSuccess,
		SuggestedNextIDs: []string{selectedEdge.To},
		Notes:            "Human selected: " + selectedLabel,
		ContextUpdates: map[string]any{
			"human.gate.selected":    selectedKey,
			"human.gate.label":       selectedLabel,
			"human.gate.target":      selectedEdge.To,
			"human.timed_out":        false,
			"human.response_time_ms": responseTimeMs,
		},
	}, nil
}

// resolveDefault handles an empty/"TIMEOUT" answer or an actual context timeout.
// If human.default_choice names a reachable edge target, it synthesizes a SUCCESS
// outcome routed there. Otherwise the gate retries, since a human may still answer
// on the next attempt.
func (h *WaitForHumanHandler) resolveDefault(defaultChoice string, edges []*Edge, node *Node, responseTimeMs int64, timedOut bool) (*Outcome, error) {
	if defaultChoice == "" {
		return &Outcome{
			Status:        StatusRetry,
			FailureReason: "human gate timeout with no default choice",
			ContextUpdates: map[string]any{
				"human.timed_out":        timedOut,
				"human.response_time_ms": responseTimeMs,
			},
		}, nil
	}

	var target *Edge
	for _, e := range edges {
		if e.To == defaultChoice {
			target = e
			break
		}
	}
	if target == nil {
		return &Outcome{
			Status:        StatusFail,
			FailureReason: fmt.Sprintf("human.default_choice %q does not name an outgoing edge target of node %q", defaultChoice, node.ID),
			ContextUpdates: map[string]any{
				"human.timed_out":        timedOut,
				"human.response_time_ms": responseTimeMs,
			},
		}, nil
	}

	selectedLabel := target.Attrs["label"]
	if selectedLabel == "" {
		selectedLabel = target.To
	}
	selectedKey := parseAcceleratorKey(selectedLabel)

	return &Outcome{
		Status:           StatusSuccess,
		PreferredLabel:   selectedLabel,
		SuggestedNextIDs: []string{target.To},
		Notes:            fmt.Sprintf("Human gate timed out; routed to default choice: %s", defaultChoice),
		ContextUpdates: map[string]any{
			"human.gate.selected":    selectedKey,
			"human.gate.label":       selectedLabel,
			"human.gate.target":      target.To,
			"human.timed_out":        timedOut,
			"human.response_time_ms": responseTimeMs,
		},
	}, nil
}

// findEdgeByAnswer resolves a human's answer to an edge. Priority: exact match
// against the edge target id, then a normalized label match, then an accelerator
// key match (case-insensitive); falling back to the first edge if nothing matches.
func (h *WaitForHumanHandler) findEdgeByAnswer(answer string, edges []*Edge) *Edge {
	for _, e := range edges {
		if e.To == answer {
			return e
		}
	}

	normalizedAnswer := normalizeLabel(answer)
	for _, e := range edges {
		label := e.Attrs["label"]
		if label == "" {
			label = e.To
		}
		if normalizeLabel(label) == normalizedAnswer {
			return e
		}
	}

	for _, e := range edges {
		label := e.Attrs["label"]
		if label == "" {
			label = e.To
		}
		key := parseAcceleratorKey(label)
		if strings.EqualFold(key, answer) {
			return e
		}
	}

	return edges[0]
}

// parseGateDuration parses a gate duration attribute. The accepted forms are
// the usual ms/s/m/h suffixes plus a whole-number day suffix ("2d"), which
// time.ParseDuration does not understand.
func parseGateDuration(s string) (time.Duration, error) {
	trimmed := strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(trimmed, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n >= 0 {
			return time.Duration(n) * 24 * time.Hour, nil
		}
	}
	return time.ParseDuration(trimmed)
}

// normalizeLabel lowercases, trims whitespace, and strips accelerator prefixes.
func normalizeLabel(label string) string {
	s := strings.TrimSpace(strings.ToLower(label))
	// Strip accelerator prefixes: [K] , K) , K -
	if len(s) >= 4 && s[0] == '[' && s[2] == ']' && s[3] == ' ' {
		s = strings.TrimSpace(s[4:])
	} else if len(s) >= 3 && s[1] == ')' && s[2] == ' ' {
		s = strings.TrimSpace(s[3:])
	} else if len(s) >= 4 && s[1] == ' ' && s[2] == '-' && s[3] == ' ' {
		s = strings.TrimSpace(s[4:])
	}
	return s
}

// parseAcceleratorKey extracts shortcut keys from edge labels.
// Patterns: [K] Label -> K, K) Label -> K, K - Label -> K, Label -> first char
func parseAcceleratorKey(label string) string {
	s := strings.TrimSpace(label)
	if s == "" {
		return ""
	}
	// [K] Label
	if len(s) >= 4 && s[0] == '[' && s[2] == ']' {
		return string(s[1])
	}
	// K) Label
	if len(s) >= 2 && s[1] == ')' {
		return string(s[0])
	}
	// K - Label
	if len(s) >= 4 && s[1] == ' ' && s[2] == '-' {
		return string(s[0])
	}
	// First character
	return string(s[0])
}
