// ABOUTME: Edge selection algorithm for choosing the next edge during pipeline graph traversal.
// ABOUTME: Implements five-step priority: condition match > preferred label > suggested IDs > weight > lexical.
package workflow

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// acceleratorPatterns matches accelerator prefixes like "[Y] ", "Y) ", "Y - " at the start of a label.
var acceleratorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\[\w\]\s+`), // [Y] Yes
	regexp.MustCompile(`^\w\)\s*`),   // Y) Yes
	regexp.MustCompile(`^\w\s*-\s+`), // Y - Yes
}

// NormalizeLabel lowercases a label, trims whitespace, and strips accelerator prefixes
// like "[Y] ", "Y) ", "Y - " that are used for keyboard shortcuts in human interaction nodes.
func NormalizeLabel(label string) string {
	s := strings.TrimSpace(label)
	s = strings.ToLower(s)
	for _, pat := range acceleratorPatterns {
		s = pat.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

// bestByWeightThenLexical picks the edge with the highest weight attribute.
// If weights are tied, the edge whose To field comes first lexicographically wins.
// Returns nil for an empty slice.
func bestByWeightThenLexical(edges []*Edge) *Edge {
	if len(edges) == 0 {
		return nil
	}

	sort.Slice(edges, func(i, j int) bool {
		wi := edgeWeight(edges[i])
		wj := edgeWeight(edges[j])
		if wi != wj {
			return wi > wj
		}
		return edges[i].To < edges[j].To
	})

	return edges[0]
}

// edgeWeight parses the "weight" attribute of an edge, defaulting to 0.
func edgeWeight(e *Edge) int {
	if e.Attrs == nil {
		return 0
	}
	w, err := strconv.Atoi(e.Attrs["weight"])
	if err != nil {
		return 0
	}
	return w
}

// SelectEdge chooses the next edge from a node using five-step priority:
// 1. Condition-matching edges (non-empty condition that evaluates true, Dialect A), best by weight then lexical
// 2. Preferred label match (outcome.PreferredLabel matches edge label after normalization)
// 3. Suggested next IDs (outcome.SuggestedNextIDs matches edge.To)
// 4. Highest weight among unconditional edges (no condition attribute or empty condition)
// 5. Best of all edges by weight then lexical (only reached when every edge carries a
// condition and none of them matched)
// When outcome.Status is FAIL, only step 1 applies; callers handle fail-route/retry-target
// fallback themselves when this returns nil.
// Returns nil if no outgoing edges exist.
func SelectEdge(node *Node, outcome *Outcome, ctx *Context, graph *Graph) *Edge {
	return SelectEdgeWithState(node, outcome, ctx, graph, nil, nil)
}

// SelectEdgeWithState is SelectEdge with Dialect A's nodeOutputs/parallelOutputs
// namespaces supplied explicitly, for callers that track per-node string outputs.
func SelectEdgeWithState(node *Node, outcome *Outcome, ctx *Context, graph *Graph, nodeOutputs map[string]string, parallelOutputs map[string]map[string]string) *Edge {
	edges := graph.OutgoingEdges(node.ID)
	if len(edges) == 0 {
		return nil
	}

	// Step 1: Condition-matching edges
	var condMatches []*Edge
	for _, e := range edges {
		cond, hasCond := e.Attrs["condition"]
		if !hasCond || strings.TrimSpace(cond) == "" {
			continue
		}
		if EvaluateConditionExpr(cond, outcome, ctx, nodeOutputs, parallelOutputs) {
			condMatches = append(condMatches, e)
		}
	}
	if len(condMatches) > 0 {
		return bestByWeightThenLexical(condMatches)
	}

	if outcome.Status == StatusFail {
		return nil
	}

	// An edge is eligible for the soft-routing steps (2-3) below only if it
	// carries no condition, or its condition evaluates true. An edge whose
	// condition evaluated false already failed to join condMatches above and
	// must not be revived by a label/suggested-id match.
	isEligible := func(e *Edge) bool {
		cond, hasCond := e.Attrs["condition"]
		if !hasCond || strings.TrimSpace(cond) == "" {
			return true
		}
		return EvaluateConditionExpr(cond, outcome, ctx, nodeOutputs, parallelOutputs)
	}

	// Step 2: Preferred label match. The outcome's own hint wins; a
	// "preferred_label" context value left by an earlier node is the fallback.
	preferred := outcome.PreferredLabel
	if preferred == "" && ctx != nil {
		if s, ok := ctx.Get("preferred_label").(string); ok {
			preferred = s
		}
	}
	if preferred != "" {
		normalizedPref := NormalizeLabel(preferred)
		for _, e := range edges {
			if !isEligible(e) {
				continue
			}
			edgeLabel, ok := e.Attrs["label"]
			if !ok {
				continue
			}
			if NormalizeLabel(edgeLabel) == normalizedPref {
				return e
			}
		}
	}

	// Step 3: Suggested next IDs
	if len(outcome.SuggestedNextIDs) > 0 {
		for _, id := range outcome.SuggestedNextIDs {
			for _, e := range edges {
				if e.To == id && isEligible(e) {
					return e
				}
			}
		}
	}

	// Step 4: unconditional edges by weight then lexical.
	var unconditional []*Edge
	for _, e := range edges {
		cond, hasCond := e.Attrs["condition"]
		if !hasCond || strings.TrimSpace(cond) == "" {
			unconditional = append(unconditional, e)
		}
	}
	if len(unconditional) > 0 {
		return bestByWeightThenLexical(unconditional)
	}

	// Step 5: every edge carried a condition and none matched -- fall back to
	// best of all edges by weight then lexical.
	return bestByWeightThenLexical(edges)
}
