// ABOUTME: AST transforms applied between parsing and validation for the pipeline graph.
// ABOUTME: Implements variable expansion ($goal) and stylesheet application as a transform chain.
package workflow

import (
	"strings"
)

// Transform mutates (and returns) a parsed graph; the chain in DefaultTransforms
// runs these in order between parsing and linting.
type Transform interface {
	Apply(g *Graph) *Graph
}

// ApplyTransforms threads g through each transform in order.
func ApplyTransforms(g *Graph, transforms ...Transform) *Graph {
	for _, t := range transforms {
		g = t.Apply(g)
	}
	return g
}

// DefaultTransforms is the chain every parsed graph goes through: subpipeline
// inlining first (it can introduce new $variable-bearing nodes), then
// variable expansion, then stylesheet application.
func DefaultTransforms() []Transform {
	return []Transform{
		&SubPipelineTransform{},
		&VariableExpansionTransform{},
		&StylesheetApplicationTransform{},
	}
}

// VariableExpansionTransform substitutes $name tokens in node attribute
// values with the graph's own top-level attributes (e.g. $goal).
type VariableExpansionTransform struct{}

func (t *VariableExpansionTransform) Apply(g *Graph) *Graph {
	for _, node := range g.Nodes {
		for key, val := range node.Attrs {
			if strings.ContainsRune(val, '$') {
				node.Attrs[key] = expandVariables(val, g.Attrs)
			}
		}
	}
	return g
}

// expandVariables replaces every "$key" occurrence in s with vars[key];
// keys absent from vars are left untouched.
func expandVariables(s string, vars map[string]string) string {
	for key, val := range vars {
		s = strings.ReplaceAll(s, "$"+key, val)
	}
	return s
}

// StylesheetApplicationTransform applies the graph's model_stylesheet
// attribute, if any, using CSS-like selector specificity.
type StylesheetApplicationTransform struct{}

// Apply is a no-op when model_stylesheet is absent or fails to parse; a
// malformed stylesheet is surfaced separately by the stylesheet_syntax lint
// rule rather than aborting the transform chain here.
func (t *StylesheetApplicationTransform) Apply(g *Graph) *Graph {
	text := g.Attrs["model_stylesheet"]
	if text == "" {
		return g
	}
	if ss, err := ParseStylesheet(text); err == nil {
		ss.Apply(g)
	}
	return g
}
