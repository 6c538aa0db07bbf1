// ABOUTME: Minimal CSS-like stylesheet for assigning fidelity/model attributes across many nodes at once.
// ABOUTME: Selectors are "*" (universal), ".class", or "#id"; higher specificity wins, explicit attrs win over all.
package workflow

import (
	"fmt"
	"strings"
	"unicode"
)

// selectorKind orders selector specificity: universal < class < id.
type selectorKind int

const (
	specUniversal selectorKind = iota
	specClass
	specID
)

// StyleRule is one "selector { prop: val; ... }" block.
type StyleRule struct {
	Selector    string
	Properties  map[string]string
	Specificity int
}

// Stylesheet is an ordered set of StyleRules.
type Stylesheet struct {
	Rules []StyleRule
}

// ParseStylesheet parses source text into a Stylesheet. Rules are read left
// to right by locating each "{...}" block in turn; at least one well-formed
// rule is required.
func ParseStylesheet(source string) (*Stylesheet, error) {
	remaining := strings.TrimSpace(source)
	if remaining == "" {
		return nil, fmt.Errorf("empty stylesheet")
	}

	var sheet Stylesheet
	for remaining != "" {
		remaining = strings.TrimSpace(remaining)
		if remaining == "" {
			break
		}

		open := strings.IndexByte(remaining, '{')
		if open < 0 {
			return nil, fmt.Errorf("expected '{' in stylesheet")
		}
		selector := strings.TrimSpace(remaining[:open])
		if selector == "" {
			return nil, fmt.Errorf("empty selector")
		}

		specificity, err := classifySelector(selector)
		if err != nil {
			return nil, err
		}

		remaining = remaining[open+1:]
		close := strings.IndexByte(remaining, '}')
		if close < 0 {
			return nil, fmt.Errorf("expected '}' to close rule for selector %q", selector)
		}

		props, err := parseDeclarations(remaining[:close])
		if err != nil {
			return nil, fmt.Errorf("parsing properties for %q: %w", selector, err)
		}
		remaining = remaining[close+1:]

		sheet.Rules = append(sheet.Rules, StyleRule{
			Selector:    selector,
			Properties:  props,
			Specificity: int(specificity),
		})
	}

	if len(sheet.Rules) == 0 {
		return nil, fmt.Errorf("no rules found in stylesheet")
	}
	return &sheet, nil
}

// classifySelector validates selector and returns its specificity tier.
func classifySelector(selector string) (selectorKind, error) {
	switch {
	case selector == "*":
		return specUniversal, nil
	case strings.HasPrefix(selector, "."):
		if name := selector[1:]; name == "" || !isCSSIdent(name) {
			return 0, fmt.Errorf("invalid class selector %q", selector)
		}
		return specClass, nil
	case strings.HasPrefix(selector, "#"):
		if name := selector[1:]; name == "" || !isCSSIdent(name) {
			return 0, fmt.Errorf("invalid ID selector %q", selector)
		}
		return specID, nil
	default:
		return 0, fmt.Errorf("invalid selector %q: must be *, .class, or #id", selector)
	}
}

// isCSSIdent reports whether s is a letter/underscore followed by
// letters/digits/underscores/hyphens — a bare class or id name.
func isCSSIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case i == 0 && (unicode.IsLetter(r) || r == '_'):
		case i > 0 && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-'):
		default:
			return false
		}
	}
	return true
}

// parseDeclarations splits a rule body on ';' into "key: value" pairs.
func parseDeclarations(body string) (map[string]string, error) {
	props := make(map[string]string)
	for _, decl := range strings.Split(body, ";") {
		decl = strings.TrimSpace(decl)
		if decl == "" {
			continue
		}
		colon := strings.IndexByte(decl, ':')
		if colon < 0 {
			return nil, fmt.Errorf("expected ':' in property declaration %q", decl)
		}
		key := strings.TrimSpace(decl[:colon])
		if key == "" {
			return nil, fmt.Errorf("empty property name in %q", decl)
		}
		props[key] = strings.TrimSpace(decl[colon+1:])
	}
	return props, nil
}

// Apply writes every resolved property onto each node in g that doesn't
// already carry that attribute explicitly — explicit attributes always win.
func (ss *Stylesheet) Apply(g *Graph) {
	for _, node := range g.Nodes {
		for key, val := range ss.MatchNode(node) {
			if _, explicit := node.Attrs[key]; !explicit {
				node.Attrs[key] = val
			}
		}
	}
}

// MatchNode resolves the property set that applies to node, with
// higher-specificity rules overriding lower ones property-by-property; rules
// of equal specificity are applied in sheet order, last one wins.
func (ss *Stylesheet) MatchNode(node *Node) map[string]string {
	resolved := make(map[string]string)
	wonAt := make(map[string]int)

	for _, rule := range ss.Rules {
		if !ruleMatches(rule.Selector, node) {
			continue
		}
		for key, val := range rule.Properties {
			if prev, set := wonAt[key]; set && rule.Specificity < prev {
				continue
			}
			resolved[key] = val
			wonAt[key] = rule.Specificity
		}
	}
	return resolved
}

// ruleMatches reports whether selector targets node.
func ruleMatches(selector string, node *Node) bool {
	switch {
	case selector == "*":
		return true
	case strings.HasPrefix(selector, "#"):
		return node.ID == selector[1:]
	case strings.HasPrefix(selector, "."):
		return hasClass(node, selector[1:])
	default:
		return false
	}
}

// hasClass reports whether node's comma-separated "class" attribute contains want.
func hasClass(node *Node, want string) bool {
	nodeClass := node.Attrs["class"]
	if nodeClass == "" {
		return false
	}
	for _, c := range strings.Split(nodeClass, ",") {
		if strings.TrimSpace(c) == want {
			return true
		}
	}
	return false
}
