// ABOUTME: Recursive-descent parser turning a token stream into a Graph: nodes, edges, defaults, subgraphs.
// ABOUTME: Handles chained edge statements (A->B->C), scoped node/edge defaults, and subgraph class derivation.
package workflow

import (
	"fmt"
	"strings"
	"unicode"
)

// parser consumes a flat token slice and builds a Graph in a single pass.
// nodeDefaults/edgeDefaults are the attribute maps in effect for the current
// scope; entering a subgraph clones them so nested defaults don't leak back out.
type parser struct {
	tokens       []Token
	pos          int
	graph        *Graph
	nodeDefaults map[string]string
	edgeDefaults map[string]string
}

// Parse lexes and parses DOT source text into a Graph.
func Parse(input string) (*Graph, error) {
	tokens, err := Lex(input)
	if err != nil {
		return nil, fmt.Errorf("lex error: %w", err)
	}

	p := &parser{
		tokens: tokens,
		graph: &Graph{
			Nodes:        make(map[string]*Node),
			Edges:        make([]*Edge, 0),
			Attrs:        make(map[string]string),
			NodeDefaults: make(map[string]string),
			EdgeDefaults: make(map[string]string),
			Subgraphs:    make([]*Subgraph, 0),
		},
		nodeDefaults: make(map[string]string),
		edgeDefaults: make(map[string]string),
	}

	if err := p.parseGraph(); err != nil {
		return nil, err
	}
	return p.graph, nil
}

func (p *parser) current() Token {
	return p.peek(0)
}

// peek returns the token offset positions ahead of the cursor, or an EOF
// token once the stream is exhausted.
func (p *parser) peek(offset int) Token {
	idx := p.pos + offset
	if idx >= len(p.tokens) {
		return Token{Type: TokenEOF}
	}
	return p.tokens[idx]
}

func (p *parser) advance() Token {
	tok := p.current()
	p.pos++
	return tok
}

// expect consumes the current token if it has type typ, else errors with position info.
func (p *parser) expect(typ TokenType) (Token, error) {
	tok := p.current()
	if tok.Type != typ {
		return tok, fmt.Errorf("expected %v but got %v (%q) at line %d, col %d",
			typ, tok.Type, tok.Value, tok.Line, tok.Col)
	}
	return p.advance(), nil
}

func (p *parser) skipSemicolon() {
	if p.current().Type == TokenSemicolon {
		p.advance()
	}
}

// parseGraph parses the single top-level "digraph NAME { ... }" document.
func (p *parser) parseGraph() error {
	if p.current().Type == TokenIdentifier && p.current().Value == "strict" {
		return fmt.Errorf("strict modifier is not supported at line %d, col %d",
			p.current().Line, p.current().Col)
	}

	if _, err := p.expect(TokenDigraph); err != nil {
		return fmt.Errorf("expected 'digraph': %w", err)
	}

	name, err := p.expect(TokenIdentifier)
	if err != nil {
		return fmt.Errorf("expected graph name: %w", err)
	}
	p.graph.Name = name.Value

	if _, err := p.expect(TokenLBrace); err != nil {
		return err
	}
	if err := p.parseStatements(); err != nil {
		return err
	}
	if _, err := p.expect(TokenRBrace); err != nil {
		return err
	}

	if p.current().Type == TokenDigraph {
		return fmt.Errorf("multiple digraphs are not supported; only one digraph per file is allowed")
	}

	mergeInto(p.graph.NodeDefaults, p.nodeDefaults)
	mergeInto(p.graph.EdgeDefaults, p.edgeDefaults)
	return nil
}

// mergeInto copies every key/value of src into dst, overwriting existing keys.
func mergeInto(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

func (p *parser) parseStatements() error {
	for p.current().Type != TokenRBrace && p.current().Type != TokenEOF {
		if err := p.parseStatement(); err != nil {
			return err
		}
	}
	return nil
}

// parseStatement dispatches a single top-level (or subgraph-level) statement
// by its leading token.
func (p *parser) parseStatement() error {
	switch tok := p.current(); tok.Type {
	case TokenGraph:
		return p.parseGraphAttrStmt()
	case TokenNode:
		return p.parseDefaultsStmt(TokenNode, p.nodeDefaults)
	case TokenEdge:
		return p.parseDefaultsStmt(TokenEdge, p.edgeDefaults)
	case TokenSubgraph:
		return p.parseSubgraph()
	case TokenIdentifier, TokenString:
		return p.parseNodeOrEdgeStmt()
	case TokenSemicolon:
		p.advance()
		return nil
	default:
		return fmt.Errorf("unexpected token %v (%q) at line %d, col %d",
			tok.Type, tok.Value, tok.Line, tok.Col)
	}
}

// parseGraphAttrStmt parses "graph AttrBlock? ';'?", merging into graph.Attrs.
func (p *parser) parseGraphAttrStmt() error {
	p.advance() // 'graph'
	if p.current().Type == TokenLBracket {
		attrs, err := p.parseAttrBlock()
		if err != nil {
			return err
		}
		mergeInto(p.graph.Attrs, attrs)
	}
	p.skipSemicolon()
	return nil
}

// parseDefaultsStmt parses "(node|edge) AttrBlock? ';'?", merging into the
// given scope-default map. keyword distinguishes the two only for clarity;
// the current token has already been confirmed to match it by the caller.
func (p *parser) parseDefaultsStmt(keyword TokenType, defaults map[string]string) error {
	p.advance() // 'node' or 'edge'
	if p.current().Type == TokenLBracket {
		attrs, err := p.parseAttrBlock()
		if err != nil {
			return err
		}
		mergeInto(defaults, attrs)
	}
	p.skipSemicolon()
	return nil
}

// parseSubgraph parses "subgraph NAME? { ... }". Node/edge defaults are
// cloned on entry (so subgraph-local defaults don't escape) and restored on
// exit; nodes created while inside are tracked so a label-derived CSS class
// can be stamped onto all of them.
func (p *parser) parseSubgraph() error {
	p.advance() // 'subgraph'

	sg := &Subgraph{
		Nodes:        make([]string, 0),
		NodeDefaults: make(map[string]string),
		Attrs:        make(map[string]string),
	}
	if p.current().Type == TokenIdentifier {
		sg.Name = p.current().Value
		p.advance()
	}

	if _, err := p.expect(TokenLBrace); err != nil {
		return err
	}

	outerNodeDefaults := p.nodeDefaults
	p.nodeDefaults = cloneMap(outerNodeDefaults)
	outerEdgeDefaults := p.edgeDefaults
	p.edgeDefaults = cloneMap(outerEdgeDefaults)

	preexisting := make(map[string]bool, len(p.graph.Nodes))
	for id := range p.graph.Nodes {
		preexisting[id] = true
	}

	if err := p.parseSubgraphBody(sg); err != nil {
		return err
	}

	if _, err := p.expect(TokenRBrace); err != nil {
		return err
	}

	for id := range p.graph.Nodes {
		if !preexisting[id] {
			sg.Nodes = append(sg.Nodes, id)
		}
	}
	p.applyDerivedClass(sg)

	p.nodeDefaults = outerNodeDefaults
	p.edgeDefaults = outerEdgeDefaults
	p.graph.Subgraphs = append(p.graph.Subgraphs, sg)
	p.skipSemicolon()
	return nil
}

// parseSubgraphBody parses the statement list inside a subgraph's braces.
// It differs from parseStatement only in accepting a bare "key = value"
// assignment as a subgraph attribute rather than a graph attribute.
func (p *parser) parseSubgraphBody(sg *Subgraph) error {
	for p.current().Type != TokenRBrace && p.current().Type != TokenEOF {
		tok := p.current()
		switch tok.Type {
		case TokenIdentifier:
			if p.peek(1).Type == TokenEquals {
				key := p.advance().Value
				p.advance() // '='
				val, err := p.parseValue()
				if err != nil {
					return err
				}
				sg.Attrs[key] = val
				p.skipSemicolon()
				continue
			}
			if err := p.parseNodeOrEdgeStmt(); err != nil {
				return err
			}
		case TokenNode:
			p.advance()
			if p.current().Type == TokenLBracket {
				attrs, err := p.parseAttrBlock()
				if err != nil {
					return err
				}
				mergeInto(p.nodeDefaults, attrs)
				mergeInto(sg.NodeDefaults, attrs)
			}
			p.skipSemicolon()
		case TokenEdge:
			if err := p.parseDefaultsStmt(TokenEdge, p.edgeDefaults); err != nil {
				return err
			}
		case TokenGraph:
			if err := p.parseGraphAttrStmt(); err != nil {
				return err
			}
		case TokenSemicolon:
			p.advance()
		default:
			return fmt.Errorf("unexpected token %v (%q) in subgraph at line %d, col %d",
				tok.Type, tok.Value, tok.Line, tok.Col)
		}
	}
	return nil
}

// applyDerivedClass stamps sg's label-derived class onto every node it
// contains, comma-joining with any class the node already carries and
// skipping the append when the class is already present.
func (p *parser) applyDerivedClass(sg *Subgraph) {
	label, ok := sg.Attrs["label"]
	if !ok || label == "" {
		return
	}
	class := deriveClassName(label)
	if class == "" {
		return
	}
	for _, nodeID := range sg.Nodes {
		node := p.graph.Nodes[nodeID]
		if node == nil {
			continue
		}
		existing := node.Attrs["class"]
		if existing == "" {
			node.Attrs["class"] = class
			continue
		}
		present := false
		for _, c := range strings.Split(existing, ",") {
			if strings.TrimSpace(c) == class {
				present = true
				break
			}
		}
		if !present {
			node.Attrs["class"] = existing + "," + class
		}
	}
}

func cloneMap(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	mergeInto(dst, src)
	return dst
}

// deriveClassName lowercases label and folds every run of non-alphanumeric
// characters into a single hyphen, trimming hyphens at the ends, producing a
// bare CSS-class-like token.
func deriveClassName(label string) string {
	lower := strings.ToLower(label)
	var out strings.Builder
	pendingHyphen := false
	for _, ch := range lower {
		if unicode.IsLetter(ch) || unicode.IsDigit(ch) {
			if pendingHyphen && out.Len() > 0 {
				out.WriteByte('-')
			}
			pendingHyphen = false
			out.WriteRune(ch)
			continue
		}
		pendingHyphen = true
	}
	return out.String()
}

// parseNodeOrEdgeStmt parses a bare statement starting with an identifier or
// string: a graph attribute assignment ("key = value"), an edge chain
// ("A -> B -> C"), or a standalone node declaration.
func (p *parser) parseNodeOrEdgeStmt() error {
	if p.peek(1).Type == TokenMinus {
		return fmt.Errorf("undirected edges (--) are not supported at line %d, col %d; use directed edges (->)",
			p.peek(1).Line, p.peek(1).Col)
	}

	if p.peek(1).Type == TokenEquals {
		key := p.advance().Value
		p.advance() // '='
		val, err := p.parseValue()
		if err != nil {
			return err
		}
		p.graph.Attrs[key] = val
		p.skipSemicolon()
		return nil
	}

	id := p.advance().Value
	if p.current().Type == TokenArrow {
		return p.parseEdgeStmt(id)
	}
	return p.parseNodeStmt(id)
}

// parseNodeStmt parses "ID AttrBlock? ';'?", upserting the node.
func (p *parser) parseNodeStmt(id string) error {
	var attrs map[string]string
	if p.current().Type == TokenLBracket {
		var err error
		attrs, err = p.parseAttrBlock()
		if err != nil {
			return err
		}
	}
	p.ensureNode(id, attrs)
	p.skipSemicolon()
	return nil
}

// parseEdgeStmt parses "ID ('->' ID)+ AttrBlock? ';'?", expanding a chain of
// N ids into N-1 edges, each carrying edgeDefaults overridden by the shared
// trailing attribute block.
func (p *parser) parseEdgeStmt(firstID string) error {
	nodeIDs := []string{firstID}
	for p.current().Type == TokenArrow {
		p.advance() // '->'
		tok := p.current()
		if tok.Type != TokenIdentifier && tok.Type != TokenString {
			return fmt.Errorf("expected identifier after -> at line %d, col %d", tok.Line, tok.Col)
		}
		nodeIDs = append(nodeIDs, tok.Value)
		p.advance()
	}

	var attrs map[string]string
	if p.current().Type == TokenLBracket {
		var err error
		attrs, err = p.parseAttrBlock()
		if err != nil {
			return err
		}
	}

	for _, id := range nodeIDs {
		p.ensureNode(id, nil)
	}

	for i := 0; i < len(nodeIDs)-1; i++ {
		edgeAttrs := cloneMap(p.edgeDefaults)
		mergeInto(edgeAttrs, attrs)
		p.graph.Edges = append(p.graph.Edges, &Edge{
			From:  nodeIDs[i],
			To:    nodeIDs[i+1],
			Attrs: edgeAttrs,
		})
	}

	p.skipSemicolon()
	return nil
}

// ensureNode upserts node id: on first sight it is seeded from nodeDefaults
// and appended to NodeOrder; explicitAttrs (if any) always override defaults,
// on both first sight and subsequent re-mentions of the same id.
func (p *parser) ensureNode(id string, explicitAttrs map[string]string) {
	node, exists := p.graph.Nodes[id]
	if !exists {
		node = &Node{ID: id, Attrs: make(map[string]string)}
		mergeInto(node.Attrs, p.nodeDefaults)
		p.graph.Nodes[id] = node
		p.graph.NodeOrder = append(p.graph.NodeOrder, id)
	}
	mergeInto(node.Attrs, explicitAttrs)
}

// parseAttrBlock parses "'[' (Attr (',' Attr)* ','?)? ']'".
func (p *parser) parseAttrBlock() (map[string]string, error) {
	if _, err := p.expect(TokenLBracket); err != nil {
		return nil, err
	}

	attrs := make(map[string]string)
	if p.current().Type == TokenRBracket {
		p.advance()
		return attrs, nil
	}

	key, val, err := p.parseAttr()
	if err != nil {
		return nil, err
	}
	attrs[key] = val

	for p.current().Type == TokenComma {
		p.advance()
		if p.current().Type == TokenRBracket {
			break // trailing comma
		}
		if key, val, err = p.parseAttr(); err != nil {
			return nil, err
		}
		attrs[key] = val
	}

	if _, err := p.expect(TokenRBracket); err != nil {
		return nil, err
	}
	return attrs, nil
}

// parseAttr parses "Key '=' Value".
func (p *parser) parseAttr() (string, string, error) {
	key, err := p.parseKey()
	if err != nil {
		return "", "", err
	}
	if _, err := p.expect(TokenEquals); err != nil {
		return "", "", err
	}
	val, err := p.parseValue()
	if err != nil {
		return "", "", err
	}
	return key, val, nil
}

// parseKey parses an attribute key, which is always a single identifier
// token — dotted keys like "human.default_choice" lex as one identifier
// since '.' is not a separate token in this grammar.
func (p *parser) parseKey() (string, error) {
	tok := p.current()
	if tok.Type != TokenIdentifier {
		return "", fmt.Errorf("expected attribute key (identifier) but got %v (%q) at line %d, col %d",
			tok.Type, tok.Value, tok.Line, tok.Col)
	}
	p.advance()
	return tok.Value, nil
}

// parseValue parses a string/number/boolean/bare-identifier value, or a
// minus sign optionally followed by a number (a negative literal). Every
// value is stored as its literal text; type coercion happens at the consumer.
func (p *parser) parseValue() (string, error) {
	tok := p.current()
	switch tok.Type {
	case TokenString, TokenNumber, TokenBoolean, TokenIdentifier:
		p.advance()
		return tok.Value, nil
	case TokenMinus:
		p.advance()
		if p.current().Type == TokenNumber {
			val := "-" + p.current().Value
			p.advance()
			return val, nil
		}
		return "-", nil
	default:
		return "", fmt.Errorf("expected value but got %v (%q) at line %d, col %d",
			tok.Type, tok.Value, tok.Line, tok.Col)
	}
}
