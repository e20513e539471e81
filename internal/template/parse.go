package template

// Node is an element of a parsed template.
type Node interface {
	node()
}

// Literal is verbatim text.
type Literal struct {
	Text string
}

// Variable is {name} or {name.prop}.
type Variable struct {
	Name string
	Prop string
}

// Conditional is {if cond}...{endif}.
type Conditional struct {
	Name string
	Prop string
	Body []Node
}

// Loop is {foreach seq}...{endforeach}.
type Loop struct {
	Seq  string
	Body []Node
}

func (Literal) node()     {}
func (Variable) node()    {}
func (Conditional) node() {}
func (Loop) node()        {}

// Template is a parsed, reusable template.
type Template struct {
	Source string
	Nodes  []Node
}

// Parse builds the AST for src. It never fails: unbalanced openers and
// closers fall back to literal text.
func Parse(src string) *Template {
	p := &parser{toks: lex(src)}
	nodes, _ := p.parseUntil(tokText)
	return &Template{Source: src, Nodes: nodes}
}

type parser struct {
	toks []token
	pos  int
}

// parseUntil consumes tokens until the closer of kind end (tokText means
// top level, no closer). Returns false if input ended before the closer.
func (p *parser) parseUntil(end tokenKind) ([]Node, bool) {
	var nodes []Node
	for p.pos < len(p.toks) {
		tok := p.toks[p.pos]
		p.pos++

		switch tok.kind {
		case tokText:
			nodes = appendText(nodes, tok.text)
		case tokVar:
			nodes = append(nodes, Variable{Name: tok.name, Prop: tok.prop})
		case tokIf:
			body, closed := p.parseUntil(tokEndIf)
			if !closed {
				nodes = appendText(nodes, tok.text)
				nodes = appendNodes(nodes, body)
				continue
			}
			nodes = append(nodes, Conditional{Name: tok.name, Prop: tok.prop, Body: body})
		case tokForeach:
			body, closed := p.parseUntil(tokEndForeach)
			if !closed {
				nodes = appendText(nodes, tok.text)
				nodes = appendNodes(nodes, body)
				continue
			}
			nodes = append(nodes, Loop{Seq: tok.name, Body: body})
		case tokEndIf, tokEndForeach:
			if tok.kind == end {
				return nodes, true
			}
			// closer that does not match the innermost block
			nodes = appendText(nodes, tok.text)
		}
	}
	return nodes, end == tokText
}

func appendText(nodes []Node, s string) []Node {
	if n := len(nodes); n > 0 {
		if lit, ok := nodes[n-1].(Literal); ok {
			nodes[n-1] = Literal{Text: lit.Text + s}
			return nodes
		}
	}
	return append(nodes, Literal{Text: s})
}

func appendNodes(nodes, more []Node) []Node {
	for _, n := range more {
		if lit, ok := n.(Literal); ok {
			nodes = appendText(nodes, lit.Text)
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes
}
