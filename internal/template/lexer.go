// Package template implements the small templating language used by response
// rules:
//
//	{nome}                          substitution
//	{if convenio}...{endif}         conditional block
//	{foreach pacotes}...{endforeach} loop, with {pacotes.preco} inside
//
// A template is tokenized, parsed into an AST of literal, variable,
// conditional and loop nodes, and rendered in a separate pass. Rendering
// never fails: malformed tags are kept as literal text.
package template

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokText tokenKind = iota
	tokVar
	tokIf
	tokEndIf
	tokForeach
	tokEndForeach
)

type token struct {
	kind tokenKind
	text string // raw source of the token, used when it degrades to literal
	name string // identifier for var/if/foreach
	prop string // property after the dot, if any
}

// lex splits src into text and tag tokens. A '{' without a matching '}' (or
// with another '{' before it) is plain text.
func lex(src string) []token {
	var (
		toks []token
		buf  strings.Builder
	)
	flush := func() {
		if buf.Len() > 0 {
			toks = append(toks, token{kind: tokText, text: buf.String()})
			buf.Reset()
		}
	}

	i := 0
	for i < len(src) {
		if src[i] != '{' {
			buf.WriteByte(src[i])
			i++
			continue
		}

		end := strings.IndexByte(src[i+1:], '}')
		if end < 0 {
			buf.WriteString(src[i:])
			break
		}
		inner := src[i+1 : i+1+end]
		if strings.IndexByte(inner, '{') >= 0 {
			buf.WriteByte('{')
			i++
			continue
		}

		raw := src[i : i+end+2]
		tok, ok := classify(inner, raw)
		if !ok {
			buf.WriteString(raw)
		} else {
			flush()
			toks = append(toks, tok)
		}
		i += end + 2
	}
	flush()
	return toks
}

func classify(inner, raw string) (token, bool) {
	fields := strings.Fields(inner)
	switch {
	case len(fields) == 1 && fields[0] == "endif" && inner == "endif":
		return token{kind: tokEndIf, text: raw}, true
	case len(fields) == 1 && fields[0] == "endforeach" && inner == "endforeach":
		return token{kind: tokEndForeach, text: raw}, true
	case len(fields) == 2 && fields[0] == "if" && strings.HasPrefix(inner, "if "):
		name, prop, ok := splitRef(fields[1])
		if !ok {
			return token{}, false
		}
		return token{kind: tokIf, text: raw, name: name, prop: prop}, true
	case len(fields) == 2 && fields[0] == "foreach" && strings.HasPrefix(inner, "foreach "):
		name, prop, ok := splitRef(fields[1])
		if !ok || prop != "" {
			return token{}, false
		}
		return token{kind: tokForeach, text: raw, name: name}, true
	case len(fields) == 1 && fields[0] == inner && inner != "if" && inner != "foreach":
		name, prop, ok := splitRef(inner)
		if !ok {
			return token{}, false
		}
		return token{kind: tokVar, text: raw, name: name, prop: prop}, true
	}
	return token{}, false
}

// splitRef parses "ident" or "ident.prop".
func splitRef(s string) (name, prop string, ok bool) {
	name, prop, dotted := strings.Cut(s, ".")
	if !isIdent(name) {
		return "", "", false
	}
	if dotted && !isIdent(prop) {
		return "", "", false
	}
	return name, prop, true
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
