package filter

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// ErrInvalidFilter is the cause of all filter parse failures.
var ErrInvalidFilter = errors.New("invalid filter expression")

// fieldTable lists the queryable fields per protocol, with the value class
// each accepts. Combined fields expand into src/dst disjuncts.
var fieldTable = map[string]map[string]fieldClass{
	"ipv4": {"src_addr": fieldAddr, "dst_addr": fieldAddr, "addr": fieldAddr},
	"ipv6": {"src_addr": fieldAddr, "dst_addr": fieldAddr, "addr": fieldAddr},
	"tcp":  {"src_port": fieldNum, "dst_port": fieldNum, "port": fieldNum},
	"udp":  {"src_port": fieldNum, "dst_port": fieldNum, "port": fieldNum},
	"tls":  {"sni": fieldStr, "version": fieldStr, "ja3": fieldStr},
	"http": {
		"method": fieldStr, "uri": fieldStr, "host": fieldStr,
		"user_agent": fieldStr, "status_code": fieldNum,
	},
	"dns":  {"query_domain": fieldStr, "query_type": fieldStr, "response_code": fieldNum},
	"quic": {"version": fieldStr, "sni": fieldStr},
}

type fieldClass int

const (
	fieldNum fieldClass = iota
	fieldStr
	fieldAddr
)

var combinedFields = map[string][2]string{
	"addr": {"src_addr", "dst_addr"},
	"port": {"src_port", "dst_port"},
}

// node is the parse tree before DNF flattening.
type node struct {
	kind     nodeKind
	children []*node
	pred     Predicate
}

type nodeKind int

const (
	nodeAnd nodeKind = iota
	nodeOr
	nodeNot
	nodePred
)

// Parse parses a filter expression into a disjunct of flat patterns.
// The empty expression matches everything.
func Parse(expr string) ([]FlatPattern, error) {
	if strings.TrimSpace(expr) == "" {
		return []FlatPattern{{}}, nil
	}
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := parser{toks: toks}
	root, err := p.disjunct()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, errors.Wrapf(ErrInvalidFilter, "trailing input near %q", p.peek().text)
	}
	root, err = pushNegation(root, false)
	if err != nil {
		return nil, err
	}
	patterns := flatten(root)
	for i := range patterns {
		orderByLayer(&patterns[i])
	}
	return patterns, nil
}

type token struct {
	kind tokenKind
	text string
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp     // = != ~ !~
	tokLParen
	tokRParen
	tokDot
	tokDotDot
	tokSlash
)

func lex(expr string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case unicode.IsSpace(rune(c)):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == '/':
			toks = append(toks, token{tokSlash, "/"})
			i++
		case c == '.':
			if i+1 < len(expr) && expr[i+1] == '.' {
				toks = append(toks, token{tokDotDot, ".."})
				i += 2
			} else {
				toks = append(toks, token{tokDot, "."})
				i++
			}
		case c == '=':
			toks = append(toks, token{tokOp, "="})
			i++
		case c == '~':
			toks = append(toks, token{tokOp, "~"})
			i++
		case c == '!':
			if i+1 < len(expr) && (expr[i+1] == '=' || expr[i+1] == '~') {
				toks = append(toks, token{tokOp, expr[i : i+2]})
				i += 2
			} else {
				return nil, errors.Wrap(ErrInvalidFilter, "bare '!'")
			}
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(expr) && expr[j] != quote {
				j++
			}
			if j == len(expr) {
				return nil, errors.Wrap(ErrInvalidFilter, "unterminated string")
			}
			toks = append(toks, token{tokString, expr[i+1 : j]})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < len(expr) && (expr[j] >= '0' && expr[j] <= '9') {
				j++
			}
			toks = append(toks, token{tokNumber, expr[i:j]})
			i = j
		case isIdentRune(rune(c)):
			j := i
			for j < len(expr) && isIdentRune(rune(expr[j])) {
				j++
			}
			toks = append(toks, token{tokIdent, expr[i:j]})
			i = j
		default:
			return nil, errors.Wrapf(ErrInvalidFilter, "unexpected character %q", c)
		}
	}
	return toks, nil
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == ':'
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) eof() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.eof() {
		return token{}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) accept(kind tokenKind, text string) bool {
	if !p.eof() && p.toks[p.pos].kind == kind && (text == "" || p.toks[p.pos].text == text) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) disjunct() (*node, error) {
	left, err := p.conjunct()
	if err != nil {
		return nil, err
	}
	n := &node{kind: nodeOr, children: []*node{left}}
	for p.accept(tokIdent, "or") {
		right, err := p.conjunct()
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, right)
	}
	if len(n.children) == 1 {
		return left, nil
	}
	return n, nil
}

func (p *parser) conjunct() (*node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	n := &node{kind: nodeAnd, children: []*node{left}}
	for p.accept(tokIdent, "and") {
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		n.children = append(n.children, right)
	}
	if len(n.children) == 1 {
		return left, nil
	}
	return n, nil
}

func (p *parser) term() (*node, error) {
	if p.accept(tokIdent, "not") {
		inner, err := p.term()
		if err != nil {
			return nil, err
		}
		return &node{kind: nodeNot, children: []*node{inner}}, nil
	}
	if p.accept(tokLParen, "") {
		inner, err := p.disjunct()
		if err != nil {
			return nil, err
		}
		if !p.accept(tokRParen, "") {
			return nil, errors.Wrap(ErrInvalidFilter, "missing ')'")
		}
		return inner, nil
	}
	return p.predicate()
}

func (p *parser) predicate() (*node, error) {
	t := p.next()
	if t.kind != tokIdent {
		return nil, errors.Wrapf(ErrInvalidFilter, "expected protocol, got %q", t.text)
	}
	proto := t.text
	if !KnownProtocol(proto) {
		return nil, errors.Wrapf(ErrInvalidFilter, "unknown protocol %q", proto)
	}
	if !p.accept(tokDot, "") {
		return &node{kind: nodePred, pred: Predicate{Protocol: proto}}, nil
	}
	ft := p.next()
	if ft.kind != tokIdent {
		return nil, errors.Wrapf(ErrInvalidFilter, "expected field after %q.", proto)
	}
	field := ft.text
	class, ok := fieldTable[proto][field]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidFilter, "unknown field %s.%s", proto, field)
	}

	var op BinOp
	ot := p.next()
	switch {
	case ot.kind == tokOp && ot.text == "=":
		op = OpEq
	case ot.kind == tokOp && ot.text == "!=":
		op = OpNe
	case ot.kind == tokOp && ot.text == "~":
		op = OpRe
	case ot.kind == tokOp && ot.text == "!~":
		op = OpNotRe
	case ot.kind == tokIdent && ot.text == "in":
		op = OpIn
	default:
		return nil, errors.Wrapf(ErrInvalidFilter, "expected operator after %s.%s", proto, field)
	}

	val, err := p.value(proto, field, class, op)
	if err != nil {
		return nil, err
	}

	pred := Predicate{Protocol: proto, Field: field, Op: op, Value: val}
	if split, ok := combinedFields[field]; ok {
		// addr/port split into a src/dst disjunct
		left, right := pred, pred
		left.Field, right.Field = split[0], split[1]
		return &node{kind: nodeOr, children: []*node{
			{kind: nodePred, pred: left},
			{kind: nodePred, pred: right},
		}}, nil
	}
	return &node{kind: nodePred, pred: pred}, nil
}

func (p *parser) value(proto, field string, class fieldClass, op BinOp) (Value, error) {
	if op == OpRe || op == OpNotRe {
		t := p.next()
		if t.kind != tokString {
			return Value{}, errors.Wrapf(ErrInvalidFilter, "%s.%s ~ requires a quoted pattern", proto, field)
		}
		re, err := regexp.Compile(t.text)
		if err != nil {
			return Value{}, errors.Wrapf(ErrInvalidFilter, "bad regexp for %s.%s: %v", proto, field, err)
		}
		return Value{Kind: ValRegexp, Re: re, Text: t.text}, nil
	}

	t := p.next()
	switch t.kind {
	case tokString:
		if class == fieldNum {
			return Value{}, errors.Wrapf(ErrInvalidFilter, "%s.%s is numeric", proto, field)
		}
		return Value{Kind: ValText, Text: t.text}, nil
	case tokIdent:
		if class == fieldAddr {
			// ipv6 literal, e.g. fe80::1
			return p.addrValue(t.text, proto, field)
		}
		return Value{}, errors.Wrapf(ErrInvalidFilter, "string values must be quoted for %s.%s", proto, field)
	case tokNumber:
		if class == fieldAddr {
			// leading octet of a dotted address
			return p.addrValue(t.text, proto, field)
		}
		lo, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return Value{}, errors.Wrapf(ErrInvalidFilter, "bad number %q", t.text)
		}
		if p.accept(tokDotDot, "") {
			ht := p.next()
			hi, err := strconv.ParseInt(ht.text, 10, 64)
			if ht.kind != tokNumber || err != nil || hi < lo {
				return Value{}, errors.Wrapf(ErrInvalidFilter, "bad range for %s.%s", proto, field)
			}
			return Value{Kind: ValRange, Int: lo, Hi: hi}, nil
		}
		return Value{Kind: ValInt, Int: lo}, nil
	default:
		return Value{}, errors.Wrapf(ErrInvalidFilter, "expected value for %s.%s", proto, field)
	}
}

// addrValue consumes the remainder of a dotted or coloned address that the
// lexer split at dots, plus an optional /prefix.
func (p *parser) addrValue(first, proto, field string) (Value, error) {
	text := first
	for {
		if p.accept(tokDot, "") {
			t := p.next()
			text += "." + t.text
			continue
		}
		// numeric-leading ipv6 literals split into number + ident
		if !p.eof() && p.toks[p.pos].kind == tokIdent && strings.HasPrefix(p.toks[p.pos].text, ":") {
			text += p.next().text
			continue
		}
		break
	}
	bits := -1
	if p.accept(tokSlash, "") {
		t := p.next()
		n, err := strconv.Atoi(t.text)
		if t.kind != tokNumber || err != nil {
			return Value{}, errors.Wrapf(ErrInvalidFilter, "bad prefix length for %s.%s", proto, field)
		}
		bits = n
	}
	addr, err := netip.ParseAddr(text)
	if err != nil {
		return Value{}, errors.Wrapf(ErrInvalidFilter, "bad address %q for %s.%s", text, proto, field)
	}
	if bits < 0 {
		bits = addr.BitLen()
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return Value{}, errors.Wrapf(ErrInvalidFilter, "bad prefix %s/%d", text, bits)
	}
	return Value{Kind: ValPrefix, Prefix: prefix}, nil
}

// pushNegation rewrites the tree so negation only appears on predicates,
// where it flips the operator. Negating a bare protocol keyword has no
// useful trie form and is rejected.
func pushNegation(n *node, negate bool) (*node, error) {
	switch n.kind {
	case nodeNot:
		return pushNegation(n.children[0], !negate)
	case nodePred:
		if !negate {
			return n, nil
		}
		if n.pred.Unary() {
			return nil, errors.Wrapf(ErrInvalidFilter, "cannot negate protocol %q; negate a field predicate instead", n.pred.Protocol)
		}
		out := *n
		out.pred.Op = n.pred.Op.negate()
		return &out, nil
	default:
		kind := n.kind
		if negate {
			if kind == nodeAnd {
				kind = nodeOr
			} else {
				kind = nodeAnd
			}
		}
		out := &node{kind: kind}
		for _, c := range n.children {
			nc, err := pushNegation(c, negate)
			if err != nil {
				return nil, err
			}
			out.children = append(out.children, nc)
		}
		return out, nil
	}
}

// flatten expands the tree to disjunctive normal form.
func flatten(n *node) []FlatPattern {
	switch n.kind {
	case nodePred:
		return []FlatPattern{{Predicates: []Predicate{n.pred}}}
	case nodeOr:
		var out []FlatPattern
		for _, c := range n.children {
			out = append(out, flatten(c)...)
		}
		return out
	default: // nodeAnd: cross product of child disjuncts
		out := []FlatPattern{{}}
		for _, c := range n.children {
			sub := flatten(c)
			next := make([]FlatPattern, 0, len(out)*len(sub))
			for _, a := range out {
				for _, b := range sub {
					merged := FlatPattern{Predicates: append(append([]Predicate{}, a.Predicates...), b.Predicates...)}
					next = append(next, merged)
				}
			}
			out = next
		}
		return out
	}
}

// orderByLayer stable-sorts a pattern's predicates outermost layer first
// and removes duplicates, so trie insertion sees a root-to-leaf path.
func orderByLayer(p *FlatPattern) {
	preds := p.Predicates
	ordered := make([]Predicate, 0, len(preds))
	for layer := LayerLink; layer <= LayerSessionField; layer++ {
		for _, pred := range preds {
			if pred.Layer() != layer {
				continue
			}
			dup := false
			for _, seen := range ordered {
				if seen == pred {
					dup = true
					break
				}
			}
			if !dup {
				ordered = append(ordered, pred)
			}
		}
	}
	p.Predicates = ordered
}
