package filter

import (
	"net/netip"
	"strconv"

	"github.com/sift-net/sift/protocols"
)

// SessionView is the session filter's view of a parsed application-layer
// session: its protocol keyword and string-typed field access.
type SessionView interface {
	SessionProto() string
	Field(name string) (string, bool)
}

// Engine applies the compiled multi-stage filter. It is immutable after
// Compile and shared read-only by all worker cores.
type Engine struct {
	tree  *PTree
	specs []*Spec
}

// Compile fuses all subscription patterns into a predicate trie and
// returns the stage filter engine.
func Compile(specs []*Spec) (*Engine, error) {
	tree, err := BuildPTree(specs)
	if err != nil {
		return nil, err
	}
	return &Engine{tree: tree, specs: specs}, nil
}

// Tree exposes the underlying trie for diagnostics and hardware offload.
func (e *Engine) Tree() *PTree { return e.tree }

// Specs returns the subscription specs the engine was compiled from.
func (e *Engine) Specs() []*Spec { return e.specs }

// All returns the union of actions any subscription may request.
func (e *Engine) All() Actions { return e.tree.All }

// PacketFilter evaluates the packet stage on parsed headers.
func (e *Engine) PacketFilter(res *protocols.PacketResult) FilterResult {
	var r FilterResult
	root := e.tree.Root
	if !root.Term.Empty() {
		r.Terminal |= root.Term
		r.Actions.Push(root.Actions)
	}
	e.walkPacket(root, res, &r)
	r.Nonterminal &^= r.Terminal
	return r
}

func (e *Engine) walkPacket(n *PNode, res *protocols.PacketResult, r *FilterResult) {
	prevMatched := false
	for _, c := range n.Children {
		if c.IfElse && prevMatched {
			continue
		}
		if c.Stage() > StagePacket {
			// Deferred to the protocol or session stage.
			r.Nonterminal |= c.Subs
			r.Actions.Push(c.DeferActions)
			r.Nodes.Append(int(c.ID))
			continue
		}
		if !evalPacket(c.Pred, res) {
			prevMatched = false
			continue
		}
		prevMatched = true
		if !c.Term.Empty() {
			r.Terminal |= c.Term
			r.Actions.Push(c.Actions)
		}
		e.walkPacket(c, res, r)
	}
}

// ProtoFilter resumes matching once the application-layer protocol is
// identified. live masks out subscriptions that already matched or were
// pruned at earlier stages.
func (e *Engine) ProtoFilter(nodes NodeList, proto string, live Bitmap) FilterResult {
	var r FilterResult
	for i := 0; i < nodes.Len(); i++ {
		n := e.tree.Node(nodes.At(i))
		if n.Subs&live == 0 {
			continue
		}
		if n.Pred.Unary() && n.Pred.Protocol == proto {
			if t := n.Term & live; t != 0 {
				r.Terminal |= t
				r.Actions.Push(n.Actions)
			}
			e.walkProto(n, live, &r)
		}
	}
	r.Nonterminal &^= r.Terminal
	return r
}

func (e *Engine) walkProto(n *PNode, live Bitmap, r *FilterResult) {
	for _, c := range n.Children {
		if c.Subs&live == 0 {
			continue
		}
		if c.Stage() == StageSession {
			r.Nonterminal |= c.Subs & live
			r.Actions.Push(c.DeferActions)
			r.Nodes.Append(int(c.ID))
		}
	}
}

// SessionFilter resumes matching against a parsed session.
func (e *Engine) SessionFilter(s SessionView, nodes NodeList, live Bitmap) FilterResult {
	var r FilterResult
	for i := 0; i < nodes.Len(); i++ {
		n := e.tree.Node(nodes.At(i))
		if n.Subs&live == 0 {
			continue
		}
		e.walkSession(n, s, live, &r)
	}
	// Subscriptions that did not match stay nonterminal: a later session
	// of the connection may still satisfy them. Their pause actions are
	// re-armed so the connection keeps parsing.
	for i := 0; i < nodes.Len(); i++ {
		n := e.tree.Node(nodes.At(i))
		remaining := n.Subs & live &^ r.Terminal
		if remaining == 0 {
			continue
		}
		r.Nonterminal |= remaining
		r.Nodes.Append(nodes.At(i))
		r.Actions.Push(n.DeferActions)
	}
	r.Nonterminal &^= r.Terminal
	return r
}

// TerminationFilter is the connection-delivery dispatch: given a
// terminated connection's terminal matches, it returns the subscriptions
// to deliver. No new matching happens at this stage.
func (e *Engine) TerminationFilter(term Bitmap) []*Spec {
	var out []*Spec
	term.ForEach(func(i int) {
		if spec := e.specs[i]; spec.Level == LevelConnection {
			out = append(out, spec)
		}
	})
	return out
}

func (e *Engine) walkSession(n *PNode, s SessionView, live Bitmap, r *FilterResult) {
	if !evalSession(n.Pred, s) {
		return
	}
	if t := n.Term & live; t != 0 {
		r.Terminal |= t
		r.Actions.Push(n.Actions)
	}
	prevMatched := false
	for _, c := range n.Children {
		if c.Subs&live == 0 || (c.IfElse && prevMatched) {
			continue
		}
		before := r.Terminal
		e.walkSession(c, s, live, r)
		prevMatched = r.Terminal != before
	}
}

func evalPacket(p Predicate, res *protocols.PacketResult) bool {
	if p.Unary() {
		switch p.Protocol {
		case "ethernet":
			return true
		case "ipv4":
			return res.IsIPv4()
		case "ipv6":
			return res.IsIPv6()
		case "tcp":
			return res.IsTCP()
		case "udp":
			return res.IsUDP()
		}
		return false
	}
	switch p.Protocol {
	case "ipv4", "ipv6":
		switch p.Field {
		case "src_addr":
			return evalAddr(p, res.SrcAddr)
		case "dst_addr":
			return evalAddr(p, res.DstAddr)
		}
	case "tcp", "udp":
		if (p.Protocol == "tcp") != res.IsTCP() {
			return false
		}
		switch p.Field {
		case "src_port":
			return evalInt(p, int64(res.SrcPort))
		case "dst_port":
			return evalInt(p, int64(res.DstPort))
		}
	}
	return false
}

func evalAddr(p Predicate, addr netip.Addr) bool {
	if p.Value.Kind != ValPrefix {
		return false
	}
	contains := p.Value.Prefix.Contains(addr)
	switch p.Op {
	case OpEq, OpIn:
		return contains
	case OpNe, OpNotIn:
		return !contains
	}
	return false
}

func evalInt(p Predicate, v int64) bool {
	switch p.Op {
	case OpEq:
		return p.Value.Kind == ValInt && v == p.Value.Int
	case OpNe:
		return p.Value.Kind == ValInt && v != p.Value.Int
	case OpIn:
		return p.Value.Kind == ValRange && v >= p.Value.Int && v <= p.Value.Hi
	case OpNotIn:
		return p.Value.Kind == ValRange && (v < p.Value.Int || v > p.Value.Hi)
	}
	return false
}

func evalSession(p Predicate, s SessionView) bool {
	if p.Protocol != s.SessionProto() {
		return false
	}
	if p.Unary() {
		return true
	}
	raw, ok := s.Field(p.Field)
	if !ok {
		return false
	}
	switch p.Value.Kind {
	case ValInt, ValRange:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return false
		}
		return evalInt(p, v)
	case ValText:
		switch p.Op {
		case OpEq:
			return raw == p.Value.Text
		case OpNe:
			return raw != p.Value.Text
		}
	case ValRegexp:
		switch p.Op {
		case OpRe:
			return p.Value.Re.MatchString(raw)
		case OpNotRe:
			return !p.Value.Re.MatchString(raw)
		}
	}
	return false
}
