package stream

import (
	"sort"

	"github.com/pkg/errors"
)

// factories holds the parser constructors registered by subpackage init
// functions, keyed by protocol keyword.
var factories = make(map[string]func() Parser)

// Register makes a parser constructor available under a protocol keyword.
// Registering the same keyword twice overwrites, matching module
// registration semantics elsewhere in the framework.
func Register(proto string, newParser func() Parser) {
	factories[proto] = newParser
}

// Registered returns the registered protocol keywords sorted by name.
func Registered() []string {
	out := make([]string, 0, len(factories))
	for proto := range factories {
		out = append(out, proto)
	}
	sort.Strings(out)
	return out
}

// Registry is the fixed set of parsers a build requires: the union of L7
// keywords mentioned by any filter and of session-dependent datatypes.
type Registry struct {
	protos []string
	news   []func() Parser
}

// NewRegistry resolves the required protocol keywords against the
// registered parsers. Unknown keywords are a build-time failure.
func NewRegistry(protos []string) (*Registry, error) {
	r := &Registry{}
	for _, proto := range protos {
		newParser, ok := factories[proto]
		if !ok {
			return nil, errors.Errorf("no parser registered for protocol %q (have %v)", proto, Registered())
		}
		r.protos = append(r.protos, proto)
		r.news = append(r.news, newParser)
	}
	return r, nil
}

// Protocols returns the registry's protocol keywords in fixed order.
func (r *Registry) Protocols() []string { return r.protos }

// Empty reports whether no parsers are required.
func (r *Registry) Empty() bool { return len(r.protos) == 0 }

// NewProber returns per-connection probing state over the registry.
func (r *Registry) NewProber() Prober {
	candidates := make([]candidate, len(r.protos))
	for i := range r.protos {
		candidates[i] = candidate{proto: r.protos[i], parser: r.news[i]()}
	}
	return Prober{candidates: candidates}
}

type candidate struct {
	proto  string
	parser Parser
}

// Prober runs protocol identification for one connection: each ingress PDU
// is offered to the remaining candidates until exactly one matches or all
// reject.
type Prober struct {
	candidates []candidate
}

// Feed probes one PDU. On identification it returns the protocol keyword
// and the parser instance (which keeps any state it accumulated while
// probing). done is true once no candidates remain.
func (p *Prober) Feed(data []byte, orig bool) (proto string, parser Parser, done bool) {
	keep := p.candidates[:0]
	for _, c := range p.candidates {
		switch c.parser.Probe(data, orig) {
		case ProbeMatch:
			p.candidates = nil
			return c.proto, c.parser, true
		case ProbeInconclusive:
			keep = append(keep, c)
		}
	}
	p.candidates = keep
	return "", nil, len(p.candidates) == 0
}

// Remaining returns the number of live candidates.
func (p *Prober) Remaining() int { return len(p.candidates) }
