package filter

import (
	"github.com/pkg/errors"
)

// FullyQualify expands each flat pattern into one or more layered patterns
// in which every implied protocol layer is present as a unary predicate:
// `tls.sni ~ 'x'` becomes `ipv4 tcp tls tls.sni~'x'` and the ipv6 variant.
// Contradictory conjuncts (e.g. `tls and udp`) are discarded; an expression
// whose conjuncts are all contradictory is an error.
func FullyQualify(patterns []FlatPattern) ([]FlatPattern, error) {
	var out []FlatPattern
	for _, p := range patterns {
		out = append(out, qualifyOne(p)...)
	}
	if len(out) == 0 && len(patterns) > 0 {
		return nil, errors.Wrap(ErrInvalidFilter, "filter can never match")
	}
	return out, nil
}

func qualifyOne(p FlatPattern) []FlatPattern {
	if len(p.Predicates) == 0 {
		return []FlatPattern{p}
	}

	mentioned := map[string]bool{}
	var apps []string
	for _, pred := range p.Predicates {
		if !mentioned[pred.Protocol] && protocolTable[pred.Protocol].layer == LayerApplication {
			apps = append(apps, pred.Protocol)
		}
		mentioned[pred.Protocol] = true
	}
	if len(apps) > 1 {
		// At most one application protocol per conjunct.
		return nil
	}

	networks := candidates([]string{"ipv4", "ipv6"}, mentioned)
	transports := candidates([]string{"tcp", "udp"}, mentioned)
	if networks == nil || transports == nil {
		return nil
	}
	var app string
	if len(apps) == 1 {
		app = apps[0]
		allowed := protocolTable[app].parents
		transports = intersect(transports, allowed)
		if len(transports) == 0 {
			return nil
		}
	}

	var out []FlatPattern
	for _, network := range networks {
		for _, transport := range transports {
			chain := []Predicate{{Protocol: network}}
			chain = append(chain, binaryFor(p, network)...)
			chain = append(chain, Predicate{Protocol: transport})
			chain = append(chain, binaryFor(p, transport)...)
			if app != "" {
				chain = append(chain, Predicate{Protocol: app})
				chain = append(chain, binaryFor(p, app)...)
			}
			out = append(out, FlatPattern{Predicates: chain})
		}
	}
	return out
}

// candidates returns the usable protocols of a layer pair: all mentioned
// ones, or both when the pattern does not constrain the layer. Mentioning
// both members of one layer in a single conjunct can never match.
func candidates(layer []string, mentioned map[string]bool) []string {
	var chosen []string
	for _, proto := range layer {
		if mentioned[proto] {
			chosen = append(chosen, proto)
		}
	}
	switch len(chosen) {
	case 0:
		return layer
	case 1:
		return chosen
	default:
		return nil
	}
}

func intersect(a, b []string) []string {
	var out []string
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
			}
		}
	}
	return out
}

func binaryFor(p FlatPattern, proto string) []Predicate {
	var out []Predicate
	for _, pred := range p.Predicates {
		if !pred.Unary() && pred.Protocol == proto {
			out = append(out, pred)
		}
	}
	return out
}
