package filter

import "github.com/sift-net/sift/protocols"

// Interpret is the reference interpreter: it evaluates a subscription's
// original patterns against a fully reconstructed connection. The compiled
// multi-stage engine must accept exactly the connections Interpret accepts,
// on traffic where all required fields are observable. Used by equivalence
// tests; never on the datapath.
func Interpret(patterns []FlatPattern, res *protocols.PacketResult, proto string, sessions []SessionView) bool {
	for _, p := range patterns {
		if interpretPattern(p, res, proto, sessions) {
			return true
		}
	}
	return false
}

func interpretPattern(p FlatPattern, res *protocols.PacketResult, proto string, sessions []SessionView) bool {
	var sessionPreds []Predicate
	for _, pred := range p.Predicates {
		switch pred.Stage() {
		case StagePacket:
			if !evalPacket(pred, res) {
				return false
			}
		case StageProtocol:
			if pred.Protocol != proto {
				return false
			}
		case StageSession:
			sessionPreds = append(sessionPreds, pred)
		}
	}
	if len(sessionPreds) == 0 {
		return true
	}
	// All session predicates of one conjunct must hold on one session.
	for _, s := range sessions {
		ok := true
		for _, pred := range sessionPreds {
			if !evalSession(pred, s) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}
