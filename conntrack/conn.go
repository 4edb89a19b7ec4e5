package conntrack

import (
	"time"

	"github.com/sift-net/sift/filter"
	"github.com/sift-net/sift/protocols"
	"github.com/sift-net/sift/stream"
)

// State is the lifecycle state of a tracked connection.
type State int

const (
	// StateProbing identifies the application-layer protocol.
	StateProbing State = iota
	// StateParsing extracts sessions with the chosen parser.
	StateParsing
	// StateTracking updates datatypes without parsing.
	StateTracking
	// StateRemove marks a drained connection; no packet mutates it again.
	StateRemove
)

func (s State) String() string {
	switch s {
	case StateProbing:
		return "probing"
	case StateParsing:
		return "parsing"
	case StateTracking:
		return "tracking"
	case StateRemove:
		return "remove"
	}
	return "unknown"
}

// Trackable is the per-connection state generated from the union of all
// subscribed datatypes. The tracker drives it through the hooks below;
// every hook gates its work on the connection's match bitmaps.
type Trackable interface {
	// OnFirstPacket initializes the tracked data.
	OnFirstPacket(c *Conn, res *protocols.PacketResult)
	// OnPacket updates per-packet state; called once per ingress packet
	// in arrival order while the connection's actions request packet
	// updates, delivery, caching or tracking.
	OnPacket(c *Conn, pdu *L4Pdu)
	// OnSession stores or delivers a parsed session. justMatched holds
	// subscriptions whose filter this session satisfied. It returns
	// false when nothing needs further sessions.
	OnSession(c *Conn, s stream.Session, justMatched filter.Bitmap) bool
	// OnTerminate delivers connection-level datatypes; called exactly
	// once per connection.
	OnTerminate(c *Conn)
}

// Conn is one tracked connection.
type Conn struct {
	id   ConnId
	orig bool // true when the first packet travelled A→B

	state   State
	actions filter.Actions

	terminal    filter.Bitmap
	nonterminal filter.Bitmap
	// earlyTerm holds subscriptions that matched before any session was
	// parsed; session-level ones among them receive every session.
	earlyTerm filter.Bitmap
	nodes     filter.NodeList

	ctos tcpFlow
	stoc tcpFlow

	prober     stream.Prober
	probedPdus int
	parser     stream.Parser
	proto      string

	tracked Trackable

	createdAt   time.Time
	lastSeen    time.Time
	established bool
	terminated  bool

	isTCP                      bool
	origFIN, respFIN           bool
	origFINAcked, respFINAcked bool
}

// Id returns the normalized connection key.
func (c *Conn) Id() ConnId { return c.id }

// State returns the lifecycle state.
func (c *Conn) State() State { return c.state }

// Proto returns the identified application protocol, or "".
func (c *Conn) Proto() string { return c.proto }

// Actions returns the current action set.
func (c *Conn) Actions() filter.Actions { return c.actions }

// Terminal returns the subscriptions conclusively matched so far.
func (c *Conn) Terminal() filter.Bitmap { return c.terminal }

// Nonterminal returns the subscriptions still possible.
func (c *Conn) Nonterminal() filter.Bitmap { return c.nonterminal }

// EarlyTerminal returns the subscriptions that matched at the packet or
// protocol stage, before session parsing.
func (c *Conn) EarlyTerminal() filter.Bitmap { return c.earlyTerm }

// Established reports whether traffic was seen in both directions.
func (c *Conn) Established() bool { return c.established }

// CreatedAt returns the first-packet timestamp.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// LastSeen returns the last-activity timestamp.
func (c *Conn) LastSeen() time.Time { return c.lastSeen }

// applyFilter folds one stage's result into the match data. Terminal
// matches are monotone: a matched subscription never unmatches.
func (c *Conn) applyFilter(r filter.FilterResult) filter.Bitmap {
	newTerm := r.Terminal &^ c.terminal
	c.terminal |= r.Terminal
	c.nonterminal = r.Nonterminal &^ c.terminal
	c.nodes = r.Nodes
	c.actions.Update(r.Actions)
	return newTerm
}

// handlePacket runs one ingress packet through the connection: update
// hooks, termination flags, reassembly, and the state machine.
func (c *Conn) handlePacket(t *Table, pdu *L4Pdu, now time.Time) {
	if c.state == StateRemove {
		pdu.Release()
		return
	}
	c.lastSeen = now
	if !pdu.Orig && !c.established {
		c.established = true
	}

	if c.actions.Has(filter.ActionUpdate | filter.ActionPacketDeliver |
		filter.ActionPacketCache | filter.ActionPacketTrack) {
		c.tracked.OnPacket(c, pdu)
	}

	if c.isTCP {
		c.noteFlags(pdu)
		if c.actions.NeedsReassembly() && c.state != StateTracking {
			flow := &c.stoc
			if pdu.Orig {
				flow = &c.ctos
			}
			if !flow.Insert(*pdu, func(in *L4Pdu) { c.consume(t, in) }) {
				// Reassembly cannot progress past the gap.
				c.remove(t)
				return
			}
		} else {
			c.consume(t, pdu)
			pdu.Release()
		}
		if c.tcpClosed() {
			c.remove(t)
		}
		return
	}

	c.consume(t, pdu)
	pdu.Release()
	if c.actions.Drop() {
		c.remove(t)
	}
}

// noteFlags follows the FIN/ACK exchange that ends a TCP connection.
func (c *Conn) noteFlags(pdu *L4Pdu) {
	flags := pdu.Flags()
	if pdu.Orig {
		if flags&protocols.FIN != 0 {
			c.origFIN = true
		}
		if c.respFIN && flags&protocols.ACK != 0 {
			c.respFINAcked = true
		}
	} else {
		if flags&protocols.FIN != 0 {
			c.respFIN = true
		}
		if c.origFIN && flags&protocols.ACK != 0 {
			c.origFINAcked = true
		}
	}
	if flags&protocols.RST != 0 {
		c.origFIN, c.respFIN = true, true
		c.origFINAcked, c.respFINAcked = true, true
	}
}

func (c *Conn) tcpClosed() bool {
	return c.origFIN && c.respFIN && c.origFINAcked && c.respFINAcked
}

// consume receives PDUs in delivery order (post-reassembly for TCP) and
// drives probing and parsing.
func (c *Conn) consume(t *Table, pdu *L4Pdu) {
	payload := pdu.Payload()
	switch c.state {
	case StateProbing:
		if len(payload) == 0 {
			return
		}
		c.probedPdus++
		proto, parser, done := c.prober.Feed(payload, pdu.Orig)
		switch {
		case parser != nil:
			c.identified(t, proto, parser, pdu)
		case done || c.probedPdus >= t.cfg.MaxProbePdus:
			c.unidentified(t)
		}
	case StateParsing:
		if len(payload) == 0 {
			return
		}
		c.parse(t, payload, pdu.Orig)
	}
}

// identified applies the protocol filter and hands the identifying PDU to
// the chosen parser.
func (c *Conn) identified(t *Table, proto string, parser stream.Parser, pdu *L4Pdu) {
	c.proto = proto
	c.parser = parser
	r := t.engine.ProtoFilter(c.nodes, proto, c.nonterminal)
	c.earlyTerm |= c.applyFilter(r)

	if c.actions.Has(filter.ActionSessionFilter | filter.ActionSessionDeliver | filter.ActionSessionTrack) {
		c.state = StateParsing
		c.parse(t, pdu.Payload(), pdu.Orig)
		return
	}
	if c.actions.Drop() {
		c.remove(t)
		return
	}
	c.state = StateTracking
}

// unidentified ends probing without a parser: protocol-stage patterns can
// no longer match.
func (c *Conn) unidentified(t *Table) {
	c.nonterminal = 0
	c.nodes.Reset()
	c.actions.Update(filter.Actions{})
	if c.actions.Drop() {
		c.remove(t)
		return
	}
	c.state = StateTracking
}

// parse feeds the session parser and routes completed sessions through the
// session filter.
func (c *Conn) parse(t *Table, payload []byte, orig bool) {
	out := c.parser.Parse(payload, orig)
	for _, s := range out.Sessions {
		r := t.engine.SessionFilter(s, c.nodes, c.nonterminal)
		newMatched := c.applyFilter(r)
		if !c.tracked.OnSession(c, s, newMatched) && c.actions.Terminal == 0 {
			c.remove(t)
			return
		}
	}
	switch out.Status {
	case stream.ParseDone:
		// No further sessions will come; session-stage patterns that
		// have not matched never will.
		c.nonterminal = 0
		c.nodes.Reset()
		c.actions.Update(filter.Actions{})
		c.state = StateTracking
	case stream.ParseError:
		// The in-flight session is dropped; the connection survives only
		// for subscriptions already matched.
		if c.actions.Terminal == 0 {
			c.remove(t)
		} else {
			c.state = StateTracking
		}
	}
	if c.state != StateRemove && c.actions.Drop() {
		c.remove(t)
	}
}

// remove terminates the connection: deliver once, flush reassembly, mark
// drained.
func (c *Conn) remove(t *Table) {
	if c.terminated {
		return
	}
	c.terminated = true
	c.state = StateRemove
	c.ctos.Flush()
	c.stoc.Flush()
	if c.tracked != nil {
		c.tracked.OnTerminate(c)
	}
	t.retire(c)
}
