package filter

import (
	"github.com/pkg/errors"
)

// MaxSubscriptions bounds the match bitmaps carried per connection.
const MaxSubscriptions = 64

// Level is the delivery granularity of a subscription, derived from the
// most demanding datatype it requests.
type Level int

const (
	// LevelPacket delivers individual frames.
	LevelPacket Level = iota
	// LevelSession delivers parsed application-layer sessions.
	LevelSession
	// LevelConnection delivers once, when the connection terminates.
	LevelConnection
)

func (l Level) String() string {
	switch l {
	case LevelPacket:
		return "packet"
	case LevelSession:
		return "session"
	case LevelConnection:
		return "connection"
	}
	return "unknown"
}

// Spec is the filter engine's view of one subscription: its patterns, its
// delivery level, and the tracking the requested datatypes impose.
type Spec struct {
	Index    int
	Callback string
	Filter   string
	Level    Level

	// TracksPackets is set when a datatype keeps a frame list.
	TracksPackets bool
	// TracksSessions is set when a connection-level datatype stores
	// parsed sessions for terminal delivery.
	TracksSessions bool
	// RequiredParsers lists L7 keywords the datatypes need regardless of
	// the filter expression (e.g. TlsHandshake implies tls).
	RequiredParsers []string

	patterns []FlatPattern
}

// NewSpec parses and fully qualifies the subscription's filter expression.
func NewSpec(index int, callback, expr string, level Level) (*Spec, error) {
	if index >= MaxSubscriptions {
		return nil, errors.Errorf("subscription %q: at most %d subscriptions", callback, MaxSubscriptions)
	}
	flat, err := Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "subscription %q", callback)
	}
	qualified, err := FullyQualify(flat)
	if err != nil {
		return nil, errors.Wrapf(err, "subscription %q", callback)
	}
	return &Spec{
		Index:    index,
		Callback: callback,
		Filter:   expr,
		Level:    level,
		patterns: qualified,
	}, nil
}

// Patterns returns the fully qualified patterns of the subscription.
func (s *Spec) Patterns() []FlatPattern { return s.patterns }

// Parsers returns the L7 protocols this subscription requires: keywords in
// the filter plus datatype requirements.
func (s *Spec) Parsers() []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, p := range s.patterns {
		for _, pred := range p.Predicates {
			if protocolTable[pred.Protocol].layer == LayerApplication {
				add(pred.Protocol)
			}
		}
	}
	for _, name := range s.RequiredParsers {
		add(name)
	}
	return out
}

// termActions returns the actions installed when the subscription's filter
// conclusively matches at the given stage.
func (s *Spec) termActions(stage Stage) Actions {
	var a Actions
	switch s.Level {
	case LevelPacket:
		a.Data |= ActionPacketDeliver
		a.Terminal |= ActionPacketDeliver
		if s.TracksPackets {
			a.Data |= ActionPacketTrack
			a.Terminal |= ActionPacketTrack
		}
	case LevelConnection:
		a.Data |= ActionUpdate | ActionReassemble | ActionConnDeliver
		a.Terminal |= ActionUpdate | ActionReassemble | ActionConnDeliver
		if s.TracksSessions {
			a.Data |= ActionProtoProbe | ActionSessionTrack
			a.Terminal |= ActionSessionTrack
		}
	case LevelSession:
		a.Data |= ActionProtoProbe | ActionSessionDeliver | ActionReassemble
		a.Terminal |= ActionSessionDeliver | ActionReassemble
	}
	if stage == StageSession {
		// Matched on a parsed session; probing is over.
		a.Data &^= ActionProtoProbe
	}
	return a
}

// nontermActions returns the actions keeping a connection alive while the
// subscription's pattern continues matching at a later stage.
func (s *Spec) nontermActions(stage Stage) Actions {
	var a Actions
	switch stage {
	case StagePacket:
		a.Data |= ActionProtoProbe | ActionProtoFilter | ActionReassemble
	case StageProtocol:
		a.Data |= ActionSessionFilter | ActionReassemble
	}
	switch s.Level {
	case LevelPacket:
		a.Data |= ActionPacketCache
	case LevelConnection:
		// Connection datatypes observe the connection from the first
		// packet so counters are complete if the match lands later.
		a.Data |= ActionUpdate
	}
	return a
}
