package filter

import "strings"

// ActionData is a bitmap of operations the framework must perform for a
// connection now or in the future. An empty set means the connection can
// be dropped.
type ActionData uint16

const (
	// ActionPacketContinue forwards the packet to the connection tracker.
	ActionPacketContinue ActionData = 1 << iota
	// ActionPacketDeliver delivers each subsequent matching packet.
	ActionPacketDeliver
	// ActionPacketCache buffers frames for a packet-level datatype whose
	// match is not yet terminal.
	ActionPacketCache
	// ActionPacketTrack buffers frames for a datatype that tracks and
	// delivers packet lists.
	ActionPacketTrack
	// ActionProtoProbe probes for the application-layer protocol.
	ActionProtoProbe
	// ActionProtoFilter applies the protocol filter once identified.
	ActionProtoFilter
	// ActionSessionFilter applies the session filter once parsed.
	ActionSessionFilter
	// ActionSessionDeliver delivers parsed sessions through the session
	// filter.
	ActionSessionDeliver
	// ActionSessionTrack stores parsed sessions in tracked data.
	ActionSessionTrack
	// ActionUpdate invokes datatype update hooks pre-reassembly.
	ActionUpdate
	// ActionReassemble keeps the TCP reassembler feeding probing and
	// parsing; no datatype update hook runs after reassembly.
	ActionReassemble
	// ActionConnDeliver delivers connection data on termination.
	ActionConnDeliver
)

var actionNames = []struct {
	bit  ActionData
	name string
}{
	{ActionPacketContinue, "packet-continue"},
	{ActionPacketDeliver, "packet-deliver"},
	{ActionPacketCache, "packet-cache"},
	{ActionPacketTrack, "packet-track"},
	{ActionProtoProbe, "proto-probe"},
	{ActionProtoFilter, "proto-filter"},
	{ActionSessionFilter, "session-filter"},
	{ActionSessionDeliver, "session-deliver"},
	{ActionSessionTrack, "session-track"},
	{ActionUpdate, "update"},
	{ActionReassemble, "reassemble"},
	{ActionConnDeliver, "conn-deliver"},
}

func (a ActionData) String() string {
	var parts []string
	for _, n := range actionNames {
		if a&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Actions pairs the operations requested after the latest filter stage with
// the terminal subset that persists regardless of later filter outcomes.
type Actions struct {
	Data     ActionData
	Terminal ActionData
}

// Update stores the result of a newly applied filter stage: terminal
// actions persist, non-terminal ones are replaced.
func (a *Actions) Update(next Actions) {
	a.Data = a.Terminal | next.Data
	a.Terminal |= next.Terminal
}

// Push merges another action set into this one.
func (a *Actions) Push(other Actions) {
	a.Data |= other.Data
	a.Terminal |= other.Terminal
}

// Drop reports whether no actions remain; the connection can be removed.
func (a Actions) Drop() bool { return a.Data == 0 && a.Terminal == 0 }

// Has reports whether any of the given bits are requested.
func (a Actions) Has(bits ActionData) bool { return a.Data&bits != 0 }

// ClearIntersection removes from a every bit present in other.
func (a *Actions) ClearIntersection(other Actions) {
	a.Data &^= other.Data
	a.Terminal &^= other.Terminal
}

// NeedsProbe reports whether protocol identification is still required.
func (a Actions) NeedsProbe() bool {
	return a.Has(ActionProtoProbe | ActionProtoFilter | ActionSessionFilter | ActionSessionDeliver | ActionSessionTrack)
}

// NeedsReassembly reports whether the TCP reassembler must run.
func (a Actions) NeedsReassembly() bool {
	return a.Has(ActionReassemble | ActionProtoProbe | ActionProtoFilter |
		ActionSessionFilter | ActionSessionDeliver | ActionSessionTrack)
}
