package subscription

import (
	"github.com/sift-net/sift/conntrack"
	"github.com/sift-net/sift/filter"
	"github.com/sift-net/sift/memory"
	"github.com/sift-net/sift/protocols"
	"github.com/sift-net/sift/stream"
)

// TrackedData is the union of per-connection state required by all
// subscribed datatypes, plus the delivery bookkeeping. It exists exactly
// once per connection; datatype values handed to callbacks are views into
// it, shared by subscriptions that request the same datatype.
type TrackedData struct {
	set *Set

	record    ConnRecord
	hasRecord bool
	frames    []*memory.Mbuf
	cached    []*memory.Mbuf
	sessions  []stream.Session
	delivered filter.Bitmap
}

// OnFirstPacket initializes the tracked state.
func (d *TrackedData) OnFirstPacket(c *conntrack.Conn, res *protocols.PacketResult) {
	live := c.Terminal() | c.Nonterminal()
	if d.set.needsRecord(live & d.set.connSubs) {
		d.hasRecord = true
		d.record.Id = c.Id()
		d.record.FirstSeen = c.CreatedAt()
		d.record.LastSeen = c.CreatedAt()
	}
}

// OnPacket updates per-packet state: counters, frame caches, and
// immediate packet delivery, each gated on the match bitmaps.
func (d *TrackedData) OnPacket(c *conntrack.Conn, pdu *conntrack.L4Pdu) {
	live := c.Terminal() | c.Nonterminal()

	if d.hasRecord {
		d.record.LastSeen = c.LastSeen()
		d.record.Proto = c.Proto()
		n := uint64(pdu.Buf.WireLen())
		if pdu.Orig {
			d.record.PktsOrig++
			d.record.BytesOrig += n
		} else {
			d.record.PktsResp++
			d.record.BytesResp += n
		}
	}

	actions := c.Actions()
	if actions.Has(filter.ActionPacketTrack) && d.set.needsFrames(live) {
		d.frames = append(d.frames, pdu.Buf.Clone())
	}
	if actions.Has(filter.ActionPacketCache) && live&d.set.packetSubs&c.Nonterminal() != 0 {
		d.cached = append(d.cached, pdu.Buf.Clone())
	}

	// Terminal packet-level subscriptions receive every matching packet.
	term := c.Terminal() & d.set.packetSubs
	term.ForEach(func(i int) {
		sub := d.set.subs[i]
		invoke(sub.Callback, &Delivery{
			Callback: sub.Spec.Callback,
			ConnId:   c.Id(),
			Frame:    pdu.Buf,
		})
	})
}

// OnSession delivers or stashes one parsed session.
func (d *TrackedData) OnSession(c *conntrack.Conn, s stream.Session, justMatched filter.Bitmap) bool {
	// Session-level subscriptions that matched before parsing receive
	// every session; late matches receive the session that matched.
	deliverTo := (justMatched | c.EarlyTerminal()&c.Terminal()) & d.set.sessionSubs
	deliverTo.ForEach(func(i int) {
		sub := d.set.subs[i]
		if !sessionWanted(sub, s) {
			return
		}
		invoke(sub.Callback, &Delivery{
			Callback: sub.Spec.Callback,
			ConnId:   c.Id(),
			Session:  s,
		})
	})

	// A packet-level subscription matching at the session stage drains
	// its cached frames.
	lateFrames := justMatched & d.set.packetSubs
	if lateFrames != 0 {
		for _, frame := range d.cached {
			lateFrames.ForEach(func(i int) {
				sub := d.set.subs[i]
				invoke(sub.Callback, &Delivery{
					Callback: sub.Spec.Callback,
					ConnId:   c.Id(),
					Frame:    frame,
				})
			})
			frame.Release()
		}
		d.cached = d.cached[:0]
	}

	// Connection-level subscriptions with session datatypes stash for
	// terminal delivery.
	stash := (c.Terminal() | c.Nonterminal()) & d.set.connSubs
	keepParsing := false
	stash.ForEach(func(i int) {
		if d.set.subs[i].Spec.TracksSessions {
			keepParsing = true
		}
	})
	if keepParsing {
		d.sessions = append(d.sessions, s)
	}

	return keepParsing || !c.Nonterminal().Empty()
}

// OnTerminate delivers connection-level datatypes exactly once per
// subscription and drops every held reference.
func (d *TrackedData) OnTerminate(c *conntrack.Conn) {
	if d.hasRecord {
		d.record.LastSeen = c.LastSeen()
		d.record.Proto = c.Proto()
	}

	for _, spec := range d.set.engine.TerminationFilter(c.Terminal() &^ d.delivered) {
		sub := d.set.subs[spec.Index]
		del := &Delivery{Callback: spec.Callback, ConnId: c.Id()}
		if sub.wantsDatatype("ConnRecord") {
			del.Record = &d.record
		}
		if sub.wantsDatatype("FrameList") {
			del.Frames = d.frames
		}
		if spec.TracksSessions && len(d.sessions) > 0 {
			del.Session = d.sessions[len(d.sessions)-1]
		}
		invoke(sub.Callback, del)
		d.delivered = d.delivered.Set(spec.Index)
	}

	for _, frame := range d.frames {
		frame.Release()
	}
	d.frames = nil
	for _, frame := range d.cached {
		frame.Release()
	}
	d.cached = nil
	d.sessions = nil
}

func sessionWanted(sub *Subscription, s stream.Session) bool {
	protos := sub.sessionProtos()
	if len(protos) == 0 {
		return true
	}
	return protos[s.SessionProto()]
}
