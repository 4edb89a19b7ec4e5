package conntrack

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sift-net/sift/filter"
	"github.com/sift-net/sift/protocols"
	"github.com/sift-net/sift/stream"
)

// Config sizes one core's connection table.
type Config struct {
	// TableSize pre-sizes the hash table to avoid datapath rehashing.
	TableSize int
	// RingCapacity bounds held out-of-order segments per direction.
	RingCapacity int
	// MaxProbePdus bounds probing before a connection gives up on
	// protocol identification.
	MaxProbePdus int
	// EstablishTimeout reaps connections that never see a reply.
	EstablishTimeout time.Duration
	// IdleTimeout reaps established but inactive connections.
	IdleTimeout time.Duration
	// TimerResolution is the wheel bucket width.
	TimerResolution time.Duration
}

// DefaultConfig returns the sizing used when the operator does not tune.
func DefaultConfig() Config {
	return Config{
		TableSize:        1 << 16,
		RingCapacity:     64,
		MaxProbePdus:     8,
		EstablishTimeout: 10 * time.Second,
		IdleTimeout:      5 * time.Minute,
		TimerResolution:  time.Second,
	}
}

// Stats counts table events. Snapshots are read via atomic-free copies on
// the owning core only.
type Stats struct {
	Created       uint64
	Terminated    uint64
	TimedOut      uint64
	DroppedPkts   uint64
	IgnoredPkts   uint64
	TombstonePkts uint64
}

// Table is one core's connection tracker. It is single-threaded by
// construction: receive-side scaling pins each 5-tuple to one core, so no
// locking happens on the datapath.
type Table struct {
	engine     *filter.Engine
	registry   *stream.Registry
	newTracked func() Trackable

	conns map[ConnId]*Conn
	wheel *TimerWheel
	cfg   Config
	now   time.Time

	stats Stats
}

// NewTable builds a tracker over the compiled filter engine and parser
// registry. newTracked creates the per-connection tracked state.
func NewTable(engine *filter.Engine, registry *stream.Registry, newTracked func() Trackable, cfg Config, start time.Time) *Table {
	maxTimeout := cfg.IdleTimeout
	if cfg.EstablishTimeout > maxTimeout {
		maxTimeout = cfg.EstablishTimeout
	}
	return &Table{
		engine:     engine,
		registry:   registry,
		newTracked: newTracked,
		conns:      make(map[ConnId]*Conn, cfg.TableSize),
		wheel:      NewTimerWheel(maxTimeout+cfg.TimerResolution, cfg.TimerResolution, start),
		cfg:        cfg,
	}
}

// Stats returns a snapshot of the table counters.
func (t *Table) Stats() Stats { return t.stats }

// Len returns the number of tracked entries, tombstones included.
func (t *Table) Len() int { return len(t.conns) }

// Process runs one parsed packet through the tracker. It takes ownership
// of the packet's buffer reference.
func (t *Table) Process(res *protocols.PacketResult, now time.Time) {
	t.now = now
	id, fwd, err := NewConnId(res)
	if err != nil {
		t.stats.IgnoredPkts++
		res.Buf.Release()
		return
	}

	c := t.conns[id]
	if c == nil {
		c = t.admit(res, id, fwd, now)
		if c == nil {
			res.Buf.Release()
			return
		}
	} else if c.state == StateRemove {
		// Tombstoned key: suppress re-insertion for one timeout period.
		t.stats.TombstonePkts++
		res.Buf.Release()
		return
	}

	pdu := L4Pdu{Buf: res.Buf, Res: *res, Orig: fwd == c.orig}
	c.handlePacket(t, &pdu, now)
}

// admit decides whether a first packet creates an entry: TCP connections
// start on SYN only, UDP on any packet, and the packet filter must leave
// something to do.
func (t *Table) admit(res *protocols.PacketResult, id ConnId, fwd bool, now time.Time) *Conn {
	if res.IsTCP() && res.TCPFlags&protocols.SYN == 0 {
		t.stats.IgnoredPkts++
		return nil
	}
	r := t.engine.PacketFilter(res)
	if r.Terminal.Empty() && r.Actions.Drop() {
		t.stats.DroppedPkts++
		return nil
	}

	c := &Conn{
		id:        id,
		orig:      fwd,
		isTCP:     res.IsTCP(),
		tracked:   t.newTracked(),
		createdAt: now,
		lastSeen:  now,
		ctos:      newTCPFlow(t.cfg.RingCapacity),
		stoc:      newTCPFlow(t.cfg.RingCapacity),
	}
	c.earlyTerm |= c.applyFilter(r)
	if c.actions.NeedsProbe() && !t.registry.Empty() {
		c.state = StateProbing
		c.prober = t.registry.NewProber()
	} else {
		c.state = StateTracking
	}
	c.tracked.OnFirstPacket(c, res)

	t.conns[id] = c
	t.wheel.Insert(id, now, t.cfg.EstablishTimeout)
	t.stats.Created++
	logrus.WithFields(logrus.Fields{"conn": id.String(), "state": c.state.String()}).
		Debug("connection admitted")
	return c
}

// retire handles a terminated connection: TCP entries leave the table at
// once, UDP keys stay as tombstones for one timeout period.
func (t *Table) retire(c *Conn) {
	t.stats.Terminated++
	if c.isTCP {
		delete(t.conns, c.id)
		return
	}
	c.tracked = nil
	c.lastSeen = t.now
	t.wheel.Insert(c.id, t.now, t.cfg.IdleTimeout)
}

// AdvanceTimers reaps idle and never-established connections.
func (t *Table) AdvanceTimers(now time.Time) {
	t.now = now
	t.wheel.Advance(now, func(id ConnId) {
		c := t.conns[id]
		if c == nil {
			return
		}
		if c.state == StateRemove {
			// Tombstone expired.
			if !now.Before(c.lastSeen.Add(t.cfg.IdleTimeout)) {
				delete(t.conns, id)
			}
			return
		}
		window := t.cfg.IdleTimeout
		if !c.established {
			window = t.cfg.EstablishTimeout
		}
		if now.Before(c.lastSeen.Add(window)) {
			// Updated since scheduling; check again one window later.
			t.wheel.Insert(id, c.lastSeen, window)
			return
		}
		t.stats.TimedOut++
		c.remove(t)
	})
}

// Drain terminates every live connection, delivering connection-level
// subscriptions. Used at end of capture and on shutdown.
func (t *Table) Drain() {
	for id, c := range t.conns {
		if c.state != StateRemove {
			c.remove(t)
		}
		delete(t.conns, id)
	}
}
