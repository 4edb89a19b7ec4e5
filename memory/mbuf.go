package memory

import "sync/atomic"

// Mbuf is one NIC frame owned by a Mempool. The frame bytes are immutable
// after ingress. Ownership is shared: the tracker may hold extra references
// during reassembly and delivery may extend the lifetime further. The last
// Release returns the buffer to its pool.
type Mbuf struct {
	owner   *Mempool
	frame   []byte
	wireLen int
	ts      int64
	mark    uint32
	refcnt  int32
}

// Data returns the captured frame bytes.
func (m *Mbuf) Data() []byte { return m.frame }

// Len returns the captured length.
func (m *Mbuf) Len() int { return len(m.frame) }

// WireLen returns the original on-wire length, which may exceed Len for
// truncated captures.
func (m *Mbuf) WireLen() int { return m.wireLen }

// Timestamp returns the ingress timestamp in nanoseconds.
func (m *Mbuf) Timestamp() int64 { return m.ts }

// Mark returns the buffer tag set by SetMark.
func (m *Mbuf) Mark() uint32 { return atomic.LoadUint32(&m.mark) }

// SetMark tags the buffer. The tag travels with the buffer, not the bytes.
func (m *Mbuf) SetMark(v uint32) { atomic.StoreUint32(&m.mark, v) }

// Clone bumps the reference count and returns the same buffer.
func (m *Mbuf) Clone() *Mbuf {
	atomic.AddInt32(&m.refcnt, 1)
	return m
}

// Refs returns the current reference count.
func (m *Mbuf) Refs() int32 { return atomic.LoadInt32(&m.refcnt) }

// Release drops one reference. Dropping the last reference returns the
// buffer to its pool.
func (m *Mbuf) Release() {
	if atomic.AddInt32(&m.refcnt, -1) > 0 {
		return
	}
	if m.owner != nil {
		m.owner.put(m)
	}
}
