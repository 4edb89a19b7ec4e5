package memory

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrPoolExhausted is returned by Get when no free buffer is available.
// Callers on the datapath drop the packet and bump a counter instead of
// propagating it further.
var ErrPoolExhausted = errors.New("mempool exhausted")

// Mempool is a fixed-size pool of packet buffers. All buffers are
// allocated up front; Get and the final Release are O(1).
type Mempool struct {
	frameSize int
	free      []*Mbuf
	mu        sync.Mutex
	exhausted uint64
}

// NewMempool allocates a pool of n buffers of frameSize bytes each.
func NewMempool(n, frameSize int) *Mempool {
	pool := &Mempool{
		frameSize: frameSize,
		free:      make([]*Mbuf, n),
	}
	backing := make([]byte, n*frameSize)
	for i := range pool.free {
		pool.free[i] = &Mbuf{
			owner: pool,
			frame: backing[i*frameSize : (i+1)*frameSize : (i+1)*frameSize],
		}
	}
	return pool
}

// Get returns a free buffer holding a copy of data, or ErrPoolExhausted.
// Frames longer than the pool frame size are truncated; the Mbuf records
// the original wire length.
func (p *Mempool) Get(data []byte, ts int64) (*Mbuf, error) {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.mu.Unlock()
		atomic.AddUint64(&p.exhausted, 1)
		return nil, ErrPoolExhausted
	}
	buf := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mu.Unlock()

	n := copy(buf.frame[:cap(buf.frame)], data)
	buf.frame = buf.frame[:n]
	buf.wireLen = len(data)
	buf.ts = ts
	buf.mark = 0
	buf.refcnt = 1
	return buf, nil
}

func (p *Mempool) put(buf *Mbuf) {
	p.mu.Lock()
	p.free = append(p.free, buf)
	p.mu.Unlock()
}

// Free returns the number of currently free buffers.
func (p *Mempool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Exhausted returns how often Get failed for lack of buffers.
func (p *Mempool) Exhausted() uint64 {
	return atomic.LoadUint64(&p.exhausted)
}
