package conntrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sift-net/sift/memory"
	"github.com/sift-net/sift/protocols"
	"github.com/sift-net/sift/sifttest"
)

func segment(t *testing.T, pool *memory.Mempool, seq uint32, flags uint8, payload []byte) L4Pdu {
	t.Helper()
	frame := sifttest.TCPFrame(t, sifttest.Client(40000), sifttest.Server(80), seq, 0, flags, payload)
	res := sifttest.Ingest(t, pool, frame, 0)
	return L4Pdu{Buf: res.Buf, Res: *res, Orig: true}
}

type collector struct {
	chunks [][]byte
	seqs   []uint32
}

func (c *collector) emit(p *L4Pdu) {
	c.chunks = append(c.chunks, append([]byte{}, p.Payload()...))
	c.seqs = append(c.seqs, p.Seq())
}

func (c *collector) bytes() []byte {
	var out []byte
	for _, chunk := range c.chunks {
		out = append(out, chunk...)
	}
	return out
}

func TestReassemblyInOrder(t *testing.T) {
	pool := sifttest.Pool()
	flow := newTCPFlow(8)
	var got collector

	require.True(t, flow.Insert(segment(t, pool, 100, protocols.SYN, nil), got.emit))
	require.True(t, flow.Insert(segment(t, pool, 101, protocols.ACK, []byte("ab")), got.emit))
	require.True(t, flow.Insert(segment(t, pool, 103, protocols.ACK, []byte("cd")), got.emit))
	assert.Equal(t, []byte("abcd"), got.bytes())
}

func TestReassemblyOutOfOrder(t *testing.T) {
	pool := sifttest.Pool()
	flow := newTCPFlow(8)
	var got collector

	require.True(t, flow.Insert(segment(t, pool, 100, protocols.SYN, nil), got.emit))
	// second and third chunks arrive before the first
	require.True(t, flow.Insert(segment(t, pool, 105, protocols.ACK, []byte("ef")), got.emit))
	require.True(t, flow.Insert(segment(t, pool, 103, protocols.ACK, []byte("cd")), got.emit))
	assert.Empty(t, got.bytes())
	assert.Equal(t, 2, flow.HeldSegments())

	require.True(t, flow.Insert(segment(t, pool, 101, protocols.ACK, []byte("ab")), got.emit))
	assert.Equal(t, []byte("abcdef"), got.bytes())
	assert.Zero(t, flow.HeldSegments())

	// sequence numbers emitted in strictly non-decreasing order
	for i := 1; i < len(got.seqs); i++ {
		assert.LessOrEqual(t, got.seqs[i-1], got.seqs[i])
	}
}

func TestReassemblyOldSegmentDropped(t *testing.T) {
	pool := sifttest.Pool()
	flow := newTCPFlow(8)
	var got collector

	require.True(t, flow.Insert(segment(t, pool, 100, protocols.SYN, nil), got.emit))
	require.True(t, flow.Insert(segment(t, pool, 101, protocols.ACK, []byte("abcd")), got.emit))
	// full retransmit: replay below nextSeq changes nothing downstream
	require.True(t, flow.Insert(segment(t, pool, 101, protocols.ACK, []byte("abcd")), got.emit))
	assert.Equal(t, []byte("abcd"), got.bytes())
	assert.Equal(t, 4096, pool.Free(), "old segments release their references")
}

func TestReassemblyOverlapTrimsLeft(t *testing.T) {
	pool := sifttest.Pool()
	flow := newTCPFlow(8)
	var got collector

	require.True(t, flow.Insert(segment(t, pool, 100, protocols.SYN, nil), got.emit))
	require.True(t, flow.Insert(segment(t, pool, 101, protocols.ACK, []byte("abcd")), got.emit))
	// overlaps two delivered bytes, carries two new ones
	require.True(t, flow.Insert(segment(t, pool, 103, protocols.ACK, []byte("cdEF")), got.emit))
	assert.Equal(t, []byte("abcdEF"), got.bytes())
}

func TestReassemblyRingOverflow(t *testing.T) {
	pool := sifttest.Pool()
	flow := newTCPFlow(2)
	var got collector

	require.True(t, flow.Insert(segment(t, pool, 100, protocols.SYN, nil), got.emit))
	require.True(t, flow.Insert(segment(t, pool, 201, protocols.ACK, []byte("x")), got.emit))
	require.True(t, flow.Insert(segment(t, pool, 301, protocols.ACK, []byte("y")), got.emit))
	// ring full: drop-new, flow is stuck
	assert.False(t, flow.Insert(segment(t, pool, 401, protocols.ACK, []byte("z")), got.emit))
	assert.Equal(t, 2, flow.HeldSegments())

	flow.Flush()
	assert.Equal(t, 4096, pool.Free())
}

func TestReassemblyFINFlushes(t *testing.T) {
	pool := sifttest.Pool()
	flow := newTCPFlow(8)
	var got collector

	require.True(t, flow.Insert(segment(t, pool, 100, protocols.SYN, nil), got.emit))
	require.True(t, flow.Insert(segment(t, pool, 101, protocols.ACK, []byte("ab")), got.emit))
	require.True(t, flow.Insert(segment(t, pool, 103, protocols.FIN|protocols.ACK, nil), got.emit))
	// direction closed: later data is dropped
	require.True(t, flow.Insert(segment(t, pool, 104, protocols.ACK, []byte("zz")), got.emit))
	assert.Equal(t, []byte("ab"), got.bytes())
	assert.Equal(t, 4096, pool.Free())
}
