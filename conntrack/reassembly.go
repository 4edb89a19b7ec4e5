package conntrack

import (
	"github.com/sirupsen/logrus"

	"github.com/sift-net/sift/protocols"
)

// tcpFlow reorders one direction of a TCP connection. Out-of-order
// segments are held by reference, never copied; in-order segments are
// emitted immediately, so downstream stages always observe a
// non-decreasing sequence prefix.
type tcpFlow struct {
	nextSeq uint32
	seqInit bool
	closed  bool
	held    []heldSeg
	cap     int
	// gapped is set when a segment was dropped for lack of ring space;
	// the connection can no longer be reassembled past the gap.
	gapped bool
}

type heldSeg struct {
	seq uint32
	pdu L4Pdu
}

func newTCPFlow(capacity int) tcpFlow {
	return tcpFlow{cap: capacity}
}

// seqLt compares sequence numbers mod 2^32.
func seqLt(a, b uint32) bool { return int32(a-b) < 0 }

// Insert consumes one segment. In-order data (and any held data it
// unblocks) is passed to emit; future data is held; old data is dropped
// with its overlap trimmed left. Returns false when the ring overflowed
// and the flow cannot progress.
func (f *tcpFlow) Insert(pdu L4Pdu, emit func(*L4Pdu)) bool {
	if f.closed {
		pdu.Release()
		return !f.gapped
	}
	flags := pdu.Flags()

	if !f.seqInit {
		if flags&protocols.SYN != 0 {
			f.seqInit = true
			f.nextSeq = pdu.Seq() + pdu.SeqLen()
			f.deliver(pdu, emit)
			f.drain(emit)
			return true
		}
		// Await the handshake; hold anything that raced ahead of it.
		return f.hold(pdu)
	}

	seq := pdu.Seq()
	switch {
	case seq == f.nextSeq:
		f.advance(pdu, emit)
	case seqLt(f.nextSeq, seq):
		return f.hold(pdu)
	default:
		covered := seq + uint32(pdu.Len())
		if !seqLt(f.nextSeq, covered) {
			// Fully old data.
			pdu.Release()
			return true
		}
		// Starts before nextSeq but carries new bytes: trim left.
		pdu.Trim = int(f.nextSeq - seq)
		f.nextSeq += uint32(pdu.Len()) + finLen(pdu.Flags())
		f.deliver(pdu, emit)
		f.drain(emit)
	}
	return !f.gapped
}

func (f *tcpFlow) advance(pdu L4Pdu, emit func(*L4Pdu)) {
	f.nextSeq += pdu.SeqLen()
	f.deliver(pdu, emit)
	f.drain(emit)
}

func (f *tcpFlow) deliver(pdu L4Pdu, emit func(*L4Pdu)) {
	flags := pdu.Flags()
	if flags&(protocols.FIN|protocols.RST) != 0 {
		f.closed = true
	}
	emit(&pdu)
	pdu.Release()
	if flags&(protocols.FIN|protocols.RST) != 0 {
		f.Flush()
	}
}

// drain emits held segments that became contiguous. Bytes already
// delivered win over held duplicates.
func (f *tcpFlow) drain(emit func(*L4Pdu)) {
	for len(f.held) > 0 && !f.closed {
		seg := f.held[0]
		if seqLt(f.nextSeq, seg.seq) {
			return
		}
		f.held = f.held[1:]
		covered := seg.seq + uint32(seg.pdu.Len())
		if !seqLt(f.nextSeq, covered) && seg.pdu.SeqLen() == uint32(seg.pdu.Len()) {
			seg.pdu.Release()
			continue
		}
		if seqLt(seg.seq, f.nextSeq) {
			seg.pdu.Trim = int(f.nextSeq - seg.seq)
		}
		f.nextSeq += uint32(seg.pdu.Len()) + finLen(seg.pdu.Flags())
		f.deliver(seg.pdu, emit)
	}
}

// hold inserts a future segment ordered by sequence number. The ring
// capacity bounds mempool pressure; on overflow the new segment is
// dropped so established delivery order is never violated.
func (f *tcpFlow) hold(pdu L4Pdu) bool {
	if len(f.held) >= f.cap {
		logrus.WithField("seq", pdu.Seq()).Debug("reassembly ring full, dropping segment")
		pdu.Release()
		f.gapped = true
		return false
	}
	seq := pdu.Seq()
	pos := len(f.held)
	for i, seg := range f.held {
		if seg.seq == seq {
			// Earlier-received bytes win.
			pdu.Release()
			return true
		}
		if seqLt(seq, seg.seq) {
			pos = i
			break
		}
	}
	f.held = append(f.held, heldSeg{})
	copy(f.held[pos+1:], f.held[pos:])
	f.held[pos] = heldSeg{seq: seq, pdu: pdu}
	return true
}

// Flush drops all held segments, releasing their frame references.
func (f *tcpFlow) Flush() {
	for i := range f.held {
		f.held[i].pdu.Release()
	}
	f.held = f.held[:0]
}

// HeldSegments returns the number of out-of-order segments currently held.
func (f *tcpFlow) HeldSegments() int { return len(f.held) }

func finLen(flags uint8) uint32 {
	if flags&protocols.FIN != 0 {
		return 1
	}
	return 0
}
