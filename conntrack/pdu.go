package conntrack

import (
	"github.com/sift-net/sift/memory"
	"github.com/sift-net/sift/protocols"
)

// L4Pdu is one transport segment or datagram flowing through a connection.
// It holds a reference on the underlying frame; Release drops it.
type L4Pdu struct {
	Buf *memory.Mbuf
	Res protocols.PacketResult
	// Orig is true when the packet travels in the direction of the first
	// observed packet of the connection.
	Orig bool
	// Trim skips payload bytes already delivered by reassembly when a
	// held segment overlaps the in-order prefix.
	Trim int
}

// Seq returns the TCP sequence number.
func (p *L4Pdu) Seq() uint32 { return p.Res.Seq }

// Flags returns the TCP flag bits.
func (p *L4Pdu) Flags() uint8 { return p.Res.TCPFlags }

// Payload returns the transport payload bytes not yet delivered.
func (p *L4Pdu) Payload() []byte {
	b := p.Res.Payload()
	if p.Trim > 0 && p.Trim <= len(b) {
		return b[p.Trim:]
	}
	return b
}

// Len returns the deliverable payload length.
func (p *L4Pdu) Len() int { return len(p.Payload()) }

// SeqLen returns the sequence-space length of the segment (payload plus
// SYN/FIN).
func (p *L4Pdu) SeqLen() uint32 {
	n := uint32(p.Len())
	if p.Flags()&(protocols.SYN|protocols.FIN) != 0 {
		n++
	}
	return n
}

// Release drops the PDU's frame reference.
func (p *L4Pdu) Release() {
	if p.Buf != nil {
		p.Buf.Release()
		p.Buf = nil
	}
}
