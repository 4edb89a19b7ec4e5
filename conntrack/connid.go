// Package conntrack tracks connections per worker core: a 5-tuple hash
// table of per-connection state machines driving reassembly, protocol
// probing, parsing, and subscription delivery.
package conntrack

import (
	"fmt"
	"net/netip"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/sift-net/sift/protocols"
)

// ErrNotConnOriented is returned for packets without a TCP or UDP header.
var ErrNotConnOriented = errors.New("packet is not connection-oriented")

// ConnId is the order-normalized 5-tuple key of a connection. A and B are
// sorted so both directions of a flow map to the same key; the original
// orientation of the first observed packet is kept on the Conn.
type ConnId struct {
	A     netip.AddrPort
	B     netip.AddrPort
	Proto uint8
}

// NewConnId builds the normalized key for a parsed packet and reports
// whether the packet travels in A→B (normalized) order.
func NewConnId(res *protocols.PacketResult) (ConnId, bool, error) {
	if !res.IsTCP() && !res.IsUDP() {
		return ConnId{}, false, ErrNotConnOriented
	}
	src := netip.AddrPortFrom(res.SrcAddr, res.SrcPort)
	dst := netip.AddrPortFrom(res.DstAddr, res.DstPort)
	if less(src, dst) {
		return ConnId{A: src, B: dst, Proto: res.Proto}, true, nil
	}
	return ConnId{A: dst, B: src, Proto: res.Proto}, false, nil
}

func less(a, b netip.AddrPort) bool {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c < 0
	}
	return a.Port() < b.Port()
}

// Hash returns a 64-bit hash of the key, also used for worker sharding.
func (id ConnId) Hash() uint64 {
	var d xxhash.Digest
	d.Reset()
	a16 := id.A.Addr().As16()
	b16 := id.B.Addr().As16()
	_, _ = d.Write(a16[:])
	_, _ = d.Write(b16[:])
	_, _ = d.Write([]byte{
		byte(id.A.Port() >> 8), byte(id.A.Port()),
		byte(id.B.Port() >> 8), byte(id.B.Port()),
		id.Proto,
	})
	return d.Sum64()
}

func (id ConnId) String() string {
	return fmt.Sprintf("%s <> %s proto %d", id.A, id.B, id.Proto)
}
