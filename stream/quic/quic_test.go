package quic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sift-net/sift/stream"
)

func longHeader(version uint32, dcid, scid []byte) []byte {
	out := []byte{0xc3, byte(version >> 24), byte(version >> 16), byte(version >> 8), byte(version)}
	out = append(out, byte(len(dcid)))
	out = append(out, dcid...)
	out = append(out, byte(len(scid)))
	out = append(out, scid...)
	return append(out, make([]byte, 32)...)
}

func TestProbe(t *testing.T) {
	p := &Parser{}
	pkt := longHeader(1, []byte{1, 2, 3, 4}, []byte{5, 6})
	assert.Equal(t, stream.ProbeMatch, p.Probe(pkt, true))
	assert.Equal(t, stream.ProbeReject, p.Probe([]byte("GET / H"), true))
	assert.Equal(t, stream.ProbeInconclusive, p.Probe(pkt[:3], true))
	// unknown version
	bad := longHeader(0xdeadbeef, []byte{1}, nil)
	assert.Equal(t, stream.ProbeReject, p.Probe(bad, true))
}

func TestParseHeader(t *testing.T) {
	p := &Parser{}
	out := p.Parse(longHeader(1, []byte{0xaa, 0xbb}, []byte{0xcc}), true)
	require.Equal(t, stream.ParseSessionReady, out.Status)
	pkt := out.Sessions[0].(*Packet)
	assert.Equal(t, uint32(1), pkt.Version)
	assert.Equal(t, "aabb", pkt.DCID)
	assert.Equal(t, "cc", pkt.SCID)

	v, ok := pkt.Field("version")
	require.True(t, ok)
	assert.Equal(t, "1", v)
}
