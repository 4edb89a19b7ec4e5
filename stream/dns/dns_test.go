package dns

import (
	"encoding/binary"
	"testing"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sift-net/sift/stream"
)

func query(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(name), mdns.TypeA)
	msg.Id = id
	wire, err := msg.Pack()
	require.NoError(t, err)
	return wire
}

func response(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(name), mdns.TypeA)
	msg.Id = id
	msg.Response = true
	rr, err := mdns.NewRR(name + ". 300 IN A 192.0.2.10")
	require.NoError(t, err)
	msg.Answer = append(msg.Answer, rr)
	wire, err := msg.Pack()
	require.NoError(t, err)
	return wire
}

func TestProbe(t *testing.T) {
	p := &Parser{}
	assert.Equal(t, stream.ProbeMatch, p.Probe(query(t, 1, "example.com"), true))
	assert.Equal(t, stream.ProbeInconclusive, p.Probe([]byte{0, 1, 2}, true))
	assert.Equal(t, stream.ProbeReject, p.Probe([]byte("GET / HTTP/1.1\r\nabcdef"), true))
}

func TestParsePairsByID(t *testing.T) {
	p := &Parser{}
	out := p.Parse(query(t, 7, "example.com"), true)
	assert.Equal(t, stream.ParseInProgress, out.Status)
	out = p.Parse(query(t, 9, "example.org"), true)
	assert.Equal(t, stream.ParseInProgress, out.Status)

	// responses arrive out of query order
	out = p.Parse(response(t, 9, "example.org"), false)
	require.Equal(t, stream.ParseSessionReady, out.Status)
	txn := out.Sessions[0].(*Transaction)
	assert.Equal(t, uint16(9), txn.ID)
	assert.Equal(t, "example.org", txn.QueryDomain)
	assert.Equal(t, "A", txn.QueryType)
	assert.Equal(t, 0, txn.ResponseCode)

	out = p.Parse(response(t, 7, "example.com"), false)
	require.Equal(t, stream.ParseSessionReady, out.Status)
	assert.Equal(t, uint16(7), out.Sessions[0].(*Transaction).ID)
}

func TestParseTCPFraming(t *testing.T) {
	p := &Parser{}
	q := query(t, 3, "tcp.example")
	framed := make([]byte, 2+len(q))
	binary.BigEndian.PutUint16(framed, uint16(len(q)))
	copy(framed[2:], q)
	require.Equal(t, stream.ProbeMatch, p.Probe(framed, true))

	out := p.Parse(framed[:5], true)
	assert.Equal(t, stream.ParseInProgress, out.Status)
	out = p.Parse(framed[5:], true)
	assert.Equal(t, stream.ParseInProgress, out.Status)

	r := response(t, 3, "tcp.example")
	framedResp := make([]byte, 2+len(r))
	binary.BigEndian.PutUint16(framedResp, uint16(len(r)))
	copy(framedResp[2:], r)
	out = p.Parse(framedResp, false)
	require.Equal(t, stream.ParseSessionReady, out.Status)
	assert.Equal(t, "tcp.example", out.Sessions[0].(*Transaction).QueryDomain)
}
