package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sift-net/sift/stream"
)

func TestProbe(t *testing.T) {
	p := NewParser()
	assert.Equal(t, stream.ProbeMatch, p.Probe([]byte("GET / HTTP/1.1\r\n"), true))
	assert.Equal(t, stream.ProbeInconclusive, p.Probe([]byte("GE"), true))
	assert.Equal(t, stream.ProbeReject, p.Probe([]byte{0x16, 0x03, 0x03}, true))
	assert.Equal(t, stream.ProbeInconclusive, p.Probe([]byte("HTTP/1.1 200 OK\r\n"), false))
}

func TestParsePipelined(t *testing.T) {
	p := NewParser()
	reqs := "GET /first HTTP/1.1\r\nHost: a.example\r\nUser-Agent: ua/1\r\n\r\n" +
		"GET /second HTTP/1.1\r\nHost: a.example\r\n\r\n"
	out := p.Parse([]byte(reqs), true)
	assert.Equal(t, stream.ParseInProgress, out.Status)

	resps := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok" +
		"HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n"
	out = p.Parse([]byte(resps), false)
	require.Equal(t, stream.ParseSessionReady, out.Status)
	require.Len(t, out.Sessions, 2)

	first := out.Sessions[0].(*Transaction)
	second := out.Sessions[1].(*Transaction)
	assert.Equal(t, "/first", first.URI)
	assert.Equal(t, 200, first.StatusCode)
	assert.Equal(t, "ua/1", first.UserAgent)
	assert.Equal(t, "/second", second.URI)
	assert.Equal(t, 404, second.StatusCode)
}

func TestParseSplitHeader(t *testing.T) {
	p := NewParser()
	req := "GET /x HTTP/1.1\r\nHost: b.example\r\n\r\n"
	out := p.Parse([]byte(req[:10]), true)
	assert.Equal(t, stream.ParseInProgress, out.Status)
	out = p.Parse([]byte(req[10:]), true)
	assert.Equal(t, stream.ParseInProgress, out.Status)

	out = p.Parse([]byte("HTTP/1.1 204 No Content\r\nContent-Length: 0\r\n\r\n"), false)
	require.Equal(t, stream.ParseSessionReady, out.Status)
	txn := out.Sessions[0].(*Transaction)
	assert.Equal(t, "b.example", txn.Host)
	assert.Equal(t, 204, txn.StatusCode)
}

func TestParseGarbage(t *testing.T) {
	p := NewParser()
	out := p.Parse([]byte("\x00\x01garbage\r\n\r\n"), true)
	assert.Equal(t, stream.ParseError, out.Status)
}
