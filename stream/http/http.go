// Package http reconstructs request/response transactions from
// reassembled connection bytes. Pipelined transactions are paired FIFO.
package http

import (
	"bufio"
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"

	"github.com/sift-net/sift/stream"
)

func init() {
	stream.Register("http", func() stream.Parser { return NewParser() })
}

var methods = []string{"GET", "POST", "PUT", "HEAD", "DELETE", "OPTIONS", "PATCH", "TRACE", "CONNECT"}

// Transaction is one request/response pair. It is delivered when the
// response head has been parsed.
type Transaction struct {
	Method     string
	URI        string
	Host       string
	UserAgent  string
	StatusCode int
}

// SessionProto implements stream.Session.
func (t *Transaction) SessionProto() string { return "http" }

// Field implements stream.Session.
func (t *Transaction) Field(name string) (string, bool) {
	switch name {
	case "method":
		return t.Method, true
	case "uri":
		return t.URI, true
	case "host":
		return t.Host, true
	case "user_agent":
		return t.UserAgent, true
	case "status_code":
		return strconv.Itoa(t.StatusCode), true
	}
	return "", false
}

// Parser accumulates both directions and pairs responses with pending
// requests in arrival order.
type Parser struct {
	reqBuf  *bytebufferpool.ByteBuffer
	respBuf *bytebufferpool.ByteBuffer
	pending []*Transaction
}

// NewParser returns an http parser with pooled stream buffers.
func NewParser() *Parser {
	return &Parser{
		reqBuf:  bytebufferpool.Get(),
		respBuf: bytebufferpool.Get(),
	}
}

// Probe matches when the client's first bytes carry a known request line.
func (p *Parser) Probe(data []byte, orig bool) stream.ProbeResult {
	if !orig {
		return stream.ProbeInconclusive
	}
	if len(data) == 0 {
		return stream.ProbeInconclusive
	}
	for _, m := range methods {
		probe := m + " "
		if len(data) < len(probe) {
			if strings.HasPrefix(probe, string(data)) {
				return stream.ProbeInconclusive
			}
			continue
		}
		if string(data[:len(probe)]) == probe {
			return stream.ProbeMatch
		}
	}
	return stream.ProbeReject
}

// Parse feeds reassembled bytes and returns any transactions completed by
// them.
func (p *Parser) Parse(data []byte, orig bool) stream.ParseOutcome {
	if orig {
		_, _ = p.reqBuf.Write(data)
	} else {
		_, _ = p.respBuf.Write(data)
	}

	var done []stream.Session
	parseErr := false

	for {
		txn, ok, bad := p.nextRequest()
		if bad {
			parseErr = true
			break
		}
		if !ok {
			break
		}
		p.pending = append(p.pending, txn)
	}
	for len(p.pending) > 0 {
		ok, bad := p.nextResponse(p.pending[0])
		if bad {
			parseErr = true
			break
		}
		if !ok {
			break
		}
		done = append(done, p.pending[0])
		p.pending = p.pending[1:]
	}

	switch {
	case parseErr:
		return stream.ParseOutcome{Status: stream.ParseError, Sessions: done}
	case len(done) > 0:
		return stream.ParseOutcome{Status: stream.ParseSessionReady, Sessions: done}
	default:
		return stream.ParseOutcome{Status: stream.ParseInProgress}
	}
}

// nextRequest parses one complete request head off the client buffer.
func (p *Parser) nextRequest() (txn *Transaction, ok, bad bool) {
	head, rest, found := cutHead(p.reqBuf.B)
	if !found {
		return nil, false, false
	}
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, false, true
	}
	// Message bodies are not reconstructed; skip by Content-Length.
	rest, found = skipBody(rest, req.ContentLength)
	if !found {
		return nil, false, false
	}
	trim(p.reqBuf, rest)
	return &Transaction{
		Method:    req.Method,
		URI:       req.URL.RequestURI(),
		Host:      req.Host,
		UserAgent: req.UserAgent(),
	}, true, false
}

// nextResponse parses one complete response head off the server buffer and
// fills txn.
func (p *Parser) nextResponse(txn *Transaction) (ok, bad bool) {
	head, rest, found := cutHead(p.respBuf.B)
	if !found {
		return false, false
	}
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), nil)
	if err != nil {
		return false, true
	}
	rest, found = skipBody(rest, resp.ContentLength)
	if !found {
		return false, false
	}
	trim(p.respBuf, rest)
	txn.StatusCode = resp.StatusCode
	return true, false
}

// cutHead splits the buffer at the header terminator, keeping it in head.
func cutHead(b []byte) (head, rest []byte, found bool) {
	idx := bytes.Index(b, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, nil, false
	}
	return b[:idx+4], b[idx+4:], true
}

// skipBody drops length body bytes; chunked and until-close bodies are not
// reconstructed, so a negative length consumes everything buffered.
func skipBody(rest []byte, length int64) ([]byte, bool) {
	if length < 0 {
		return rest[len(rest):], true
	}
	if int64(len(rest)) < length {
		return nil, false
	}
	return rest[length:], true
}

func trim(buf *bytebufferpool.ByteBuffer, rest []byte) {
	keep := append([]byte{}, rest...)
	buf.Reset()
	_, _ = buf.Write(keep)
}
