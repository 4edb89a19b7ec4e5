// Package tls parses TLS handshakes out of reassembled connection bytes
// and computes the client's JA3 fingerprint.
package tls

import (
	"strconv"

	"github.com/dreadl0ck/ja3"
	"github.com/dreadl0ck/tlsx"

	"github.com/sift-net/sift/stream"
)

func init() {
	stream.Register("tls", func() stream.Parser { return &Parser{} })
}

const (
	contentTypeHandshake = 0x16
	handshakeClientHello = 0x01
	handshakeServerHello = 0x02
	recordHeaderLen      = 5
)

// Handshake is the parsed TLS handshake session: one per connection,
// completed when the ServerHello answers the ClientHello.
type Handshake struct {
	SNI         string
	Version     uint16
	CipherSuite uint16
	JA3         string
}

// SessionProto implements stream.Session.
func (h *Handshake) SessionProto() string { return "tls" }

// Field implements stream.Session.
func (h *Handshake) Field(name string) (string, bool) {
	switch name {
	case "sni":
		return h.SNI, true
	case "version":
		return strconv.Itoa(int(h.Version)), true
	case "ja3":
		return h.JA3, true
	}
	return "", false
}

// Parser accumulates both directions of the TLS record stream until the
// hello exchange is complete.
type Parser struct {
	client recordBuffer
	server recordBuffer

	hello     *tlsx.ClientHelloBasic
	handshake Handshake
	haveHello bool
	haveSrv   bool
}

// Probe inspects the first bytes for a TLS handshake record.
func (p *Parser) Probe(data []byte, orig bool) stream.ProbeResult {
	if len(data) == 0 {
		return stream.ProbeInconclusive
	}
	if !orig {
		// Identification keys off the client's first record.
		return stream.ProbeInconclusive
	}
	if len(data) < 3 {
		return stream.ProbeInconclusive
	}
	if data[0] != contentTypeHandshake || data[1] != 0x03 || data[2] > 0x04 {
		return stream.ProbeReject
	}
	if len(data) > recordHeaderLen && data[recordHeaderLen] != handshakeClientHello {
		return stream.ProbeReject
	}
	return stream.ProbeMatch
}

// Parse feeds reassembled bytes. The handshake session completes when the
// ServerHello has been observed.
func (p *Parser) Parse(data []byte, orig bool) stream.ParseOutcome {
	buf := &p.server
	if orig {
		buf = &p.client
	}
	buf.append(data)

	for {
		record, typ, ok := buf.next()
		if !ok {
			break
		}
		if typ != contentTypeHandshake {
			continue
		}
		if len(record) <= recordHeaderLen {
			continue
		}
		switch record[recordHeaderLen] {
		case handshakeClientHello:
			if p.haveHello {
				continue
			}
			hello := &tlsx.ClientHelloBasic{}
			if err := hello.Unmarshal(record); err != nil {
				return stream.ParseOutcome{Status: stream.ParseError}
			}
			p.hello = hello
			p.handshake.SNI = hello.SNI
			p.handshake.Version = uint16(hello.HandshakeVersion)
			p.handshake.JA3 = ja3.DigestHex(hello)
			p.haveHello = true
		case handshakeServerHello:
			if !p.haveHello {
				continue
			}
			srv := &tlsx.ServerHello{}
			if err := srv.Unmarshal(record); err != nil {
				return stream.ParseOutcome{Status: stream.ParseError}
			}
			p.handshake.CipherSuite = srv.CipherSuite
			p.haveSrv = true
		}
		if p.haveHello && p.haveSrv {
			// One handshake per connection; nothing further to parse.
			out := p.handshake
			return stream.ParseOutcome{Status: stream.ParseDone, Sessions: []stream.Session{&out}}
		}
	}
	return stream.ParseOutcome{Status: stream.ParseInProgress}
}

// recordBuffer reassembles the TLS record stream of one direction.
type recordBuffer struct {
	buf []byte
}

func (b *recordBuffer) append(data []byte) {
	b.buf = append(b.buf, data...)
}

// next returns the earliest complete record including its header.
func (b *recordBuffer) next() (record []byte, typ byte, ok bool) {
	if len(b.buf) < recordHeaderLen {
		return nil, 0, false
	}
	typ = b.buf[0]
	length := int(b.buf[3])<<8 | int(b.buf[4])
	total := recordHeaderLen + length
	if len(b.buf) < total {
		return nil, 0, false
	}
	record = b.buf[:total]
	b.buf = b.buf[total:]
	return record, typ, true
}
