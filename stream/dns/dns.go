// Package dns parses DNS transactions over UDP and TCP. Queries and
// responses are paired by transaction id; a transaction is delivered when
// its response arrives.
package dns

import (
	"encoding/binary"
	"strconv"
	"strings"

	mdns "github.com/miekg/dns"

	"github.com/sift-net/sift/stream"
)

func init() {
	stream.Register("dns", func() stream.Parser { return &Parser{} })
}

// Transaction is one query/response pair.
type Transaction struct {
	ID           uint16
	QueryDomain  string
	QueryType    string
	ResponseCode int
	Answers      []string
}

// SessionProto implements stream.Session.
func (t *Transaction) SessionProto() string { return "dns" }

// Field implements stream.Session.
func (t *Transaction) Field(name string) (string, bool) {
	switch name {
	case "query_domain":
		return t.QueryDomain, true
	case "query_type":
		return t.QueryType, true
	case "response_code":
		return strconv.Itoa(t.ResponseCode), true
	}
	return "", false
}

// Parser tracks outstanding queries by transaction id. For TCP the
// 2-byte length framing is reassembled per direction.
type Parser struct {
	outstanding map[uint16]*Transaction
	tcpBuf      [2][]byte
	sawTCP      bool
}

// Probe attempts a message unpack on the datagram.
func (p *Parser) Probe(data []byte, orig bool) stream.ProbeResult {
	if len(data) < 12 {
		return stream.ProbeInconclusive
	}
	var msg mdns.Msg
	if err := msg.Unpack(data); err == nil && len(msg.Question) > 0 {
		return stream.ProbeMatch
	}
	// DNS over TCP carries a length prefix.
	if int(binary.BigEndian.Uint16(data[:2]))+2 == len(data) {
		if err := msg.Unpack(data[2:]); err == nil && len(msg.Question) > 0 {
			p.sawTCP = true
			return stream.ProbeMatch
		}
	}
	return stream.ProbeReject
}

// Parse feeds one PDU and returns transactions completed by it.
func (p *Parser) Parse(data []byte, orig bool) stream.ParseOutcome {
	if p.outstanding == nil {
		p.outstanding = make(map[uint16]*Transaction)
	}
	var done []stream.Session
	bad := false
	if p.sawTCP {
		dir := 0
		if !orig {
			dir = 1
		}
		p.tcpBuf[dir] = append(p.tcpBuf[dir], data...)
		for {
			buf := p.tcpBuf[dir]
			if len(buf) < 2 {
				break
			}
			n := int(binary.BigEndian.Uint16(buf[:2]))
			if len(buf) < 2+n {
				break
			}
			p.tcpBuf[dir] = buf[2+n:]
			done, bad = p.consume(buf[2:2+n], done)
			if bad {
				break
			}
		}
	} else {
		done, bad = p.consume(data, done)
	}

	switch {
	case bad:
		return stream.ParseOutcome{Status: stream.ParseError, Sessions: done}
	case len(done) > 0:
		return stream.ParseOutcome{Status: stream.ParseSessionReady, Sessions: done}
	default:
		return stream.ParseOutcome{Status: stream.ParseInProgress}
	}
}

func (p *Parser) consume(wire []byte, done []stream.Session) ([]stream.Session, bool) {
	var msg mdns.Msg
	if err := msg.Unpack(wire); err != nil {
		return done, true
	}
	if !msg.Response {
		txn := &Transaction{ID: msg.Id}
		if len(msg.Question) > 0 {
			q := msg.Question[0]
			txn.QueryDomain = strings.TrimSuffix(q.Name, ".")
			txn.QueryType = mdns.TypeToString[q.Qtype]
		}
		p.outstanding[msg.Id] = txn
		return done, false
	}
	txn, ok := p.outstanding[msg.Id]
	if !ok {
		// Response with no observed query still forms a transaction.
		txn = &Transaction{ID: msg.Id}
		if len(msg.Question) > 0 {
			q := msg.Question[0]
			txn.QueryDomain = strings.TrimSuffix(q.Name, ".")
			txn.QueryType = mdns.TypeToString[q.Qtype]
		}
	} else {
		delete(p.outstanding, msg.Id)
	}
	txn.ResponseCode = msg.Rcode
	for _, rr := range msg.Answer {
		txn.Answers = append(txn.Answers, rr.String())
	}
	return append(done, txn), false
}
