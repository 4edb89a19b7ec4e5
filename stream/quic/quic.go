// Package quic extracts version and connection ids from QUIC long-header
// packets. Payload decryption and stream reassembly are out of scope; the
// parser exists to identify QUIC flows and expose header-level sessions.
package quic

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/sift-net/sift/stream"
)

func init() {
	stream.Register("quic", func() stream.Parser { return &Parser{} })
}

// Packet is one long-header QUIC packet.
type Packet struct {
	Version uint32
	DCID    string
	SCID    string
}

// SessionProto implements stream.Session.
func (p *Packet) SessionProto() string { return "quic" }

// Field implements stream.Session.
func (p *Packet) Field(name string) (string, bool) {
	switch name {
	case "version":
		return strconv.FormatUint(uint64(p.Version), 10), true
	case "sni":
		// SNI lives in the encrypted ClientHello; not extracted here.
		return "", false
	}
	return "", false
}

// Parser emits one session per long-header packet.
type Parser struct{}

// Probe checks for a QUIC long header with a plausible version.
func (p *Parser) Probe(data []byte, orig bool) stream.ProbeResult {
	if len(data) < 7 {
		return stream.ProbeInconclusive
	}
	if data[0]&0xc0 != 0xc0 {
		return stream.ProbeReject
	}
	version := binary.BigEndian.Uint32(data[1:5])
	if !knownVersion(version) {
		return stream.ProbeReject
	}
	return stream.ProbeMatch
}

// Parse extracts the header fields of one datagram.
func (p *Parser) Parse(data []byte, orig bool) stream.ParseOutcome {
	if len(data) < 7 || data[0]&0x80 == 0 {
		// Short-header packets follow the handshake; nothing to extract.
		return stream.ParseOutcome{Status: stream.ParseInProgress}
	}
	version := binary.BigEndian.Uint32(data[1:5])
	dcidLen := int(data[5])
	if 6+dcidLen+1 > len(data) {
		return stream.ParseOutcome{Status: stream.ParseError}
	}
	dcid := data[6 : 6+dcidLen]
	scidLen := int(data[6+dcidLen])
	scidOff := 6 + dcidLen + 1
	if scidOff+scidLen > len(data) {
		return stream.ParseOutcome{Status: stream.ParseError}
	}
	scid := data[scidOff : scidOff+scidLen]
	return stream.ParseOutcome{
		Status: stream.ParseSessionReady,
		Sessions: []stream.Session{&Packet{
			Version: version,
			DCID:    hex.EncodeToString(dcid),
			SCID:    hex.EncodeToString(scid),
		}},
	}
}

func knownVersion(v uint32) bool {
	switch {
	case v == 0x00000001: // QUIC v1
		return true
	case v == 0x6b3343cf: // QUIC v2
		return true
	case v&0xffffff00 == 0xff000000: // draft versions
		return true
	}
	return false
}
