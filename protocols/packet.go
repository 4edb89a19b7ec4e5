// Package protocols provides zero-copy header views over captured frames.
// Parsing fills a PacketResult with layer offsets; field accessors borrow
// from the underlying buffer and never copy payload bytes.
package protocols

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	"github.com/sift-net/sift/memory"
)

// ErrOutOfRange is returned when a requested header exceeds the frame.
var ErrOutOfRange = errors.New("offset exceeds frame length")

// ErrUnknownEtherType is returned for frames the pipeline does not handle.
var ErrUnknownEtherType = errors.New("unknown ether type")

// TCP flag bits.
const (
	FIN uint8 = 1 << iota
	SYN
	RST
	PSH
	ACK
	URG
)

const (
	ethHeaderLen  = 14
	ipv4MinHeader = 20
	ipv6HeaderLen = 40
	tcpMinHeader  = 20
	udpHeaderLen  = 8
)

// PacketResult is the outcome of parsing one frame: layer offsets plus the
// fields the filter stages and the connection tracker need. It borrows from
// the Mbuf and is only valid while a reference on the buffer is held.
type PacketResult struct {
	Buf *memory.Mbuf

	EtherType uint16
	Proto     uint8

	l3Off      int
	l4Off      int
	payloadOff int

	SrcAddr netip.Addr
	DstAddr netip.Addr
	SrcPort uint16
	DstPort uint16

	TCPFlags uint8
	Seq      uint32
	Ack      uint32
}

// IsIPv4 reports whether the frame carries an IPv4 header.
func (p *PacketResult) IsIPv4() bool { return p.EtherType == uint16(layers.EthernetTypeIPv4) }

// IsIPv6 reports whether the frame carries an IPv6 header.
func (p *PacketResult) IsIPv6() bool { return p.EtherType == uint16(layers.EthernetTypeIPv6) }

// IsTCP reports whether the transport is TCP.
func (p *PacketResult) IsTCP() bool { return p.Proto == uint8(layers.IPProtocolTCP) }

// IsUDP reports whether the transport is UDP.
func (p *PacketResult) IsUDP() bool { return p.Proto == uint8(layers.IPProtocolUDP) }

// Payload returns the transport payload. The slice borrows from the frame.
func (p *PacketResult) Payload() []byte {
	data := p.Buf.Data()
	if p.payloadOff <= 0 || p.payloadOff > len(data) {
		return nil
	}
	// Link-layer padding after the IP datagram is not payload.
	end := len(data)
	switch {
	case p.IsIPv4():
		end = min(end, p.l3Off+int(binary.BigEndian.Uint16(data[p.l3Off+2:])))
	case p.IsIPv6():
		end = min(end, p.l3Off+ipv6HeaderLen+int(binary.BigEndian.Uint16(data[p.l3Off+4:])))
	}
	if end < p.payloadOff {
		return nil
	}
	return data[p.payloadOff:end]
}

// PayloadLen returns the transport payload length.
func (p *PacketResult) PayloadLen() int { return len(p.Payload()) }

// Ethernet returns the link-layer view.
func (p *PacketResult) Ethernet() Ethernet { return Ethernet{p.Buf.Data()} }

// IPv4 returns the IPv4 view, or an error for non-IPv4 frames.
func (p *PacketResult) IPv4() (IPv4, error) {
	if !p.IsIPv4() {
		return IPv4{}, errors.Wrap(ErrOutOfRange, "not an IPv4 packet")
	}
	return IPv4{p.Buf.Data()[p.l3Off:]}, nil
}

// IPv6 returns the IPv6 view, or an error for non-IPv6 frames.
func (p *PacketResult) IPv6() (IPv6, error) {
	if !p.IsIPv6() {
		return IPv6{}, errors.Wrap(ErrOutOfRange, "not an IPv6 packet")
	}
	return IPv6{p.Buf.Data()[p.l3Off:]}, nil
}

// TCP returns the TCP view, or an error for non-TCP frames.
func (p *PacketResult) TCP() (TCP, error) {
	if !p.IsTCP() || p.l4Off == 0 {
		return TCP{}, errors.Wrap(ErrOutOfRange, "not a TCP packet")
	}
	return TCP{p.Buf.Data()[p.l4Off:]}, nil
}

// UDP returns the UDP view, or an error for non-UDP frames.
func (p *PacketResult) UDP() (UDP, error) {
	if !p.IsUDP() || p.l4Off == 0 {
		return UDP{}, errors.Wrap(ErrOutOfRange, "not a UDP packet")
	}
	return UDP{p.Buf.Data()[p.l4Off:]}, nil
}

// Parse decodes the ethernet, network and transport headers of m into res.
// Truncated headers and unhandled ether types fail; the caller drops the
// packet and bumps a counter.
func Parse(m *memory.Mbuf, res *PacketResult) error {
	data := m.Data()
	if len(data) < ethHeaderLen {
		return errors.Wrap(ErrOutOfRange, "ethernet header")
	}
	*res = PacketResult{Buf: m}
	res.EtherType = binary.BigEndian.Uint16(data[12:14])
	res.l3Off = ethHeaderLen

	switch layers.EthernetType(res.EtherType) {
	case layers.EthernetTypeIPv4:
		if err := parseIPv4(data[res.l3Off:], res); err != nil {
			return err
		}
	case layers.EthernetTypeIPv6:
		if err := parseIPv6(data[res.l3Off:], res); err != nil {
			return err
		}
	default:
		return errors.Wrapf(ErrUnknownEtherType, "0x%04x", res.EtherType)
	}

	switch layers.IPProtocol(res.Proto) {
	case layers.IPProtocolTCP:
		return parseTCP(data, res)
	case layers.IPProtocolUDP:
		return parseUDP(data, res)
	}
	// Other transports pass through with no L4 view.
	res.l4Off = 0
	res.payloadOff = 0
	return nil
}

func parseIPv4(l3 []byte, res *PacketResult) error {
	if len(l3) < ipv4MinHeader {
		return errors.Wrap(ErrOutOfRange, "ipv4 header")
	}
	ihl := int(l3[0]&0x0f) * 4
	if ihl < ipv4MinHeader || len(l3) < ihl {
		return errors.Wrap(ErrOutOfRange, "ipv4 options")
	}
	res.Proto = l3[9]
	res.SrcAddr = netip.AddrFrom4([4]byte(l3[12:16]))
	res.DstAddr = netip.AddrFrom4([4]byte(l3[16:20]))
	res.l4Off = res.l3Off + ihl
	return nil
}

func parseIPv6(l3 []byte, res *PacketResult) error {
	if len(l3) < ipv6HeaderLen {
		return errors.Wrap(ErrOutOfRange, "ipv6 header")
	}
	res.Proto = l3[6]
	res.SrcAddr = netip.AddrFrom16([16]byte(l3[8:24]))
	res.DstAddr = netip.AddrFrom16([16]byte(l3[24:40]))
	res.l4Off = res.l3Off + ipv6HeaderLen
	return nil
}

func parseTCP(data []byte, res *PacketResult) error {
	l4 := data[min(res.l4Off, len(data)):]
	if len(l4) < tcpMinHeader {
		return errors.Wrap(ErrOutOfRange, "tcp header")
	}
	dataOff := int(l4[12]>>4) * 4
	if dataOff < tcpMinHeader || len(l4) < dataOff {
		return errors.Wrap(ErrOutOfRange, "tcp options")
	}
	res.SrcPort = binary.BigEndian.Uint16(l4[0:2])
	res.DstPort = binary.BigEndian.Uint16(l4[2:4])
	res.Seq = binary.BigEndian.Uint32(l4[4:8])
	res.Ack = binary.BigEndian.Uint32(l4[8:12])
	res.TCPFlags = l4[13]
	res.payloadOff = res.l4Off + dataOff
	return nil
}

func parseUDP(data []byte, res *PacketResult) error {
	l4 := data[min(res.l4Off, len(data)):]
	if len(l4) < udpHeaderLen {
		return errors.Wrap(ErrOutOfRange, "udp header")
	}
	res.SrcPort = binary.BigEndian.Uint16(l4[0:2])
	res.DstPort = binary.BigEndian.Uint16(l4[2:4])
	res.payloadOff = res.l4Off + udpHeaderLen
	return nil
}
