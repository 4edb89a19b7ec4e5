package protocols

import (
	"encoding/binary"
	"net"
	"net/netip"
)

// Ethernet is a borrowed view of the link-layer header.
type Ethernet struct{ b []byte }

func (e Ethernet) SrcMAC() net.HardwareAddr { return net.HardwareAddr(e.b[6:12]) }
func (e Ethernet) DstMAC() net.HardwareAddr { return net.HardwareAddr(e.b[0:6]) }
func (e Ethernet) EtherType() uint16        { return binary.BigEndian.Uint16(e.b[12:14]) }

// IPv4 is a borrowed view of the IPv4 header.
type IPv4 struct{ b []byte }

func (ip IPv4) SrcAddr() netip.Addr { return netip.AddrFrom4([4]byte(ip.b[12:16])) }
func (ip IPv4) DstAddr() netip.Addr { return netip.AddrFrom4([4]byte(ip.b[16:20])) }
func (ip IPv4) TTL() uint8          { return ip.b[8] }
func (ip IPv4) Protocol() uint8     { return ip.b[9] }
func (ip IPv4) TotalLen() uint16    { return binary.BigEndian.Uint16(ip.b[2:4]) }
func (ip IPv4) TOS() uint8          { return ip.b[1] }

// IPv6 is a borrowed view of the IPv6 header.
type IPv6 struct{ b []byte }

func (ip IPv6) SrcAddr() netip.Addr { return netip.AddrFrom16([16]byte(ip.b[8:24])) }
func (ip IPv6) DstAddr() netip.Addr { return netip.AddrFrom16([16]byte(ip.b[24:40])) }
func (ip IPv6) NextHeader() uint8   { return ip.b[6] }
func (ip IPv6) HopLimit() uint8     { return ip.b[7] }

// TCP is a borrowed view of the TCP header.
type TCP struct{ b []byte }

func (t TCP) SrcPort() uint16 { return binary.BigEndian.Uint16(t.b[0:2]) }
func (t TCP) DstPort() uint16 { return binary.BigEndian.Uint16(t.b[2:4]) }
func (t TCP) Seq() uint32     { return binary.BigEndian.Uint32(t.b[4:8]) }
func (t TCP) Ack() uint32     { return binary.BigEndian.Uint32(t.b[8:12]) }
func (t TCP) Flags() uint8    { return t.b[13] }
func (t TCP) Window() uint16  { return binary.BigEndian.Uint16(t.b[14:16]) }

// UDP is a borrowed view of the UDP header.
type UDP struct{ b []byte }

func (u UDP) SrcPort() uint16 { return binary.BigEndian.Uint16(u.b[0:2]) }
func (u UDP) DstPort() uint16 { return binary.BigEndian.Uint16(u.b[2:4]) }
func (u UDP) Length() uint16  { return binary.BigEndian.Uint16(u.b[4:6]) }
