// Package sifttest synthesizes frames for package tests. Frames are built
// with gopacket serialization so header fields (checksums, lengths) are
// consistent with what a capture would contain.
package sifttest

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/sift-net/sift/memory"
	"github.com/sift-net/sift/protocols"
)

var (
	// ClientMAC and ServerMAC are fixed endpoints used by the helpers.
	ClientMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	ServerMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
	// ClientIP and ServerIP are the default IPv4 endpoints.
	ClientIP = net.IP{10, 0, 0, 1}
	ServerIP = net.IP{192, 0, 2, 80}
)

// Endpoint identifies one side of a synthesized flow.
type Endpoint struct {
	MAC  net.HardwareAddr
	IP   net.IP
	Port uint16
}

// Client returns the default client endpoint on the given port.
func Client(port uint16) Endpoint { return Endpoint{ClientMAC, ClientIP, port} }

// Server returns the default server endpoint on the given port.
func Server(port uint16) Endpoint { return Endpoint{ServerMAC, ServerIP, port} }

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

// TCPFrame builds an ethernet/IPv4/TCP frame from src to dst.
func TCPFrame(t *testing.T, src, dst Endpoint, seq, ack uint32, flags uint8, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: src.MAC, DstMAC: dst.MAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src.IP, DstIP: dst.IP}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port), DstPort: layers.TCPPort(dst.Port),
		Seq: seq, Ack: ack,
		FIN: flags&protocols.FIN != 0,
		SYN: flags&protocols.SYN != 0,
		RST: flags&protocols.RST != 0,
		PSH: flags&protocols.PSH != 0,
		ACK: flags&protocols.ACK != 0,
		Window: 65535,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, tcp, gopacket.Payload(payload))
}

// UDPFrame builds an ethernet/IPv4/UDP frame from src to dst.
func UDPFrame(t *testing.T, src, dst Endpoint, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: src.MAC, DstMAC: dst.MAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, Protocol: layers.IPProtocolUDP, SrcIP: src.IP, DstIP: dst.IP}
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port), DstPort: layers.UDPPort(dst.Port)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, udp, gopacket.Payload(payload))
}

// Ingest copies a frame into the pool and parses it.
func Ingest(t *testing.T, pool *memory.Mempool, frame []byte, ts int64) *protocols.PacketResult {
	t.Helper()
	m, err := pool.Get(frame, ts)
	require.NoError(t, err)
	res := new(protocols.PacketResult)
	require.NoError(t, protocols.Parse(m, res))
	return res
}

// Pool returns a mempool sized for tests.
func Pool() *memory.Mempool { return memory.NewMempool(4096, 2048) }
