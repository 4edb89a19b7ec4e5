package runtime_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sift-net/sift/protocols"
	"github.com/sift-net/sift/runtime"
	"github.com/sift-net/sift/sifttest"
	_ "github.com/sift-net/sift/stream/dns"
	_ "github.com/sift-net/sift/stream/http"
	_ "github.com/sift-net/sift/stream/tls"
	"github.com/sift-net/sift/subscription"
)

type flowBuilder struct {
	t      *testing.T
	frames [][]byte
	times  []time.Time
	now    time.Time
}

func newFlowBuilder(t *testing.T) *flowBuilder {
	return &flowBuilder{t: t, now: time.Unix(3000, 0)}
}

func (b *flowBuilder) add(frame []byte) {
	b.now = b.now.Add(time.Millisecond)
	b.frames = append(b.frames, frame)
	b.times = append(b.times, b.now)
}

func (b *flowBuilder) tlsFlow(client, server sifttest.Endpoint, sni string) {
	t := b.t
	b.add(sifttest.TCPFrame(t, client, server, 1000, 0, protocols.SYN, nil))
	b.add(sifttest.TCPFrame(t, server, client, 5000, 1001, protocols.SYN|protocols.ACK, nil))
	b.add(sifttest.TCPFrame(t, client, server, 1001, 5001, protocols.ACK, nil))
	hello := sifttest.ClientHello(sni)
	b.add(sifttest.TCPFrame(t, client, server, 1001, 5001, protocols.ACK, hello))
	b.add(sifttest.TCPFrame(t, server, client, 5001, 1001+uint32(len(hello)), protocols.ACK, sifttest.ServerHello()))
	b.add(sifttest.TCPFrame(t, client, server, 1001+uint32(len(hello)), 5001, protocols.FIN|protocols.ACK, nil))
	b.add(sifttest.TCPFrame(t, server, client, 5001+uint32(len(sifttest.ServerHello())), 1002+uint32(len(hello)), protocols.FIN|protocols.ACK, nil))
	b.add(sifttest.TCPFrame(t, client, server, 1002+uint32(len(hello)), 5002, protocols.ACK, nil))
}

func (b *flowBuilder) source() runtime.Source {
	return runtime.NewSliceSource(b.frames, b.times)
}

func TestRuntimeEndToEndTLS(t *testing.T) {
	var mu sync.Mutex
	var snis []string
	subscription.RegisterCallback("rtTls", func(d *subscription.Delivery) {
		sni, _ := d.Session.Field("sni")
		mu.Lock()
		snis = append(snis, sni)
		mu.Unlock()
	})

	set, err := subscription.Build([]subscription.Decl{
		{Filter: `tls.sni ~ '.*\.com$'`, Datatypes: []string{"TlsHandshake"}, Callback: "rtTls"},
	})
	require.NoError(t, err)

	b := newFlowBuilder(t)
	b.tlsFlow(sifttest.Client(42000), sifttest.Server(443), "match.example.com")
	b.tlsFlow(sifttest.Client(42001), sifttest.Server(443), "miss.example.org")

	rt, err := runtime.New(runtime.DefaultConfig(), set)
	require.NoError(t, err)
	require.NoError(t, rt.Run(context.Background(), b.source()))

	assert.Equal(t, []string{"match.example.com"}, snis)
}

func TestRuntimeMultiWorkerSharding(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	subscription.RegisterCallback("rtShard", func(d *subscription.Delivery) {
		sni, _ := d.Session.Field("sni")
		mu.Lock()
		seen[sni]++
		mu.Unlock()
	})

	set, err := subscription.Build([]subscription.Decl{
		{Filter: "tls", Datatypes: []string{"TlsHandshake"}, Callback: "rtShard"},
	})
	require.NoError(t, err)

	b := newFlowBuilder(t)
	for port := uint16(43000); port < 43016; port++ {
		b.tlsFlow(sifttest.Client(port), sifttest.Server(443), "shard.example.com")
	}

	cfg := runtime.DefaultConfig()
	cfg.Workers = 4
	rt, err := runtime.New(cfg, set)
	require.NoError(t, err)
	require.NoError(t, rt.Run(context.Background(), b.source()))

	assert.Equal(t, 16, seen["shard.example.com"], "every flow delivered exactly once")
}

func TestRuntimePcapReplay(t *testing.T) {
	var mu sync.Mutex
	records := 0
	subscription.RegisterCallback("rtPcap", func(d *subscription.Delivery) {
		mu.Lock()
		records++
		mu.Unlock()
	})

	set, err := subscription.Build([]subscription.Decl{
		{Filter: "tcp.dst_port = 443", Datatypes: []string{"ConnRecord"}, Callback: "rtPcap"},
	})
	require.NoError(t, err)

	b := newFlowBuilder(t)
	b.tlsFlow(sifttest.Client(44000), sifttest.Server(443), "pcap.example.com")

	path := filepath.Join(t.TempDir(), "flow.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, frame := range b.frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     b.times[i],
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		require.NoError(t, w.WritePacket(ci, frame))
	}
	require.NoError(t, f.Close())

	source, err := runtime.OpenPcap(path)
	require.NoError(t, err)
	defer source.Close()

	rt, err := runtime.New(runtime.DefaultConfig(), set)
	require.NoError(t, err)
	require.NoError(t, rt.Run(context.Background(), source))

	assert.Equal(t, 1, records)
}

func TestRingDropNewest(t *testing.T) {
	ring := runtime.NewRing[int]("test", 2)
	assert.True(t, ring.Push(1))
	assert.True(t, ring.Push(2))
	assert.False(t, ring.Push(3), "full ring sheds the newest item")

	v, ok := ring.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	ring.Close()
}
