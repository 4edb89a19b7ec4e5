package export

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sift-net/sift/conntrack"
	"github.com/sift-net/sift/subscription"
)

type closableBuffer struct{ bytes.Buffer }

func (c *closableBuffer) Close() error { return nil }

func TestExporterWritesRecords(t *testing.T) {
	var buf closableBuffer
	exporter, err := NewExporter(&buf)
	require.NoError(t, err)

	start := time.Unix(4000, 0)
	rec := &subscription.ConnRecord{
		Id: conntrack.ConnId{
			A:     netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), 40000),
			B:     netip.AddrPortFrom(netip.MustParseAddr("192.0.2.80"), 443),
			Proto: 6,
		},
		FirstSeen: start,
		LastSeen:  start.Add(2 * time.Second),
		PktsOrig:  5, PktsResp: 3,
		BytesOrig: 900, BytesResp: 5200,
	}
	exporter.Export(rec)
	require.NoError(t, exporter.Close())
	assert.NotZero(t, buf.Len(), "flushed IPFIX messages reach the sink")
}

func TestExporterCallbackIgnoresSessionDeliveries(t *testing.T) {
	var buf closableBuffer
	exporter, err := NewExporter(&buf)
	require.NoError(t, err)
	exporter.Callback(&subscription.Delivery{})
	require.NoError(t, exporter.Close())
}
