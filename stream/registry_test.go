package stream_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sift-net/sift/sifttest"
	"github.com/sift-net/sift/stream"
	_ "github.com/sift-net/sift/stream/dns"
	_ "github.com/sift-net/sift/stream/http"
	_ "github.com/sift-net/sift/stream/quic"
	_ "github.com/sift-net/sift/stream/tls"
)

func TestNewRegistryUnknownProto(t *testing.T) {
	_, err := stream.NewRegistry([]string{"gopher"})
	assert.Error(t, err)
}

func TestProberIdentifiesTLS(t *testing.T) {
	reg, err := stream.NewRegistry([]string{"tls", "http"})
	require.NoError(t, err)

	prober := reg.NewProber()
	proto, parser, done := prober.Feed(sifttest.ClientHello("example.com"), true)
	assert.Equal(t, "tls", proto)
	assert.NotNil(t, parser)
	assert.True(t, done)
}

func TestProberAllReject(t *testing.T) {
	reg, err := stream.NewRegistry([]string{"tls", "http"})
	require.NoError(t, err)

	prober := reg.NewProber()
	proto, parser, done := prober.Feed([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}, true)
	assert.Empty(t, proto)
	assert.Nil(t, parser)
	assert.True(t, done)
	assert.Zero(t, prober.Remaining())
}

func TestProberInconclusiveKeepsCandidates(t *testing.T) {
	reg, err := stream.NewRegistry([]string{"tls", "http"})
	require.NoError(t, err)

	prober := reg.NewProber()
	proto, _, done := prober.Feed([]byte{}, true)
	assert.Empty(t, proto)
	assert.False(t, done)
	assert.Equal(t, 2, prober.Remaining())
}
