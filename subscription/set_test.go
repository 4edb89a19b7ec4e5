package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sift-net/sift/filter"
	_ "github.com/sift-net/sift/stream/dns"
	_ "github.com/sift-net/sift/stream/http"
	_ "github.com/sift-net/sift/stream/quic"
	_ "github.com/sift-net/sift/stream/tls"
)

func TestBuildResolvesSubscriptions(t *testing.T) {
	RegisterCallback("onTls", func(*Delivery) {})
	RegisterCallback("onConn", func(*Delivery) {})

	set, err := Build([]Decl{
		{Filter: "tls", Datatypes: []string{"TlsHandshake"}, Callback: "onTls"},
		{Filter: "tcp.dst_port = 80", Datatypes: []string{"ConnRecord"}, Callback: "onConn"},
	})
	require.NoError(t, err)

	subs := set.Subscriptions()
	require.Len(t, subs, 2)
	assert.Equal(t, filter.LevelSession, subs[0].Spec.Level)
	assert.Equal(t, filter.LevelConnection, subs[1].Spec.Level)
	assert.Equal(t, []string{"tls"}, set.Registry().Protocols())
	assert.True(t, set.sessionSubs.Has(0))
	assert.True(t, set.connSubs.Has(1))
}

func TestBuildDatatypeImpliesParser(t *testing.T) {
	RegisterCallback("onDns", func(*Delivery) {})
	// filter never mentions dns; the datatype drags the parser in
	set, err := Build([]Decl{
		{Filter: "udp.dst_port = 53", Datatypes: []string{"DnsTransaction"}, Callback: "onDns"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"dns"}, set.Registry().Protocols())
}

func TestBuildMixedLevelsAreAdditive(t *testing.T) {
	RegisterCallback("onBoth", func(*Delivery) {})
	set, err := Build([]Decl{
		{Filter: "tls", Datatypes: []string{"ConnRecord", "TlsHandshake"}, Callback: "onBoth"},
	})
	require.NoError(t, err)
	sub := set.Subscriptions()[0]
	assert.Equal(t, filter.LevelConnection, sub.Spec.Level)
	assert.True(t, sub.Spec.TracksSessions)
}

func TestBuildErrors(t *testing.T) {
	RegisterCallback("ok", func(*Delivery) {})
	for _, decls := range [][]Decl{
		{{Filter: "tls", Datatypes: []string{"TlsHandshake"}, Callback: "nosuch"}},
		{{Filter: "tls", Datatypes: []string{"Bogus"}, Callback: "ok"}},
		{{Filter: "bogus.field = 1", Datatypes: []string{"ConnRecord"}, Callback: "ok"}},
		{{Filter: "tls", Datatypes: nil, Callback: "ok"}},
		{},
	} {
		_, err := Build(decls)
		assert.Error(t, err, "%v", decls)
	}
}
