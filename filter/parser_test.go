package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimple(t *testing.T) {
	patterns, err := Parse("tcp.port = 80")
	require.NoError(t, err)
	// port splits into src/dst disjunct
	require.Len(t, patterns, 2)
	assert.Equal(t, "tcp.src_port = 80", patterns[0].String())
	assert.Equal(t, "tcp.dst_port = 80", patterns[1].String())
}

func TestParseDisjunctOfConjuncts(t *testing.T) {
	patterns, err := Parse("(ipv4 and tls.sni ~ '.*\\.com$') or udp.dst_port = 53")
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, "ipv4 and tls.sni ~ '.*\\.com$'", patterns[0].String())
	assert.Equal(t, "udp.dst_port = 53", patterns[1].String())
}

func TestParseAddrValues(t *testing.T) {
	patterns, err := Parse("ipv4.src_addr = 10.0.0.0/8 and ipv4.dst_addr = 192.0.2.80")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	preds := patterns[0].Predicates
	require.Len(t, preds, 2)
	assert.Equal(t, "10.0.0.0/8", preds[0].Value.Prefix.String())
	assert.Equal(t, "192.0.2.80/32", preds[1].Value.Prefix.String())
}

func TestParseRange(t *testing.T) {
	patterns, err := Parse("tcp.dst_port in 8000..8080")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	v := patterns[0].Predicates[0].Value
	assert.Equal(t, ValRange, v.Kind)
	assert.Equal(t, int64(8000), v.Int)
	assert.Equal(t, int64(8080), v.Hi)
}

func TestParseNotPushesDown(t *testing.T) {
	patterns, err := Parse("not (tcp.dst_port = 80 or tcp.dst_port = 8080)")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	preds := patterns[0].Predicates
	require.Len(t, preds, 2)
	assert.Equal(t, OpNe, preds[0].Op)
	assert.Equal(t, OpNe, preds[1].Op)
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{
		"bogus",
		"tcp.bogus = 1",
		"tcp.port ==",
		"tcp.port = 'abc'",
		"(tcp.port = 80",
		"tls.sni ~ '['",
		"not tls",
		"tcp.port = 80 extra",
		"ipv4.src_addr = 500.1.1.1",
	} {
		_, err := Parse(expr)
		assert.ErrorIs(t, err, ErrInvalidFilter, "expression %q", expr)
	}
}

func TestParseEmptyMatchesAll(t *testing.T) {
	patterns, err := Parse("  ")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Empty(t, patterns[0].Predicates)
}

func TestFullyQualify(t *testing.T) {
	patterns, err := Parse("tls.sni = 'example.com'")
	require.NoError(t, err)
	qualified, err := FullyQualify(patterns)
	require.NoError(t, err)
	// ipv4 and ipv6 variants, each ip -> tcp -> tls -> tls.sni
	require.Len(t, qualified, 2)
	assert.Equal(t, "ipv4 and tcp and tls and tls.sni = 'example.com'", qualified[0].String())
	assert.Equal(t, "ipv6 and tcp and tls and tls.sni = 'example.com'", qualified[1].String())
}

func TestFullyQualifyDNSBothTransports(t *testing.T) {
	patterns, err := Parse("ipv4 and dns")
	require.NoError(t, err)
	qualified, err := FullyQualify(patterns)
	require.NoError(t, err)
	require.Len(t, qualified, 2)
	assert.Equal(t, "ipv4 and tcp and dns", qualified[0].String())
	assert.Equal(t, "ipv4 and udp and dns", qualified[1].String())
}

func TestFullyQualifyContradiction(t *testing.T) {
	patterns, err := Parse("tls and udp")
	require.NoError(t, err)
	_, err = FullyQualify(patterns)
	assert.ErrorIs(t, err, ErrInvalidFilter)

	// one viable conjunct survives
	patterns, err = Parse("(tls and udp) or dns")
	require.NoError(t, err)
	qualified, err := FullyQualify(patterns)
	require.NoError(t, err)
	assert.NotEmpty(t, qualified)
}
