package filtergen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sift-net/sift/subscription"
)

func TestValidateRejectsBadDecls(t *testing.T) {
	cases := []struct {
		name  string
		decls []subscription.Decl
	}{
		{"empty", nil},
		{"bad filter", []subscription.Decl{{Filter: "nope", Datatypes: []string{"ConnRecord"}, Callback: "cb"}}},
		{"unsatisfiable", []subscription.Decl{{Filter: "tls and udp", Datatypes: []string{"ConnRecord"}, Callback: "cb"}}},
		{"bad datatype", []subscription.Decl{{Filter: "tls", Datatypes: []string{"Nope"}, Callback: "cb"}}},
		{"no datatypes", []subscription.Decl{{Filter: "tls", Callback: "cb"}}},
		{"empty callback", []subscription.Decl{{Filter: "tls", Datatypes: []string{"ConnRecord"}}}},
	}
	for _, tc := range cases {
		assert.Error(t, Validate(tc.decls), tc.name)
	}
}

func TestGenerate(t *testing.T) {
	decls := []subscription.Decl{
		{Filter: `tls.sni ~ '.*\.com$'`, Datatypes: []string{"TlsHandshake"}, Callback: "onTls"},
		{Filter: "tcp.dst_port = 80", Datatypes: []string{"ConnRecord", "FrameList"}, Callback: "onConn"},
	}
	var b strings.Builder
	require.NoError(t, Generate(&b, "main", decls))
	out := b.String()

	assert.Contains(t, out, "Code generated by siftgen. DO NOT EDIT.")
	assert.Contains(t, out, "package main")
	assert.Contains(t, out, `Callback: "onTls"`)
	assert.Contains(t, out, `"ConnRecord", "FrameList"`)
	assert.Contains(t, out, "func BuildSet() (*subscription.Set, error)")
}

func TestGenerateRejectsInvalid(t *testing.T) {
	var b strings.Builder
	err := Generate(&b, "main", []subscription.Decl{{Filter: "(", Datatypes: []string{"ConnRecord"}, Callback: "cb"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "subscription 0")
}
