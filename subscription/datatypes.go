// Package subscription turns user subscription declarations into the
// runtime structures the tracker drives: the compiled filter engine, the
// parser registry, and the per-connection tracked-state union.
package subscription

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/sift-net/sift/conntrack"
	"github.com/sift-net/sift/filter"
)

// Datatype describes one subscribable datatype: the delivery level it
// imposes and the tracking it requires.
type Datatype struct {
	Name string
	// Level is the delivery granularity the datatype demands.
	Level filter.Level
	// Parsers lists L7 protocols required regardless of the filter.
	Parsers []string
	// TracksPackets keeps a per-connection frame list.
	TracksPackets bool
	// TracksRecord maintains the connection counters.
	TracksRecord bool
}

var datatypeTable = map[string]Datatype{
	"ConnRecord":      {Name: "ConnRecord", Level: filter.LevelConnection, TracksRecord: true},
	"Frame":           {Name: "Frame", Level: filter.LevelPacket},
	"FrameList":       {Name: "FrameList", Level: filter.LevelConnection, TracksPackets: true},
	"TlsHandshake":    {Name: "TlsHandshake", Level: filter.LevelSession, Parsers: []string{"tls"}},
	"HttpTransaction": {Name: "HttpTransaction", Level: filter.LevelSession, Parsers: []string{"http"}},
	"DnsTransaction":  {Name: "DnsTransaction", Level: filter.LevelSession, Parsers: []string{"dns"}},
	"QuicPacket":      {Name: "QuicPacket", Level: filter.LevelSession, Parsers: []string{"quic"}},
}

// Datatypes returns the known datatype names sorted.
func Datatypes() []string {
	out := make([]string, 0, len(datatypeTable))
	for name := range datatypeTable {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LookupDatatype resolves a datatype name.
func LookupDatatype(name string) (Datatype, error) {
	dt, ok := datatypeTable[name]
	if !ok {
		return Datatype{}, errors.Errorf("undefined datatype %q (known: %v)", name, Datatypes())
	}
	return dt, nil
}

// ConnRecord is the connection-level datatype: counters over the whole
// connection, delivered once at termination.
type ConnRecord struct {
	Id        conntrack.ConnId
	Proto     string
	FirstSeen time.Time
	LastSeen  time.Time

	// Orig direction is the one of the first observed packet.
	PktsOrig  uint64
	PktsResp  uint64
	BytesOrig uint64
	BytesResp uint64
}

// Duration returns the observed lifetime of the connection.
func (r *ConnRecord) Duration() time.Duration { return r.LastSeen.Sub(r.FirstSeen) }
