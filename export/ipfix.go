// Package export writes terminated connection records as IPFIX messages.
// It is wired behind a ConnRecord subscription; deployments that do not
// declare one pay nothing.
package export

import (
	"io"
	"net/netip"
	"sync"
	"time"

	ipfix "github.com/CN-TU/go-ipfix"
	"github.com/pkg/errors"

	"github.com/sift-net/sift/subscription"
)

// Exporter streams ConnRecords to an IPFIX collector or file.
type Exporter struct {
	mu     sync.Mutex
	out    io.WriteCloser
	writer *ipfix.MessageStream
	v4, v6 int
	now    ipfix.DateTimeNanoseconds
}

// informationElements resolves a list of named IANA information elements.
func informationElements(names ...string) ([]ipfix.InformationElement, error) {
	ies := make([]ipfix.InformationElement, len(names))
	for i, name := range names {
		ie, err := ipfix.GetInformationElement(name)
		if err != nil {
			return nil, errors.Wrapf(err, "information element %q", name)
		}
		ies[i] = ie
	}
	return ies, nil
}

// NewExporter builds an exporter over w. Templates are allocated from the
// IANA registry, one for each address family.
func NewExporter(w io.WriteCloser) (*Exporter, error) {
	ipfix.LoadIANASpec()
	writer, err := ipfix.MakeMessageStream(w, 65535, 0)
	if err != nil {
		return nil, errors.Wrap(err, "ipfix message stream")
	}
	e := &Exporter{out: w, writer: writer}

	now := ipfix.DateTimeNanoseconds(time.Now().UnixNano())
	v4ies, err := informationElements(
		"sourceIPv4Address",
		"destinationIPv4Address",
		"sourceTransportPort",
		"destinationTransportPort",
		"protocolIdentifier",
		"packetDeltaCount",
		"octetDeltaCount",
		"flowStartNanoseconds",
		"flowEndNanoseconds",
	)
	if err != nil {
		return nil, errors.Wrap(err, "ipv4 template")
	}
	e.v4, err = writer.AddTemplate(now, v4ies...)
	if err != nil {
		return nil, errors.Wrap(err, "ipv4 template")
	}
	v6ies, err := informationElements(
		"sourceIPv6Address",
		"destinationIPv6Address",
		"sourceTransportPort",
		"destinationTransportPort",
		"protocolIdentifier",
		"packetDeltaCount",
		"octetDeltaCount",
		"flowStartNanoseconds",
		"flowEndNanoseconds",
	)
	if err != nil {
		return nil, errors.Wrap(err, "ipv6 template")
	}
	e.v6, err = writer.AddTemplate(now, v6ies...)
	if err != nil {
		return nil, errors.Wrap(err, "ipv6 template")
	}
	return e, nil
}

// Export writes one terminated connection record. Safe for concurrent use
// by worker callbacks.
func (e *Exporter) Export(rec *subscription.ConnRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.now = ipfix.DateTimeNanoseconds(rec.LastSeen.UnixNano())
	template := e.v4
	src, dst := rec.Id.A.Addr(), rec.Id.B.Addr()
	if src.Is6() && !src.Is4In6() {
		template = e.v6
	}
	e.writer.SendData(e.now, template,
		addrBytes(src), addrBytes(dst),
		rec.Id.A.Port(), rec.Id.B.Port(),
		rec.Id.Proto,
		rec.PktsOrig+rec.PktsResp,
		rec.BytesOrig+rec.BytesResp,
		ipfix.DateTimeNanoseconds(rec.FirstSeen.UnixNano()),
		ipfix.DateTimeNanoseconds(rec.LastSeen.UnixNano()),
	)
}

// Callback adapts the exporter to a subscription callback.
func (e *Exporter) Callback(d *subscription.Delivery) {
	if d.Record != nil {
		e.Export(d.Record)
	}
}

// Close flushes outstanding messages and closes the sink.
func (e *Exporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writer.Flush(e.now)
	return e.out.Close()
}

func addrBytes(a netip.Addr) []byte {
	if a.Is4() || a.Is4In6() {
		b := a.As4()
		return b[:]
	}
	b := a.As16()
	return b[:]
}
