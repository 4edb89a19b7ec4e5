package runtime

import (
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/pkg/errors"
)

// Source yields raw frames. The driver contract from the deployment
// environment: buffers handed to the pipeline are copied into the mempool
// at ingress, and a source is consumed by exactly one reader.
type Source interface {
	// Next returns the next frame and its capture timestamp. io.EOF ends
	// the capture.
	Next() (data []byte, ts time.Time, err error)
	Close() error
}

// PcapSource replays a capture file.
type PcapSource struct {
	f      *os.File
	reader *pcapgo.Reader
}

// OpenPcap opens a pcap file for replay. Only ethernet link types are
// handled by the pipeline.
func OpenPcap(path string) (*PcapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open pcap")
	}
	reader, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "read pcap %s", path)
	}
	if reader.LinkType() != layers.LinkTypeEthernet {
		f.Close()
		return nil, errors.Errorf("unhandled link type %s", reader.LinkType())
	}
	return &PcapSource{f: f, reader: reader}, nil
}

// Next implements Source.
func (s *PcapSource) Next() ([]byte, time.Time, error) {
	data, ci, err := s.reader.ReadPacketData()
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, ci.Timestamp, nil
}

// Close implements Source.
func (s *PcapSource) Close() error { return s.f.Close() }

// sliceSource replays in-memory frames; used by tests and benchmarks.
type sliceSource struct {
	frames [][]byte
	times  []time.Time
	pos    int
}

// NewSliceSource returns a Source over pre-built frames.
func NewSliceSource(frames [][]byte, times []time.Time) Source {
	return &sliceSource{frames: frames, times: times}
}

func (s *sliceSource) Next() ([]byte, time.Time, error) {
	if s.pos >= len(s.frames) {
		return nil, time.Time{}, io.EOF
	}
	i := s.pos
	s.pos++
	return s.frames[i], s.times[i], nil
}

func (s *sliceSource) Close() error { return nil }

var _ gopacket.PacketDataSource = (*PcapSource)(nil)

// ReadPacketData adapts PcapSource to gopacket's data source interface for
// tooling that expects it.
func (s *PcapSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return s.reader.ReadPacketData()
}
