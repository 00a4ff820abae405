package packet

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/openshift/ingress-node-acl/pkg/acl"
)

// ErrTimeout is returned by live sources when no frame arrived within their poll timeout.
var ErrTimeout = errors.New("packet poll timeout expired")

// Source yields frames. ReadPacketData returns io.EOF once a finite source is exhausted.
type Source interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
	Close() error
}

// Run reads frames from src in bursts of up to acl.MaxBurst, classifies them with w and hands them to
// sink. It returns nil when src is exhausted and ctx.Err() when ctx is cancelled.
func Run(ctx context.Context, src Source, w *Worker, sink Sink) error {
	frames := make([]Frame, 0, acl.MaxBurst)
	flush := func() error {
		if len(frames) == 0 {
			return nil
		}
		err := w.ProcessBatch(frames, sink)
		for i := range frames {
			frames[i] = Frame{}
		}
		frames = frames[:0]
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ci, err := src.ReadPacketData()
		switch {
		case err == nil:
			frames = append(frames, Frame{Data: data, CaptureInfo: ci})
			if len(frames) < acl.MaxBurst {
				continue
			}
		case errors.Is(err, ErrTimeout):
		case errors.Is(err, io.EOF):
			return flush()
		default:
			return utilerrors.NewAggregate([]error{err, flush()})
		}
		if err := flush(); err != nil {
			return err
		}
	}
}

// PcapSource reads frames from a pcap file.
type PcapSource struct {
	f *os.File
	r *pcapgo.Reader
}

// OpenPcap opens the pcap file at path.
func OpenPcap(path string) (*PcapSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &PcapSource{f: f, r: r}, nil
}

func (s *PcapSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return s.r.ReadPacketData()
}

func (s *PcapSource) LinkType() layers.LinkType {
	return s.r.LinkType()
}

func (s *PcapSource) Close() error {
	return s.f.Close()
}

// PcapSink writes allowed frames to a pcap stream. It is safe for concurrent use.
type PcapSink struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	c       io.Closer
	dropped uint64
}

// NewPcapSink writes a pcap file header to out and returns a sink writing to it. out is closed by
// Close if it implements io.Closer.
func NewPcapSink(out io.Writer, snaplen uint32, linkType layers.LinkType) (*PcapSink, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(snaplen, linkType); err != nil {
		return nil, err
	}
	s := &PcapSink{w: w}
	if c, ok := out.(io.Closer); ok {
		s.c = c
	}
	return s, nil
}

// CreatePcapSink creates the pcap file at path.
func CreatePcapSink(path string, snaplen uint32, linkType layers.LinkType) (*PcapSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s, err := NewPcapSink(f, snaplen, linkType)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *PcapSink) Emit(f Frame) error {
	ci := f.CaptureInfo
	if ci.CaptureLength == 0 {
		ci.CaptureLength = len(f.Data)
	}
	if ci.Length == 0 {
		ci.Length = len(f.Data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.WritePacket(ci, f.Data)
}

func (s *PcapSink) Drop(Frame) {
	s.mu.Lock()
	s.dropped++
	s.mu.Unlock()
}

// Dropped returns the number of frames dropped so far.
func (s *PcapSink) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *PcapSink) Close() error {
	if s.c == nil {
		return nil
	}
	return s.c.Close()
}

type discard struct{}

func (discard) Emit(Frame) error { return nil }

func (discard) Drop(Frame) {}

// Discard is a sink that only takes note of verdicts through the worker counters.
var Discard Sink = discard{}

// FrameSize returns the capture frame size needed for frames of up to n bytes: a power of two of at
// least 2048.
func FrameSize(n int) int {
	size := 2048
	for size < n {
		size <<= 1
	}
	return size
}
