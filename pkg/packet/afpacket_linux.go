//go:build linux && cgo

package packet

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"k8s.io/klog"
)

// LiveSource captures frames from a network interface with a memory mapped AF_PACKET ring.
type LiveSource struct {
	tp    *afpacket.TPacket
	iface string
}

// LiveOptions configures OpenLive.
type LiveOptions struct {
	// FrameSize is the largest frame to capture, rounded up to a valid ring frame size.
	FrameSize int
	// PollTimeout bounds how long a read waits before returning ErrTimeout.
	PollTimeout time.Duration
	// FanoutGroup, if non zero, joins the socket to a fanout group so that several workers share the
	// interface's traffic by flow hash.
	FanoutGroup uint16
}

// OpenLive opens a capture on iface.
func OpenLive(iface string, opts LiveOptions) (*LiveSource, error) {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 100 * time.Millisecond
	}
	frameSize := FrameSize(opts.FrameSize)
	blockSize := 1 << 20
	if frameSize > blockSize {
		blockSize = frameSize
	}
	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(16),
		afpacket.OptPollTimeout(opts.PollTimeout),
		afpacket.OptAddVLANHeader(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open AF_PACKET capture on %s: %w", iface, err)
	}
	if opts.FanoutGroup != 0 {
		if err := tp.SetFanout(afpacket.FanoutHashWithDefrag, opts.FanoutGroup); err != nil {
			tp.Close()
			return nil, fmt.Errorf("failed to join fanout group %d on %s: %w", opts.FanoutGroup, iface, err)
		}
	}
	klog.Infof("Capturing on interface %s, frame size %d, fanout group %d", iface, frameSize, opts.FanoutGroup)
	return &LiveSource{tp: tp, iface: iface}, nil
}

func (s *LiveSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := s.tp.ReadPacketData()
	if errors.Is(err, afpacket.ErrTimeout) {
		return nil, ci, ErrTimeout
	}
	return data, ci, err
}

func (s *LiveSource) LinkType() layers.LinkType {
	return layers.LinkTypeEthernet
}

func (s *LiveSource) Close() error {
	if _, stats, err := s.tp.SocketStats(); err == nil {
		klog.Infof("Closing capture on %s: %d packets, %d dropped by the kernel", s.iface, stats.Packets(), stats.Drops())
	}
	s.tp.Close()
	return nil
}
