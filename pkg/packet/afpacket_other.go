//go:build !linux || !cgo

package packet

import (
	"errors"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LiveSource is only available on Linux.
type LiveSource struct{}

// LiveOptions configures OpenLive.
type LiveOptions struct {
	FrameSize   int
	PollTimeout time.Duration
	FanoutGroup uint16
}

// OpenLive is only available on Linux.
func OpenLive(iface string, opts LiveOptions) (*LiveSource, error) {
	return nil, errors.New("live capture requires AF_PACKET, which is only available on linux")
}

func (s *LiveSource) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	return nil, gopacket.CaptureInfo{}, errors.New("live capture is not supported")
}

func (s *LiveSource) LinkType() layers.LinkType {
	return layers.LinkTypeEthernet
}

func (s *LiveSource) Close() error {
	return nil
}
