package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/openshift/ingress-node-acl/pkg/rules"
)

// Extractor reads the classification tuple out of a frame. Decoding layers are allocated once, so an
// Extractor must not be shared between goroutines.
type Extractor struct {
	eth     layers.Ethernet
	dot1q   layers.Dot1Q
	ip4     layers.IPv4
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewExtractor returns an extractor for frames of the given link type. Ethernet (optionally VLAN
// tagged) and raw IPv4 are supported.
func NewExtractor(linkType layers.LinkType) (*Extractor, error) {
	var first gopacket.LayerType
	switch linkType {
	case layers.LinkTypeEthernet:
		first = layers.LayerTypeEthernet
	case layers.LinkTypeRaw, layers.LinkTypeIPv4:
		first = layers.LayerTypeIPv4
	default:
		return nil, fmt.Errorf("unsupported link type %s", linkType)
	}
	e := &Extractor{decoded: make([]gopacket.LayerType, 0, 4)}
	e.parser = gopacket.NewDecodingLayerParser(first, &e.eth, &e.dot1q, &e.ip4)
	e.parser.IgnoreUnsupported = true
	return e, nil
}

// Extract returns the tuple of an IPv4 frame. Ports are the first four bytes after the IPv4 header,
// whatever the protocol. It returns false for non IPv4 frames and for frames too short to hold
// ports.
func (e *Extractor) Extract(frame []byte) (rules.Tuple, bool) {
	if err := e.parser.DecodeLayers(frame, &e.decoded); err != nil {
		return rules.Tuple{}, false
	}
	isIPv4 := false
	for _, lt := range e.decoded {
		if lt == layers.LayerTypeIPv4 {
			isIPv4 = true
			break
		}
	}
	if !isIPv4 {
		return rules.Tuple{}, false
	}
	l4 := e.ip4.Payload
	if len(l4) < 4 {
		return rules.Tuple{}, false
	}
	src, dst := e.ip4.SrcIP.To4(), e.ip4.DstIP.To4()
	if src == nil || dst == nil {
		return rules.Tuple{}, false
	}
	return rules.Tuple{
		Protocol:        uint8(e.ip4.Protocol),
		Source:          binary.BigEndian.Uint32(src),
		Destination:     binary.BigEndian.Uint32(dst),
		SourcePort:      binary.BigEndian.Uint16(l4[0:2]),
		DestinationPort: binary.BigEndian.Uint16(l4[2:4]),
	}, true
}
