package utils

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var protocolNumbers = map[string]uint8{
	"any":    0,
	"icmp":   unix.IPPROTO_ICMP,
	"tcp":    unix.IPPROTO_TCP,
	"udp":    unix.IPPROTO_UDP,
	"sctp":   unix.IPPROTO_SCTP,
	"icmpv6": unix.IPPROTO_ICMPV6,
}

// ParseProtocol accepts a protocol name (any, icmp, tcp, udp, sctp, icmpv6) or a number 0-255.
// An empty string means any protocol.
func ParseProtocol(p string) (uint8, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return 0, nil
	}
	if n, ok := protocolNumbers[p]; ok {
		return n, nil
	}
	n, err := strconv.ParseUint(p, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid protocol %q, expected a name or a number 0-255", p)
	}
	return uint8(n), nil
}

// ProtocolName returns the name of a well known protocol, or its number.
func ProtocolName(n uint8) string {
	for name, v := range protocolNumbers {
		if v == n {
			return name
		}
	}
	return strconv.Itoa(int(n))
}
