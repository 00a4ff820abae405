package rules

import (
	"fmt"
	"net/netip"
)

// Action is the verdict attached to a rule.
type Action uint8

const (
	// Drop discards the packet. It is also the verdict when no rule matches.
	Drop Action = iota
	// Allow forwards the packet.
	Allow
)

func (a Action) String() string {
	switch a {
	case Allow:
		return "allow"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("UNKNOWN (%d)", uint8(a))
	}
}

// Tuple holds the five header values a packet is classified on. Addresses and ports are in host
// byte order.
type Tuple struct {
	Protocol        uint8
	Source          uint32
	Destination     uint32
	SourcePort      uint16
	DestinationPort uint16
}

// NewTuple builds a Tuple from IPv4 addresses. Non IPv4 addresses are mapped to 0.0.0.0.
func NewTuple(proto uint8, src, dst netip.Addr, sport, dport uint16) Tuple {
	return Tuple{
		Protocol:        proto,
		Source:          addrToUint32(src),
		Destination:     addrToUint32(dst),
		SourcePort:      sport,
		DestinationPort: dport,
	}
}

func (t Tuple) String() string {
	return fmt.Sprintf("proto=%d %s:%d -> %s:%d", t.Protocol,
		uint32ToAddr(t.Source), t.SourcePort, uint32ToAddr(t.Destination), t.DestinationPort)
}

// Prefix is an IPv4 prefix. A zero length matches every address.
type Prefix struct {
	Addr uint32
	Len  uint8
}

// AnyPrefix is 0.0.0.0/0.
var AnyPrefix = Prefix{}

// PrefixFrom converts a netip.Prefix. Only IPv4 prefixes are accepted.
func PrefixFrom(p netip.Prefix) (Prefix, error) {
	if !p.IsValid() {
		return Prefix{}, fmt.Errorf("invalid prefix %q", p)
	}
	addr := p.Addr().Unmap()
	if !addr.Is4() {
		return Prefix{}, fmt.Errorf("prefix %s is not IPv4", p)
	}
	return Prefix{Addr: addrToUint32(addr), Len: uint8(p.Bits())}, nil
}

// MustParsePrefix parses an IPv4 CIDR and panics on error. Intended for tests and tables.
func MustParsePrefix(s string) Prefix {
	p, err := PrefixFrom(netip.MustParsePrefix(s))
	if err != nil {
		panic(err)
	}
	return p
}

// Mask returns the network mask of the prefix.
func (p Prefix) Mask() uint32 {
	if p.Len == 0 {
		return 0
	}
	if p.Len >= 32 {
		return ^uint32(0)
	}
	return ^uint32(0) << (32 - p.Len)
}

// Masked returns the prefix with the host bits cleared.
func (p Prefix) Masked() Prefix {
	return Prefix{Addr: p.Addr & p.Mask(), Len: p.Len}
}

// Contains reports whether addr is inside the prefix.
func (p Prefix) Contains(addr uint32) bool {
	return (addr^p.Addr)&p.Mask() == 0
}

func (p Prefix) String() string {
	return fmt.Sprintf("%s/%d", uint32ToAddr(p.Addr), p.Len)
}

// PortRange is an inclusive range of transport ports.
type PortRange struct {
	Lo uint16
	Hi uint16
}

// AnyPort covers every port.
var AnyPort = PortRange{Lo: 0, Hi: 0xffff}

// PortRangeFor returns the range a single configured port stands for: 0 means any port.
func PortRangeFor(port uint16) PortRange {
	if port == 0 {
		return AnyPort
	}
	return PortRange{Lo: port, Hi: port}
}

// IsAny reports whether the range covers every port.
func (r PortRange) IsAny() bool {
	return r == AnyPort
}

// Contains reports whether port is inside the range.
func (r PortRange) Contains(port uint16) bool {
	return port >= r.Lo && port <= r.Hi
}

func (r PortRange) String() string {
	if r.IsAny() {
		return "*"
	}
	if r.Lo == r.Hi {
		return fmt.Sprintf("%d", r.Lo)
	}
	return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
}

// Spec is a candidate rule as supplied by the control plane.
type Spec struct {
	// Protocol is the IP protocol number, 0 matches any protocol.
	Protocol        uint8
	Source          Prefix
	Destination     Prefix
	SourcePort      uint16
	DestinationPort uint16
	Drop            bool
}

// Rule is a validated rule with its priority. Higher priorities win.
type Rule struct {
	Protocol uint8
	// ProtocolMask is 0x00 for any protocol and 0xff for an exact match.
	ProtocolMask     uint8
	Source           Prefix
	Destination      Prefix
	SourcePorts      PortRange
	DestinationPorts PortRange
	Action           Action
	Priority         int32
}

// Matches reports whether all five fields of the rule match t.
func (r Rule) Matches(t Tuple) bool {
	return t.Protocol&r.ProtocolMask == r.Protocol&r.ProtocolMask &&
		r.Source.Contains(t.Source) &&
		r.Destination.Contains(t.Destination) &&
		r.SourcePorts.Contains(t.SourcePort) &&
		r.DestinationPorts.Contains(t.DestinationPort)
}

func (r Rule) String() string {
	proto := "*"
	if r.ProtocolMask != 0 {
		proto = fmt.Sprintf("%d", r.Protocol)
	}
	return fmt.Sprintf("prio=%d proto=%s %s:%s -> %s:%s %s", r.Priority, proto,
		r.Source, r.SourcePorts, r.Destination, r.DestinationPorts, r.Action)
}

func addrToUint32(a netip.Addr) uint32 {
	a = a.Unmap()
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func uint32ToAddr(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}
