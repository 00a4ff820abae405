package classifier

import (
	"github.com/openshift/ingress-node-acl/pkg/rules"
)

// TupleSpace compiles rules with tuple space search.
//
// Rules are grouped by the shape of their masks: whether the protocol is exact, both prefix
// lengths, and whether each port is exact. All rules of one shape reduce a packet to the same
// masked key, so each shape is a single hash table from key to the highest priority rule with
// that key. A lookup probes one table per shape, in order of the best rule each shape holds, and
// stops once no remaining shape can beat the match found so far. Lookup cost depends on the
// number of distinct shapes rather than on the number of rules, and does not allocate.
type TupleSpace struct {
	MaxRules int
}

type shape struct {
	srcLen       uint8
	dstLen       uint8
	exactProto   bool
	exactSrcPort bool
	exactDstPort bool
}

type key struct {
	src   uint32
	dst   uint32
	sport uint16
	dport uint16
	proto uint8
}

type class struct {
	shape   shape
	srcMask uint32
	dstMask uint32
	// first is the index of the highest priority rule in the class.
	first   int32
	entries map[key]int32
}

func (c *class) keyOf(t rules.Tuple) key {
	k := key{src: t.Source & c.srcMask, dst: t.Destination & c.dstMask}
	if c.shape.exactProto {
		k.proto = t.Protocol
	}
	if c.shape.exactSrcPort {
		k.sport = t.SourcePort
	}
	if c.shape.exactDstPort {
		k.dport = t.DestinationPort
	}
	return k
}

func shapeOf(r rules.Rule) shape {
	return shape{
		srcLen:       r.Source.Len,
		dstLen:       r.Destination.Len,
		exactProto:   r.ProtocolMask != 0,
		exactSrcPort: !r.SourcePorts.IsAny(),
		exactDstPort: !r.DestinationPorts.IsAny(),
	}
}

func keyOfRule(r rules.Rule) key {
	k := key{src: r.Source.Masked().Addr, dst: r.Destination.Masked().Addr}
	if r.ProtocolMask != 0 {
		k.proto = r.Protocol
	}
	if !r.SourcePorts.IsAny() {
		k.sport = r.SourcePorts.Lo
	}
	if !r.DestinationPorts.IsAny() {
		k.dport = r.DestinationPorts.Lo
	}
	return k
}

// Build implements Compiler.
func (c TupleSpace) Build(rs []rules.Rule) (Classifier, error) {
	if err := checkRules(rs, c.MaxRules); err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return Empty, nil
	}
	for i := range rs {
		if !isSingleOrAny(rs[i].SourcePorts) || !isSingleOrAny(rs[i].DestinationPorts) {
			// Arbitrary ranges do not reduce to one masked key.
			return Linear{MaxRules: c.MaxRules}.Build(rs)
		}
	}

	ts := &tupleSpace{rules: make([]rules.Rule, len(rs))}
	copy(ts.rules, rs)

	index := make(map[shape]int)
	for i := range ts.rules {
		r := ts.rules[i]
		s := shapeOf(r)
		ci, ok := index[s]
		if !ok {
			// Rules arrive by decreasing priority, so classes are created already sorted by their
			// best rule.
			ci = len(ts.classes)
			index[s] = ci
			ts.classes = append(ts.classes, class{
				shape:   s,
				srcMask: r.Source.Mask(),
				dstMask: r.Destination.Mask(),
				first:   int32(i),
				entries: make(map[key]int32),
			})
		}
		cl := &ts.classes[ci]
		k := keyOfRule(r)
		if _, dup := cl.entries[k]; dup {
			ts.shadowed++
			continue
		}
		cl.entries[k] = int32(i)
	}
	return ts, nil
}

func isSingleOrAny(r rules.PortRange) bool {
	return r.IsAny() || r.Lo == r.Hi
}

type tupleSpace struct {
	// rules is ordered by decreasing priority, a lower index always wins.
	rules    []rules.Rule
	classes  []class
	shadowed int
}

func (ts *tupleSpace) Classify(t rules.Tuple) (rules.Rule, bool) {
	best := int32(-1)
	for i := range ts.classes {
		cl := &ts.classes[i]
		if best >= 0 && cl.first > best {
			break
		}
		if idx, ok := cl.entries[cl.keyOf(t)]; ok && (best < 0 || idx < best) {
			best = idx
		}
	}
	if best < 0 {
		return rules.Rule{}, false
	}
	return ts.rules[best], true
}

func (ts *tupleSpace) Len() int {
	return len(ts.rules)
}

func (ts *tupleSpace) Stats() Stats {
	return Stats{Rules: len(ts.rules), Classes: len(ts.classes), Shadowed: ts.shadowed}
}
