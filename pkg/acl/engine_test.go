package acl

import (
	"errors"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/openshift/ingress-node-acl/pkg/classifier"
	"github.com/openshift/ingress-node-acl/pkg/rules"
)

type buildRecord struct {
	rules int
	err   error
}

type fakeObserver struct {
	mu     sync.Mutex
	builds []buildRecord
}

func (o *fakeObserver) ObserveBuild(n int, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.builds = append(o.builds, buildRecord{rules: n, err: err})
}

func (o *fakeObserver) last() buildRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.builds[len(o.builds)-1]
}

func tuple(proto uint8, src, dst string, sport, dport uint16) rules.Tuple {
	return rules.NewTuple(proto, netip.MustParseAddr(src), netip.MustParseAddr(dst), sport, dport)
}

func randomTuple(r *rand.Rand) rules.Tuple {
	return rules.Tuple{
		Protocol:        uint8(r.Intn(256)),
		Source:          r.Uint32(),
		Destination:     r.Uint32(),
		SourcePort:      uint16(r.Intn(65536)),
		DestinationPort: uint16(r.Intn(65536)),
	}
}

func classifyAll(e *Engine, tuples []rules.Tuple) []rules.Action {
	return e.ClassifyBatch(tuples, nil)
}

var _ = Describe("Engine", func() {
	var (
		e        *Engine
		observer *fakeObserver
	)

	newEngine := func(max, min int32, maxRules int) *Engine {
		cfg := DefaultConfig()
		cfg.MaxPriority = max
		cfg.MinPriority = min
		cfg.Compiler = classifier.TupleSpace{MaxRules: maxRules}
		cfg.Observer = observer
		eng, err := New(cfg)
		Expect(err).NotTo(HaveOccurred())
		return eng
	}

	BeforeEach(func() {
		observer = &fakeObserver{}
		e = newEngine(rules.MaxPriority, rules.MinPriority, classifier.DefaultMaxRules)
	})

	Context("with no rules", func() {
		It("drops every tuple", func() {
			r := rand.New(rand.NewSource(1))
			tuples := make([]rules.Tuple, 200)
			for i := range tuples {
				tuples[i] = randomTuple(r)
			}
			for _, a := range classifyAll(e, tuples) {
				Expect(a).To(Equal(rules.Drop))
			}
			Expect(e.RuleCount()).To(Equal(0))
			Expect(e.Generation()).To(BeZero())
		})
	})

	It("rejects inverted priority bounds", func() {
		cfg := DefaultConfig()
		cfg.MaxPriority, cfg.MinPriority = 1, 5
		_, err := New(cfg)
		Expect(err).To(HaveOccurred())
	})

	It("allows matching tcp and drops a protocol mismatch", func() {
		Expect(e.AddRules([]rules.Spec{{
			Protocol:        6,
			Source:          rules.MustParsePrefix("10.0.0.0/8"),
			Destination:     rules.AnyPrefix,
			DestinationPort: 443,
		}})).To(Succeed())

		Expect(e.Classify(tuple(6, "10.1.2.3", "8.8.8.8", 55000, 443))).To(Equal(rules.Allow))
		Expect(e.Classify(tuple(17, "10.1.2.3", "8.8.8.8", 55000, 443))).To(Equal(rules.Drop))
	})

	It("lets the rule added first win", func() {
		Expect(e.AddRules([]rules.Spec{{DestinationPort: 80, Drop: true}})).To(Succeed())
		Expect(e.AddRules([]rules.Spec{{DestinationPort: 80}})).To(Succeed())

		r := rand.New(rand.NewSource(2))
		for i := 0; i < 100; i++ {
			t := randomTuple(r)
			t.DestinationPort = 80
			Expect(e.Classify(t)).To(Equal(rules.Drop))
		}
	})

	It("uses the action of the only matching rule", func() {
		Expect(e.AddRules([]rules.Spec{
			{Protocol: 17, DestinationPort: 53},
			{Source: rules.MustParsePrefix("192.0.2.0/24"), Drop: true},
			{Destination: rules.MustParsePrefix("198.51.100.7/32")},
		})).To(Succeed())

		Expect(e.Classify(tuple(17, "1.1.1.1", "2.2.2.2", 1000, 53))).To(Equal(rules.Allow))
		Expect(e.Classify(tuple(6, "192.0.2.9", "2.2.2.2", 1000, 22))).To(Equal(rules.Drop))
		Expect(e.Classify(tuple(1, "1.1.1.1", "198.51.100.7", 0, 0))).To(Equal(rules.Allow))
		Expect(e.Classify(tuple(1, "1.1.1.1", "198.51.100.8", 0, 0))).To(Equal(rules.Drop))
	})

	It("treats zero fields as wildcards", func() {
		Expect(e.AddRules([]rules.Spec{{}})).To(Succeed())

		r := rand.New(rand.NewSource(3))
		tuples := make([]rules.Tuple, 200)
		for i := range tuples {
			tuples[i] = randomTuple(r)
		}
		for _, a := range classifyAll(e, tuples) {
			Expect(a).To(Equal(rules.Allow))
		}
	})

	It("matches the linear reference for random rule sets", func() {
		r := rand.New(rand.NewSource(4))
		ports := []uint16{0, 22, 80, 443}
		lens := []uint8{0, 8, 16, 32}
		specs := make([]rules.Spec, 100)
		for i := range specs {
			specs[i] = rules.Spec{
				Protocol:        []uint8{0, 6, 17}[r.Intn(3)],
				Source:          rules.Prefix{Addr: uint32(r.Intn(4)) << 24, Len: lens[r.Intn(len(lens))]},
				Destination:     rules.Prefix{Addr: uint32(r.Intn(4)) << 24, Len: lens[r.Intn(len(lens))]},
				SourcePort:      ports[r.Intn(len(ports))],
				DestinationPort: ports[r.Intn(len(ports))],
				Drop:            r.Intn(2) == 0,
			}
		}
		Expect(e.AddRules(specs)).To(Succeed())

		ref, err := classifier.Linear{}.Build(e.Rules())
		Expect(err).NotTo(HaveOccurred())
		for i := 0; i < 2000; i++ {
			t := rules.Tuple{
				Protocol:        []uint8{1, 6, 17}[r.Intn(3)],
				Source:          uint32(r.Intn(4))<<24 | uint32(r.Intn(2)),
				Destination:     uint32(r.Intn(4))<<24 | uint32(r.Intn(2)),
				SourcePort:      ports[r.Intn(len(ports))],
				DestinationPort: ports[r.Intn(len(ports))],
			}
			expected := rules.Drop
			if m, ok := ref.Classify(t); ok {
				expected = m.Action
			}
			Expect(e.Classify(t)).To(Equal(expected), "tuple %v", t)
		}
	})

	Context("when capacity runs out", func() {
		BeforeEach(func() {
			// Priorities 9 down to 1 leave room for nine rules.
			e = newEngine(10, 1, classifier.DefaultMaxRules)
		})

		It("rejects the whole call and keeps the previous classifier", func() {
			Expect(e.AddRules([]rules.Spec{{DestinationPort: 22}})).To(Succeed())
			generation := e.Generation()

			specs := make([]rules.Spec, 9)
			for i := range specs {
				specs[i] = rules.Spec{DestinationPort: 80}
			}
			err := e.AddRules(specs)
			Expect(errors.Is(err, rules.ErrCapacityExceeded)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("rule 8"))

			Expect(e.Generation()).To(Equal(generation))
			Expect(e.RuleCount()).To(Equal(1))
			Expect(e.Rules()).To(HaveLen(1))
			Expect(e.Classify(tuple(6, "1.1.1.1", "2.2.2.2", 1, 22))).To(Equal(rules.Allow))
			Expect(e.Classify(tuple(6, "1.1.1.1", "2.2.2.2", 1, 80))).To(Equal(rules.Drop))
		})

		It("returns the priorities of a rejected call", func() {
			Expect(e.AddRules(make([]rules.Spec, 10))).NotTo(Succeed())
			Expect(e.AddRules(make([]rules.Spec, 9))).To(Succeed())
			Expect(e.RuleCount()).To(Equal(9))
		})

		It("accepts rules again after a clear", func() {
			Expect(e.AddRules(make([]rules.Spec, 9))).To(Succeed())
			Expect(errors.Is(e.AddRules([]rules.Spec{{}}), rules.ErrCapacityExceeded)).To(BeTrue())
			Expect(e.ClearRules()).To(Succeed())
			Expect(e.AddRules(make([]rules.Spec, 9))).To(Succeed())
		})
	})

	Context("when the build fails", func() {
		BeforeEach(func() {
			e = newEngine(rules.MaxPriority, rules.MinPriority, 2)
		})

		It("rolls the call back and reports the failure", func() {
			Expect(e.AddRules([]rules.Spec{{DestinationPort: 22}})).To(Succeed())
			err := e.AddRules([]rules.Spec{{DestinationPort: 80}, {DestinationPort: 443}})
			Expect(errors.Is(err, classifier.ErrBuildFailed)).To(BeTrue())
			Expect(observer.last().err).To(HaveOccurred())
			Expect(observer.last().rules).To(Equal(3))

			Expect(e.RuleCount()).To(Equal(1))
			Expect(e.Classify(tuple(6, "1.1.1.1", "2.2.2.2", 1, 80))).To(Equal(rules.Drop))

			rs := e.Rules()
			Expect(rs).To(HaveLen(1))
			Expect(e.AddRules([]rules.Spec{{DestinationPort: 80}})).To(Succeed())
			Expect(e.Rules()[1].Priority).To(Equal(rs[0].Priority - 1))
		})
	})

	It("rejects malformed specs", func() {
		err := e.AddRules([]rules.Spec{{}, {Destination: rules.Prefix{Len: 40}}})
		Expect(errors.Is(err, rules.ErrInvalidSpec)).To(BeTrue())
		Expect(e.Rules()).To(BeEmpty())
	})

	It("drops everything after ClearRules", func() {
		Expect(e.AddRules([]rules.Spec{{}})).To(Succeed())
		Expect(e.Classify(tuple(6, "1.1.1.1", "2.2.2.2", 1, 2))).To(Equal(rules.Allow))

		Expect(e.ClearRules()).To(Succeed())
		r := rand.New(rand.NewSource(5))
		tuples := make([]rules.Tuple, 100)
		for i := range tuples {
			tuples[i] = randomTuple(r)
		}
		for _, a := range classifyAll(e, tuples) {
			Expect(a).To(Equal(rules.Drop))
		}
		Expect(observer.last()).To(Equal(buildRecord{}))
		Expect(e.Rules()).To(BeEmpty())
	})

	It("replaces the rule set in one step", func() {
		Expect(e.AddRules([]rules.Spec{{DestinationPort: 22}})).To(Succeed())
		Expect(e.ReplaceRules([]rules.Spec{{DestinationPort: 80}})).To(Succeed())

		Expect(e.Classify(tuple(6, "1.1.1.1", "2.2.2.2", 1, 22))).To(Equal(rules.Drop))
		Expect(e.Classify(tuple(6, "1.1.1.1", "2.2.2.2", 1, 80))).To(Equal(rules.Allow))
		Expect(e.Rules()[0].Priority).To(Equal(rules.MaxPriority - 1))
	})

	It("keeps the old rule set when a replacement is invalid", func() {
		Expect(e.AddRules([]rules.Spec{{DestinationPort: 22}})).To(Succeed())
		Expect(e.ReplaceRules([]rules.Spec{{Source: rules.Prefix{Len: 33}}})).NotTo(Succeed())
		Expect(e.Classify(tuple(6, "1.1.1.1", "2.2.2.2", 1, 22))).To(Equal(rules.Allow))
	})

	It("publishes a new generation on Rebuild", func() {
		Expect(e.AddRules([]rules.Spec{{DestinationPort: 22}})).To(Succeed())
		g := e.Generation()
		Expect(e.Rebuild()).To(Succeed())
		Expect(e.Generation()).To(Equal(g + 1))
		Expect(e.RuleCount()).To(Equal(1))
	})

	It("refuses mutations once closed", func() {
		Expect(e.AddRules([]rules.Spec{{}})).To(Succeed())
		Expect(e.Close()).To(Succeed())
		Expect(e.AddRules([]rules.Spec{{}})).To(MatchError(ErrEngineClosed))
		Expect(e.ClearRules()).To(MatchError(ErrEngineClosed))
		Expect(e.ReplaceRules(nil)).To(MatchError(ErrEngineClosed))
		Expect(e.Rebuild()).To(MatchError(ErrEngineClosed))
		Expect(e.Classify(tuple(6, "1.1.1.1", "2.2.2.2", 1, 2))).To(Equal(rules.Allow))
	})

	It("writes into the caller's buffer", func() {
		Expect(e.AddRules([]rules.Spec{{Protocol: 6}})).To(Succeed())
		buf := make([]rules.Action, 0, 4)
		out := e.ClassifyBatch([]rules.Tuple{
			tuple(6, "1.1.1.1", "2.2.2.2", 1, 2),
			tuple(17, "1.1.1.1", "2.2.2.2", 1, 2),
		}, buf)
		Expect(out).To(Equal([]rules.Action{rules.Allow, rules.Drop}))
		Expect(&out[0]).To(BeIdenticalTo(&buf[:1][0]))
	})

	It("never shows readers a partial rule set", func() {
		Expect(e.AddRules([]rules.Spec{{Protocol: 6, DestinationPort: 80}})).To(Succeed())
		allowed := tuple(6, "1.1.1.1", "2.2.2.2", 1, 80)

		stop := make(chan struct{})
		var wg sync.WaitGroup
		failures := make(chan rules.Tuple, 8)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				var b Batch
				for {
					select {
					case <-stop:
						return
					default:
					}
					b.Reset()
					for b.Push(allowed) {
					}
					for _, a := range b.Classify(e) {
						if a != rules.Allow {
							select {
							case failures <- allowed:
							default:
							}
						}
					}
				}
			}()
		}

		for i := 0; i < 200; i++ {
			Expect(e.AddRules([]rules.Spec{{DestinationPort: uint16(1000 + i), Drop: true}})).To(Succeed())
			if i%50 == 49 {
				Expect(e.ReplaceRules([]rules.Spec{{Protocol: 6, DestinationPort: 80}})).To(Succeed())
			}
		}
		close(stop)
		wg.Wait()
		Expect(failures).To(BeEmpty())
	})
})

var _ = Describe("Batch", func() {
	It("holds at most MaxBurst tuples", func() {
		var b Batch
		for i := 0; i < MaxBurst; i++ {
			Expect(b.Push(rules.Tuple{DestinationPort: uint16(i)})).To(BeTrue())
		}
		Expect(b.Full()).To(BeTrue())
		Expect(b.Push(rules.Tuple{})).To(BeFalse())
		Expect(b.Tuples()).To(HaveLen(MaxBurst))
		Expect(b.Tuples()[MaxBurst-1].DestinationPort).To(Equal(uint16(MaxBurst - 1)))

		b.Reset()
		Expect(b.Len()).To(Equal(0))
	})

	It("classifies without allocating", func() {
		e, err := New(DefaultConfig())
		Expect(err).NotTo(HaveOccurred())
		Expect(e.AddRules([]rules.Spec{{Protocol: 6}, {Protocol: 17, Drop: true}})).To(Succeed())

		var b Batch
		for i := 0; i < MaxBurst; i++ {
			b.Push(tuple(uint8(6+11*(i%2)), "1.1.1.1", "2.2.2.2", 1, uint16(i)))
		}
		actions := b.Classify(e)
		Expect(actions).To(HaveLen(MaxBurst))
		Expect(actions[0]).To(Equal(rules.Allow))
		Expect(actions[1]).To(Equal(rules.Drop))

		allocs := testingAllocs(func() { b.Classify(e) })
		Expect(allocs).To(BeZero())
	})
})
