package acl

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/openshift/ingress-node-acl/pkg/classifier"
	"github.com/openshift/ingress-node-acl/pkg/rules"
)

// ErrEngineClosed is returned by mutations on a closed engine.
var ErrEngineClosed = errors.New("acl engine is closed")

// Observer is notified after every attempt to compile and publish a rule set.
type Observer interface {
	ObserveBuild(rules int, elapsed time.Duration, err error)
}

// Config configures an Engine.
type Config struct {
	// MaxPriority is the priority sentinel. The first rule is assigned MaxPriority-1.
	MaxPriority int32
	// MinPriority is the lowest assignable priority.
	MinPriority int32
	Compiler    classifier.Compiler
	Log         logr.Logger
	Observer    Observer
}

// DefaultConfig returns the configuration used by the daemon.
func DefaultConfig() Config {
	return Config{
		MaxPriority: rules.MaxPriority,
		MinPriority: rules.MinPriority,
		Compiler:    classifier.TupleSpace{MaxRules: classifier.DefaultMaxRules},
		Log:         logr.Discard(),
	}
}

type snapshot struct {
	classifier classifier.Classifier
	generation uint64
}

// Engine owns a rule store and the classifier compiled from it.
//
// Mutations (AddRules, ReplaceRules, ClearRules, Rebuild) are serialized. ClassifyBatch may run on
// any number of goroutines at once and never waits for a mutation: it always uses the classifier
// that was published last.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	log     logr.Logger
	store   *rules.Store
	closed  bool
	current atomic.Pointer[snapshot]
}

// New returns an engine with an empty rule set. Until rules are added every packet is dropped.
func New(cfg Config) (*Engine, error) {
	if cfg.MaxPriority <= cfg.MinPriority {
		return nil, fmt.Errorf("invalid priority bounds: max %d must be above min %d", cfg.MaxPriority, cfg.MinPriority)
	}
	if cfg.Compiler == nil {
		cfg.Compiler = classifier.TupleSpace{}
	}
	if cfg.Log.GetSink() == nil {
		cfg.Log = logr.Discard()
	}
	e := &Engine{
		cfg:   cfg,
		log:   cfg.Log.WithName("acl"),
		store: rules.NewStore(cfg.MaxPriority, cfg.MinPriority),
	}
	e.current.Store(&snapshot{classifier: classifier.Empty})
	return e, nil
}

// AddRules validates specs in order, appends them below the existing rules and publishes a
// classifier built from the complete set.
//
// The call is all or nothing. If any spec fails validation or the build fails, none of the specs are
// kept, priorities already drawn for them are returned, and the previously published classifier stays
// in effect.
func (e *Engine) AddRules(specs []rules.Spec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}

	for i, s := range specs {
		if _, err := e.store.Add(s); err != nil {
			e.store.Rollback()
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	cl, err := e.build(e.store.Snapshot())
	if err != nil {
		e.store.Rollback()
		return err
	}
	e.store.Commit()
	e.publish(cl)
	return nil
}

// ReplaceRules swaps the whole rule set for specs. Priorities restart from the maximum. Readers see
// either the old or the new set, never an empty one in between. On error nothing changes.
func (e *Engine) ReplaceRules(specs []rules.Spec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}

	next := rules.NewStore(e.cfg.MaxPriority, e.cfg.MinPriority)
	for i, s := range specs {
		if _, err := next.Add(s); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
	}
	cl, err := e.build(next.Snapshot())
	if err != nil {
		return err
	}
	next.Commit()
	e.store = next
	e.publish(cl)
	return nil
}

// ClearRules removes every rule and resets priorities. From then on every packet is dropped.
func (e *Engine) ClearRules() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}

	e.store.Clear()
	e.observe(0, 0, nil)
	e.publish(classifier.Empty)
	return nil
}

// Rebuild compiles the current rule set again and publishes the result.
func (e *Engine) Rebuild() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}

	cl, err := e.build(e.store.Snapshot())
	if err != nil {
		return err
	}
	e.publish(cl)
	return nil
}

func (e *Engine) build(rs []rules.Rule) (classifier.Classifier, error) {
	start := time.Now()
	cl, err := e.cfg.Compiler.Build(rs)
	elapsed := time.Since(start)
	e.observe(len(rs), elapsed, err)
	if err != nil {
		e.log.Error(err, "Failed to build classifier, keeping the previous one", "rules", len(rs))
		return nil, err
	}
	st := classifier.StatsOf(cl)
	e.log.V(1).Info("Built classifier", "rules", st.Rules, "classes", st.Classes, "shadowed", st.Shadowed,
		"elapsed", elapsed)
	return cl, nil
}

func (e *Engine) observe(n int, elapsed time.Duration, err error) {
	if e.cfg.Observer != nil {
		e.cfg.Observer.ObserveBuild(n, elapsed, err)
	}
}

func (e *Engine) publish(cl classifier.Classifier) {
	prev := e.current.Load()
	e.current.Store(&snapshot{classifier: cl, generation: prev.generation + 1})
}

// ClassifyBatch returns one action per tuple, in order. A tuple is allowed only if the highest
// priority rule matching it allows it; tuples no rule matches are dropped.
//
// The result is written to actions when its capacity suffices, otherwise a new slice is allocated.
func (e *Engine) ClassifyBatch(tuples []rules.Tuple, actions []rules.Action) []rules.Action {
	cl := e.current.Load().classifier
	if cap(actions) < len(tuples) {
		actions = make([]rules.Action, len(tuples))
	} else {
		actions = actions[:len(tuples)]
	}
	for i := range tuples {
		actions[i] = verdict(cl, tuples[i])
	}
	return actions
}

// Classify returns the action for a single tuple.
func (e *Engine) Classify(t rules.Tuple) rules.Action {
	return verdict(e.current.Load().classifier, t)
}

func verdict(cl classifier.Classifier, t rules.Tuple) rules.Action {
	if r, ok := cl.Classify(t); ok && r.Action == rules.Allow {
		return rules.Allow
	}
	return rules.Drop
}

// RuleCount returns the number of rules in the published classifier.
func (e *Engine) RuleCount() int {
	return e.current.Load().classifier.Len()
}

// Generation returns how many classifiers have been published since the engine was created.
func (e *Engine) Generation() uint64 {
	return e.current.Load().generation
}

// Rules returns a copy of the rule set in priority order.
func (e *Engine) Rules() []rules.Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Snapshot()
}

// Close rejects further mutations. The published classifier keeps serving ClassifyBatch so workers
// can drain.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}
