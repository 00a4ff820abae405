package classifier

import (
	"errors"
	"fmt"

	"github.com/openshift/ingress-node-acl/pkg/rules"
)

// DefaultMaxRules is the number of rules a compiled structure holds unless configured otherwise.
const DefaultMaxRules = 10239

// ErrBuildFailed is returned when a rule set cannot be compiled.
var ErrBuildFailed = errors.New("failed to build internal ACL structures")

// Classifier is an immutable, compiled rule set. It is safe for concurrent use.
type Classifier interface {
	// Classify returns the highest priority rule matching t. The boolean is false if no rule matches.
	Classify(t rules.Tuple) (rules.Rule, bool)
	// Len returns the number of rules the classifier was built from.
	Len() int
}

// Compiler builds a Classifier from rules ordered by decreasing priority.
type Compiler interface {
	Build(rs []rules.Rule) (Classifier, error)
}

// Empty matches nothing.
var Empty Classifier = empty{}

type empty struct{}

func (empty) Classify(rules.Tuple) (rules.Rule, bool) { return rules.Rule{}, false }

func (empty) Len() int { return 0 }

// checkRules verifies the rule count fits maxRules and that priorities strictly decrease.
func checkRules(rs []rules.Rule, maxRules int) error {
	if maxRules <= 0 {
		maxRules = DefaultMaxRules
	}
	if len(rs) > maxRules {
		return fmt.Errorf("%w: %d rules exceed the maximum of %d", ErrBuildFailed, len(rs), maxRules)
	}
	for i := 1; i < len(rs); i++ {
		if rs[i].Priority >= rs[i-1].Priority {
			return fmt.Errorf("%w: rule %d (priority %d) does not rank below rule %d (priority %d)",
				ErrBuildFailed, i, rs[i].Priority, i-1, rs[i-1].Priority)
		}
	}
	return nil
}

// Stats summarizes a compiled structure.
type Stats struct {
	Rules int
	// Classes is the number of distinct mask shapes, 1 for structures without shapes.
	Classes int
	// Shadowed counts rules that can never match because an identical, higher priority rule exists.
	Shadowed int
}

// StatsOf returns the Stats of c.
func StatsOf(c Classifier) Stats {
	if s, ok := c.(interface{ Stats() Stats }); ok {
		return s.Stats()
	}
	st := Stats{Rules: c.Len()}
	if st.Rules > 0 {
		st.Classes = 1
	}
	return st
}
