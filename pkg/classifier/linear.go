package classifier

import (
	"github.com/openshift/ingress-node-acl/pkg/rules"
)

// Linear compiles rules into a first-match list scanned from the highest priority down.
type Linear struct {
	MaxRules int
}

// Build implements Compiler.
func (c Linear) Build(rs []rules.Rule) (Classifier, error) {
	if err := checkRules(rs, c.MaxRules); err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return Empty, nil
	}
	l := make(linear, len(rs))
	copy(l, rs)
	return l, nil
}

type linear []rules.Rule

func (l linear) Classify(t rules.Tuple) (rules.Rule, bool) {
	for i := range l {
		if l[i].Matches(t) {
			return l[i], true
		}
	}
	return rules.Rule{}, false
}

func (l linear) Len() int {
	return len(l)
}
