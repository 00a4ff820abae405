package rules

// Store holds the ordered rule set. Insertion order is priority order.
//
// Rules appended since the last Commit are staged: they take part in the next build but can be
// dropped again with Rollback. Store is not safe for concurrent use; it is owned by a single
// control path.
type Store struct {
	rules     []Rule
	counter   PriorityCounter
	committed int
	// committedPriority is the counter position at the last commit.
	committedPriority int32
}

// NewStore returns an empty store whose priorities range from max (exclusive) down to min.
func NewStore(max, min int32) *Store {
	s := &Store{counter: NewPriorityCounter(max, min)}
	s.committedPriority = s.counter.Current()
	return s
}

// Validator returns a validator drawing priorities from this store.
func (s *Store) Validator() Validator {
	return NewValidator(&s.counter)
}

// Add validates spec and appends the resulting rule.
func (s *Store) Add(spec Spec) (Rule, error) {
	r, err := s.Validator().Validate(spec)
	if err != nil {
		return Rule{}, err
	}
	s.Append(r)
	return r, nil
}

// Append adds r at the end (lowest priority so far).
func (s *Store) Append(r Rule) {
	s.rules = append(s.rules, r)
}

// Clear discards every rule, staged or committed, and resets the priority counter.
func (s *Store) Clear() {
	s.rules = nil
	s.committed = 0
	s.counter.Reset()
	s.committedPriority = s.counter.Current()
}

// Commit marks every staged rule as committed.
func (s *Store) Commit() {
	s.committed = len(s.rules)
	s.committedPriority = s.counter.Current()
}

// Rollback drops the staged rules and restores the priority counter to the last commit.
func (s *Store) Rollback() {
	for i := s.committed; i < len(s.rules); i++ {
		s.rules[i] = Rule{}
	}
	s.rules = s.rules[:s.committed]
	s.counter.restore(s.committedPriority)
}

// Snapshot returns a copy of all rules, committed and staged, in priority order.
func (s *Store) Snapshot() []Rule {
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// Len returns the number of rules, staged included.
func (s *Store) Len() int {
	return len(s.rules)
}

// Committed returns the number of committed rules.
func (s *Store) Committed() int {
	return s.committed
}

// Staged returns the number of rules appended since the last commit.
func (s *Store) Staged() int {
	return len(s.rules) - s.committed
}

// Remaining returns how many more rules fit.
func (s *Store) Remaining() int {
	return s.counter.Remaining()
}
