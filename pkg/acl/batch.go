package acl

import (
	"github.com/openshift/ingress-node-acl/pkg/rules"
)

// MaxBurst is the largest number of packets processed as one batch.
const MaxBurst = 32

// Batch is per-worker scratch space for up to MaxBurst tuples and their actions. It is reused across
// batches and must not be shared between goroutines.
type Batch struct {
	n       int
	tuples  [MaxBurst]rules.Tuple
	actions [MaxBurst]rules.Action
}

// Reset empties the batch.
func (b *Batch) Reset() {
	b.n = 0
}

// Push appends t. It returns false when the batch is full.
func (b *Batch) Push(t rules.Tuple) bool {
	if b.n == MaxBurst {
		return false
	}
	b.tuples[b.n] = t
	b.n++
	return true
}

func (b *Batch) Len() int {
	return b.n
}

func (b *Batch) Full() bool {
	return b.n == MaxBurst
}

// Tuples returns the tuples pushed since the last Reset.
func (b *Batch) Tuples() []rules.Tuple {
	return b.tuples[:b.n]
}

// Classify classifies the batch with e. The returned slice is backed by the batch and is valid until
// the next call.
func (b *Batch) Classify(e *Engine) []rules.Action {
	return e.ClassifyBatch(b.tuples[:b.n], b.actions[:0])
}
