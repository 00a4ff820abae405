package rules

import (
	"errors"
	"fmt"
)

const (
	// MaxPriority is the priority sentinel counting starts from. The first rule gets MaxPriority-1.
	MaxPriority int32 = 0x1FFFFFFF
	// MinPriority is the lowest priority a rule may be assigned.
	MinPriority int32 = 1
)

var (
	// ErrCapacityExceeded is returned when no priority is left for another rule.
	ErrCapacityExceeded = errors.New("too many firewall rules added")
	// ErrInvalidSpec is returned for malformed rule specs.
	ErrInvalidSpec = errors.New("invalid rule spec")
)

// PriorityCounter hands out strictly decreasing priorities between a maximum sentinel and a minimum.
type PriorityCounter struct {
	max     int32
	min     int32
	current int32
}

// NewPriorityCounter returns a counter positioned at max.
func NewPriorityCounter(max, min int32) PriorityCounter {
	return PriorityCounter{max: max, min: min, current: max}
}

// Next returns the next lower priority. The counter is left untouched when it is exhausted.
func (c *PriorityCounter) Next() (int32, error) {
	next := c.current - 1
	if next < c.min {
		return 0, ErrCapacityExceeded
	}
	c.current = next
	return next, nil
}

// Current returns the last handed out priority, or the maximum if none was.
func (c *PriorityCounter) Current() int32 {
	return c.current
}

// Remaining returns how many priorities are still available.
func (c *PriorityCounter) Remaining() int {
	return int(c.current - c.min)
}

// Reset moves the counter back to its maximum.
func (c *PriorityCounter) Reset() {
	c.current = c.max
}

func (c *PriorityCounter) restore(p int32) {
	c.current = p
}

// Validator turns specs into rules, drawing priorities from a counter.
type Validator struct {
	counter *PriorityCounter
}

// NewValidator returns a validator drawing from c.
func NewValidator(c *PriorityCounter) Validator {
	return Validator{counter: c}
}

// Validate checks s and assigns it the next priority. On success the counter has advanced by one
// even though the rule is not part of any compiled structure yet.
func (v Validator) Validate(s Spec) (Rule, error) {
	if s.Source.Len > 32 {
		return Rule{}, fmt.Errorf("%w: source prefix length %d", ErrInvalidSpec, s.Source.Len)
	}
	if s.Destination.Len > 32 {
		return Rule{}, fmt.Errorf("%w: destination prefix length %d", ErrInvalidSpec, s.Destination.Len)
	}
	prio, err := v.counter.Next()
	if err != nil {
		return Rule{}, err
	}

	r := Rule{
		Protocol:         s.Protocol,
		Source:           s.Source.Masked(),
		Destination:      s.Destination.Masked(),
		SourcePorts:      PortRangeFor(s.SourcePort),
		DestinationPorts: PortRangeFor(s.DestinationPort),
		Action:           Allow,
		Priority:         prio,
	}
	if s.Protocol != 0 {
		r.ProtocolMask = 0xff
	}
	if s.Drop {
		r.Action = Drop
	}
	return r, nil
}
