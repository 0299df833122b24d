package session

import (
	"fmt"

	"go.uber.org/multierr"
)

// Stack releases resources in the reverse order they were acquired.
type Stack struct {
	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

// Push registers fn to run on Close under name.
func (s *Stack) Push(name string, fn func() error) {
	s.closers = append(s.closers, namedCloser{name: name, fn: fn})
}

// Len reports how many closers are pending.
func (s *Stack) Len() int {
	return len(s.closers)
}

// Close runs every pending closer, last pushed first, and combines their
// failures. Every closer runs even when an earlier one fails. Calling Close
// again is a no-op.
func (s *Stack) Close() error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if cerr := c.fn(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", c.name, cerr))
		}
	}
	s.closers = nil
	return err
}
