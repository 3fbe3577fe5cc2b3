package build

import (
	"fmt"
	"sync"

	"github.com/conneroisu/buildwatch/internal/errors"
)

// DisposalStack runs cleanup functions in reverse registration order. Every
// function runs even when an earlier one fails; failures are aggregated.
type DisposalStack struct {
	mu      sync.Mutex
	entries []disposal
}

type disposal struct {
	name string
	fn   func() error
}

// Push registers fn under name.
func (s *DisposalStack) Push(name string, fn func() error) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, disposal{name: name, fn: fn})
}

// Len reports how many functions are still registered.
func (s *DisposalStack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Dispose runs and clears every registered function, last in first out.
// Calling it again is a no-op.
func (s *DisposalStack) Dispose() error {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if err := runDisposal(entries[i]); err != nil {
			errs = append(errs, errors.Wrap(err, errors.ErrorTypeInternal, errors.ErrCodeDispose,
				"disposing "+entries[i].name))
		}
	}
	return errors.Combine(errs...)
}

func runDisposal(d disposal) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.fn()
}
