package inject

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Scope collects discard callbacks for one request, connection or generation.
type Scope struct {
	id string

	mu        sync.Mutex
	callbacks []func()
	closed    bool
}

// NewScope creates an open scope with a fresh id.
func NewScope() *Scope {
	return &Scope{id: uuid.NewString()}
}

// ID identifies the scope in logs.
func (s *Scope) ID() string {
	return s.id
}

// Add registers fn. If the scope is already closed fn runs immediately.
func (s *Scope) Add(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

// Len reports how many callbacks are pending.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callbacks)
}

// Close runs pending callbacks in reverse registration order. Each callback runs once
// even when Close is called repeatedly or concurrently. Panics are recovered and returned.
func (s *Scope) Close() error {
	s.mu.Lock()
	callbacks := s.callbacks
	s.callbacks = nil
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for i := len(callbacks) - 1; i >= 0; i-- {
		if err := runDiscard(callbacks[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func runDiscard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("discard callback panicked: %v", r)
		}
	}()
	fn()
	return nil
}
