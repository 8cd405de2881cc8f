package session

import (
	"log/slog"
	"sync"

	"github.com/pkg/errors"
)

type release struct {
	name string
	fn   func() error
}

// scope releases acquired resources in reverse order, each exactly once,
// however the acquisition sequence ended.
type scope struct {
	mu       sync.Mutex
	stack    []release
	released bool
}

func (s *scope) push(name string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stack = append(s.stack, release{name: name, fn: fn})
}

// close runs the release stack. Later calls do nothing.
func (s *scope) close(log *slog.Logger) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return nil
	}
	s.released = true
	stack := s.stack
	s.stack = nil
	s.mu.Unlock()

	var first error
	for i := len(stack) - 1; i >= 0; i-- {
		r := stack[i]
		if err := r.fn(); err != nil {
			log.Warn("Failed to release resource", "resource", r.name, "error", err)
			if first == nil {
				first = errors.Wrapf(err, "release %s", r.name)
			}
			continue
		}
		log.Debug("Released resource", "resource", r.name)
	}
	return first
}
