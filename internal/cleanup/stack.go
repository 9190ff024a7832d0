package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kriansa/image-info/internal/log"
)

// Release frees one acquired resource
type Release func(ctx context.Context) error

type guard struct {
	name    string
	release Release
}

// Stack holds guards for acquired resources. Guards are released last in,
// first out, so a resource is always released before what it depends on.
// The zero value is ready to use.
type Stack struct {
	mu       sync.Mutex
	guards   []guard
	order    []string
	released []string
}

// Push registers release to be run for the resource called name
func (s *Stack) Push(name string, release Release) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guards = append(s.guards, guard{name: name, release: release})
	s.order = append(s.order, name)
}

// Len returns the number of guards not released yet
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.guards)
}

// Pop releases the n most recent guards. All of them are released even
// if some fail.
func (s *Stack) Pop(ctx context.Context, n int) error {
	var errs []error
	for i := 0; i < n; i++ {
		g, ok := s.pop()
		if !ok {
			break
		}
		if err := g.release(ctx); err != nil {
			log.Warn("release failed", "resource", g.name, "error", err)
			errs = append(errs, fmt.Errorf("release %s: %w", g.name, err))
		}
	}
	return errors.Join(errs...)
}

// Unwind releases every remaining guard
func (s *Stack) Unwind(ctx context.Context) error {
	return s.Pop(ctx, s.Len())
}

func (s *Stack) pop() (guard, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.guards) == 0 {
		return guard{}, false
	}
	g := s.guards[len(s.guards)-1]
	s.guards = s.guards[:len(s.guards)-1]
	s.released = append(s.released, g.name)
	return g, true
}

// Order returns the names of all guards ever pushed, in acquisition order
func (s *Stack) Order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Released returns the names of released guards, in release order
func (s *Stack) Released() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.released...)
}
