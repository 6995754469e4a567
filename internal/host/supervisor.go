// Package host supervises a set of hot-reloadable module contexts for a host
// process that drives more than one guest at a time.
package host

import (
	"fmt"
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog/log"

	"github.com/hotswap-go/hotswap/pkg/hotswap"
)

// Supervisor owns one named Context per managed module. Adding, removing and
// looking up contexts is safe from any goroutine; each individual context is
// still driven from one goroutine at a time.
type Supervisor struct {
	contexts cmap.ConcurrentMap[string, *hotswap.Context]
}

// NewSupervisor returns an empty supervisor.
func NewSupervisor() *Supervisor {
	return &Supervisor{contexts: cmap.New[*hotswap.Context]()}
}

// Add creates a context for the artifact, loads it and registers it under
// name. The context is closed again when registration loses the race to a
// concurrent Add with the same name.
func (s *Supervisor) Add(
	name, artifact string,
	opts ...hotswap.Option,
) (*hotswap.Context, error) {
	c := hotswap.New(opts...)
	if err := c.Load(artifact); err != nil {
		_ = c.Close()

		return nil, fmt.Errorf("load %s: %w", name, err)
	}

	if !s.contexts.SetIfAbsent(name, c) {
		_ = c.Close()

		return nil, fmt.Errorf("module %q is already supervised", name)
	}

	log.Info().
		Str("event", "module_supervised").
		Str("module", name).
		Str("artifact", artifact).
		Msg("supervising module")

	return c, nil
}

// Get returns the context registered under name.
func (s *Supervisor) Get(name string) (*hotswap.Context, bool) {
	return s.contexts.Get(name)
}

// Names returns the registered module names in stable order.
func (s *Supervisor) Names() []string {
	names := s.contexts.Keys()
	sort.Strings(names)

	return names
}

// Remove closes the named context and drops it from supervision.
func (s *Supervisor) Remove(name string) error {
	c, ok := s.contexts.Pop(name)
	if !ok {
		return fmt.Errorf("module %q is not supervised", name)
	}

	return c.Close()
}

// UpdateAll drives one update on every supervised context and returns the
// per-module results. Failures are per-module: one faulting guest never
// prevents the others from stepping.
func (s *Supervisor) UpdateAll() map[string]int32 {
	results := make(map[string]int32, s.contexts.Count())
	for _, name := range s.Names() {
		c, ok := s.contexts.Get(name)
		if !ok {
			continue
		}
		ret := c.Update()
		results[name] = ret
		if ret == hotswap.StepFailed || ret == hotswap.TransitionFailed {
			log.Warn().
				Str("event", "module_update_failed").
				Str("module", name).
				Int32("ret", ret).
				Str("failure", c.Failure().String()).
				Msg("module update failed")
		}
	}

	return results
}

// CloseAll closes every supervised context and empties the supervisor. The
// first close error is returned; closing continues regardless.
func (s *Supervisor) CloseAll() error {
	var firstErr error
	for _, name := range s.Names() {
		c, ok := s.contexts.Pop(name)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
