package prompts

import (
	"fmt"
	"sort"
	"sync"

	"outfitapi/services"
)

// UnknownStrategyError is returned when a request names a prompt version
// that was never registered. The gateway maps it to a client error before
// any task is created.
type UnknownStrategyError struct {
	ID string
}

func (e *UnknownStrategyError) Error() string {
	return fmt.Sprintf("unknown prompt version %q", e.ID)
}

// Registry holds every prompt strategy the service can run. Registration
// happens during startup; lookups happen on every request.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	defaultID  string
}

func NewRegistry(defaultID string) *Registry {
	return &Registry{
		strategies: map[string]Strategy{},
		defaultID:  defaultID,
	}
}

// Register adds a strategy. Two strategies with the same ID is a programming
// error, so it panics instead of silently replacing one.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[s.ID()]; exists {
		panic(fmt.Sprintf("prompt strategy %q registered twice", s.ID()))
	}
	r.strategies[s.ID()] = s
}

// Resolve returns the strategy for the given ID, falling back to the
// registry default when the ID is empty.
func (r *Registry) Resolve(id string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.defaultID
	}
	s, ok := r.strategies[id]
	if !ok {
		return nil, &UnknownStrategyError{ID: id}
	}
	return s, nil
}

func (r *Registry) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultID
}

// IDs lists registered strategy IDs in stable order, for diagnostics.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.strategies))
	for id := range r.strategies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DefaultRegistry builds the production registry. The default version comes
// from the environment so a rollout can switch versions without a deploy.
func DefaultRegistry() *Registry {
	registry := NewRegistry(services.GetEnv("PROMPT_VERSION_DEFAULT", VersionReasoning))
	registry.Register(&DirectStrategy{})
	registry.Register(&ReasoningStrategy{})
	registry.Register(&StylistStrategy{})
	return registry
}
