// Package strategy defines the Strategy interface for trading strategies and
// provides a Registry of strategy factories keyed by identifier.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"quantcore/internal/domain"
	"quantcore/internal/window"
)

// Strategy is the interface that all trading strategies must implement.
// Implementations hold only their configuration; anything that must survive
// between bars lives in the State passed to OnBar, so one Strategy value can
// safely serve several instruments.
type Strategy interface {
	// ID returns the registry identifier of this strategy.
	ID() string

	// Lookback returns the number of bars the strategy needs before it can
	// emit anything other than Hold.
	Lookback() int

	// OnBar is called after the newest bar has been appended to w. It must
	// return Hold when w is shorter than Lookback.
	OnBar(w *window.BarWindow, st *State) domain.Signal
}

// Factory builds a Strategy from its parameters.
type Factory func(p Params) (Strategy, error)

// Registry maps strategy identifiers to factories. It is populated at
// process start and read afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under id. Registering the same id twice is an
// error.
func (r *Registry) Register(id string, f Factory) error {
	if id == "" || f == nil {
		return fmt.Errorf("registering strategy: empty id or nil factory")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[id]; ok {
		return fmt.Errorf("registering strategy %q: already registered", id)
	}
	r.factories[id] = f
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func (r *Registry) MustRegister(id string, f Factory) {
	if err := r.Register(id, f); err != nil {
		panic(err)
	}
}

// New builds the strategy registered under id.
func (r *Registry) New(id string, p Params) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (registered: %v)", id, r.List())
	}
	s, err := f(p)
	if err != nil {
		return nil, fmt.Errorf("building strategy %q: %w", id, err)
	}
	return s, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// List returns a sorted slice of all registered strategy identifiers.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Params holds numeric strategy parameters as read from configuration.
type Params map[string]float64

// Float returns p[key], or def when the key is absent.
func (p Params) Float(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Int returns p[key] truncated to int, or def when the key is absent.
func (p Params) Int(key string, def int) int {
	if v, ok := p[key]; ok {
		return int(v)
	}
	return def
}
