package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"deepclaude/internal/models"
)

// ErrUnknownProvider indicates the requested provider is not registered.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrDuplicateProvider indicates an attempt to register the same provider twice.
var ErrDuplicateProvider = errors.New("provider already registered")

// Streamer opens one upstream call and normalises its output into StreamEvents.
//
// A returned error means the call never started. Once a channel is returned it is
// closed by the adapter when the upstream response ends, when ctx is cancelled, or
// right after an event carrying Err.
type Streamer interface {
	Name() string
	Stream(ctx context.Context, req models.StreamRequest) (<-chan models.StreamEvent, error)
}

// Registry maintains a mapping of provider names to streamers.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Streamer
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Streamer),
	}
}

// Register adds the streamer under its name.
func (r *Registry) Register(s Streamer) error {
	if s == nil {
		return errors.New("provider must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[s.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, s.Name())
	}
	r.byName[s.Name()] = s
	return nil
}

// Lookup returns the streamer registered under name.
func (r *Registry) Lookup(name string) (Streamer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return s, nil
}

// Names lists registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send delivers ev on ch unless ctx is done first. It reports whether the event was delivered.
func Send(ctx context.Context, ch chan<- models.StreamEvent, ev models.StreamEvent) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- ev:
		return true
	}
}
