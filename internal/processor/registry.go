package processor

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"ferry/internal/model"
)

// Registry resolves the processor for a job kind
type Registry struct {
	processors map[model.JobKind]Processor
	mu         sync.RWMutex
}

// NewRegistry creates a registry holding the given processors
func NewRegistry(processors ...Processor) *Registry {
	registry := &Registry{
		processors: make(map[model.JobKind]Processor),
	}

	for _, p := range processors {
		registry.Register(p)
	}

	return registry
}

// Register adds a processor, replacing any registered for the same kind
func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.processors[p.Kind()] = p

	log.Info().
		Str("kind", string(p.Kind())).
		Str("processor", p.Name()).
		Msg("Registered job processor")
}

func (r *Registry) Get(kind model.JobKind) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.processors[kind]
	return p, ok
}

// Kinds returns the registered job kinds in sorted order
func (r *Registry) Kinds() []model.JobKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]model.JobKind, 0, len(r.processors))
	for k := range r.processors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
