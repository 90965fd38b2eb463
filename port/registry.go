package port

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/manifest"
)

// Options describe the module a Port is created for.
type Options struct {
	Name       string
	ManifestID string
	Manifest   *manifest.Manifest
	Scheduler  Scheduler
	Logger     *zap.Logger
}

type Factory func(opts Options) (Port, error)

// Registry maps transport names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Factory, bool) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	return f, ok
}

func (r *Registry) New(name string, opts Options) (Port, error) {
	f, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, name)
	}
	return f(opts)
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
