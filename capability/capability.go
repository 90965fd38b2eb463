// Package capability implements the permission-gated capability objects a
// module's internal environment can reach under the "core." namespace.
//
// Each capability is a Definition: a named set of methods. A module that
// declares the permission gets its own Provider endpoint, linked by the hub
// to the flow of the same name. Requests are
//
//	{type: "method", name, reqId, args}
//
// and every request gets exactly one reply on the provider's reverse channel:
//
//	{type: "method", name, reqId, value}  or  {..., error}
package capability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/port"
)

var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrUnknownMethod     = errors.New("unknown method")
)

// Func is one capability method.
type Func func(ctx context.Context, args map[string]any) (any, error)

type Definition struct {
	Name    string
	Methods map[string]Func
}

func (d *Definition) MethodNames() []string {
	names := make([]string, 0, len(d.Methods))
	for name := range d.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*Definition
	sched port.Scheduler
	log   *zap.Logger
}

type Option func(*Registry)

// WithScheduler sets where provider replies are posted. Providers created
// for a hub must use the hub's scheduler.
func WithScheduler(s port.Scheduler) Option {
	return func(r *Registry) { r.sched = s }
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		defs:  make(map[string]*Definition),
		sched: port.Inline{},
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Register(def *Definition) {
	r.mu.Lock()
	r.defs[def.Name] = def
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	return def, ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Provide creates the endpoint serving capability name to owner.
func (r *Registry) Provide(name string, owner port.Endpoint) (port.Endpoint, error) {
	def, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCapability, name)
	}
	return newProvider(def, owner, r.sched, r.log), nil
}
