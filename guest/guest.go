// Package guest is the internal environment of a module: the code that runs
// inside a worker unit, answers the router's bootstrap, announces the
// module's flows and hosts one Component chosen by the manifest's
// app.script.
package guest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/loop"
	"github.com/caffeineduck/modhub/port/worker"
)

var (
	ErrUnknownComponent = errors.New("unknown component")
	ErrNoScript         = errors.New("manifest names no app script")
)

// Component is module code hosted by the internal environment. Start is
// called once the module's flows have been announced; handlers it
// registers run on the unit's loop.
type Component interface {
	Start(env *Env) error
}

type ComponentFunc func(env *Env) error

func (f ComponentFunc) Start(env *Env) error { return f(env) }

// Registry maps app.script names to components.
type Registry struct {
	mu         sync.RWMutex
	components map[string]Component
}

func NewRegistry() *Registry {
	return &Registry{components: make(map[string]Component)}
}

func (r *Registry) Register(name string, c Component) {
	r.mu.Lock()
	r.components[name] = c
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Component, error) {
	if name == "" {
		return nil, ErrNoScript
	}
	r.mu.RLock()
	c, ok := r.components[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownComponent, name)
	}
	return c, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.components))
	for name := range r.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type options struct {
	log     *zap.Logger
	globals map[string]any
}

type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithGlobals sets the ambient globals the unit's sandbox scope is filtered
// from. The worker transport's defaults are used otherwise.
func WithGlobals(g map[string]any) Option {
	return func(o *options) { o.globals = g }
}

// Serve returns a worker spawner that runs the internal environment in
// each unit, hosting components from reg.
func Serve(reg *Registry, opts ...Option) worker.Spawner {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	return func(ctx context.Context, id string, ep *worker.Endpoint) error {
		log := o.log.With(zap.String("unit", id))
		lp := loop.New(loop.WithLogger(log))

		var env *Env
		lp.Post(func() {
			l, t := worker.Listen(id, ep, lp, log, o.globals)
			env = newEnv(id, l, t.Scope(), reg, lp, log)
			l.Subscribe(env.receive)
		})

		err := lp.Run(ctx)
		if env != nil {
			env.link.Stop()
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
}
