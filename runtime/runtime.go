// Package runtime assembles a hub, its loop, the transports, the
// capability providers and the module policy into one process-local
// runtime that loads root modules from manifests and connects clients to
// them.
package runtime

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/capability"
	"github.com/caffeineduck/modhub/config"
	"github.com/caffeineduck/modhub/debug"
	"github.com/caffeineduck/modhub/guest"
	"github.com/caffeineduck/modhub/guest/builtin"
	"github.com/caffeineduck/modhub/hub"
	"github.com/caffeineduck/modhub/loop"
	"github.com/caffeineduck/modhub/manifest"
	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/metrics"
	"github.com/caffeineduck/modhub/module"
	"github.com/caffeineduck/modhub/policy"
	"github.com/caffeineduck/modhub/port"
	"github.com/caffeineduck/modhub/port/wasm"
	"github.com/caffeineduck/modhub/port/worker"
	"github.com/caffeineduck/modhub/resource"
)

var ErrClosed = errors.New("runtime closed")

type Runtime struct {
	cfg      *config.Config
	log      *zap.Logger
	loop     *loop.Loop
	hub      *hub.Hub
	caps     *capability.Registry
	ports    *port.Registry
	resolver *resource.Resolver
	policy   *policy.Policy
	metrics  *metrics.Collector
	wasm     *wasm.Runtime

	cancel context.CancelFunc
	done   chan struct{}
}

type options struct {
	log        *zap.Logger
	metrics    *metrics.Collector
	components *guest.Registry
	resolver   []resource.Option
}

type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithMetrics sets the collector routers report to. Without it nothing is
// collected.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithComponents sets the components worker units can host. The builtin
// components are used otherwise.
func WithComponents(reg *guest.Registry) Option {
	return func(o *options) { o.components = reg }
}

func WithResolverOptions(opts ...resource.Option) Option {
	return func(o *options) { o.resolver = append(o.resolver, opts...) }
}

// New builds a runtime from cfg. Call Start before loading modules.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.components == nil {
		o.components = builtin.Registry()
	}

	mounts, err := cfg.Mounts()
	if err != nil {
		return nil, err
	}

	var wasmOpts []wasm.RuntimeOption
	wasmOpts = append(wasmOpts, wasm.WithLogger(o.log))
	if cfg.Wasm.CacheDir != "" {
		wasmOpts = append(wasmOpts, wasm.WithDiskCache(cfg.Wasm.CacheDir))
	}
	if cfg.Wasm.MemoryLimitPages > 0 {
		wasmOpts = append(wasmOpts, wasm.WithMemoryLimit(cfg.Wasm.MemoryLimitPages))
	}
	wrt, err := wasm.NewRuntime(wasmOpts...)
	if err != nil {
		return nil, fmt.Errorf("create wasm runtime: %w", err)
	}

	r := &Runtime{
		cfg:      cfg,
		log:      o.log,
		loop:     loop.New(loop.WithLogger(o.log)),
		metrics:  o.metrics,
		wasm:     wrt,
		resolver: resource.New(append([]resource.Option{resource.WithLogger(o.log)}, o.resolver...)...),
		done:     make(chan struct{}),
	}

	r.hub = hub.New(
		hub.WithLogger(o.log.Named("hub")),
		hub.WithConfig(message.Message{port.ConfigPortType: cfg.PortType}),
	)

	r.caps = capability.NewRegistry(capability.WithScheduler(r.loop), capability.WithLogger(o.log))
	kvCfg := capability.DefaultKVConfig()
	if cfg.KV.MaxEntries > 0 {
		kvCfg.MaxEntries = cfg.KV.MaxEntries
	}
	r.caps.Register(capability.NewKV(kvCfg).Definition())
	r.caps.Register(capability.NewHTTP(capability.HTTPConfig{
		AllowedHosts: cfg.HTTP.AllowedHosts,
		MaxBodySize:  cfg.HTTP.MaxBodySize,
	}).Definition())
	r.caps.Register(capability.NewFS(mounts...).Definition())
	r.caps.Register(capability.NewClock().Definition())

	r.ports = port.NewRegistry()
	r.ports.Register(config.PortWorker, worker.New(guest.Serve(o.components, guest.WithLogger(o.log.Named("guest")))))
	r.ports.Register(config.PortWasm, wrt.Factory(r.loadScript))

	r.policy = policy.New(r.resolver, module.Host{
		Resource:       r.resolver,
		Debug:          debug.New(o.log.Named("module")),
		Capabilities:   r.caps,
		Scheduler:      r.loop,
		Ports:          r.ports,
		Metrics:        o.metrics,
		Logger:         o.log,
		ResolveTimeout: cfg.ResolveTimeout,
	})
	return r, nil
}

// Start runs the runtime's loop until ctx is done or Close is called.
func (r *Runtime) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	go func() {
		defer close(r.done)
		if err := r.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("runtime loop stopped", zap.Error(err))
		}
	}()
}

// Close stops every module still running and releases the runtime.
func (r *Runtime) Close() error {
	if r.cancel != nil {
		r.loop.Do(context.Background(), func() {
			for _, ep := range r.hub.Endpoints() {
				if m, ok := ep.(*module.Module); ok {
					m.OnMessage(message.FlowControl, message.Message{message.KeyType: message.TypeClose})
				}
			}
		})
		r.cancel()
		<-r.done
	}
	r.loop.Close()
	return r.wasm.Close()
}

// Do runs fn on the runtime's loop and waits for it.
func (r *Runtime) Do(ctx context.Context, fn func(h *hub.Hub)) error {
	if err := r.loop.Do(ctx, func() { fn(r.hub) }); err != nil {
		if errors.Is(err, loop.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Load instantiates the module whose manifest ref names, a path or a URL,
// and registers it with the hub. The module starts on its first link.
func (r *Runtime) Load(ctx context.Context, ref string) (*module.Module, error) {
	url, err := r.resolver.Resolve(ctx, "", ref)
	if err != nil {
		return nil, err
	}
	m, err := r.policy.Get(ctx, nil, url)
	if err != nil {
		return nil, err
	}
	var regErr error
	if err := r.Do(ctx, func(h *hub.Hub) { regErr = h.Register(m) }); err != nil {
		return nil, err
	}
	if regErr != nil {
		return nil, regErr
	}
	r.log.Info("loaded module", zap.String("module", m.String()), zap.String("manifest", url))
	return m, nil
}

// Connect creates a client named name and links its flow name to m's
// default flow, which starts m.
func (r *Runtime) Connect(ctx context.Context, name string, m *module.Module) (*hub.Client, error) {
	var c *hub.Client
	var connErr error
	err := r.Do(ctx, func(h *hub.Hub) {
		c, connErr = h.NewClient(name, r.loop)
		if connErr != nil {
			return
		}
		connErr = h.Connect(c, name, m)
	})
	if err != nil {
		return nil, err
	}
	if connErr != nil {
		return nil, connErr
	}
	return c, nil
}

// Disconnect unlinks the client's flow name. A module left without users
// stops.
func (r *Runtime) Disconnect(ctx context.Context, c *hub.Client, name string) error {
	var discErr error
	if err := r.Do(ctx, func(h *hub.Hub) { discErr = h.Disconnect(c, name) }); err != nil {
		return err
	}
	return discErr
}

// Release deregisters ep, usually a client. Every module it was linked to
// sees the channel close.
func (r *Runtime) Release(ctx context.Context, ep port.Endpoint) error {
	var relErr error
	if err := r.Do(ctx, func(h *hub.Hub) { relErr = h.Deregister(ep) }); err != nil {
		return err
	}
	return relErr
}

// ModuleInfo describes one module registered with the hub.
type ModuleInfo struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	ManifestID string   `json:"manifest"`
	State      string   `json:"state"`
	Failed     bool     `json:"failed"`
	Lineage    []string `json:"lineage"`
}

// Modules lists the modules registered with the hub, ordered by id.
func (r *Runtime) Modules(ctx context.Context) ([]ModuleInfo, error) {
	var out []ModuleInfo
	err := r.Do(ctx, func(h *hub.Hub) {
		for _, ep := range h.Endpoints() {
			m, ok := ep.(*module.Module)
			if !ok {
				continue
			}
			out = append(out, ModuleInfo{
				ID:         m.ID(),
				Name:       m.Manifest().Name,
				ManifestID: m.ManifestID(),
				State:      m.State().String(),
				Failed:     m.Failed(),
				Lineage:    m.Lineage(),
			})
		}
	})
	return out, err
}

// Capabilities lists the capability names modules may be granted.
func (r *Runtime) Capabilities() []string {
	return r.caps.List()
}

// Transports lists the registered transport names.
func (r *Runtime) Transports() []string {
	return r.ports.List()
}

// LoadManifest resolves ref and parses the manifest it names without
// instantiating a module.
func (r *Runtime) LoadManifest(ctx context.Context, ref string) (string, *manifest.Manifest, error) {
	url, err := r.resolver.Resolve(ctx, "", ref)
	if err != nil {
		return "", nil, err
	}
	mf, err := r.policy.LoadManifest(ctx, url)
	if err != nil {
		return "", nil, err
	}
	return url, mf, nil
}

// loadScript fetches a wasm module's binary relative to its manifest.
func (r *Runtime) loadScript(ctx context.Context, manifestID, script string) ([]byte, error) {
	url, err := r.resolver.Resolve(ctx, manifestID, script)
	if err != nil {
		return nil, err
	}
	return r.resolver.Fetch(ctx, url)
}
