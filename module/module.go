// Package module implements the hub-side face of an isolated module: a
// router that maps between the flow names a module uses internally and the
// channel ids the hub assigns, together with the lifecycle that creates the
// module's Port, loads its dependencies and capabilities, and tears it all
// down when nothing uses it any more.
//
// A Module is driven entirely by its hub. Every exported method other than
// the identity accessors must be called from the hub's scheduler, and the
// Module never blocks it: collaborator I/O runs on goroutines whose results
// are posted back.
package module

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/events"
	"github.com/caffeineduck/modhub/manifest"
	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/metrics"
	"github.com/caffeineduck/modhub/port"
)

// DefaultResolveTimeout bounds each dependency resolution when the host
// does not choose one.
const DefaultResolveTimeout = 30 * time.Second

// Resource turns references found in manifests into absolute URLs.
type Resource interface {
	Resolve(ctx context.Context, base, ref string) (string, error)
}

// Policy instantiates dependencies and loads their manifests.
type Policy interface {
	Get(ctx context.Context, lineage []string, url string) (*Module, error)
	LoadManifest(ctx context.Context, url string) (*manifest.Manifest, error)
}

// Debug receives router diagnostics and log lines forwarded from inside a
// module.
type Debug interface {
	Format(severity, source, msg string)
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Capabilities creates the endpoint serving a core.* permission for one
// module.
type Capabilities interface {
	Provide(name string, owner port.Endpoint) (port.Endpoint, error)
}

// Host bundles the collaborators a Module is built with.
type Host struct {
	Policy       Policy
	Resource     Resource
	Debug        Debug
	Capabilities Capabilities
	Scheduler    port.Scheduler

	// Ports selects the transport named by the "portType" setup config.
	// PortFactory, when set, takes precedence.
	Ports       *port.Registry
	PortFactory port.Factory

	Metrics *metrics.Collector
	Logger  *zap.Logger

	// ResolveTimeout bounds each Resource and Policy call made for a
	// dependency. Zero disables the bound.
	ResolveTimeout time.Duration
}

// Internal events.
const (
	eventStart                = "start"
	eventClose                = "close"
	eventCore                 = "core"
	eventModInternal          = "modInternal"
	eventInternalChannelReady = "internalChannelReady"
)

// Module is the external face of one module instance on a hub.
type Module struct {
	id         string
	manifestID string
	manifest   *manifest.Manifest
	lineage    []string
	quiet      bool

	host   Host
	policy Policy
	debug  Debug

	config         message.Message
	state          State
	failed         bool
	controlChannel string
	modInternal    string
	port           port.Port
	core           port.Core

	external       flowMap
	internal       flowMap
	pending        map[string][]message.Message
	dependencyURLs map[string]string
	dependants     map[string]bool

	out     events.Emitter[outbound]
	signals events.Emitter[struct{}]
}

type outbound struct {
	channel string
	msg     message.Message
}

// New creates a module for the manifest at manifestURL. creator is the
// lineage of the module that asked for it, nearest first.
func New(manifestURL string, mf *manifest.Manifest, creator []string, host Host) *Module {
	if host.Scheduler == nil {
		host.Scheduler = port.Inline{}
	}
	if host.Debug == nil {
		host.Debug = nopDebug{}
	}
	if host.Logger == nil {
		host.Logger = zap.NewNop()
	}
	if mf == nil {
		mf = &manifest.Manifest{}
	}

	return &Module{
		id:             manifestURL + "#" + uuid.NewString(),
		manifestID:     manifestURL,
		manifest:       mf,
		lineage:        append([]string{manifestURL}, creator...),
		quiet:          mf.Quiet,
		host:           host,
		policy:         host.Policy,
		debug:          host.Debug,
		config:         message.Message{},
		external:       flowMap{},
		internal:       flowMap{},
		pending:        make(map[string][]message.Message),
		dependencyURLs: make(map[string]string),
		dependants:     make(map[string]bool),
	}
}

func (m *Module) ID() string                   { return m.id }
func (m *Module) ManifestID() string           { return m.manifestID }
func (m *Module) Manifest() *manifest.Manifest { return m.manifest }

// Lineage returns the manifest URLs from this module up to the root.
func (m *Module) Lineage() []string {
	return append([]string(nil), m.lineage...)
}

func (m *Module) State() State { return m.state }

// Failed reports whether the Port faulted or the internal environment
// signalled an error.
func (m *Module) Failed() bool { return m.failed }

func (m *Module) String() string {
	return "[Module " + m.manifest.Name + "]"
}

// Subscribe registers fn for every message the module emits toward the
// hub, addressed by channel id.
func (m *Module) Subscribe(fn func(channel string, msg message.Message)) (cancel func()) {
	return m.out.On("", func(o outbound) { fn(o.channel, o.msg) })
}

// OnClose registers fn to run once when the module stops.
func (m *Module) OnClose(fn func()) (cancel func()) {
	return m.signals.Once(eventClose, func(struct{}) { fn() })
}

// Require adds a dependency at runtime on behalf of the internal
// environment.
func (m *Module) Require(name, manifestURL string) {
	m.require(name, manifestURL)
}

func (m *Module) emit(channel string, msg message.Message) {
	if channel == "" {
		m.debug.Warn("dropping message without channel", "module", m.String(), "type", msg.Type())
		m.host.Metrics.Dropped(metrics.ReasonNoChannel)
		return
	}
	m.out.Emit("", outbound{channel: channel, msg: msg})
}

func (m *Module) toPort(flow string, msg message.Message) {
	if m.port == nil {
		m.debug.Warn("dropping message for stopped port", "module", m.String(), "flow", flow, "type", msg.Type())
		m.host.Metrics.Dropped(metrics.ReasonNoPort)
		return
	}
	m.port.OnMessage(flow, msg)
}

func (m *Module) debugf(msg string, keysAndValues ...any) {
	if m.quiet {
		return
	}
	m.debug.Debug(msg, append([]any{"module", m.String()}, keysAndValues...)...)
}

func (m *Module) post(fn func()) {
	if !m.host.Scheduler.Post(fn) {
		m.debug.Warn("scheduler closed, dropping callback", "module", m.String())
	}
}

func (m *Module) resolveContext() (context.Context, context.CancelFunc) {
	if m.host.ResolveTimeout > 0 {
		return context.WithTimeout(context.Background(), m.host.ResolveTimeout)
	}
	return context.WithCancel(context.Background())
}

type nopDebug struct{}

func (nopDebug) Format(string, string, string) {}
func (nopDebug) Debug(string, ...any)          {}
func (nopDebug) Warn(string, ...any)           {}
func (nopDebug) Error(string, ...any)          {}
