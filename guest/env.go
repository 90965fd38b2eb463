package guest

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/debug"
	"github.com/caffeineduck/modhub/manifest"
	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/port"
	"github.com/caffeineduck/modhub/port/worker"
)

// Handler receives one application message on a flow.
type Handler func(flow string, msg message.Message)

// Env is what a Component sees of its module. Its methods must be called
// from the unit's loop, which is where handlers and callbacks run; use
// Post to get there from another goroutine.
type Env struct {
	unit  string
	link  *port.Link
	scope *worker.Scope
	reg   *Registry
	sched port.Scheduler
	log   *zap.Logger

	delegated   map[string]bool
	modInternal string

	id       string
	appID    string
	manifest *manifest.Manifest
	lineage  []string
	started  bool
	failed   bool

	flows     map[string]string
	byChannel map[string]string
	deps      map[string]message.Message

	handlers    map[string]Handler
	fallback    Handler
	onConnect   []func(name string, api any)
	onDep       []func(name string, meta message.Message)
	onFailure   []func(name string, err error)
	onClose     []func(name string)
	calls       map[string]func(any, error)
	resolves    map[string]func(string)
	coreWaiters map[string][]func(message.Message)
	seq         int
}

func newEnv(unit string, l *port.Link, scope *worker.Scope, reg *Registry, sched port.Scheduler, log *zap.Logger) *Env {
	return &Env{
		unit:        unit,
		link:        l,
		scope:       scope,
		reg:         reg,
		sched:       sched,
		log:         log,
		delegated:   make(map[string]bool),
		flows:       make(map[string]string),
		byChannel:   make(map[string]string),
		deps:        make(map[string]message.Message),
		handlers:    make(map[string]Handler),
		calls:       make(map[string]func(any, error)),
		resolves:    make(map[string]func(string)),
		coreWaiters: make(map[string][]func(message.Message)),
	}
}

// ID returns the manifest URL of the module.
func (e *Env) ID() string { return e.id }

// AppID returns the id of this module instance.
func (e *Env) AppID() string { return e.appID }

func (e *Env) Manifest() *manifest.Manifest { return e.manifest }

func (e *Env) Lineage() []string { return append([]string(nil), e.lineage...) }

// Dependency returns the metadata the router shared for a dependency.
func (e *Env) Dependency(name string) (message.Message, bool) {
	meta, ok := e.deps[name]
	return meta, ok
}

// Flows returns the announced flow names, sorted.
func (e *Env) Flows() []string {
	names := make([]string, 0, len(e.flows))
	for name := range e.flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Global looks name up in the unit's sandbox scope.
func (e *Env) Global(name string) (any, bool) {
	if e.scope == nil {
		return nil, false
	}
	return e.scope.Lookup(name)
}

// Post runs fn on the unit's loop.
func (e *Env) Post(fn func()) bool {
	return e.sched.Post(fn)
}

// Handle registers fn for messages arriving on flow, replacing any
// previous handler.
func (e *Env) Handle(flow string, fn Handler) {
	e.handlers[flow] = fn
}

// HandleAll registers fn for flows without their own handler.
func (e *Env) HandleAll(fn Handler) {
	e.fallback = fn
}

func (e *Env) OnConnection(fn func(name string, api any)) {
	e.onConnect = append(e.onConnect, fn)
}

// OnDependency registers fn for dependency metadata updates.
func (e *Env) OnDependency(fn func(name string, meta message.Message)) {
	e.onDep = append(e.onDep, fn)
}

// OnFailure registers fn for dependencies that could not be loaded.
func (e *Env) OnFailure(fn func(name string, err error)) {
	e.onFailure = append(e.onFailure, fn)
}

// OnClose registers fn for flows the router tore down.
func (e *Env) OnClose(fn func(name string)) {
	e.onClose = append(e.onClose, fn)
}

// Emit sends msg out of the module on flow. Messages on a declared
// dependency that is not linked yet make the router load it.
func (e *Env) Emit(flow string, msg message.Message) {
	e.link.OnMessage(flow, msg)
}

// Log writes a line through the router's debug collaborator when it asked
// for the debug flow, and to the unit's own logger otherwise.
func (e *Env) Log(severity, msg string) {
	if e.delegated[message.FlowDebug] {
		e.link.OnMessage(message.FlowControl, message.Message{
			message.KeyFlow: message.FlowDebug,
			message.KeyMessage: message.Message{
				message.KeySeverity: severity,
				message.KeySource:   e.String(),
				message.KeyMsg:      msg,
			},
		})
		return
	}
	if ce := e.log.Check(debug.Level(severity), msg); ce != nil {
		ce.Write(zap.String("source", e.String()))
	}
}

// Core sends a capability request to the hub's core. fn, when set, gets
// the reply; require requests are answered through OnFailure or a new
// link instead.
func (e *Env) Core(req message.Message, fn func(message.Message)) {
	if fn != nil {
		key := coreKey(req.Type(), req.Str(message.KeyID))
		e.coreWaiters[key] = append(e.coreWaiters[key], fn)
	}
	e.link.OnMessage(message.FlowControl, message.Message{
		message.KeyFlow:    message.FlowCore,
		message.KeyMessage: req,
	})
}

// InstanceID asks the hub for this module's instance id.
func (e *Env) InstanceID(fn func(string)) {
	e.Core(message.Message{message.KeyType: message.TypeGetID}, func(reply message.Message) {
		fn(reply.Str(message.KeyID))
	})
}

// Require loads the module at manifestURL and links it under name. The
// flow is announced immediately, so Emit on name may be used right away.
func (e *Env) Require(name, manifestURL string) {
	e.openFlow(name)
	e.Core(message.Message{
		message.KeyType:     message.TypeRequire,
		message.KeyID:       name,
		message.KeyManifest: manifestURL,
	}, nil)
}

// Resolve asks the router to resolve ref against the module's manifest.
// References the router cannot resolve never call fn.
func (e *Env) Resolve(ref string, fn func(url string)) {
	id := e.nextID("resolve")
	e.resolves[id] = fn
	e.link.OnMessage(message.FlowModInternal, message.Message{
		message.KeyType: message.TypeResolve,
		message.KeyID:   id,
		message.KeyData: ref,
	})
}

// Call invokes method on the capability linked under name, which must be
// one of the manifest's core.* permissions.
func (e *Env) Call(name, method string, args map[string]any, fn func(value any, err error)) {
	if _, ok := e.flows[name]; !ok {
		fn(nil, fmt.Errorf("capability %s not granted", name))
		return
	}
	id := e.nextID("call")
	e.calls[id] = fn
	e.link.OnMessage(name, message.Message{
		message.KeyType:  message.TypeMethod,
		message.KeyName:  method,
		message.KeyReqID: id,
		message.KeyArgs:  args,
	})
}

// Fail reports the module as failed. Addressed messages are answered with
// errors by the router from then on.
func (e *Env) Fail(err error) {
	if e.failed {
		return
	}
	e.failed = true
	e.log.Warn("module failed", zap.Error(err))
	e.link.OnMessage(message.FlowModInternal, message.Message{
		message.KeyType:  message.TypeError,
		message.KeyError: err.Error(),
	})
}

func (e *Env) String() string {
	if e.manifest == nil {
		return "[Guest " + e.unit + "]"
	}
	return "[Guest " + e.manifest.Name + "]"
}

func (e *Env) receive(flow string, msg message.Message) {
	if flow == message.FlowControl {
		e.onControl(msg)
		return
	}
	if e.modInternal != "" && flow == e.modInternal {
		e.onModInternal(msg)
		return
	}

	name, ok := e.byChannel[flow]
	if !ok {
		e.log.Warn("message on unknown channel", zap.String("channel", flow), zap.String("type", msg.Type()))
		return
	}
	switch msg.Type() {
	case message.TypeChannelAnnouncement, message.TypeDefaultChannelAnnouncement:
		return
	case message.TypeMethod:
		if fn, ok := e.calls[msg.Str(message.KeyReqID)]; ok {
			delete(e.calls, msg.Str(message.KeyReqID))
			if errText := msg.Str(message.KeyError); errText != "" {
				fn(nil, errors.New(errText))
			} else {
				fn(msg[message.KeyValue], nil)
			}
			return
		}
	}

	if h, ok := e.handlers[name]; ok {
		h(name, msg)
		return
	}
	if e.fallback != nil {
		e.fallback(name, msg)
		return
	}
	e.log.Debug("no handler for flow", zap.String("flow", name))
}

func (e *Env) onControl(msg message.Message) {
	switch {
	case msg.Str(message.KeyRequest) == message.RequestDelegate:
		e.delegated[msg.Str(message.KeyFlow)] = true
	case msg.Str(message.KeyRequest) == message.RequestEnvironment:
		if e.modInternal != "" {
			return
		}
		e.modInternal = newChannel()
		e.link.OnMessage(message.FlowControl, message.Message{
			message.KeyName:    message.FlowModInternal,
			message.KeyChannel: e.modInternal,
			message.KeyReverse: message.FlowModInternal,
		})
	case msg.Type() == message.TypeClose && msg.Has(message.KeyChannel):
		ch := msg.Str(message.KeyChannel)
		name, ok := e.byChannel[ch]
		if !ok {
			return
		}
		delete(e.byChannel, ch)
		delete(e.flows, name)
		for _, fn := range e.onClose {
			fn(name)
		}
	case msg.Type() == message.TypeRegister, msg.Type() == message.TypeGetID, msg.Type() == message.TypeRequire:
		id := msg.Str(message.KeyID)
		if msg.Type() == message.TypeGetID {
			id = ""
		}
		key := coreKey(msg.Type(), id)
		waiters := e.coreWaiters[key]
		delete(e.coreWaiters, key)
		for _, fn := range waiters {
			fn(msg)
		}
		if msg.Type() == message.TypeRequire && msg.Has(message.KeyError) {
			e.dependencyFailed(id, msg.Str(message.KeyError))
		}
	default:
		e.log.Debug("ignoring control message", zap.String("type", msg.Type()))
	}
}

func (e *Env) onModInternal(msg message.Message) {
	switch msg.Type() {
	case message.TypeInitialization:
		e.initialize(msg)
	case message.TypeConnection:
		name := msg.Str(message.KeyChannel)
		e.announce(name)
		for _, fn := range e.onConnect {
			fn(name, msg[message.KeyAPI])
		}
	case message.TypeManifest:
		name := msg.Str(message.KeyName)
		meta, _ := msg.Map(message.KeyManifest)
		e.deps[name] = meta
		for _, fn := range e.onDep {
			fn(name, meta)
		}
	case message.TypeRequireFailure:
		e.dependencyFailed(msg.Str(message.KeyID), msg.Str(message.KeyError))
	case message.TypeResolveResponse:
		id := msg.Str(message.KeyID)
		fn, ok := e.resolves[id]
		if !ok {
			return
		}
		delete(e.resolves, id)
		fn(msg.Str(message.KeyData))
	default:
		e.log.Debug("ignoring environment message", zap.String("type", msg.Type()))
	}
}

// initialize announces the flows the router expects, then starts the
// component named by the manifest and signals ready.
func (e *Env) initialize(msg message.Message) {
	if e.started {
		return
	}
	e.started = true
	e.id = msg.Str(message.KeyID)
	e.appID = msg.Str(message.KeyAppID)
	e.lineage = stringSlice(msg[message.KeyLineage])

	raw, _ := msg.Map(message.KeyManifest)
	mf, err := manifest.FromMap(raw)
	if err != nil {
		e.Fail(err)
		return
	}
	e.manifest = mf

	e.announce(message.FlowDefault)
	for _, name := range mf.CapabilityPermissions() {
		e.announce(name)
	}
	for _, name := range mf.DependencyNames() {
		e.announce(name)
	}

	c, err := e.reg.Lookup(mf.App.Script)
	if err != nil {
		e.Fail(err)
		return
	}
	if err := c.Start(e); err != nil {
		e.Fail(fmt.Errorf("start %s: %w", mf.App.Script, err))
		return
	}
	e.link.OnMessage(message.FlowModInternal, message.Message{message.KeyType: message.TypeReady})
}

// announce binds name to a fresh local channel for a flow the router is
// waiting on.
func (e *Env) announce(name string) {
	if _, ok := e.flows[name]; ok {
		return
	}
	ch := e.bindFlow(name)
	e.link.OnMessage(name, message.Message{
		message.KeyType:    message.TypeChannelAnnouncement,
		message.KeyChannel: ch,
	})
}

// openFlow binds name to a fresh local channel for a flow the router has
// not heard of.
func (e *Env) openFlow(name string) {
	if _, ok := e.flows[name]; ok {
		return
	}
	ch := e.bindFlow(name)
	e.link.OnMessage(message.FlowControl, message.Message{
		message.KeyType:    message.TypeCreateLink,
		message.KeyName:    name,
		message.KeyChannel: ch,
		message.KeyReverse: name,
	})
}

func (e *Env) bindFlow(name string) string {
	ch := newChannel()
	e.flows[name] = ch
	e.byChannel[ch] = name
	return ch
}

func (e *Env) dependencyFailed(name, errText string) {
	err := fmt.Errorf("dependency %s: %s", name, errText)
	for _, fn := range e.onFailure {
		fn(name, err)
	}
	if len(e.onFailure) == 0 {
		e.Log("warn", err.Error())
	}
}

func (e *Env) nextID(prefix string) string {
	e.seq++
	return prefix + "-" + strconv.Itoa(e.seq)
}

func coreKey(typ, id string) string {
	return typ + "/" + id
}

func newChannel() string {
	return uuid.NewString()
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, s := range t {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
