package module

import (
	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/metrics"
	"github.com/caffeineduck/modhub/port"
)

// OnMessage receives a message from the hub. flow is "control" for hub
// control traffic and otherwise the external flow name the sender is
// linked under.
func (m *Module) OnMessage(flow string, msg message.Message) {
	if m.failed && msg.Has(message.KeyTo) {
		m.shortCircuit(flow)
		return
	}
	if flow == message.FlowControl {
		m.onControl(msg)
		return
	}
	m.onApplication(flow, msg)
}

// shortCircuit answers an addressed message with an error instead of
// forwarding it to a module that can no longer serve it.
func (m *Module) shortCircuit(flow string) {
	m.host.Metrics.ShortCircuited()
	ch, ok := m.external.channel(flow)
	if !ok {
		m.debug.Warn("failed module cannot answer unbound flow", "module", m.String(), "flow", flow)
		return
	}
	m.emit(ch, message.Message{message.KeyType: message.TypeError})
}

func (m *Module) onControl(msg message.Message) {
	switch {
	case msg.Type() == message.TypeSetup:
		m.setup(msg)
	case msg.Type() == message.TypeCreateLink && msg.Has(message.KeyChannel):
		m.createLink(msg)
	case msg[message.KeyCore] != nil:
		core, ok := msg[message.KeyCore].(port.Core)
		if !ok {
			m.debug.Error("core provider of unexpected type", "module", m.String())
			return
		}
		m.core = core
		m.signals.Emit(eventCore, struct{}{})
	case msg.Type() == message.TypeClose:
		ch := msg.Str(message.KeyChannel)
		if ch == "" || ch == message.FlowControl {
			m.stop()
		}
		m.deregisterFlow(ch, false)
	default:
		m.toPort(message.FlowControl, msg)
	}
}

func (m *Module) setup(msg message.Message) {
	if m.state != Created {
		m.debugf("ignoring repeated setup")
		return
	}
	m.controlChannel = msg.Str(message.KeyChannel)
	if cfg, ok := msg.Map(message.KeyConfig); ok {
		for k, v := range cfg {
			m.config[k] = v
		}
	}
	m.state = AwaitingPort
	m.emit(m.controlChannel, message.Message{
		message.KeyType:    message.TypeCoreProvider,
		message.KeyRequest: message.RequestCore,
	})
	m.start()
}

func (m *Module) createLink(msg message.Message) {
	name := msg.Str(message.KeyName)
	ch := msg.Str(message.KeyChannel)
	m.debugf("got create link", "name", name)

	old, rebind := m.external.channel(name)
	m.external.bind(name, ch)
	if rebind && old != ch {
		m.debugf("replacing link", "name", name, "channel", old)
		m.emit(m.controlChannel, message.Message{
			message.KeyType:    message.TypeTeardown,
			message.KeyRequest: message.RequestUnlink,
			message.KeyTo:      old,
		})
	}
	if !m.internal.has(name) {
		m.internal.expect(name)
	}
	announce := message.Message{
		message.KeyType:    message.TypeDefaultChannelAnnouncement,
		message.KeyChannel: msg.Str(message.KeyReverse),
	}
	if api, ok := m.manifest.DependencyAPI(name); ok {
		announce[message.KeyAPI] = api
	}
	m.emit(ch, announce)
	m.drain(name)
}

func (m *Module) onApplication(flow string, msg message.Message) {
	if _, bound := m.external.channel(flow); !bound && msg.Has(message.KeyChannel) {
		m.announce(flow, msg)
		return
	}
	switch m.state {
	case Stopped:
		m.debugf("dropping message for stopped module", "flow", flow)
		m.host.Metrics.Dropped(metrics.ReasonStopped)
		return
	case Running:
	default:
		m.host.Metrics.Buffered()
		m.signals.Once(eventStart, func(struct{}) { m.OnMessage(flow, msg) })
		return
	}

	if m.internal.pending(flow) {
		m.debugf("waiting on internal channel", "flow", flow)
		m.host.Metrics.Buffered()
		m.signals.Once(eventInternalChannelReady, func(struct{}) { m.OnMessage(flow, msg) })
		return
	}
	ch, ok := m.internal.channel(flow)
	if !ok {
		m.debug.Error("unexpected message", "module", m.String(), "flow", flow)
		m.host.Metrics.Dropped(metrics.ReasonUnexpected)
		return
	}
	m.host.Metrics.Routed(metrics.Inbound)
	m.toPort(ch, msg)
}

// announce binds the external side of flow to the channel a peer announced
// and introduces the new connection to the module.
func (m *Module) announce(flow string, msg message.Message) {
	ch := msg.Str(message.KeyChannel)
	m.debugf("handling channel announcement", "flow", flow)
	m.external.bind(flow, ch)

	if !m.internal.has(flow) {
		m.internal.expect(flow)
		switch {
		case m.manifest.Provider():
			api := msg[message.KeyAPI]
			m.whenModInternal(func() {
				m.toPort(m.modInternal, message.Message{
					message.KeyType:    message.TypeConnection,
					message.KeyChannel: flow,
					message.KeyAPI:     api,
				})
			})
		default:
			if _, bound := m.external.channel(message.FlowDefault); !bound {
				m.external.bind(message.FlowDefault, ch)
				m.aliasDefault(flow)
			}
		}
	}
	m.drain(flow)
}

// aliasDefault makes flow share the internal channel of "default", the
// mapping kept for modules that predate named connections.
func (m *Module) aliasDefault(flow string) {
	if !m.internal.has(flow) {
		return
	}
	if ch, ok := m.internal.channel(message.FlowDefault); ok {
		m.internal.bind(flow, ch)
		return
	}
	m.signals.Once(eventInternalChannelReady, func(struct{}) { m.aliasDefault(flow) })
}

func (m *Module) whenModInternal(fn func()) {
	if m.modInternal != "" {
		fn()
		return
	}
	m.signals.Once(eventModInternal, func(struct{}) { fn() })
}

// drain emits, in order, every message the module produced on name before
// name had an external binding.
func (m *Module) drain(name string) {
	msgs, ok := m.pending[name]
	if !ok {
		return
	}
	delete(m.pending, name)
	ch, _ := m.external.channel(name)
	for _, msg := range msgs {
		m.host.Metrics.Routed(metrics.Outbound)
		m.emit(ch, msg)
	}
}

// emitMessage handles a message arriving from the Port under an internal
// flow name.
func (m *Module) emitMessage(name string, msg message.Message) {
	if m.internal.pending(name) && msg.Has(message.KeyChannel) {
		m.internal.bind(name, msg.Str(message.KeyChannel))
		m.signals.Emit(eventInternalChannelReady, struct{}{})
		return
	}
	switch name {
	case message.FlowControl:
		m.onInternalControl(msg)
		return
	case message.FlowModInternal:
		if m.onModInternal(msg) {
			return
		}
	}

	ch, ok := m.external.channel(name)
	if !ok {
		m.host.Metrics.Buffered()
		m.pending[name] = append(m.pending[name], msg)
		if url, dep := m.dependencyURLs[name]; dep && !m.dependants[name] {
			m.require(name, url)
		}
		return
	}
	m.host.Metrics.Routed(metrics.Outbound)
	m.emit(ch, msg)
}

func (m *Module) onInternalControl(msg message.Message) {
	inner, hasInner := msg.Map(message.KeyMessage)
	switch {
	case msg.Str(message.KeyFlow) == message.FlowDebug && hasInner:
		source := inner.Str(message.KeySource)
		if source == "" {
			source = m.String()
		}
		m.debug.Format(inner.Str(message.KeySeverity), source, inner.Str(message.KeyMsg))
	case msg.Str(message.KeyFlow) == message.FlowCore && hasInner:
		m.coreRequest(inner)
	case msg.Str(message.KeyName) == message.FlowModInternal && m.modInternal == "":
		m.modInternal = msg.Str(message.KeyChannel)
		m.toPort(m.modInternal, message.Message{
			message.KeyType:     message.TypeInitialization,
			message.KeyID:       m.manifestID,
			message.KeyAppID:    m.id,
			message.KeyManifest: m.manifest.ToMap(),
			message.KeyLineage:  m.Lineage(),
			message.KeyChannel:  msg.Str(message.KeyReverse),
		})
		m.signals.Emit(eventModInternal, struct{}{})
	case msg.Type() == message.TypeCreateLink:
		name := msg.Str(message.KeyName)
		ch := msg.Str(message.KeyChannel)
		m.internal.bind(name, ch)
		m.toPort(ch, message.Message{
			message.KeyType:    message.TypeChannelAnnouncement,
			message.KeyChannel: msg.Str(message.KeyReverse),
		})
		m.signals.Emit(eventInternalChannelReady, struct{}{})
	case msg.Type() == message.TypeClose:
		m.deregisterFlow(msg.Str(message.KeyChannel), true)
	default:
		m.debugf("ignoring internal control message", "type", msg.Type())
	}
}

// onModInternal handles lifecycle signals from the internal environment.
// It reports false for traffic that should be routed like any other flow.
func (m *Module) onModInternal(msg message.Message) bool {
	switch msg.Type() {
	case message.TypeReady:
		if m.state != Starting {
			m.debugf("ignoring ready signal", "state", m.state.String())
			return true
		}
		m.state = Running
		m.host.Metrics.ModuleStarted()
		m.signals.Emit(eventStart, struct{}{})
		return true
	case message.TypeResolve:
		m.resolve(msg[message.KeyID], msg.Str(message.KeyData))
		return true
	case message.TypeError:
		m.debug.Warn("Module Failed", "module", m.String(), "error", msg.Str(message.KeyError))
		m.markFailed()
		// Replays deferred traffic so addressed messages get their error
		// reply.
		m.signals.Emit(eventStart, struct{}{})
		return true
	}
	return false
}

func (m *Module) markFailed() {
	if !m.failed {
		m.host.Metrics.ModuleFailed()
	}
	m.failed = true
}

func (m *Module) coreRequest(req message.Message) {
	if m.core == nil {
		wrapped := message.Message{message.KeyFlow: message.FlowCore, message.KeyMessage: req}
		m.signals.Once(eventCore, func(struct{}) { m.emitMessage(message.FlowControl, wrapped) })
		return
	}
	switch req.Type() {
	case message.TypeRegister, message.TypeRequire:
		if id := req.Str(message.KeyID); id != "" && !m.external.has(id) {
			m.external.expect(id)
		}
	}
	m.core.OnMessage(m, req, func(reply message.Message) {
		m.toPort(message.FlowControl, reply)
	})
}

func (m *Module) resolve(id any, ref string) {
	go func() {
		ctx, cancel := m.resolveContext()
		defer cancel()
		url, err := m.resolveURL(ctx, ref)
		m.post(func() {
			if err != nil {
				m.debug.Warn("Error Resolving URL for Module.", "module", m.String(), "ref", ref, "error", err)
				return
			}
			m.toPort(m.modInternal, message.Message{
				message.KeyType: message.TypeResolveResponse,
				message.KeyID:   id,
				message.KeyData: url,
			})
		})
	}()
}
