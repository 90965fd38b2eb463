package module

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/port"
)

var errNoTransport = errors.New("no transport configured")

// start creates the Port once the control handshake has happened, and asks
// the remote side to bring up its internal environment.
func (m *Module) start() {
	if m.state != AwaitingPort || m.port != nil {
		return
	}
	m.loadLinks()

	p, err := m.newPort()
	if err != nil {
		m.debug.Error("Module Failed", "module", m.String(), "error", err)
		m.markFailed()
		m.emit(m.controlChannel, message.Message{message.KeyRequest: message.RequestClose})
		return
	}
	m.port = p
	m.state = Starting

	p.Subscribe(m.emitMessage)
	p.OnError(func(err error) {
		m.debug.Warn("Module Failed", "module", m.String(), "error", err)
		m.markFailed()
		m.emit(m.controlChannel, message.Message{message.KeyRequest: message.RequestClose})
	})

	p.OnMessage(message.FlowControl, message.Message{
		message.KeyChannel: message.FlowControl,
		message.KeyConfig:  m.config.Clone(),
	})
	for _, flow := range []string{message.FlowDebug, message.FlowCore} {
		p.OnMessage(message.FlowControl, message.Message{
			message.KeyType:    message.TypeRedirect,
			message.KeyRequest: message.RequestDelegate,
			message.KeyFlow:    flow,
		})
	}
	p.OnMessage(message.FlowControl, message.Message{
		message.KeyType:    message.TypeEnvironment,
		message.KeyRequest: message.RequestEnvironment,
		message.KeyName:    message.FlowModInternal,
	})
}

func (m *Module) newPort() (port.Port, error) {
	opts := port.Options{
		Name:       m.manifest.Name,
		ManifestID: m.manifestID,
		Manifest:   m.manifest,
		Scheduler:  m.host.Scheduler,
		Logger:     m.host.Logger.With(zap.String("module", m.id)),
	}
	if m.host.PortFactory != nil {
		return m.host.PortFactory(opts)
	}
	if m.host.Ports == nil {
		return nil, errNoTransport
	}
	name := m.config.Str(port.ConfigPortType)
	if name == "" {
		return nil, fmt.Errorf("%w: setup did not name a port type", errNoTransport)
	}
	return m.host.Ports.New(name, opts)
}

// stop releases the Port. It acts on a running module, or on one that
// failed before it ran, and leaves it stopped for good.
func (m *Module) stop() {
	if m.state == Stopped || (m.state != Running && !m.failed) {
		return
	}
	wasRunning := m.state == Running
	m.state = Stopped
	m.signals.Emit(eventClose, struct{}{})
	if m.port != nil {
		m.port.Off()
		m.port.OnMessage(message.FlowControl, message.Message{
			message.KeyType:    message.TypeClose,
			message.KeyChannel: message.FlowControl,
		})
		m.port.Stop()
		m.port = nil
	}
	m.policy = nil
	if wasRunning {
		m.host.Metrics.ModuleStopped()
	}
	m.debugf("stopped")
}

// deregisterFlow removes every name bound to channel on one side, tells
// the other side of each name to tear down, and stops the module when no
// external flow other than its own dependencies remains bound.
func (m *Module) deregisterFlow(channel string, internal bool) bool {
	if channel == "" {
		return false
	}
	side := m.external
	if internal {
		side = m.internal
	}
	names := side.namesFor(channel)
	if len(names) == 0 {
		return false
	}

	notified := make(map[string]bool)
	for _, name := range names {
		if internal {
			if ext, ok := m.external.channel(name); ok && !notified[ext] {
				notified[ext] = true
				m.emit(m.controlChannel, message.Message{
					message.KeyType:    message.TypeTeardown,
					message.KeyRequest: message.RequestUnlink,
					message.KeyTo:      ext,
				})
			}
		} else if m.port != nil {
			if in, ok := m.internal.channel(name); ok && !notified[in] {
				notified[in] = true
				m.port.OnMessage(message.FlowControl, message.Message{
					message.KeyType:    message.TypeClose,
					message.KeyChannel: in,
				})
			}
		}
		delete(m.external, name)
		delete(m.internal, name)
	}

	for name, b := range m.external {
		if b.bound() && !m.dependants[name] {
			return true
		}
	}
	m.stop()
	return true
}
