package module

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/caffeineduck/modhub/manifest"
	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/port"
)

type envelope struct {
	flow string
	msg  message.Message
}

// fakePort records what the module sends and lets tests play the remote
// side.
type fakePort struct {
	sent     []envelope
	handlers []port.Handler
	onError  []func(error)
	stopped  bool
}

func (p *fakePort) Start() error { return nil }
func (p *fakePort) Stop() { p.stopped = true }
func (p *fakePort) OnMessage(flow string, msg message.Message) {
	p.sent = append(p.sent, envelope{flow, msg})
}
func (p *fakePort) Subscribe(fn port.Handler) func() {
	p.handlers = append(p.handlers, fn)
	return func() {}
}
func (p *fakePort) Off() { p.handlers = nil }
func (p *fakePort) OnError(fn func(error)) func() {
	p.onError = append(p.onError, fn)
	return func() {}
}
func (p *fakePort) String() string { return "[Fake]" }

func (p *fakePort) emit(flow string, msg message.Message) {
	for _, h := range p.handlers {
		h(flow, msg)
	}
}

func (p *fakePort) fail(err error) {
	for _, fn := range p.onError {
		fn(err)
	}
}

// on returns the messages sent to flow, in order.
func (p *fakePort) on(flow string) []message.Message {
	var out []message.Message
	for _, e := range p.sent {
		if e.flow == flow {
			out = append(out, e.msg)
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	m       *Module
	port    *fakePort
	ports   int
	mu      sync.Mutex
	emitted []envelope
}

func newHarness(t *testing.T, mf *manifest.Manifest, host Host) *harness {
	t.Helper()
	h := &harness{t: t, port: &fakePort{}}
	host.PortFactory = func(port.Options) (port.Port, error) {
		h.ports++
		return h.port, nil
	}
	h.m = New("file:///mods/"+mf.Name+".json", mf, nil, host)
	h.m.Subscribe(func(ch string, msg message.Message) {
		h.mu.Lock()
		h.emitted = append(h.emitted, envelope{ch, msg})
		h.mu.Unlock()
	})
	return h
}

// sentTo returns the messages the module emitted on channel, in order.
func (h *harness) sentTo(channel string) []message.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []message.Message
	for _, e := range h.emitted {
		if e.flow == channel {
			out = append(out, e.msg)
		}
	}
	return out
}

func (h *harness) setup() {
	h.m.OnMessage(message.FlowControl, message.Message{
		message.KeyType:    message.TypeSetup,
		message.KeyChannel: "ctl",
		message.KeyConfig:  map[string]any{"portType": "fake"},
	})
}

// environment plays the internal environment announcing itself.
func (h *harness) environment() {
	h.port.emit(message.FlowControl, message.Message{
		message.KeyName:    message.FlowModInternal,
		message.KeyChannel: "mi",
		message.KeyReverse: message.FlowModInternal,
	})
}

func (h *harness) ready() {
	h.port.emit(message.FlowModInternal, message.Message{message.KeyType: message.TypeReady})
}

// bindInternal plays the internal environment announcing its local
// channel for flow.
func (h *harness) bindInternal(flow, channel string) {
	h.port.emit(flow, message.Message{
		message.KeyType:    message.TypeChannelAnnouncement,
		message.KeyChannel: channel,
	})
}

// link plays the hub linking name to channel.
func (h *harness) link(name, channel string) {
	h.m.OnMessage(message.FlowControl, message.Message{
		message.KeyType:    message.TypeCreateLink,
		message.KeyName:    name,
		message.KeyChannel: channel,
		message.KeyReverse: "rev-" + channel,
	})
}

// run brings the module to Running with "default" bound on both sides.
func (h *harness) run() {
	h.setup()
	h.environment()
	h.bindInternal(message.FlowDefault, "in-default")
	h.ready()
	if h.m.State() != Running {
		h.t.Fatalf("state = %v, want running", h.m.State())
	}
}

func data(n int) message.Message {
	return message.Message{"n": n}
}

type fakeEndpoint struct{ id string }

func (e fakeEndpoint) ID() string { return e.id }
func (e fakeEndpoint) OnMessage(string, message.Message) {}
func (e fakeEndpoint) Subscribe(func(string, message.Message)) func() { return func() {} }
func (e fakeEndpoint) String() string { return "[Endpoint " + e.id + "]" }

type fakeCapabilities struct{}

func (fakeCapabilities) Provide(name string, owner port.Endpoint) (port.Endpoint, error) {
	if name == "core.missing" {
		return nil, errors.New("unknown capability")
	}
	return fakeEndpoint{id: name + "." + owner.ID()}, nil
}

type fakeResource struct{}

func (fakeResource) Resolve(_ context.Context, base, ref string) (string, error) {
	if ref == "broken.json" {
		return "", errors.New("no such manifest")
	}
	return "file:///mods/" + ref, nil
}

type fakePolicy struct {
	mu        sync.Mutex
	requested []string
	host      Host
}

func (p *fakePolicy) Get(_ context.Context, lineage []string, url string) (*Module, error) {
	p.mu.Lock()
	p.requested = append(p.requested, url)
	p.mu.Unlock()
	for _, l := range lineage {
		if l == url {
			return nil, fmt.Errorf("cycle at %s", url)
		}
	}
	return New(url, &manifest.Manifest{Name: "dep", API: map[string]any{"echo": "method"}}, lineage, p.host), nil
}

func (p *fakePolicy) LoadManifest(_ context.Context, url string) (*manifest.Manifest, error) {
	return &manifest.Manifest{Name: "dep", Description: url}, nil
}
