// Package worker is the reference transport: each module's internal
// environment runs in its own execution unit (a goroutine reached only
// through a pair of mailboxes).
//
// In host mode the transport spawns and owns the unit. In guest mode it is
// installed inside the unit, answers the host's handshake and exposes a
// frozen, allowlisted Scope to the code loaded there.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/port"
)

// Spawner runs a unit's body. It is called on the unit's own goroutine with
// the id assigned to the unit and the guest end of its pipe, and should
// return when ctx is done. A returned error or a panic is a unit fault.
type Spawner func(ctx context.Context, id string, ep *Endpoint) error

var (
	ErrNoSpawner  = errors.New("worker: no spawner configured")
	ErrNoEndpoint = errors.New("worker: guest mode requires an endpoint")
)

type Option func(*Transport)

func WithSpawner(s Spawner) Option {
	return func(t *Transport) { t.spawner = s }
}

// WithEndpoint sets the pipe end a guest-mode transport listens on.
func WithEndpoint(ep *Endpoint) Option {
	return func(t *Transport) { t.endpoint = ep }
}

// WithGlobals sets the ambient globals the guest Scope is filtered from.
func WithGlobals(g map[string]any) Option {
	return func(t *Transport) { t.globals = g }
}

func WithLogger(log *zap.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// Transport implements port.Transport over a mailbox pipe.
type Transport struct {
	id       string
	spawner  Spawner
	endpoint *Endpoint
	globals  map[string]any
	log      *zap.Logger

	cancel context.CancelFunc
	peer   *Endpoint
	scope  *Scope
}

func NewTransport(id string, opts ...Option) *Transport {
	t := &Transport{id: id, log: zap.NewNop()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// New returns a host-mode Port for a module, spawning units with s.
func New(s Spawner) port.Factory {
	return func(opts port.Options) (port.Port, error) {
		t := NewTransport(opts.Name, WithSpawner(s), WithLogger(opts.Logger))
		return port.NewLink(t, port.WithScheduler(opts.Scheduler), port.WithLogger(opts.Logger)), nil
	}
}

func (t *Transport) Open(l *port.Link) error {
	if t.log == nil {
		t.log = zap.NewNop()
	}
	if inUnit, _ := l.Config()[port.ConfigModuleContext].(bool); inUnit {
		return t.listen(l)
	}
	return t.spawn(l)
}

func (t *Transport) spawn(l *port.Link) error {
	if t.spawner == nil {
		return ErrNoSpawner
	}
	host, guest := NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.peer = host

	go func() {
		defer guest.Close()
		if err := t.runUnit(ctx, guest); err != nil && ctx.Err() == nil {
			l.Fail(err)
		}
	}()
	go t.read(ctx, l, host, true)
	return nil
}

func (t *Transport) runUnit(ctx context.Context, ep *Endpoint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("worker unit panicked",
				zap.String("unit", t.id),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("worker %s panicked: %v", t.id, r)
		}
	}()
	return t.spawner(ctx, t.id, ep)
}

func (t *Transport) listen(l *port.Link) error {
	if t.endpoint == nil {
		return ErrNoEndpoint
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.peer = t.endpoint

	go t.read(ctx, l, t.endpoint, false)
	l.Started()
	t.endpoint.postHandshake()

	globals := t.globals
	if globals == nil {
		globals = DefaultGlobals(t.log)
	}
	t.scope = NewScope(globals)
	return nil
}

// read pumps inbound items into the link. In host mode the first item is
// the handshake.
func (t *Transport) read(ctx context.Context, l *port.Link, ep *Endpoint, awaitHandshake bool) {
	for {
		item, ok := ep.Next(ctx)
		if !ok {
			return
		}
		switch v := item.(type) {
		case string:
			if awaitHandshake && v == Handshake {
				awaitHandshake = false
				l.Started()
				continue
			}
			t.log.Warn("unexpected worker signal", zap.String("unit", t.id), zap.String("signal", v))
		case message.Envelope:
			if awaitHandshake {
				t.log.Warn("envelope before handshake", zap.String("unit", t.id), zap.String("flow", v.Flow))
				continue
			}
			l.Receive(v.Flow, v.Message)
		}
	}
}

func (t *Transport) Send(flow string, msg message.Message) error {
	if t.peer == nil {
		return port.ErrStopped
	}
	if !t.peer.PostMessage(flow, msg) {
		return fmt.Errorf("worker %s: %w", t.id, port.ErrStopped)
	}
	return nil
}

func (t *Transport) Close() {
	if t.cancel != nil {
		t.cancel()
	}
	if t.peer != nil {
		t.peer.Close()
	}
}

// Scope returns the sandbox scope built in guest mode, or nil.
func (t *Transport) Scope() *Scope {
	return t.scope
}

func (t *Transport) String() string {
	return "[Worker " + t.id + "]"
}

// Listen installs a guest-mode link on ep, the guest end of a unit's pipe.
// The link is configured and started through the control flow, exactly as
// a host-side router would configure it, so the guest can send on control
// immediately. The returned transport exposes the sandbox Scope.
func Listen(id string, ep *Endpoint, sched port.Scheduler, log *zap.Logger, globals map[string]any) (*port.Link, *Transport) {
	t := NewTransport(id, WithEndpoint(ep), WithGlobals(globals), WithLogger(log))
	l := port.NewLink(t, port.WithScheduler(sched), port.WithLogger(log))
	l.OnMessage(message.FlowControl, message.Message{
		message.KeyChannel: message.FlowControl,
		message.KeyConfig:  map[string]any{port.ConfigModuleContext: true},
	})
	return l, t
}
