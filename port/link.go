package port

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/events"
	"github.com/caffeineduck/modhub/message"
)

// Config keys understood by Link and the bundled transports.
const (
	ConfigModuleContext = "moduleContext"
	ConfigSource        = "source"
	ConfigPortType      = "portType"
)

// Transport is the substrate-specific half of a Link.
//
// Open is called once, from Start. The transport reports back through
// Link.Started, Link.Receive and Link.Fail, which may be called from any
// goroutine.
type Transport interface {
	Open(l *Link) error
	Close()
	Send(flow string, msg message.Message) error
	String() string
}

type envelope struct {
	flow string
	msg  message.Message
}

// Link implements Port on top of a Transport. All methods except Started,
// Receive and Fail must be called from the scheduler's thread.
type Link struct {
	transport Transport
	sched     Scheduler
	log       *zap.Logger

	config         message.Message
	controlChannel string
	opened         bool
	live           bool
	stopped        bool

	messages events.Emitter[envelope]
	started  events.Emitter[struct{}]
	faults   events.Emitter[error]
}

type LinkOption func(*Link)

func WithScheduler(s Scheduler) LinkOption {
	return func(l *Link) {
		if s != nil {
			l.sched = s
		}
	}
}

func WithLogger(log *zap.Logger) LinkOption {
	return func(l *Link) {
		if log != nil {
			l.log = log
		}
	}
}

func NewLink(t Transport, opts ...LinkOption) *Link {
	l := &Link{
		transport: t,
		sched:     Inline{},
		log:       zap.NewNop(),
		config:    message.Message{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the configuration merged from control messages.
func (l *Link) Config() message.Message {
	return l.config
}

// ControlChannel returns the channel control-flow replies are mapped to.
func (l *Link) ControlChannel() string {
	return l.controlChannel
}

// Live reports whether the remote side has completed its handshake.
func (l *Link) Live() bool {
	return l.live
}

// Start opens the transport. It is a no-op after the first call.
func (l *Link) Start() error {
	if l.opened || l.stopped {
		return nil
	}
	l.opened = true
	if err := l.transport.Open(l); err != nil {
		return fmt.Errorf("%s: open: %w", l.transport, err)
	}
	return nil
}

func (l *Link) Stop() {
	if l.stopped {
		return
	}
	l.stopped = true
	l.live = false
	l.started.Off("")
	l.transport.Close()
}

// OnMessage accepts one envelope from the router. The first control message
// carrying a channel configures and starts the link; everything after that
// is delivered to the remote unit.
func (l *Link) OnMessage(flow string, msg message.Message) {
	if flow == message.FlowControl && !l.opened {
		if msg.Has(message.KeyChannel) {
			l.controlChannel = msg.Str(message.KeyChannel)
			if cfg, ok := msg.Map(message.KeyConfig); ok {
				for k, v := range cfg {
					l.config[k] = v
				}
			}
			if err := l.Start(); err != nil {
				l.fail(err)
			}
		}
		return
	}
	l.deliver(flow, msg)
}

func (l *Link) deliver(flow string, msg message.Message) {
	if l.stopped {
		return
	}
	if flow == message.FlowControl && msg.Type() == message.TypeClose &&
		msg.Str(message.KeyChannel) == l.controlChannel {
		l.Stop()
		return
	}
	if !l.live {
		l.started.Once("started", func(struct{}) { l.deliver(flow, msg) })
		return
	}
	if err := l.transport.Send(flow, msg); err != nil {
		l.fail(err)
	}
}

func (l *Link) Subscribe(fn Handler) func() {
	return l.messages.On("message", func(e envelope) { fn(e.flow, e.msg) })
}

func (l *Link) Off() {
	l.messages.Off("")
}

func (l *Link) OnError(fn func(error)) func() {
	return l.faults.On("error", fn)
}

func (l *Link) String() string {
	return l.transport.String()
}

// Started marks the remote side live and replays deferred deliveries in
// the order they were made.
func (l *Link) Started() {
	l.sched.Post(func() {
		if l.stopped || l.live {
			return
		}
		l.live = true
		l.started.Emit("started", struct{}{})
	})
}

// Receive hands a message from the remote unit to subscribers. The control
// flow is reported under the channel the link was configured with.
func (l *Link) Receive(flow string, msg message.Message) {
	l.sched.Post(func() {
		if l.stopped {
			return
		}
		if flow == message.FlowControl && l.controlChannel != "" {
			flow = l.controlChannel
		}
		l.messages.Emit("message", envelope{flow: flow, msg: msg})
	})
}

// Fail reports a transport fault.
func (l *Link) Fail(err error) {
	l.sched.Post(func() { l.fail(err) })
}

func (l *Link) fail(err error) {
	if l.faults.Len("error") == 0 {
		l.log.Warn("unhandled port fault", zap.String("port", l.String()), zap.Error(err))
		return
	}
	l.faults.Emit("error", err)
}
