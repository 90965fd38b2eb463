package capability

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/events"
	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/port"
)

type outbound struct {
	channel string
	msg     message.Message
}

// Provider serves one capability to one module.
type Provider struct {
	def   *Definition
	id    string
	owner string
	sched port.Scheduler
	log   *zap.Logger

	reply   string
	ctx     context.Context
	cancel  context.CancelFunc
	emitter events.Emitter[outbound]
}

func newProvider(def *Definition, owner port.Endpoint, sched port.Scheduler, log *zap.Logger) *Provider {
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		def:    def,
		id:     def.Name + "." + owner.ID(),
		owner:  owner.String(),
		sched:  sched,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) String() string {
	return "[Provider " + p.def.Name + " for " + p.owner + "]"
}

func (p *Provider) Subscribe(fn func(channel string, msg message.Message)) func() {
	return p.emitter.On("message", func(o outbound) { fn(o.channel, o.msg) })
}

func (p *Provider) OnMessage(flow string, msg message.Message) {
	if flow == message.FlowControl {
		if msg.Type() == message.TypeClose {
			p.reply = ""
			p.cancel()
		}
		return
	}

	switch msg.Type() {
	case message.TypeDefaultChannelAnnouncement, message.TypeChannelAnnouncement:
		p.reply = msg.Str(message.KeyChannel)
	case message.TypeMethod:
		p.call(msg)
	default:
		p.log.Debug("provider ignored message",
			zap.String("capability", p.def.Name),
			zap.String("type", msg.Type()))
	}
}

// call runs a method off the router thread and posts the reply back.
func (p *Provider) call(req message.Message) {
	name := req.Str(message.KeyName)
	reqID := req[message.KeyReqID]
	args, _ := req.Map(message.KeyArgs)
	if args == nil {
		args = message.Message{}
	}

	fn, ok := p.def.Methods[name]
	if !ok {
		p.respond(name, reqID, nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, p.def.Name, name))
		return
	}

	ctx := p.ctx
	go func() {
		value, err := fn(ctx, map[string]any(args))
		p.sched.Post(func() { p.respond(name, reqID, value, err) })
	}()
}

func (p *Provider) respond(name string, reqID, value any, err error) {
	if p.reply == "" {
		p.log.Debug("provider has no reply channel",
			zap.String("capability", p.def.Name),
			zap.String("method", name))
		return
	}
	resp := message.Message{
		message.KeyType:  message.TypeMethod,
		message.KeyName:  name,
		message.KeyReqID: reqID,
	}
	if err != nil {
		resp[message.KeyError] = err.Error()
	} else {
		resp[message.KeyValue] = value
	}
	p.emitter.Emit("message", outbound{channel: p.reply, msg: resp})
}
