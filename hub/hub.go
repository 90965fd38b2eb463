// Package hub owns the channel table that connects endpoints. It assigns
// channel ids, installs the routes behind every link, answers the control
// requests modules make (core, link, unlink, close) and cascades teardown
// to peers when an endpoint goes away.
//
// A Hub is not safe for concurrent use: every method must run on the
// scheduler the hub and its modules share.
package hub

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/port"
)

var (
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrDuplicate       = errors.New("endpoint already registered")
	ErrUnknownChannel  = errors.New("unknown channel")
)

// route delivers what src emits on a channel to dst under flow. Control
// routes deliver to the hub itself.
type route struct {
	src     string
	dst     string
	flow    string
	reverse string
	control bool
}

type entry struct {
	ep       port.Endpoint
	control  string
	implicit bool
	unsub    func()
	unclose  func()
}

type Hub struct {
	log    *zap.Logger
	config message.Message
	core   *Core

	endpoints map[string]*entry
	routes    map[string]route
}

type Option func(*Hub)

func WithLogger(log *zap.Logger) Option {
	return func(h *Hub) {
		if log != nil {
			h.log = log
		}
	}
}

// WithConfig sets the configuration handed to endpoints in their setup
// message, such as the transport a module should use.
func WithConfig(cfg message.Message) Option {
	return func(h *Hub) {
		for k, v := range cfg {
			h.config[k] = v
		}
	}
}

func New(opts ...Option) *Hub {
	h := &Hub{
		log:       zap.NewNop(),
		config:    message.Message{},
		endpoints: make(map[string]*entry),
		routes:    make(map[string]route),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.core = newCore(h.log)
	return h
}

// Core returns the capability-request servicer handed to modules.
func (h *Hub) Core() *Core { return h.core }

// Register starts routing what ep emits. Endpoints that implement
// port.Closer are torn down when they close.
func (h *Hub) Register(ep port.Endpoint) error {
	return h.register(ep, false)
}

func (h *Hub) register(ep port.Endpoint, implicit bool) error {
	id := ep.ID()
	if _, ok := h.endpoints[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	e := &entry{ep: ep, implicit: implicit}
	e.unsub = ep.Subscribe(func(channel string, msg message.Message) {
		h.route(id, channel, msg)
	})
	if c, ok := ep.(port.Closer); ok {
		e.unclose = c.OnClose(func() { h.destroy(id, false) })
	}
	h.endpoints[id] = e
	h.log.Debug("registered endpoint", zap.String("endpoint", ep.String()))
	return nil
}

// Deregister removes ep and every route touching it, telling its peers
// their channels are closed.
func (h *Hub) Deregister(ep port.Endpoint) error {
	if _, ok := h.endpoints[ep.ID()]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep.ID())
	}
	h.destroy(ep.ID(), false)
	return nil
}

// Setup gives ep a control channel and sends it the setup handshake. It is
// a no-op for endpoints already set up.
func (h *Hub) Setup(ep port.Endpoint) error {
	e, ok := h.endpoints[ep.ID()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, ep.ID())
	}
	if e.control != "" {
		return nil
	}
	e.control = newChannel()
	h.routes[e.control] = route{src: ep.ID(), control: true}
	ep.OnMessage(message.FlowControl, message.Message{
		message.KeyType:    message.TypeSetup,
		message.KeyChannel: e.control,
		message.KeyConfig:  h.config.Clone(),
	})
	return nil
}

// CreateLink connects src's flow name to dst's flow destName ("default"
// when empty). The endpoint told about the link, src unless toDest is set,
// announces the reverse channel to its peer itself.
func (h *Hub) CreateLink(src port.Endpoint, name string, dst port.Endpoint, destName string, toDest bool) error {
	if _, ok := h.endpoints[src.ID()]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, src.ID())
	}
	if _, ok := h.endpoints[dst.ID()]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, dst.ID())
	}
	if destName == "" {
		destName = message.FlowDefault
	}
	if err := h.Setup(dst); err != nil {
		return err
	}

	outgoing, reverse := newChannel(), newChannel()
	h.routes[outgoing] = route{src: src.ID(), dst: dst.ID(), flow: destName, reverse: reverse}
	h.routes[reverse] = route{src: dst.ID(), dst: src.ID(), flow: name, reverse: outgoing}
	h.log.Debug("created link",
		zap.String("src", src.String()), zap.String("name", name),
		zap.String("dst", dst.String()), zap.String("dest_name", destName))

	if toDest {
		dst.OnMessage(message.FlowControl, message.Message{
			message.KeyType:    message.TypeCreateLink,
			message.KeyName:    destName,
			message.KeyChannel: reverse,
			message.KeyReverse: outgoing,
		})
		return nil
	}
	src.OnMessage(message.FlowControl, message.Message{
		message.KeyType:    message.TypeCreateLink,
		message.KeyName:    name,
		message.KeyChannel: outgoing,
		message.KeyReverse: reverse,
	})
	return nil
}

// RemoveLink closes the link src emits on through channel, notifying both
// ends.
func (h *Hub) RemoveLink(src port.Endpoint, channel string) error {
	r, ok := h.routes[channel]
	if !ok || r.control || r.src != src.ID() {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	delete(h.routes, channel)
	delete(h.routes, r.reverse)

	src.OnMessage(message.FlowControl, message.Message{
		message.KeyType:    message.TypeClose,
		message.KeyChannel: channel,
	})
	if e, ok := h.endpoints[r.dst]; ok {
		e.ep.OnMessage(message.FlowControl, message.Message{
			message.KeyType:    message.TypeClose,
			message.KeyChannel: r.reverse,
		})
		h.collect(r.dst)
	}
	return nil
}

// Endpoints returns the registered endpoints ordered by id.
func (h *Hub) Endpoints() []port.Endpoint {
	ids := make([]string, 0, len(h.endpoints))
	for id := range h.endpoints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]port.Endpoint, len(ids))
	for i, id := range ids {
		out[i] = h.endpoints[id].ep
	}
	return out
}

// Route reports where a message emitted on channel is delivered.
func (h *Hub) Route(channel string) (dst, flow string, ok bool) {
	r, ok := h.routes[channel]
	if !ok || r.control {
		return "", "", false
	}
	return r.dst, r.flow, true
}

func (h *Hub) route(src, channel string, msg message.Message) {
	r, ok := h.routes[channel]
	if !ok || r.src != src {
		h.log.Warn("dropping message on unknown channel",
			zap.String("src", src), zap.String("channel", channel), zap.String("type", msg.Type()))
		return
	}
	if r.control {
		h.onControl(src, msg)
		return
	}
	e, ok := h.endpoints[r.dst]
	if !ok {
		h.log.Warn("dropping message for departed endpoint", zap.String("dst", r.dst))
		return
	}
	e.ep.OnMessage(r.flow, msg)
}

func (h *Hub) onControl(src string, msg message.Message) {
	e, ok := h.endpoints[src]
	if !ok {
		return
	}
	switch msg.Str(message.KeyRequest) {
	case message.RequestCore:
		e.ep.OnMessage(message.FlowControl, message.Message{message.KeyCore: h.core})
	case message.RequestLink:
		to, ok := msg[message.KeyTo].(port.Endpoint)
		if !ok {
			h.log.Warn("link request without endpoint", zap.String("src", e.ep.String()))
			return
		}
		if _, known := h.endpoints[to.ID()]; !known {
			if err := h.register(to, true); err != nil {
				h.log.Warn("link target rejected", zap.Error(err))
				return
			}
		}
		err := h.CreateLink(e.ep, msg.Str(message.KeyName), to, msg.Str(message.KeyOverrideDest), msg.Has(message.KeyReverse))
		if err != nil {
			h.log.Warn("link failed", zap.String("src", e.ep.String()), zap.Error(err))
		}
	case message.RequestUnlink:
		if err := h.RemoveLink(e.ep, msg.Str(message.KeyTo)); err != nil {
			h.log.Debug("unlink ignored", zap.String("src", e.ep.String()), zap.Error(err))
		}
	case message.RequestClose:
		h.destroy(src, true)
	default:
		h.log.Debug("unhandled control message",
			zap.String("src", e.ep.String()), zap.String("type", msg.Type()))
	}
}

type notice struct {
	endpoint string
	channel  string
}

// destroy removes id and its routes. Each peer that emitted toward id is
// told its channel closed; notifySelf also tells id itself to close.
func (h *Hub) destroy(id string, notifySelf bool) {
	e, ok := h.endpoints[id]
	if !ok {
		return
	}
	delete(h.endpoints, id)
	e.unsub()
	if e.unclose != nil {
		e.unclose()
	}
	if e.control != "" {
		delete(h.routes, e.control)
	}

	channels := make([]string, 0, len(h.routes))
	for ch := range h.routes {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	var peers []notice
	for _, ch := range channels {
		r := h.routes[ch]
		switch {
		case r.dst == id:
			peers = append(peers, notice{endpoint: r.src, channel: ch})
			delete(h.routes, ch)
		case r.src == id:
			delete(h.routes, ch)
		}
	}
	h.log.Debug("destroyed endpoint", zap.String("endpoint", e.ep.String()), zap.Int("peers", len(peers)))

	if notifySelf {
		e.ep.OnMessage(message.FlowControl, message.Message{message.KeyType: message.TypeClose})
	}
	for _, n := range peers {
		pe, ok := h.endpoints[n.endpoint]
		if !ok {
			continue
		}
		pe.ep.OnMessage(message.FlowControl, message.Message{
			message.KeyType:    message.TypeClose,
			message.KeyChannel: n.channel,
		})
		h.collect(n.endpoint)
	}
}

// collect drops an endpoint the hub registered on its own once nothing
// routes to or from it, unless it can close itself.
func (h *Hub) collect(id string) {
	e, ok := h.endpoints[id]
	if !ok || !e.implicit {
		return
	}
	if _, closer := e.ep.(port.Closer); closer {
		return
	}
	for _, r := range h.routes {
		if !r.control && (r.src == id || r.dst == id) {
			return
		}
	}
	h.destroy(id, false)
}

func newChannel() string {
	return uuid.NewString()
}
