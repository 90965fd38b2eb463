package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/caffeineduck/modhub/events"
	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/port"
)

var (
	ErrNotLinked = errors.New("flow not linked")
	ErrEmptyName = errors.New("client name is empty")
)

type delivery struct {
	flow string
	msg  message.Message
}

type emission struct {
	channel string
	msg     message.Message
}

// Client is an endpoint driven by Go code outside any module, such as a
// CLI or a test. Send and Listen may be called from any goroutine; the hub
// side runs on the shared scheduler.
type Client struct {
	id    string
	name  string
	sched port.Scheduler

	mu       sync.Mutex
	channels map[string]string
	reverse  map[string]string

	out     events.Emitter[emission]
	inbound events.Emitter[delivery]
}

// NewClient creates and registers a client endpoint called name.
func (h *Hub) NewClient(name string, sched port.Scheduler) (*Client, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if sched == nil {
		sched = port.Inline{}
	}
	c := &Client{
		id:       "client:" + name + "#" + uuid.NewString(),
		name:     name,
		sched:    sched,
		channels: make(map[string]string),
		reverse:  make(map[string]string),
	}
	if err := h.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) ID() string     { return c.id }
func (c *Client) String() string { return "[Client " + c.name + "]" }

func (c *Client) Subscribe(fn func(channel string, msg message.Message)) func() {
	return c.out.On("out", func(e emission) { fn(e.channel, e.msg) })
}

// OnMessage is called by the hub.
func (c *Client) OnMessage(flow string, msg message.Message) {
	if flow != message.FlowControl {
		c.inbound.Emit("message", delivery{flow: flow, msg: msg})
		return
	}
	switch msg.Type() {
	case message.TypeCreateLink:
		name := msg.Str(message.KeyName)
		ch := msg.Str(message.KeyChannel)
		c.mu.Lock()
		c.channels[name] = ch
		c.reverse[ch] = name
		c.mu.Unlock()
		c.out.Emit("out", emission{channel: ch, msg: message.Message{
			message.KeyType:    message.TypeDefaultChannelAnnouncement,
			message.KeyChannel: msg.Str(message.KeyReverse),
		}})
	case message.TypeClose:
		ch := msg.Str(message.KeyChannel)
		c.mu.Lock()
		if name, ok := c.reverse[ch]; ok {
			delete(c.channels, name)
			delete(c.reverse, ch)
		}
		c.mu.Unlock()
	}
}

// Listen registers fn for every message delivered to the client.
func (c *Client) Listen(fn func(flow string, msg message.Message)) (cancel func()) {
	return c.inbound.On("message", func(d delivery) { fn(d.flow, d.msg) })
}

// Linked reports whether flow name has been linked.
func (c *Client) Linked(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.channels[name]
	return ok
}

// Send emits msg on flow name.
func (c *Client) Send(name string, msg message.Message) error {
	c.mu.Lock()
	ch, ok := c.channels[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLinked, name)
	}
	if !c.sched.Post(func() { c.out.Emit("out", emission{channel: ch, msg: msg}) }) {
		return port.ErrStopped
	}
	return nil
}

// Connect links the client's flow name to dst's default flow.
func (h *Hub) Connect(c *Client, name string, dst port.Endpoint) error {
	if _, ok := h.endpoints[dst.ID()]; !ok {
		if err := h.Register(dst); err != nil {
			return err
		}
	}
	return h.CreateLink(c, name, dst, "", false)
}

// Disconnect removes the link behind the client's flow name. The peer is
// told its channel closed and stops if nothing else uses it.
func (h *Hub) Disconnect(c *Client, name string) error {
	c.mu.Lock()
	ch, ok := c.channels[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLinked, name)
	}
	return h.RemoveLink(c, ch)
}
