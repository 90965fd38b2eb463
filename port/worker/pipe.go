package worker

import (
	"context"
	"sync"

	"github.com/caffeineduck/modhub/message"
)

// Handshake is the first item a guest posts to its host.
const Handshake = "Ready For Messages"

// mailbox is an unbounded FIFO. Posting never blocks, so neither side of a
// pipe can stall the other.
type mailbox struct {
	mu     sync.Mutex
	items  []any
	notify chan struct{}
	closed bool
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) post(v any) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// next blocks until an item is available, the mailbox is closed or ctx is
// done.
func (m *mailbox) next(ctx context.Context) (any, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			m.items[0] = nil
			m.items = m.items[1:]
			m.mu.Unlock()
			return v, true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-m.notify:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Endpoint is one side of a pipe between a host and a guest unit.
type Endpoint struct {
	in  *mailbox
	out *mailbox
}

// NewPipe returns the host and guest ends of a fresh pipe.
func NewPipe() (host, guest *Endpoint) {
	a, b := newMailbox(), newMailbox()
	return &Endpoint{in: a, out: b}, &Endpoint{in: b, out: a}
}

// PostMessage sends an envelope to the other side. The message is deep
// copied so the two sides never share mutable state.
func (e *Endpoint) PostMessage(flow string, msg message.Message) bool {
	return e.out.post(message.Envelope{Flow: flow, Message: msg.Clone()})
}

func (e *Endpoint) postHandshake() bool {
	return e.out.post(Handshake)
}

// Next blocks for the next inbound item: either the Handshake string or a
// message.Envelope.
func (e *Endpoint) Next(ctx context.Context) (any, bool) {
	return e.in.next(ctx)
}

// Close shuts both directions of the pipe.
func (e *Endpoint) Close() {
	e.in.close()
	e.out.close()
}
