// Package port defines the transport contract between a module router and
// its isolated execution context, the hub-facing endpoint contract, and a
// shared Link state machine that concrete transports plug into.
package port

import (
	"errors"

	"github.com/caffeineduck/modhub/message"
)

// Handler receives messages arriving from the remote side of a Port, keyed
// by internal flow name.
type Handler func(flow string, msg message.Message)

// Port owns exactly one transport connection to one isolated execution
// context.
type Port interface {
	// Start begins connecting or spawning. Most transports start implicitly
	// on the first control message carrying a channel.
	Start() error
	// Stop tears down the transport and releases the remote unit.
	Stop()
	// OnMessage delivers one envelope toward the remote unit.
	OnMessage(flow string, msg message.Message)
	// Subscribe registers fn for messages arriving from the remote unit.
	Subscribe(fn Handler) (cancel func())
	// Off removes every message subscription.
	Off()
	// OnError registers fn for transport faults.
	OnError(fn func(error)) (cancel func())
	String() string
}

// Endpoint is anything the hub can route to: modules, capability providers
// and clients. An endpoint emits on channel ids assigned by the hub and
// receives on flow names.
type Endpoint interface {
	ID() string
	OnMessage(flow string, msg message.Message)
	Subscribe(fn func(channel string, msg message.Message)) (cancel func())
	String() string
}

// Closer is implemented by endpoints that can go away on their own. The hub
// uses it to tear down routes and notify peers.
type Closer interface {
	OnClose(fn func()) (cancel func())
}

// Core services capability requests delegated by a module's internal
// environment. reply sends a message back on the requester's control flow.
type Core interface {
	OnMessage(source Endpoint, req message.Message, reply func(message.Message))
}

// Scheduler runs callbacks on the single logical thread that owns a router.
type Scheduler interface {
	Post(fn func()) bool
}

// Inline runs callbacks immediately on the calling goroutine.
type Inline struct{}

func (Inline) Post(fn func()) bool {
	fn()
	return true
}

var (
	ErrUnknownTransport = errors.New("unknown transport")
	ErrStopped          = errors.New("port stopped")
)
