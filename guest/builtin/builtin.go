// Package builtin holds the components every modhub runtime can host
// without loading code: an echo responder, a relay that forwards its
// default flow to a dependency, and a store backed by the core.kv
// capability.
package builtin

import (
	"errors"
	"fmt"

	"github.com/caffeineduck/modhub/guest"
	"github.com/caffeineduck/modhub/message"
)

const (
	Echo  = "echo"
	Relay = "relay"
	Store = "store"
)

var ErrNoTarget = errors.New("relay: manifest declares no dependency")

// Register adds the builtin components to reg.
func Register(reg *guest.Registry) {
	reg.Register(Echo, guest.ComponentFunc(startEcho))
	reg.Register(Relay, guest.ComponentFunc(startRelay))
	reg.Register(Store, guest.ComponentFunc(startStore))
}

// Registry returns a registry holding only the builtin components.
func Registry() *guest.Registry {
	reg := guest.NewRegistry()
	Register(reg)
	return reg
}

// startEcho answers every message on the flow it came from, tagged with
// the module that echoed it.
func startEcho(env *guest.Env) error {
	env.HandleAll(func(flow string, msg message.Message) {
		env.Emit(flow, msg.With("echoedBy", env.Manifest().Name))
	})
	return nil
}

// startRelay forwards the default flow to the first declared dependency
// and carries replies back.
func startRelay(env *guest.Env) error {
	deps := env.Manifest().DependencyNames()
	if len(deps) == 0 {
		return ErrNoTarget
	}
	target := deps[0]

	env.Handle(message.FlowDefault, func(_ string, msg message.Message) {
		env.Emit(target, msg)
	})
	env.Handle(target, func(_ string, msg message.Message) {
		env.Emit(message.FlowDefault, msg)
	})
	env.OnFailure(func(name string, err error) {
		env.Emit(message.FlowDefault, message.Message{
			message.KeyType:  message.TypeError,
			message.KeyError: err.Error(),
		})
	})
	return nil
}

const kvCapability = "core.kv"

// startStore serves {op, key, value} requests on its default flow out of
// the core.kv capability.
func startStore(env *guest.Env) error {
	granted := false
	for _, p := range env.Manifest().CapabilityPermissions() {
		if p == kvCapability {
			granted = true
		}
	}
	if !granted {
		return fmt.Errorf("store: %s permission required", kvCapability)
	}

	env.Handle(message.FlowDefault, func(flow string, msg message.Message) {
		op := msg.Str("op")
		args := map[string]any{"key": msg.Str("key")}
		switch op {
		case "get", "delete":
		case "set":
			args["value"] = msg["value"]
		case "keys":
			args = map[string]any{}
		default:
			env.Emit(flow, message.Message{"op": op, message.KeyError: "unknown op"})
			return
		}
		env.Call(kvCapability, op, args, func(value any, err error) {
			reply := message.Message{"op": op, "key": msg.Str("key")}
			if err != nil {
				reply[message.KeyError] = err.Error()
			} else {
				reply[message.KeyValue] = value
			}
			env.Emit(flow, reply)
		})
	})
	return nil
}
