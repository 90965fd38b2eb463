package hub

import (
	"sort"

	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/port"
)

// Requirer is implemented by endpoints that can load a dependency when
// asked to through the core.
type Requirer interface {
	Require(name, manifestURL string)
}

// Core services the capability requests a module's internal environment
// delegates to the hub: registering a named channel, requiring a module at
// runtime and asking for the requester's own id.
type Core struct {
	log        *zap.Logger
	registered map[string]string
}

func newCore(log *zap.Logger) *Core {
	return &Core{log: log, registered: make(map[string]string)}
}

func (c *Core) OnMessage(source port.Endpoint, req message.Message, reply func(message.Message)) {
	id := req.Str(message.KeyID)
	switch req.Type() {
	case message.TypeRegister:
		c.registered[id] = source.ID()
		reply(message.Message{message.KeyType: message.TypeRegister, message.KeyID: id})
	case message.TypeRequire:
		r, ok := source.(Requirer)
		if !ok {
			reply(message.Message{
				message.KeyType:  message.TypeRequire,
				message.KeyID:    id,
				message.KeyError: "endpoint cannot load dependencies",
			})
			return
		}
		r.Require(id, req.Str(message.KeyManifest))
	case message.TypeGetID:
		reply(message.Message{message.KeyType: message.TypeGetID, message.KeyID: source.ID()})
	default:
		c.log.Debug("unknown core request",
			zap.String("source", source.String()), zap.String("type", req.Type()))
	}
}

// Registered returns the ids registered through the core, sorted.
func (c *Core) Registered() []string {
	ids := make([]string, 0, len(c.registered))
	for id := range c.registered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Owner returns the endpoint that registered id.
func (c *Core) Owner(id string) (string, bool) {
	owner, ok := c.registered[id]
	return owner, ok
}
