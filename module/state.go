package module

import "sort"

// State is the lifecycle position of a Module. Failure is tracked
// separately because a failed module keeps its lifecycle position: it still
// replays deferred traffic and services bound flows.
type State int

const (
	// Created modules wait for the hub's setup handshake.
	Created State = iota
	// AwaitingPort modules have a control channel but no Port yet.
	AwaitingPort
	// Starting modules have a Port and wait for the internal environment's
	// ready signal.
	Starting
	Running
	// Stopped is terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case AwaitingPort:
		return "awaiting-port"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// binding is the state of one flow name on one side. An absent entry means
// unbound; a present entry with no channel means pending.
type binding struct {
	channel string
}

func (b binding) bound() bool { return b.channel != "" }

type flowMap map[string]binding

func (f flowMap) has(name string) bool {
	_, ok := f[name]
	return ok
}

// pending reports whether name is expected but not yet bound.
func (f flowMap) pending(name string) bool {
	b, ok := f[name]
	return ok && !b.bound()
}

func (f flowMap) channel(name string) (string, bool) {
	b, ok := f[name]
	if !ok || !b.bound() {
		return "", false
	}
	return b.channel, true
}

func (f flowMap) expect(name string) {
	f[name] = binding{}
}

func (f flowMap) bind(name, channel string) {
	f[name] = binding{channel: channel}
}

// namesFor returns every name bound to channel, sorted.
func (f flowMap) namesFor(channel string) []string {
	var names []string
	for name, b := range f {
		if b.bound() && b.channel == channel {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
