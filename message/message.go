// Package message defines the envelope exchanged between modules, the hub
// and transports, together with the fixed flow names and type vocabulary.
package message

// Message is one routed payload. Keys other than "type" depend on the type.
// A Message must not be mutated once it has been handed to a router or a
// transport; use Clone or With to derive a new one.
type Message map[string]any

// Envelope is the wire form used by transports: a message addressed to a
// flow name or channel id.
type Envelope struct {
	Flow    string  `json:"flow"`
	Message Message `json:"message"`
}

// Reserved flow names.
const (
	FlowControl     = "control"
	FlowDefault     = "default"
	FlowDebug       = "debug"
	FlowCore        = "core"
	FlowModInternal = "ModInternal"
)

// CapabilityPrefix marks permissions and flows that name capability objects.
const CapabilityPrefix = "core."

// Message types.
const (
	TypeSetup                      = "setup"
	TypeCreateLink                 = "createLink"
	TypeClose                      = "close"
	TypeRedirect                   = "Redirect"
	TypeEnvironment                = "Environment Configuration"
	TypeTeardown                   = "Channel Teardown"
	TypeCoreProvider               = "Core Provider"
	TypeReady                      = "ready"
	TypeError                      = "error"
	TypeResolve                    = "resolve"
	TypeResolveResponse            = "resolve.response"
	TypeInitialization             = "Initialization"
	TypeManifest                   = "manifest"
	TypeRequireFailure             = "require.failure"
	TypeConnection                 = "Connection"
	TypeChannelAnnouncement        = "channel announcement"
	TypeDefaultChannelAnnouncement = "default channel announcement"
	TypeMethod                     = "method"
)

// Core request types, carried inside a delegated core message.
const (
	TypeRegister = "register"
	TypeRequire  = "require"
	TypeGetID    = "getId"
)

// Control requests, carried in the "request" key.
const (
	RequestDelegate    = "delegate"
	RequestEnvironment = "environment"
	RequestUnlink      = "unlink"
	RequestLink        = "link"
	RequestCore        = "core"
	RequestClose       = "close"
)

// Common keys.
const (
	KeyType         = "type"
	KeyChannel      = "channel"
	KeyReverse      = "reverse"
	KeyFlow         = "flow"
	KeyTo           = "to"
	KeyName         = "name"
	KeyRequest      = "request"
	KeyConfig       = "config"
	KeyMessage      = "message"
	KeyAPI          = "api"
	KeyID           = "id"
	KeyAppID        = "appId"
	KeyData         = "data"
	KeyError        = "error"
	KeyManifest     = "manifest"
	KeyLineage      = "lineage"
	KeyCore         = "core"
	KeyOverrideDest = "overrideDest"
	KeySeverity     = "severity"
	KeySource       = "source"
	KeyMsg          = "msg"
	KeyReqID        = "reqId"
	KeyArgs         = "args"
	KeyValue        = "value"
)

// Type returns the "type" key, or "" when absent.
func (m Message) Type() string {
	return m.Str(KeyType)
}

// Str returns key as a string, or "" when absent or not a string.
func (m Message) Str(key string) string {
	s, _ := m[key].(string)
	return s
}

// Has reports whether key is present with a non-nil, non-empty value.
func (m Message) Has(key string) bool {
	v, ok := m[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s != ""
	}
	return true
}

// Map returns key as a nested Message when it is one.
func (m Message) Map(key string) (Message, bool) {
	switch v := m[key].(type) {
	case Message:
		return v, true
	case map[string]any:
		return Message(v), true
	}
	return nil, false
}

// With returns a shallow copy of m with key set to value.
func (m Message) With(key string, value any) Message {
	out := make(Message, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[key] = value
	return out
}

// Clone returns a deep copy of m. Nested maps and slices are copied; other
// values are shared.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	return cloneValue(m).(Message)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Message:
		out := make(Message, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	default:
		return v
	}
}
