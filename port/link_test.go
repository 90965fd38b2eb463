package port

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/caffeineduck/modhub/message"
)

type fakeTransport struct {
	opened  int
	closed  int
	sent    []message.Envelope
	openErr error
	sendErr error
}

func (f *fakeTransport) Open(*Link) error { f.opened++; return f.openErr }
func (f *fakeTransport) Close()           { f.closed++ }
func (f *fakeTransport) String() string   { return "[Fake]" }

func (f *fakeTransport) Send(flow string, msg message.Message) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, message.Envelope{Flow: flow, Message: msg})
	return nil
}

func setupMsg() message.Message {
	return message.Message{
		message.KeyChannel: "ctl-1",
		message.KeyConfig:  map[string]any{"source": "unit", ConfigModuleContext: false},
	}
}

func TestLinkStartsOnFirstControlChannel(t *testing.T) {
	ft := &fakeTransport{}
	l := NewLink(ft)

	l.OnMessage(message.FlowControl, message.Message{"type": "noise"})
	if ft.opened != 0 {
		t.Fatal("control message without channel must not start the link")
	}

	l.OnMessage(message.FlowControl, setupMsg())
	l.OnMessage(message.FlowControl, setupMsg())
	if ft.opened != 1 {
		t.Fatalf("expected exactly one open, got %d", ft.opened)
	}
	if l.ControlChannel() != "ctl-1" {
		t.Errorf("control channel = %q", l.ControlChannel())
	}
	if l.Config().Str("source") != "unit" {
		t.Errorf("config not merged: %v", l.Config())
	}
}

func TestLinkDefersUntilStarted(t *testing.T) {
	ft := &fakeTransport{}
	l := NewLink(ft)
	l.OnMessage(message.FlowControl, setupMsg())

	l.OnMessage("a", message.Message{"n": 1})
	l.OnMessage("b", message.Message{"n": 2})
	if len(ft.sent) != 0 {
		t.Fatalf("sent %d messages before handshake", len(ft.sent))
	}

	l.Started()
	l.OnMessage("c", message.Message{"n": 3})

	want := []message.Envelope{
		{Flow: "a", Message: message.Message{"n": 1}},
		{Flow: "b", Message: message.Message{"n": 2}},
		{Flow: "c", Message: message.Message{"n": 3}},
	}
	if diff := cmp.Diff(want, ft.sent); diff != "" {
		t.Errorf("unexpected deliveries (-want +got):\n%s", diff)
	}
}

func TestLinkCloseOnControlChannelStops(t *testing.T) {
	ft := &fakeTransport{}
	l := NewLink(ft)
	l.OnMessage(message.FlowControl, setupMsg())
	l.Started()

	l.OnMessage(message.FlowControl, message.Message{"type": "close", "channel": "other"})
	if ft.closed != 0 {
		t.Fatal("close for another channel must be delivered, not stop the link")
	}
	l.OnMessage(message.FlowControl, message.Message{"type": "close", "channel": "ctl-1"})
	if ft.closed != 1 {
		t.Fatalf("expected transport close, got %d", ft.closed)
	}

	l.OnMessage("a", message.Message{})
	if len(ft.sent) != 1 {
		t.Errorf("delivery after stop: sent=%v", ft.sent)
	}
}

func TestLinkReceiveMapsControlFlow(t *testing.T) {
	ft := &fakeTransport{}
	l := NewLink(ft)
	l.OnMessage(message.FlowControl, setupMsg())

	var flows []string
	l.Subscribe(func(flow string, _ message.Message) { flows = append(flows, flow) })

	l.Receive(message.FlowControl, message.Message{})
	l.Receive("data", message.Message{})

	if diff := cmp.Diff([]string{"ctl-1", "data"}, flows); diff != "" {
		t.Errorf("unexpected flows (-want +got):\n%s", diff)
	}

	l.Off()
	l.Receive("data", message.Message{})
	if len(flows) != 2 {
		t.Error("Off did not remove subscription")
	}
}

func TestLinkFaults(t *testing.T) {
	ft := &fakeTransport{openErr: errors.New("spawn failed")}
	l := NewLink(ft)

	var got []error
	l.OnError(func(err error) { got = append(got, err) })
	l.OnMessage(message.FlowControl, setupMsg())

	if len(got) != 1 {
		t.Fatalf("expected one fault, got %v", got)
	}

	ft.openErr = nil
	ft.sendErr = errors.New("pipe closed")
	l.Started()
	l.OnMessage("a", message.Message{})
	if len(got) != 2 || !errors.Is(got[1], ft.sendErr) {
		t.Errorf("expected send fault, got %v", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("fake", func(opts Options) (Port, error) {
		return NewLink(&fakeTransport{}), nil
	})

	if _, err := r.New("fake", Options{Name: "x"}); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := r.New("missing", Options{}); !errors.Is(err, ErrUnknownTransport) {
		t.Errorf("expected ErrUnknownTransport, got %v", err)
	}
	if diff := cmp.Diff([]string{"fake"}, r.List()); diff != "" {
		t.Errorf("List mismatch: %s", diff)
	}
}
