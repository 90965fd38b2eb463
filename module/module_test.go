package module

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/caffeineduck/modhub/loop"
	"github.com/caffeineduck/modhub/manifest"
	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/port"
)

func TestSetupHandshake(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
	h.setup()

	if got := h.m.State(); got != Starting {
		t.Fatalf("state = %v, want starting", got)
	}
	ctl := h.sentTo("ctl")
	if len(ctl) == 0 || ctl[0].Type() != message.TypeCoreProvider || ctl[0].Str(message.KeyRequest) != message.RequestCore {
		t.Fatalf("expected Core Provider request first, got %v", ctl)
	}

	control := h.port.on(message.FlowControl)
	if len(control) != 4 {
		t.Fatalf("port got %d control messages, want 4", len(control))
	}
	if control[0].Str(message.KeyChannel) != message.FlowControl {
		t.Errorf("first control message = %v", control[0])
	}
	if cfg, _ := control[0].Map(message.KeyConfig); cfg.Str(port.ConfigPortType) != "fake" {
		t.Errorf("config not forwarded: %v", control[0])
	}
	for i, flow := range []string{message.FlowDebug, message.FlowCore} {
		if control[i+1].Str(message.KeyRequest) != message.RequestDelegate || control[i+1].Str(message.KeyFlow) != flow {
			t.Errorf("control[%d] = %v, want delegate of %s", i+1, control[i+1], flow)
		}
	}
	if control[3].Str(message.KeyRequest) != message.RequestEnvironment || control[3].Str(message.KeyName) != message.FlowModInternal {
		t.Errorf("control[3] = %v, want environment request", control[3])
	}

	h.setup()
	if h.ports != 1 {
		t.Errorf("created %d ports, want 1", h.ports)
	}
}

func TestInitialization(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
	h.setup()
	h.environment()

	mi := h.port.on("mi")
	if len(mi) != 1 {
		t.Fatalf("got %d messages on the internal environment channel, want 1", len(mi))
	}
	first := mi[0]
	if first.Type() != message.TypeInitialization {
		t.Fatalf("type = %q", first.Type())
	}
	if first.Str(message.KeyID) != h.m.ManifestID() || first.Str(message.KeyAppID) != h.m.ID() {
		t.Errorf("ids = %v / %v", first[message.KeyID], first[message.KeyAppID])
	}
	if first.Str(message.KeyChannel) != message.FlowModInternal {
		t.Errorf("channel = %v", first[message.KeyChannel])
	}
	if diff := cmp.Diff([]string{h.m.ManifestID()}, first[message.KeyLineage]); diff != "" {
		t.Errorf("lineage mismatch (-want +got):\n%s", diff)
	}

	h.environment()
	if n := len(h.port.on("mi")); n != 1 {
		t.Errorf("repeated environment announcement re-initialized: %d messages", n)
	}
}

func TestFIFOBuffering(t *testing.T) {
	tests := []struct {
		name      string
		bindFirst bool
	}{
		{name: "internal bound before ready", bindFirst: true},
		{name: "internal bound after ready", bindFirst: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
			h.setup()
			h.link(message.FlowDefault, "c-peer")
			h.environment()

			for i := 1; i <= 3; i++ {
				h.m.OnMessage(message.FlowDefault, data(i))
			}
			if got := h.port.on("in-default"); len(got) != 0 {
				t.Fatalf("delivered before start: %v", got)
			}

			if tt.bindFirst {
				h.bindInternal(message.FlowDefault, "in-default")
				h.ready()
			} else {
				h.ready()
				if got := h.port.on("in-default"); len(got) != 0 {
					t.Fatalf("delivered before internal binding: %v", got)
				}
				h.bindInternal(message.FlowDefault, "in-default")
			}

			want := []message.Message{data(1), data(2), data(3)}
			if diff := cmp.Diff(want, h.port.on("in-default")); diff != "" {
				t.Errorf("delivery mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOutboundBuffering(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
	h.run()

	h.port.emit(message.FlowDefault, data(1))
	h.port.emit(message.FlowDefault, data(2))
	if len(h.m.pending[message.FlowDefault]) != 2 {
		t.Fatalf("pending = %v", h.m.pending)
	}

	h.link(message.FlowDefault, "c-peer")
	got := h.sentTo("c-peer")
	if len(got) != 3 || got[0].Type() != message.TypeDefaultChannelAnnouncement {
		t.Fatalf("expected announcement then data, got %v", got)
	}
	if got[0].Str(message.KeyChannel) != "rev-c-peer" {
		t.Errorf("announcement channel = %v", got[0][message.KeyChannel])
	}
	if diff := cmp.Diff([]message.Message{data(1), data(2)}, got[1:]); diff != "" {
		t.Errorf("drain mismatch (-want +got):\n%s", diff)
	}
	if _, ok := h.m.pending[message.FlowDefault]; ok {
		t.Error("buffer not emptied after drain")
	}

	h.port.emit(message.FlowDefault, data(3))
	if got := h.sentTo("c-peer"); len(got) != 4 || !cmp.Equal(got[3], data(3)) {
		t.Errorf("bound flow not forwarded directly: %v", got)
	}
}

func TestAtMostOneStart(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
	h.setup()
	h.link(message.FlowDefault, "c-peer")
	h.environment()
	h.bindInternal(message.FlowDefault, "in-default")
	h.m.OnMessage(message.FlowDefault, data(1))

	h.ready()
	h.ready()

	if h.m.State() != Running {
		t.Fatalf("state = %v", h.m.State())
	}
	if diff := cmp.Diff([]message.Message{data(1)}, h.port.on("in-default")); diff != "" {
		t.Errorf("replay mismatch (-want +got):\n%s", diff)
	}
}

func TestIdleShutdown(t *testing.T) {
	tests := []struct {
		name        string
		deregister  string
		wantStopped bool
	}{
		{name: "last non-dependant flow", deregister: "cA", wantStopped: true},
		{name: "dependant flow only", deregister: "cKV", wantStopped: false},
		{name: "unknown channel", deregister: "nope", wantStopped: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mf := &manifest.Manifest{Name: "X", Permissions: []string{"core.kv"}}
			h := newHarness(t, mf, Host{Capabilities: fakeCapabilities{}})
			h.run()
			h.link("A", "cA")
			h.link("core.kv", "cKV")

			closed := 0
			h.m.OnClose(func() { closed++ })

			h.m.OnMessage(message.FlowControl, message.Message{
				message.KeyType:    message.TypeClose,
				message.KeyChannel: tt.deregister,
			})

			if stopped := h.m.State() == Stopped; stopped != tt.wantStopped {
				t.Fatalf("stopped = %v, want %v", stopped, tt.wantStopped)
			}
			if h.port.stopped != tt.wantStopped {
				t.Errorf("port stopped = %v", h.port.stopped)
			}
			if tt.wantStopped && closed != 1 {
				t.Errorf("OnClose ran %d times", closed)
			}
		})
	}
}

func TestCapabilityLinks(t *testing.T) {
	mf := &manifest.Manifest{Name: "X", Permissions: []string{"core.kv", "storage", "core.missing"}}
	h := newHarness(t, mf, Host{Capabilities: fakeCapabilities{}})
	h.setup()

	var links []message.Message
	for _, msg := range h.sentTo("ctl") {
		if msg.Str(message.KeyRequest) == message.RequestLink {
			links = append(links, msg)
		}
	}
	if len(links) != 1 {
		t.Fatalf("got %d link requests, want 1: %v", len(links), links)
	}
	if links[0].Str(message.KeyName) != "core.kv" {
		t.Errorf("link name = %v", links[0][message.KeyName])
	}
	if ep, ok := links[0][message.KeyTo].(port.Endpoint); !ok || ep.ID() != "core.kv."+h.m.ID() {
		t.Errorf("link target = %v", links[0][message.KeyTo])
	}
	if !h.m.dependants["core.kv"] {
		t.Error("capability flow should be a dependant channel")
	}
}

func TestShortCircuitAfterFailure(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
	h.run()
	h.link(message.FlowDefault, "c-peer")

	h.port.fail(errors.New("unit crashed"))
	if !h.m.Failed() {
		t.Fatal("module should be failed")
	}
	ctl := h.sentTo("ctl")
	if last := ctl[len(ctl)-1]; last.Str(message.KeyRequest) != message.RequestClose {
		t.Errorf("expected close request, got %v", last)
	}

	h.m.OnMessage(message.FlowDefault, message.Message{message.KeyTo: "svc", "n": 1})
	if got := h.port.on("in-default"); len(got) != 0 {
		t.Errorf("addressed message forwarded after failure: %v", got)
	}
	peer := h.sentTo("c-peer")
	if last := peer[len(peer)-1]; last.Type() != message.TypeError {
		t.Errorf("expected error reply, got %v", last)
	}

	h.m.OnMessage(message.FlowDefault, data(2))
	if diff := cmp.Diff([]message.Message{data(2)}, h.port.on("in-default")); diff != "" {
		t.Errorf("bound flow not serviced (-want +got):\n%s", diff)
	}
}

func TestErrorSignalReplaysDeferred(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
	h.setup()
	h.link(message.FlowDefault, "c-peer")
	h.environment()

	h.m.OnMessage(message.FlowDefault, message.Message{message.KeyTo: "svc"})
	h.port.emit(message.FlowModInternal, message.Message{message.KeyType: message.TypeError})

	peer := h.sentTo("c-peer")
	if last := peer[len(peer)-1]; last.Type() != message.TypeError {
		t.Errorf("deferred addressed message not answered: %v", peer)
	}
	if h.m.State() == Running {
		t.Error("error signal must not start the module")
	}
}

func TestTeardownSymmetry(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
	h.run()
	h.link("A", "cA")
	h.link("F", "cF")
	h.bindInternal("F", "in-F")

	h.port.emit(message.FlowControl, message.Message{
		message.KeyType:    message.TypeClose,
		message.KeyChannel: "in-F",
	})

	var unlinks []message.Message
	for _, msg := range h.sentTo("ctl") {
		if msg.Str(message.KeyRequest) == message.RequestUnlink {
			unlinks = append(unlinks, msg)
		}
	}
	if len(unlinks) != 1 || unlinks[0].Str(message.KeyTo) != "cF" {
		t.Fatalf("unlinks = %v, want exactly one for cF", unlinks)
	}
	if h.m.external.has("F") || h.m.internal.has("F") {
		t.Error("F still mapped after teardown")
	}
	if h.m.State() != Running {
		t.Errorf("state = %v, A should keep the module alive", h.m.State())
	}
}

func TestExternalCloseTellsPort(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
	h.run()
	h.link("A", "cA")
	h.link("F", "cF")
	h.bindInternal("F", "in-F")

	h.m.OnMessage(message.FlowControl, message.Message{
		message.KeyType:    message.TypeClose,
		message.KeyChannel: "cF",
	})

	control := h.port.on(message.FlowControl)
	last := control[len(control)-1]
	if last.Type() != message.TypeClose || last.Str(message.KeyChannel) != "in-F" {
		t.Errorf("port told %v, want close of in-F", last)
	}
	if h.m.external.has("F") || h.m.internal.has("F") {
		t.Error("F still mapped after teardown")
	}
}

func TestLegacyDefault(t *testing.T) {
	for _, bindFirst := range []bool{true, false} {
		h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
		h.setup()
		h.environment()
		if bindFirst {
			h.bindInternal(message.FlowDefault, "in-default")
		}

		h.m.OnMessage("X.peer", message.Message{
			message.KeyType:    message.TypeDefaultChannelAnnouncement,
			message.KeyChannel: "cx",
		})
		if ch, _ := h.m.external.channel(message.FlowDefault); ch != "cx" {
			t.Errorf("bindFirst=%v: external default = %q, want cx", bindFirst, ch)
		}

		if !bindFirst {
			h.bindInternal(message.FlowDefault, "in-default")
		}
		h.ready()
		h.m.OnMessage("X.peer", data(1))

		if diff := cmp.Diff([]message.Message{data(1)}, h.port.on("in-default")); diff != "" {
			t.Errorf("bindFirst=%v: aliased delivery mismatch (-want +got):\n%s", bindFirst, diff)
		}
	}
}

func TestProviderConnection(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "svc", Provides: []string{"svc"}}, Host{})
	h.setup()

	h.m.OnMessage("peer.1", message.Message{
		message.KeyType:    message.TypeDefaultChannelAnnouncement,
		message.KeyChannel: "cp",
		message.KeyAPI:     "svc",
	})
	if got := h.port.on("mi"); len(got) != 0 {
		t.Fatalf("connection sent before environment exists: %v", got)
	}

	h.environment()
	mi := h.port.on("mi")
	if len(mi) != 2 {
		t.Fatalf("got %v, want initialization then connection", mi)
	}
	conn := mi[1]
	if conn.Type() != message.TypeConnection || conn.Str(message.KeyChannel) != "peer.1" || conn.Str(message.KeyAPI) != "svc" {
		t.Errorf("connection = %v", conn)
	}
	if _, bound := h.m.external.channel(message.FlowDefault); bound {
		t.Error("providers must not alias default")
	}

	h.m.OnMessage("peer.2", message.Message{message.KeyChannel: "cp2"})
	if mi := h.port.on("mi"); len(mi) != 3 || mi[2].Str(message.KeyChannel) != "peer.2" {
		t.Errorf("second connection not introduced directly: %v", mi)
	}
}

func TestStopIsTerminal(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
	h.run()
	closed := 0
	h.m.OnClose(func() { closed++ })

	h.m.OnMessage(message.FlowControl, message.Message{message.KeyType: message.TypeClose})
	h.m.OnMessage(message.FlowControl, message.Message{message.KeyType: message.TypeClose})

	if h.m.State() != Stopped || !h.port.stopped || closed != 1 {
		t.Fatalf("state=%v port stopped=%v closed=%d", h.m.State(), h.port.stopped, closed)
	}
	control := h.port.on(message.FlowControl)
	if last := control[len(control)-1]; last.Type() != message.TypeClose || last.Str(message.KeyChannel) != message.FlowControl {
		t.Errorf("port not told to close: %v", last)
	}

	before := len(h.port.sent)
	h.m.OnMessage(message.FlowDefault, data(1))
	if len(h.port.sent) != before {
		t.Error("stopped module forwarded a message")
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
	h.setup()
	h.m.OnMessage(message.FlowControl, message.Message{message.KeyType: message.TypeClose})
	if h.m.State() != Starting || h.port.stopped {
		t.Errorf("state=%v port stopped=%v", h.m.State(), h.port.stopped)
	}
}

type recordingDebug struct {
	mu     sync.Mutex
	format []string
}

func (d *recordingDebug) Format(severity, source, msg string) {
	d.mu.Lock()
	d.format = append(d.format, severity+"|"+source+"|"+msg)
	d.mu.Unlock()
}
func (d *recordingDebug) Debug(string, ...any) {}
func (d *recordingDebug) Warn(string, ...any)  {}
func (d *recordingDebug) Error(string, ...any) {}

func TestDebugForwarding(t *testing.T) {
	dbg := &recordingDebug{}
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{Debug: dbg})
	h.setup()

	h.port.emit(message.FlowControl, message.Message{
		message.KeyFlow:    message.FlowDebug,
		message.KeyMessage: map[string]any{"severity": "warn", "msg": "hello"},
	})
	h.port.emit(message.FlowControl, message.Message{
		message.KeyFlow:    message.FlowDebug,
		message.KeyMessage: map[string]any{"severity": "log", "source": "component", "msg": "hi"},
	})

	want := []string{"warn|[Module X]|hello", "log|component|hi"}
	if diff := cmp.Diff(want, dbg.format); diff != "" {
		t.Errorf("format mismatch (-want +got):\n%s", diff)
	}
}

type fakeCore struct {
	requests []message.Message
	sources  []port.Endpoint
}

func (c *fakeCore) OnMessage(source port.Endpoint, req message.Message, reply func(message.Message)) {
	c.requests = append(c.requests, req)
	c.sources = append(c.sources, source)
	reply(message.Message{message.KeyType: req.Type(), message.KeyID: source.ID()})
}

func TestCoreRequestsWaitForCore(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
	h.run()

	h.port.emit(message.FlowControl, message.Message{
		message.KeyFlow:    message.FlowCore,
		message.KeyMessage: map[string]any{"type": message.TypeRegister, "id": "svc-1"},
	})

	core := &fakeCore{}
	h.m.OnMessage(message.FlowControl, message.Message{message.KeyCore: core})

	if len(core.requests) != 1 || core.requests[0].Type() != message.TypeRegister {
		t.Fatalf("core saw %v", core.requests)
	}
	if core.sources[0] != port.Endpoint(h.m) {
		t.Error("core request source is not the module")
	}
	if !h.m.external.pending("svc-1") {
		t.Error("registered id should be pending on the external side")
	}
	control := h.port.on(message.FlowControl)
	if last := control[len(control)-1]; last.Str(message.KeyID) != h.m.ID() {
		t.Errorf("reply not delivered to port: %v", last)
	}
}

type testLoop struct {
	t  *testing.T
	lp *loop.Loop
}

func newTestLoop(t *testing.T) *testLoop {
	lp := loop.New()
	go lp.Run(context.Background())
	t.Cleanup(lp.Close)
	return &testLoop{t: t, lp: lp}
}

func (l *testLoop) do(fn func()) {
	l.t.Helper()
	if err := l.lp.Do(context.Background(), fn); err != nil {
		l.t.Fatalf("loop: %v", err)
	}
}

func (l *testLoop) eventually(cond func() bool) {
	l.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		l.do(func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	l.t.Fatal("condition not reached")
}

// startOn runs the handshake on the loop; run's Fatalf must not be called
// off the test goroutine.
func startOn(l *testLoop, h *harness) {
	l.t.Helper()
	l.do(func() {
		h.setup()
		h.environment()
		h.bindInternal(message.FlowDefault, "in-default")
		h.ready()
	})
	var state State
	l.do(func() { state = h.m.State() })
	if state != Running {
		l.t.Fatalf("state = %v, want running", state)
	}
}

func TestDependencyEndToEnd(t *testing.T) {
	l := newTestLoop(t)
	pol := &fakePolicy{}
	host := Host{Scheduler: l.lp, Resource: fakeResource{}, Policy: pol, ResolveTimeout: time.Second}
	pol.host = host

	mf := &manifest.Manifest{Name: "X", Dependencies: map[string]manifest.Dependency{"Y": {URL: "y.manifest"}}}
	h := newHarness(t, mf, host)
	startOn(l, h)

	payload := message.Message{"method": "ping", "args": []any{1, "two"}}
	l.do(func() { h.port.emit("Y", payload) })

	var link message.Message
	l.eventually(func() bool {
		for _, msg := range h.sentTo("ctl") {
			if msg.Str(message.KeyRequest) == message.RequestLink {
				link = msg
				return true
			}
		}
		return false
	})

	if link.Str(message.KeyName) != "Y" || link.Str(message.KeyOverrideDest) != "Y."+h.m.ID() {
		t.Errorf("link = %v", link)
	}
	dep, ok := link[message.KeyTo].(*Module)
	if !ok || dep.ManifestID() != "file:///mods/y.manifest" {
		t.Fatalf("link target = %v", link[message.KeyTo])
	}
	if diff := cmp.Diff([]string{"file:///mods/y.manifest", h.m.ManifestID()}, dep.Lineage()); diff != "" {
		t.Errorf("dependency lineage (-want +got):\n%s", diff)
	}

	l.do(func() {
		if !h.m.dependants["Y"] {
			t.Error("Y should be a dependant channel")
		}
		if n := len(h.m.pending["Y"]); n != 1 {
			t.Errorf("buffer for Y holds %d messages, want 1", n)
		}
		h.link("Y", "cY")
	})

	got := h.sentTo("cY")
	if len(got) != 2 {
		t.Fatalf("sent to Y: %v", got)
	}
	if diff := cmp.Diff(payload, got[1]); diff != "" {
		t.Errorf("payload changed in transit (-want +got):\n%s", diff)
	}
	l.do(func() {
		if _, ok := h.m.pending["Y"]; ok {
			t.Error("buffer for Y not emptied")
		}
	})

	l.eventually(func() bool {
		for _, msg := range h.port.on("mi") {
			if msg.Type() == message.TypeManifest && msg.Str(message.KeyName) == "Y" {
				return true
			}
		}
		return false
	})
}

func TestRequireFailure(t *testing.T) {
	l := newTestLoop(t)
	host := Host{Scheduler: l.lp, Resource: fakeResource{}, Policy: &fakePolicy{}}
	mf := &manifest.Manifest{Name: "X", Dependencies: map[string]manifest.Dependency{"Z": {URL: "broken.json"}}}
	h := newHarness(t, mf, host)
	startOn(l, h)

	l.do(func() { h.port.emit("Z", data(1)) })

	l.eventually(func() bool {
		for _, msg := range h.port.on("mi") {
			if msg.Type() == message.TypeRequireFailure {
				return msg.Str(message.KeyID) == "Z" && msg.Str(message.KeyError) != ""
			}
		}
		return false
	})
}

func TestRequireTwiceLoadsOnce(t *testing.T) {
	l := newTestLoop(t)
	pol := &fakePolicy{}
	host := Host{Scheduler: l.lp, Resource: fakeResource{}, Policy: pol}
	pol.host = host
	mf := &manifest.Manifest{Name: "X", Dependencies: map[string]manifest.Dependency{"Y": {URL: "y.json"}}}
	h := newHarness(t, mf, host)
	startOn(l, h)

	l.do(func() {
		h.port.emit("Y", data(1))
		h.m.Require("Y", "y.json")
	})
	l.eventually(func() bool {
		for _, msg := range h.sentTo("ctl") {
			if msg.Str(message.KeyRequest) == message.RequestLink && msg.Str(message.KeyName) == "Y" {
				return true
			}
		}
		return false
	})
	l.do(func() { h.m.Require("Y", "y.json") })

	links := 0
	l.do(func() {
		for _, msg := range h.sentTo("ctl") {
			if msg.Str(message.KeyRequest) == message.RequestLink && msg.Str(message.KeyName) == "Y" {
				links++
			}
		}
	})
	if links != 1 {
		t.Errorf("link requests for Y = %d, want 1", links)
	}
	pol.mu.Lock()
	defer pol.mu.Unlock()
	if diff := cmp.Diff([]string{"file:///mods/y.json"}, pol.requested); diff != "" {
		t.Errorf("policy requests (-want +got):\n%s", diff)
	}
}

func TestRequireRetriesAfterFailure(t *testing.T) {
	l := newTestLoop(t)
	host := Host{Scheduler: l.lp, Resource: fakeResource{}, Policy: &fakePolicy{}}
	h := newHarness(t, &manifest.Manifest{Name: "X"}, host)
	startOn(l, h)

	failures := func() int {
		n := 0
		for _, msg := range h.port.on("mi") {
			if msg.Type() == message.TypeRequireFailure {
				n++
			}
		}
		return n
	}
	l.do(func() { h.m.Require("Z", "broken.json") })
	l.eventually(func() bool { return failures() == 1 })
	l.do(func() { h.m.Require("Z", "broken.json") })
	l.eventually(func() bool { return failures() == 2 })
}

func TestRelinkTearsDownPreviousChannel(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
	h.run()
	h.link("Y", "c1")
	h.link("Y", "c2")

	if ch, _ := h.m.external.channel("Y"); ch != "c2" {
		t.Errorf("Y bound to %q, want c2", ch)
	}
	var unlinks []string
	for _, msg := range h.sentTo("ctl") {
		if msg.Str(message.KeyRequest) == message.RequestUnlink {
			unlinks = append(unlinks, msg.Str(message.KeyTo))
		}
	}
	if diff := cmp.Diff([]string{"c1"}, unlinks); diff != "" {
		t.Errorf("unlink requests (-want +got):\n%s", diff)
	}

	h.link("Y", "c2")
	for _, msg := range h.sentTo("ctl") {
		if msg.Str(message.KeyRequest) == message.RequestUnlink && msg.Str(message.KeyTo) == "c2" {
			t.Error("relinking the same channel should not unlink it")
		}
	}
}

func TestStopAfterStartupFailure(t *testing.T) {
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{})
	h.setup()
	h.environment()
	h.port.emit(message.FlowModInternal, message.Message{
		message.KeyType:  message.TypeError,
		message.KeyError: "unknown component",
	})
	if !h.m.Failed() || h.m.State() != Starting {
		t.Fatalf("failed=%v state=%v", h.m.Failed(), h.m.State())
	}
	closed := 0
	h.m.OnClose(func() { closed++ })

	h.m.OnMessage(message.FlowControl, message.Message{message.KeyType: message.TypeClose})
	if h.m.State() != Stopped || !h.port.stopped || closed != 1 {
		t.Errorf("state=%v port stopped=%v closed=%d", h.m.State(), h.port.stopped, closed)
	}
}

// stalledResource never resolves before its context ends.
type stalledResource struct{}

func (stalledResource) Resolve(ctx context.Context, _, _ string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestRequireTimesOut(t *testing.T) {
	l := newTestLoop(t)
	host := Host{Scheduler: l.lp, Resource: stalledResource{}, Policy: &fakePolicy{}, ResolveTimeout: 20 * time.Millisecond}
	mf := &manifest.Manifest{Name: "X", Dependencies: map[string]manifest.Dependency{"Z": {URL: "slow.json"}}}
	h := newHarness(t, mf, host)
	startOn(l, h)

	l.do(func() { h.port.emit("Z", data(1)) })

	l.eventually(func() bool {
		for _, msg := range h.port.on("mi") {
			if msg.Type() == message.TypeRequireFailure {
				return msg.Str(message.KeyID) == "Z" && strings.Contains(msg.Str(message.KeyError), "deadline")
			}
		}
		return false
	})
}

func TestRequireAtRuntime(t *testing.T) {
	l := newTestLoop(t)
	pol := &fakePolicy{}
	host := Host{Scheduler: l.lp, Resource: fakeResource{}, Policy: pol}
	pol.host = host
	h := newHarness(t, &manifest.Manifest{Name: "X"}, host)
	startOn(l, h)

	l.do(func() { h.m.Require("late", "late.json") })
	l.eventually(func() bool {
		for _, msg := range h.sentTo("ctl") {
			if msg.Str(message.KeyRequest) == message.RequestLink && msg.Str(message.KeyName) == "late" {
				return true
			}
		}
		return false
	})
}

func TestResolveRequest(t *testing.T) {
	l := newTestLoop(t)
	h := newHarness(t, &manifest.Manifest{Name: "X"}, Host{Scheduler: l.lp, Resource: fakeResource{}})
	startOn(l, h)

	l.do(func() {
		h.port.emit(message.FlowModInternal, message.Message{
			message.KeyType: message.TypeResolve,
			message.KeyID:   7,
			message.KeyData: "icon.png",
		})
	})
	l.eventually(func() bool {
		for _, msg := range h.port.on("mi") {
			if msg.Type() == message.TypeResolveResponse {
				return msg[message.KeyID] == 7 && msg.Str(message.KeyData) == "file:///mods/icon.png"
			}
		}
		return false
	})
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		Created: "created", AwaitingPort: "awaiting-port", Starting: "starting",
		Running: "running", Stopped: "stopped", State(42): "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
