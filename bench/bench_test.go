// Package bench measures message round trips through the runtime.
//
// Benchmarks: go test -bench=. -benchtime=100x ./bench/
package bench

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caffeineduck/modhub/config"
	"github.com/caffeineduck/modhub/hub"
	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/runtime"
)

var manifests = map[string]string{
	"echo.yaml":  "name: echo\napp:\n  script: echo\n",
	"relay.yaml": "name: relay\napp:\n  script: relay\ndependencies:\n  backend:\n    url: echo.yaml\n",
	"store.yaml": "name: store\napp:\n  script: store\npermissions: [core.kv]\n",
}

func writeManifests(b *testing.B) string {
	b.Helper()
	dir := b.TempDir()
	for name, body := range manifests {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			b.Fatal(err)
		}
	}
	return dir
}

type conn struct {
	rt      *runtime.Runtime
	client  *hub.Client
	replies chan message.Message
}

func open(b *testing.B, path string) *conn {
	b.Helper()
	ctx := context.Background()
	rt, err := runtime.New(config.DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	rt.Start(ctx)
	m, err := rt.Load(ctx, path)
	if err != nil {
		rt.Close()
		b.Fatal(err)
	}
	c, err := rt.Connect(ctx, "bench", m)
	if err != nil {
		rt.Close()
		b.Fatal(err)
	}
	replies := make(chan message.Message, 1)
	c.Listen(func(_ string, msg message.Message) { replies <- msg })
	return &conn{rt: rt, client: c, replies: replies}
}

func (c *conn) roundTrip(b *testing.B, msg message.Message) message.Message {
	if err := c.client.Send("bench", msg); err != nil {
		b.Fatal(err)
	}
	select {
	case reply := <-c.replies:
		return reply
	case <-time.After(5 * time.Second):
		b.Fatal("no reply")
		return nil
	}
}

// --- Cold start: new runtime, module start and first reply each time ---

func BenchmarkColdStart(b *testing.B) {
	path := filepath.Join(writeManifests(b), "echo.yaml")
	for i := 0; i < b.N; i++ {
		c := open(b, path)
		c.roundTrip(b, message.Message{"n": i})
		c.rt.Close()
	}
}

// --- Warm: the module is running ---

func BenchmarkEchoRoundTrip(b *testing.B) {
	c := open(b, filepath.Join(writeManifests(b), "echo.yaml"))
	defer c.rt.Close()
	c.roundTrip(b, message.Message{"n": 0})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.roundTrip(b, message.Message{"n": i})
	}
}

func BenchmarkRelayRoundTrip(b *testing.B) {
	c := open(b, filepath.Join(writeManifests(b), "relay.yaml"))
	defer c.rt.Close()
	c.roundTrip(b, message.Message{"n": 0})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.roundTrip(b, message.Message{"n": i})
	}
}

func BenchmarkCapabilityCall(b *testing.B) {
	c := open(b, filepath.Join(writeManifests(b), "store.yaml"))
	defer c.rt.Close()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reply := c.roundTrip(b, message.Message{"op": "set", "key": "k", "value": i})
		if reply["value"] != "ok" {
			b.Fatalf("unexpected reply %v", reply)
		}
	}
}

func TestRoundTripLatency(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping latency report in short mode")
	}
	res := testing.Benchmark(BenchmarkEchoRoundTrip)
	relay := testing.Benchmark(BenchmarkRelayRoundTrip)
	t.Logf("echo round trip:  %v/op", time.Duration(res.NsPerOp()))
	t.Logf("relay round trip: %v/op", time.Duration(relay.NsPerOp()))
	if res.N == 0 || relay.N == 0 {
		t.Fatal("benchmarks did not run")
	}
}
