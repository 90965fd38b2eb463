package wasm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/port"
)

var (
	ErrClosed   = errors.New("wasm runtime closed")
	ErrNoScript = errors.New("manifest has no app.script")
)

// Loader fetches the guest binary named by script, relative to the
// manifest it was declared in.
type Loader func(ctx context.Context, manifestID, script string) ([]byte, error)

// Factory returns a port.Factory producing wasm transports on r.
func (r *Runtime) Factory(load Loader) port.Factory {
	return func(opts port.Options) (port.Port, error) {
		log := opts.Logger
		if log == nil {
			log = r.log
		}
		t := &Transport{
			rt:         r,
			load:       load,
			name:       opts.Name,
			manifestID: opts.ManifestID,
			log:        log,
		}
		if opts.Manifest != nil {
			t.script = opts.Manifest.App.Script
		}
		return port.NewLink(t, port.WithScheduler(opts.Scheduler), port.WithLogger(log)), nil
	}
}

// Transport runs one guest program instance.
type Transport struct {
	rt         *Runtime
	load       Loader
	name       string
	manifestID string
	script     string
	log        *zap.Logger

	cancel context.CancelFunc
	stdin  *io.PipeWriter
	out    *outbox
}

func (t *Transport) Open(l *port.Link) error {
	if t.script == "" {
		if src, ok := l.Config()[port.ConfigSource].(string); ok {
			t.script = src
		}
	}
	if t.script == "" {
		return ErrNoScript
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	stdinReader, stdinWriter := io.Pipe()
	t.stdin = stdinWriter
	t.out = newOutbox(stdinWriter)

	handshake := true
	stderr := &frameWriter{
		onFrame: func(payload string) {
			if handshake {
				handshake = false
				l.Started()
				return
			}
			env, err := decodeEnvelope(payload)
			if err != nil {
				t.log.Warn("invalid guest frame", zap.String("port", t.String()), zap.Error(err))
				return
			}
			l.Receive(env.Flow, env.Message)
		},
		onText: func(text string) {
			t.log.Debug("guest stderr", zap.String("port", t.String()), zap.String("text", strings.TrimRight(text, "\n")))
		},
	}
	stdout := &frameWriter{
		onFrame: func(string) {},
		onText: func(text string) {
			t.log.Debug("guest stdout", zap.String("port", t.String()), zap.String("text", strings.TrimRight(text, "\n")))
		},
	}

	out := t.out
	go func() {
		defer out.close()
		defer stdinReader.Close()
		err := t.run(ctx, stdinReader, stdout, stderr)
		if err != nil && ctx.Err() == nil {
			l.Fail(err)
		}
	}()
	return nil
}

func (t *Transport) run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer) error {
	bin, err := t.load(ctx, t.manifestID, t.script)
	if err != nil {
		return fmt.Errorf("load %s: %w", t.script, err)
	}
	compiled, err := t.rt.compile(ctx, bin)
	if err != nil {
		return err
	}

	cfg := wazero.NewModuleConfig().
		WithStdin(stdin).
		WithStdout(stdout).
		WithStderr(stderr).
		WithArgs(t.name, t.name).
		WithName("")

	mod, err := t.rt.runtime.InstantiateModule(ctx, compiled, cfg)
	if mod != nil {
		mod.Close(context.Background())
	}
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}
	return nil
}

func (t *Transport) Send(flow string, msg message.Message) error {
	if t.out == nil {
		return port.ErrStopped
	}
	data, err := encodeEnvelope(flow, msg)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if !t.out.push(data) {
		return port.ErrStopped
	}
	return nil
}

func (t *Transport) Close() {
	if t.out != nil {
		t.out.close()
	}
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Transport) String() string {
	return "[Wasm " + t.name + "]"
}

// outbox serializes writes to the guest's stdin without blocking the
// caller; the pipe only accepts a write once the guest reads.
type outbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func newOutbox(w io.Writer) *outbox {
	o := &outbox{}
	o.cond = sync.NewCond(&o.mu)
	go o.drain(w)
	return o
}

func (o *outbox) push(data []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.queue = append(o.queue, data)
	o.cond.Signal()
	return true
}

func (o *outbox) drain(w io.Writer) {
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		if o.closed {
			o.mu.Unlock()
			return
		}
		data := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		if _, err := w.Write(data); err != nil {
			return
		}
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.cond.Broadcast()
	o.mu.Unlock()
}
