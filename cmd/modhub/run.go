package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caffeineduck/modhub/hub"
	"github.com/caffeineduck/modhub/message"
	"github.com/caffeineduck/modhub/runtime"
)

var runCmd = &cobra.Command{
	Use:   "run <manifest>",
	Short: "Load a module and exchange messages with it",
	Long: `Load the module a manifest describes, link a client to its default flow
and send it JSON messages.

Messages can be provided via:
  - Inline flag: modhub run echo.yaml -m '{"text":"hi"}'
  - Stdin, one JSON object per line: cat msgs.jsonl | modhub run echo.yaml

Each reply is printed as one JSON line.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("message", "m", "", "JSON message to send")
	runCmd.Flags().String("flow", "main", "Client flow name linked to the module")
	runCmd.Flags().Duration("timeout", 5*time.Second, "How long to wait for each reply")
	rootCmd.AddCommand(runCmd)
}

const replyBuffer = 64

// session is a client linked to one root module with its replies queued.
// exchange pairs one request with one reply at a time.
type session struct {
	rt      *runtime.Runtime
	log     *zap.Logger
	client  *hub.Client
	flow    string
	replies chan message.Envelope
	mu      sync.Mutex
}

func openSession(ctx context.Context, rt *runtime.Runtime, log *zap.Logger, ref, flow string) (*session, error) {
	m, err := rt.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	c, err := rt.Connect(ctx, flow, m)
	if err != nil {
		if relErr := rt.Release(context.WithoutCancel(ctx), m); relErr != nil {
			log.Warn("failed to release module", zap.String("module", m.String()), zap.Error(relErr))
		}
		return nil, err
	}
	s := &session{rt: rt, log: log, client: c, flow: flow, replies: make(chan message.Envelope, replyBuffer)}
	c.Listen(func(flow string, msg message.Message) {
		select {
		case s.replies <- message.Envelope{Flow: flow, Message: msg}:
		default:
			s.log.Warn("reply buffer full, dropping reply", zap.String("flow", flow), zap.String("type", msg.Type()))
		}
	})
	return s, nil
}

func (s *session) send(msg message.Message) error {
	return s.client.Send(s.flow, msg)
}

// exchange sends msg and waits for the next reply. Replies left over from
// earlier requests, such as ones that arrived after their timeout, are
// discarded first.
func (s *session) exchange(msg message.Message, timeout time.Duration) (message.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardStale()
	if err := s.send(msg); err != nil {
		return message.Envelope{}, err
	}
	return s.await(timeout)
}

func (s *session) discardStale() {
	for {
		select {
		case env := <-s.replies:
			s.log.Warn("discarding stale reply", zap.String("flow", env.Flow), zap.String("type", env.Message.Type()))
		default:
			return
		}
	}
}

func (s *session) await(timeout time.Duration) (message.Envelope, error) {
	select {
	case env := <-s.replies:
		return env, nil
	case <-time.After(timeout):
		return message.Envelope{}, fmt.Errorf("%w within %s", errNoReply, timeout)
	}
}

func (s *session) close(ctx context.Context) error {
	return s.rt.Release(ctx, s.client)
}

var errNoReply = errors.New("no reply")

func parseMessage(line string) (message.Message, error) {
	var msg message.Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, fmt.Errorf("invalid message %q: %w", line, err)
	}
	if msg == nil {
		return nil, fmt.Errorf("invalid message %q: not a JSON object", line)
	}
	return msg, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	inline, _ := cmd.Flags().GetString("message")
	flow, _ := cmd.Flags().GetString("flow")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	var in io.Reader
	if inline != "" {
		in = strings.NewReader(inline)
	} else {
		in = cmd.InOrStdin()
		if f, ok := in.(*os.File); ok {
			// No piped input, show help
			if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
				return cmd.Help()
			}
		}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, log, err := startRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	s, err := openSession(ctx, rt, log, args[0], flow)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	out := json.NewEncoder(cmd.OutOrStdout())
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, err := parseMessage(line)
		if err != nil {
			return err
		}
		reply, err := s.exchange(msg, timeout)
		if err != nil {
			return err
		}
		if err := out.Encode(reply.Message); err != nil {
			return err
		}
	}
	return scanner.Err()
}
