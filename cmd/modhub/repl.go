package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl <manifest>",
	Short: "Interactive session with a module",
	Long: `Load a module and send it JSON messages interactively. Replies are
printed as they arrive.

Features:
  - Command history (up/down arrows)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)
  - .modules lists the modules currently loaded

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.ExactArgs(1),
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("flow", "main", "Client flow name linked to the module")
	replCmd.Flags().String("history", "", "History file path (default: ~/.modhub_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	flow, _ := cmd.Flags().GetString("flow")
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".modhub_history")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	go func() {
		enc := json.NewEncoder(rl.Stdout())
		for {
			select {
			case env := <-s.replies:
				enc.Encode(env.Message)
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintf(os.Stderr, "modhub session with %s (type 'exit' to quit, Ctrl+D to exit)\n", args[0])

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt("> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}
		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt("> ")
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		case ".modules":
			mods, err := rt.Modules(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				continue
			}
			for _, m := range mods {
				fmt.Fprintf(rl.Stdout(), "%s\t%s\t%s\n", m.ID, m.Name, m.State)
			}
			continue
		}

		msg, err := parseMessage(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			continue
		}
		if err := s.send(msg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}
