//go:build wasip1

// Echo guest for transport tests.
// Build with: GOOS=wasip1 GOARCH=wasm go build -o echo.wasm echo.go
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

type envelope struct {
	Flow    string         `json:"flow"`
	Message map[string]any `json:"message"`
}

func frame(v any) {
	data, _ := json.Marshal(v)
	fmt.Fprintf(os.Stderr, "\x00MODHUB:%s\x00", data)
}

func main() {
	frame("Ready For Messages")
	fmt.Fprintln(os.Stderr, "echo guest up")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		var env envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}
		if env.Flow == "control" && env.Message["type"] == "close" {
			return
		}
		env.Message["echo"] = true
		frame(env)
	}
}
