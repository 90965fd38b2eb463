package wasm

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	"github.com/caffeineduck/modhub/message"
)

// Frame format written by guests on stderr: \x00MODHUB:{json}\x00
const (
	framePrefix = "\x00MODHUB:"
	frameSuffix = "\x00"
)

// extractFrame pulls the payload of the frame starting at idx. When the
// frame is incomplete it returns ok=false and the unconsumed content.
func extractFrame(content string, idx int) (payload, remaining string, ok bool) {
	start := idx + len(framePrefix)
	end := strings.Index(content[start:], frameSuffix)
	if end == -1 {
		return "", content[idx:], false
	}
	return content[start : start+end], content[start+end+len(frameSuffix):], true
}

// frameWriter is the guest's stderr. It splits the byte stream into frames
// and plain diagnostic output.
type frameWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	onFrame func(payload string)
	onText  func(text string)
}

func (w *frameWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(data)
	for {
		content := w.buf.String()
		idx := strings.Index(content, framePrefix)
		if idx == -1 {
			// Hold back a tail that may be the start of a split prefix.
			cut := len(content)
			if i := strings.LastIndex(content, "\x00"); i != -1 && strings.HasPrefix(framePrefix, content[i:]) {
				cut = i
			}
			w.text(content[:cut])
			w.buf.Reset()
			w.buf.WriteString(content[cut:])
			break
		}

		w.text(content[:idx])
		payload, remaining, ok := extractFrame(content, idx)
		w.buf.Reset()
		w.buf.WriteString(remaining)
		if !ok {
			break
		}
		w.onFrame(payload)
	}
	return len(data), nil
}

func (w *frameWriter) text(s string) {
	if s != "" && w.onText != nil {
		w.onText(s)
	}
}

func decodeEnvelope(payload string) (message.Envelope, error) {
	var env message.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return message.Envelope{}, err
	}
	return env, nil
}

func encodeEnvelope(flow string, msg message.Message) ([]byte, error) {
	data, err := json.Marshal(message.Envelope{Flow: flow, Message: msg})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
