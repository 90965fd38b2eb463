package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// ErrFrozen is returned when binding a name in a frozen Scope.
var ErrFrozen = errors.New("scope is frozen")

// Allowlist names the only globals a guest unit may see.
var Allowlist = []string{
	"Array", "ArrayBuffer", "Boolean", "DataView", "Date",
	"Error", "Float32Array", "Float64Array", "Infinity",
	"Int16Array", "Int32Array", "Int8Array", "Intl", "JSON",
	"Math", "NaN", "Number", "Object", "Promise", "RangeError",
	"RegExp", "String", "SyntaxError", "URIError", "Uint16Array",
	"Uint32Array", "Uint8Array", "Uint8ClampedArray", "console",
	"decodeURI", "decodeURIComponent", "encodeURI",
	"encodeURIComponent", "escape", "isFinite", "isNaN",
	"parseFloat", "parseInt", "undefined", "unescape",
}

var allowed = func() map[string]bool {
	m := make(map[string]bool, len(Allowlist))
	for _, name := range Allowlist {
		m[name] = true
	}
	return m
}()

// Scope is the frozen global table a guest unit runs against.
type Scope struct {
	vars   map[string]any
	frozen bool
}

// NewScope builds a scope from ambient globals, keeping only allowlisted
// names, and freezes it.
func NewScope(ambient map[string]any) *Scope {
	s := &Scope{vars: make(map[string]any)}
	for name, v := range ambient {
		if allowed[name] {
			s.vars[name] = v
		}
	}
	s.frozen = true
	return s
}

func (s *Scope) Lookup(name string) (any, bool) {
	v, ok := s.vars[name]
	return v, ok
}

func (s *Scope) Set(name string, v any) error {
	if s.frozen {
		return fmt.Errorf("%w: cannot bind %q", ErrFrozen, name)
	}
	s.vars[name] = v
	return nil
}

// Names returns the bound names in sorted order.
func (s *Scope) Names() []string {
	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultGlobals returns the ambient globals available in a unit before the
// sandbox is applied. It includes host facilities that must not survive
// filtering.
func DefaultGlobals(log *zap.Logger) map[string]any {
	if log == nil {
		log = zap.NewNop()
	}
	sugar := log.Sugar()

	g := map[string]any{
		"JSON": JSONCodec{},
		"Math": map[string]any{
			"abs": math.Abs, "floor": math.Floor, "ceil": math.Ceil,
			"max": math.Max, "min": math.Min, "pow": math.Pow,
			"sqrt": math.Sqrt, "PI": math.Pi, "E": math.E,
		},
		"Date":               func() time.Time { return time.Now() },
		"Error":              func(msg string) error { return errors.New(msg) },
		"RangeError":         func(msg string) error { return fmt.Errorf("range error: %s", msg) },
		"SyntaxError":        func(msg string) error { return fmt.Errorf("syntax error: %s", msg) },
		"URIError":           func(msg string) error { return fmt.Errorf("uri error: %s", msg) },
		"String":             func(v any) string { return fmt.Sprint(v) },
		"Number":             func(s string) (float64, error) { return strconv.ParseFloat(s, 64) },
		"Boolean":            func(s string) (bool, error) { return strconv.ParseBool(s) },
		"parseFloat":         func(s string) (float64, error) { return strconv.ParseFloat(s, 64) },
		"parseInt":           func(s string, base int) (int64, error) { return strconv.ParseInt(s, base, 64) },
		"isNaN":              math.IsNaN,
		"isFinite":           func(f float64) bool { return !math.IsInf(f, 0) && !math.IsNaN(f) },
		"NaN":                math.NaN(),
		"Infinity":           math.Inf(1),
		"undefined":          nil,
		"encodeURIComponent": url.QueryEscape,
		"decodeURIComponent": url.QueryUnescape,
		"encodeURI":          url.PathEscape,
		"decodeURI":          url.PathUnescape,
		"escape":             url.QueryEscape,
		"unescape":           url.QueryUnescape,
		"Array":              func(n int) []any { return make([]any, n) },
		"ArrayBuffer":        func(n int) []byte { return make([]byte, n) },
		"DataView":           func(b []byte) []byte { return b },
		"Uint8Array":         func(n int) []uint8 { return make([]uint8, n) },
		"Uint8ClampedArray":  func(n int) []uint8 { return make([]uint8, n) },
		"Uint16Array":        func(n int) []uint16 { return make([]uint16, n) },
		"Uint32Array":        func(n int) []uint32 { return make([]uint32, n) },
		"Int8Array":          func(n int) []int8 { return make([]int8, n) },
		"Int16Array":         func(n int) []int16 { return make([]int16, n) },
		"Int32Array":         func(n int) []int32 { return make([]int32, n) },
		"Float32Array":       func(n int) []float32 { return make([]float32, n) },
		"Float64Array":       func(n int) []float64 { return make([]float64, n) },
		"RegExp":             regexp.Compile,
		"Intl":               map[string]any{"locale": "en-US"},
		"Promise":            func(fn func() (any, error)) <-chan any { return promise(fn) },
		"Object":             func() map[string]any { return map[string]any{} },
		"console": map[string]any{
			"log":   sugar.Infow,
			"info":  sugar.Infow,
			"warn":  sugar.Warnw,
			"error": sugar.Errorw,
			"debug": sugar.Debugw,
		},

		// Host facilities a guest must not reach.
		"env":           os.Getenv,
		"exit":          os.Exit,
		"exec":          exec.Command,
		"readFile":      os.ReadFile,
		"importScripts": func(string) error { return errors.New("importScripts unavailable") },
		"postMessage":   func(any) {},
		"self":          nil,
	}
	return g
}

// promise runs fn on its own goroutine and yields either its value or its
// error on the returned channel.
func promise(fn func() (any, error)) <-chan any {
	ch := make(chan any, 1)
	go func() {
		v, err := fn()
		if err != nil {
			ch <- err
			return
		}
		ch <- v
	}()
	return ch
}

// JSONCodec is the JSON global exposed to guests.
type JSONCodec struct{}

func (JSONCodec) Stringify(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (JSONCodec) Parse(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}
