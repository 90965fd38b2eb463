package events

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOnReceivesEveryEmission(t *testing.T) {
	var e Emitter[int]
	var got []int
	e.On("n", func(v int) { got = append(got, v) })

	e.Emit("n", 1)
	e.Emit("n", 2)
	e.Emit("other", 3)

	if diff := cmp.Diff([]int{1, 2}, got); diff != "" {
		t.Errorf("unexpected values (-want +got):\n%s", diff)
	}
}

func TestOnceFiresOnce(t *testing.T) {
	var e Emitter[struct{}]
	calls := 0
	e.Once("start", func(struct{}) { calls++ })

	e.Emit("start", struct{}{})
	e.Emit("start", struct{}{})

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if e.Len("start") != 0 {
		t.Errorf("expected no handlers left, got %d", e.Len("start"))
	}
}

func TestOnceOrderIsRegistrationOrder(t *testing.T) {
	var e Emitter[struct{}]
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		e.Once("start", func(struct{}) { order = append(order, name) })
	}

	e.Emit("start", struct{}{})

	if diff := cmp.Diff([]string{"a", "b", "c"}, order); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestResubscribeDuringEmitWaitsForNextEmission(t *testing.T) {
	var e Emitter[struct{}]
	calls := 0
	var handler func(struct{})
	handler = func(struct{}) {
		calls++
		e.Once("start", handler)
	}
	e.Once("start", handler)

	e.Emit("start", struct{}{})
	if calls != 1 {
		t.Fatalf("expected 1 call after first emit, got %d", calls)
	}
	e.Emit("start", struct{}{})
	if calls != 2 {
		t.Fatalf("expected 2 calls after second emit, got %d", calls)
	}
}

func TestCancel(t *testing.T) {
	var e Emitter[string]
	calls := 0
	cancel := e.On("x", func(string) { calls++ })
	cancel()

	e.Emit("x", "v")
	if calls != 0 {
		t.Errorf("cancelled handler was called %d times", calls)
	}
}

func TestCancelDuringEmitSkipsLaterHandler(t *testing.T) {
	var e Emitter[struct{}]
	var cancelSecond func()
	secondCalled := false
	e.On("x", func(struct{}) { cancelSecond() })
	cancelSecond = e.On("x", func(struct{}) { secondCalled = true })

	e.Emit("x", struct{}{})
	if secondCalled {
		t.Error("handler cancelled mid-emission should not run")
	}
}

func TestOff(t *testing.T) {
	var e Emitter[int]
	e.On("a", func(int) {})
	e.On("b", func(int) {})

	e.Off("a")
	if e.Len("a") != 0 || e.Len("b") != 1 {
		t.Fatalf("Off(a) removed the wrong handlers")
	}
	e.Off("")
	if e.Len("b") != 0 {
		t.Fatal("Off(\"\") should clear everything")
	}
}
