package emitter

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shimaore/esl/internal/testutil/testlog"
)

func TestEmitOrderAndOnce(t *testing.T) {
	testlog.Start(t)
	var e Emitter[int]
	var got []string
	e.On("x", func(v int) { got = append(got, "on1") })
	e.Once("x", func(v int) { got = append(got, "once") })
	e.On("x", func(v int) { got = append(got, "on2") })

	if !e.Emit("x", 1) {
		t.Fatalf("expected handled emission")
	}
	if !e.Emit("x", 2) {
		t.Fatalf("expected handled emission")
	}
	want := []string{"on1", "once", "on2", "on1", "on2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
	if e.Emit("y", 1) {
		t.Fatalf("emission without subscribers reported handled")
	}
}

func TestEmitSnapshotsSubscribers(t *testing.T) {
	testlog.Start(t)
	var e Emitter[string]
	var calls []string
	var second Subscription
	e.On("x", func(string) {
		calls = append(calls, "first")
		e.RemoveListener(second)
		e.On("x", func(string) { calls = append(calls, "late") })
	})
	second = e.On("x", func(string) { calls = append(calls, "second") })

	e.Emit("x", "a")
	if !reflect.DeepEqual(calls, []string{"first", "second"}) {
		t.Fatalf("dispatch not snapshotted: %v", calls)
	}
	calls = nil
	e.Emit("x", "b")
	if !reflect.DeepEqual(calls, []string{"first", "late"}) {
		t.Fatalf("unexpected second dispatch: %v", calls)
	}
}

func TestOnceIsRemovedBeforeReentrantEmit(t *testing.T) {
	testlog.Start(t)
	var e Emitter[int]
	n := 0
	e.Once("x", func(int) {
		n++
		e.Emit("x", 0)
	})
	e.Emit("x", 0)
	if n != 1 {
		t.Fatalf("once handler ran %d times", n)
	}
}

func TestRemoveListenerAndAll(t *testing.T) {
	testlog.Start(t)
	var e Emitter[int]
	sub := e.On("x", func(int) { t.Fatalf("removed handler invoked") })
	e.RemoveListener(sub)
	e.RemoveListener(sub)
	if e.Emit("x", 1) {
		t.Fatalf("expected no subscribers")
	}
	e.On("a", func(int) {})
	e.Once("b", func(int) {})
	e.RemoveAllListeners()
	if e.ListenerCount("a") != 0 || e.ListenerCount("b") != 0 {
		t.Fatalf("listeners left after RemoveAllListeners")
	}
}

func TestAwaitOnce(t *testing.T) {
	testlog.Start(t)
	var e Emitter[string]
	go func() {
		for e.ListenerCount("ready") == 0 {
			time.Sleep(time.Millisecond)
		}
		e.Emit("ready", "go")
	}()
	v, err := e.AwaitOnce(context.Background(), "ready")
	if err != nil || v != "go" {
		t.Fatalf("unexpected result %q %v", v, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := e.AwaitOnce(ctx, "never"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if e.ListenerCount("never") != 0 {
		t.Fatalf("cancelled waiter left registered")
	}
}
