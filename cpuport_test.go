package posk

import (
	"testing"
	"time"
)

func TestPortStartFirstAndYieldTo(t *testing.T) {
	var trace []string
	var port *Port

	descs := []*TaskDescriptor{
		NewTaskDescriptor("a", func(uintptr) {
			trace = append(trace, "a1")
			port.YieldTo(1)
			trace = append(trace, "a2")
			port.Halt()
		}, 0, 256, 0),
		NewTaskDescriptor("b", func(uintptr) {
			trace = append(trace, "b1")
			port.YieldTo(0)
		}, 0, 256, 0),
	}

	pool, err := NewPool(descs)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	port = NewPort(pool, nil, nil)

	done := make(chan struct{})
	go func() {
		port.StartFirst(0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("StartFirst did not return after Halt")
	}

	want := []string{"a1", "b1", "a2"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestPortHaltIsIdempotent(t *testing.T) {
	descs := []*TaskDescriptor{
		NewTaskDescriptor("a", func(uintptr) {}, 0, 256, 0),
	}
	pool, err := NewPool(descs)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	port := NewPort(pool, nil, nil)
	port.Halt()
	port.Halt() // must not panic
	if !port.Halted() {
		t.Fatalf("expected Halted() == true")
	}
}

func TestYieldToDetectsStackOverflow(t *testing.T) {
	var port *Port
	descs := []*TaskDescriptor{
		NewTaskDescriptor("a", func(uintptr) {
			// Corrupt our own guard word, then try to yield away: YieldTo
			// must notice and halt instead of switching.
			pool := port.pool
			cur := pool.At(0)
			cur.desc.Stack[0] ^= 0xFF
			port.YieldTo(1)
		}, 0, 256, 0),
		NewTaskDescriptor("b", func(uintptr) {}, 0, 256, 0),
	}

	pool, err := NewPool(descs)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	port = NewPort(pool, nil, nil)

	done := make(chan struct{})
	go func() {
		port.StartFirst(0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Halt from detected stack overflow")
	}
	if !port.Halted() {
		t.Fatalf("expected port to be halted after overflow detection")
	}
}
