package posk

import (
	"testing"
	"unsafe"
)

func TestTCBTopOfStackAtOffsetZero(t *testing.T) {
	if off := unsafe.Offsetof(TCB{}.topOfStack); off != 0 {
		t.Fatalf("topOfStack must be at offset 0, got %d", off)
	}
}

func TestNewPoolAssignsDistinctStacks(t *testing.T) {
	descs := []*TaskDescriptor{
		NewTaskDescriptor("a", func(uintptr) {}, 0, 256, 0),
		NewTaskDescriptor("b", func(uintptr) {}, 0, 256, 0),
	}
	pool, err := NewPool(descs)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if pool.Len() != 2 {
		t.Fatalf("expected 2 tasks, got %d", pool.Len())
	}
	a, b := pool.At(0), pool.At(1)
	if a.topOfStack == b.topOfStack {
		t.Fatalf("distinct tasks must not share a top-of-stack address")
	}
	if a.State() != TaskStateNew || b.State() != TaskStateNew {
		t.Fatalf("freshly built TCBs must start in TaskStateNew")
	}
}

func TestPoolCurrentStartsUnset(t *testing.T) {
	descs := []*TaskDescriptor{NewTaskDescriptor("a", func(uintptr) {}, 0, 256, 0)}
	pool, err := NewPool(descs)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if pool.CurrentIndex() != -1 {
		t.Fatalf("expected current index -1 before any dispatch, got %d", pool.CurrentIndex())
	}
	if pool.Current() != nil {
		t.Fatalf("expected nil current TCB before any dispatch")
	}
	pool.SetCurrent(0)
	if pool.Current() != pool.At(0) {
		t.Fatalf("SetCurrent did not take effect")
	}
}

func TestNewPoolRejectsUndersizedStack(t *testing.T) {
	descs := []*TaskDescriptor{NewTaskDescriptor("tiny", func(uintptr) {}, 0, 4, 0)}
	if _, err := NewPool(descs); err == nil {
		t.Fatalf("expected error for undersized stack")
	}
}
