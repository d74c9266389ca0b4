package posk

import (
	"encoding/binary"
	"testing"
	"unsafe"
)

func TestExceptionFrameIsPacked(t *testing.T) {
	if sz := unsafe.Sizeof(exceptionFrame{}); sz != frameSizeBytes {
		t.Fatalf("exceptionFrame has padding: size %d, want %d", sz, frameSizeBytes)
	}
}

func TestInitStackFieldLayout(t *testing.T) {
	stack := make([]byte, 512)
	const start = uintptr(0x08001235) // odd, as a Thumb function pointer would be

	top, err := InitStack(stack, start)
	if err != nil {
		t.Fatalf("InitStack: %v", err)
	}

	base := uintptr(unsafe.Pointer(&stack[0]))
	off := top - base
	frame := stack[off : off+frameSizeBytes]

	le := binary.LittleEndian
	for i, name := range []string{"R4", "R5", "R6", "R7", "R8", "R9", "R10", "R11", "R0", "R1", "R2", "R3", "R12"} {
		if got := le.Uint32(frame[i*4 : i*4+4]); got != 0 {
			t.Errorf("%s: got %#x, want 0", name, got)
		}
	}
	if got := le.Uint32(frame[13*4 : 14*4]); got != onTaskExitSentinel {
		t.Errorf("LR: got %#x, want %#x", got, onTaskExitSentinel)
	}
	if got := le.Uint32(frame[14*4 : 15*4]); got != uint32(start)&^1 {
		t.Errorf("PC: got %#x, want %#x", got, uint32(start)&^1)
	}
	if got := le.Uint32(frame[15*4 : 16*4]); got&psrThumbBit == 0 {
		t.Errorf("PSR: Thumb bit not set, got %#x", got)
	}
}

func TestInitStackDeterministic(t *testing.T) {
	stack1 := make([]byte, 512)
	stack2 := make([]byte, 512)
	top1, err := InitStack(stack1, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	top2, err := InitStack(stack2, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	base1 := uintptr(unsafe.Pointer(&stack1[0]))
	base2 := uintptr(unsafe.Pointer(&stack2[0]))
	if top1-base1 != top2-base2 {
		t.Fatalf("InitStack is not deterministic across equally-sized buffers: offsets %d vs %d", top1-base1, top2-base2)
	}
	if !checkGuard(stack1) || !checkGuard(stack2) {
		t.Fatalf("guard word missing after InitStack")
	}
}

func TestInitStackTopIsEightByteAligned(t *testing.T) {
	stack := make([]byte, 512)
	top, err := InitStack(stack, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if top%8 != 0 {
		t.Fatalf("top of stack %#x is not 8-byte aligned", top)
	}
}

func TestInitStackRejectsTooSmallBuffer(t *testing.T) {
	stack := make([]byte, 8)
	if _, err := InitStack(stack, 0x1000); err == nil {
		t.Fatalf("expected error for undersized stack")
	}
}

func TestCheckGuardDetectsCorruption(t *testing.T) {
	stack := make([]byte, 512)
	if _, err := InitStack(stack, 0x1000); err != nil {
		t.Fatal(err)
	}
	if !checkGuard(stack) {
		t.Fatalf("guard should be intact immediately after InitStack")
	}
	stack[0] ^= 0xFF
	if checkGuard(stack) {
		t.Fatalf("guard corruption was not detected")
	}
}
