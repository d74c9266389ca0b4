package posk

import (
	"encoding/binary"
	"errors"
	"unsafe"
)

// Cortex-M3 status register bits relevant to stack bring-up.
const (
	psrThumbBit uint32 = 0x01000000 // PSR bit 24: Thumb state, must be set
)

// onTaskExitSentinel is the symbolic LR value written into a freshly
// initialized stack frame. On real hardware LR would hold the address of a
// routine that halts the CPU if a task function ever returns. This
// simulation never actually branches to that address — the task-exit fault
// is instead detected when Port.runTask's call to the task's Start function
// returns (see cpuport.go) — so the sentinel exists purely so InitStack's
// output is byte-for-byte checkable in tests.
const onTaskExitSentinel uint32 = 0xFFFFFFFD

// guardWord is written at the lowest address of every stack buffer as a
// canary. Port.YieldTo checks it on every context save; a task that has
// overflowed its stack clobbers it before corrupting anything outside its
// own buffer.
const guardWord uint32 = 0xDEADC0DE

const guardWordSize = 4

// minStackBytes is the smallest buffer InitStack can build a frame into:
// one guard word, up to 7 bytes of alignment slack, and the exception frame
// itself.
const minStackBytes = guardWordSize + 7 + frameSizeBytes

// exceptionFrame is the Cortex-M3 saved-context layout in stack order (low
// address, i.e. first popped, to high address, i.e. last popped): the
// callee-saved registers a PendSV handler pushes manually, followed by the
// registers the exception-entry hardware stacks automatically. Every field
// is the same width and in declaration order, so Go's struct layout has no
// padding between them — verified in stack_test.go rather than relied upon
// silently.
type exceptionFrame struct {
	// Callee-saved, manually pushed by the (simulated) PendSV handler.
	R4, R5, R6, R7, R8, R9, R10, R11 uint32
	// Automatically stacked by the (simulated) exception-entry sequence.
	R0, R1, R2, R3, R12, LR, PC, PSR uint32
}

const frameWords = 16
const frameSizeBytes = frameWords * 4

// InitStack builds a task's initial stack image so that the first context
// restore would, on real hardware, land in start with PSR's Thumb bit set,
// PC equal to start with its Thumb bit cleared, LR pointing at the
// on-task-exit trap, and R0 zeroed (no argument is passed through the
// register file — TaskDescriptor.Arg is instead threaded through the Go
// closure Port spawns, see cpuport.go). It returns the resulting top-of-stack
// address.
//
// InitStack is deterministic: called twice with the same buffer and the same
// start address it produces byte-identical frame contents and an identical
// returned pointer.
func InitStack(stack []byte, start uintptr) (topOfStack uintptr, err error) {
	if len(stack) < minStackBytes {
		return 0, errStackTooSmall
	}

	base := uintptr(unsafe.Pointer(&stack[0]))
	highest := base + uintptr(len(stack))

	// Reserve the guard word at the very bottom of the buffer; InitStack and
	// YieldTo agree that [base, base+guardWordSize) is never part of any
	// frame.
	floor := base + guardWordSize

	aligned := highest &^ 7 // round down to an 8-byte boundary
	top := aligned - frameSizeBytes
	if top < floor {
		return 0, errStackTooSmall
	}

	binary.LittleEndian.PutUint32(stack[0:4], guardWord)

	off := top - base
	frame := stack[off : off+frameSizeBytes]
	for i := 0; i < frameWords; i++ {
		binary.LittleEndian.PutUint32(frame[i*4:i*4+4], 0)
	}
	le := binary.LittleEndian
	// R4..R11 (indices 0..7) and R0..R3 (indices 8..11) stay zero.
	le.PutUint32(frame[12*4:13*4], 0)                     // R12
	le.PutUint32(frame[13*4:14*4], onTaskExitSentinel)     // LR
	le.PutUint32(frame[14*4:15*4], uint32(start)&^1)       // PC, Thumb bit cleared
	le.PutUint32(frame[15*4:16*4], psrThumbBit)            // PSR, Thumb bit set

	return top, nil
}

// checkGuard reports whether the canary at the bottom of stack is intact.
func checkGuard(stack []byte) bool {
	if len(stack) < guardWordSize {
		return false
	}
	return binary.LittleEndian.Uint32(stack[0:4]) == guardWord
}

var errStackTooSmall = errors.New("posk: stack buffer too small for a context frame")

func init() {
	// Guard against accidental struct padding: the frame must be exactly
	// frameSizeBytes with no slack, since InitStack writes it as one
	// contiguous byte region and the hardware reads/writes it the same way.
	if unsafe.Sizeof(exceptionFrame{}) != frameSizeBytes {
		panic("posk: exceptionFrame has unexpected padding")
	}
}
