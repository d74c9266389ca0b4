package posk

// TCB is the kernel's runtime task control block: one per TaskDescriptor,
// created once when Kernel.Boot builds the pool and never reallocated.
//
// topOfStack MUST remain the first declared field, at offset 0, so that a
// context-switch primitive written in assembly could load/store it without
// knowing the rest of the struct's layout. tcb_test.go checks this with
// unsafe.Offsetof rather than trusting field order to stay load-bearing
// under future edits.
type TCB struct {
	// topOfStack is the saved stack pointer: the address InitStack returned.
	// Port hands off control through goroutines, so Port.YieldTo never
	// updates it; the canary it checks sits at the bottom of the stack
	// buffer (see stack.go's checkGuard), not at this address.
	topOfStack uintptr

	desc  *TaskDescriptor
	state TaskState

	// resume is the per-task rendezvous channel used by Port to hand off
	// control (see cpuport.go). Buffered to depth 1: the sender never
	// blocks on a task that hasn't yet reached its own receive.
	resume chan struct{}

	// adaptive is scheduler-private bookkeeping for AdaptiveScheduler. It is
	// the zero value and unused under the other two policies; kept on TCB
	// rather than in a side map since the regulator's per-task fields
	// naturally live alongside the rest of a task's runtime state.
	adaptive adaptiveTaskState

	// index is this TCB's fixed position in Pool.tasks (pool.Len() for the
	// idle TCB). The schedulers work with pool indices directly and do not
	// read it.
	index int
}

// Descriptor returns the static descriptor this TCB was built from.
func (t *TCB) Descriptor() *TaskDescriptor { return t.desc }

// State returns the task's current lifecycle state.
func (t *TCB) State() TaskState { return t.state }

// newTCB builds one TCB from a descriptor, initializing its stack image.
// index is the TCB's fixed position for neighbor arithmetic — callers
// building a pool pass the slice position; Kernel passes pool.Len() for the
// idle TCB, which deliberately sits one slot past the pool proper.
func newTCB(d *TaskDescriptor, index int) (*TCB, error) {
	top, err := InitStack(d.Stack, uintptr(funcAddr(d.Start)))
	if err != nil {
		return nil, err
	}
	return &TCB{
		topOfStack: top,
		desc:       d,
		state:      TaskStateNew,
		resume:     make(chan struct{}, 1),
		index:      index,
	}, nil
}

// Pool owns every application-task TCB for the lifetime of the kernel. It
// is built once at boot from a fixed slice of TaskDescriptors and never
// grows. The idle task is never a member of Pool — it is a separate
// singleton the CPU port holds and dispatches by the sentinel index
// Pool.Len(), so schedulers never have to special-case "the last slot" to
// keep idle out of their own round-robin arithmetic.
type Pool struct {
	tasks []*TCB
	// current is the index into tasks of the running application task, or
	// -1 if no task has ever been dispatched, or none is currently running
	// (for instance while idle has the CPU).
	current int
}

// NewPool builds a TCB for each descriptor and initializes its stack image.
// Descriptor order is preserved and fixes each TCB's pool index.
func NewPool(descs []*TaskDescriptor) (*Pool, error) {
	tasks := make([]*TCB, len(descs))
	for i, d := range descs {
		tcb, err := newTCB(d, i)
		if err != nil {
			return nil, err
		}
		tasks[i] = tcb
	}
	return &Pool{tasks: tasks, current: -1}, nil
}

// Len reports the number of application tasks in the pool.
func (p *Pool) Len() int { return len(p.tasks) }

// At returns the TCB at pool index i.
func (p *Pool) At(i int) *TCB { return p.tasks[i] }

// Current returns the running application TCB, or nil if none is current.
func (p *Pool) Current() *TCB {
	if p.current < 0 {
		return nil
	}
	return p.tasks[p.current]
}

// CurrentIndex returns the running application task's pool index, or -1 if
// none has ever been dispatched or idle currently holds the CPU.
func (p *Pool) CurrentIndex() int { return p.current }

// SetCurrent records which TCB is now running, or -1 if no application task
// is current. Called only by the CPU port, immediately before or after a
// context handoff (see cpuport.go).
func (p *Pool) SetCurrent(i int) { p.current = i }

// All returns the full backing slice. Callers must not mutate its length.
func (p *Pool) All() []*TCB { return p.tasks }
