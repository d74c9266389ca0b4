package posk

import (
	"runtime"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// nonPreemptiveEntry is one task slot known to NonPreemptiveScheduler: a
// run-to-completion function invoked directly on the scheduler's own call
// stack, with no TCB, no stack buffer, and no Port involvement at all.
type nonPreemptiveEntry struct {
	name  string
	fn    func()
	state TaskState
}

// NonPreemptiveScheduler is a super-loop dispatcher: it calls task
// functions directly on its own call stack rather than switching stacks, so
// it is deliberately not a Scheduler and never touches Port. A binary ships
// either this policy or one of the stack-switching ones, never both;
// Config.Scheduler selects which.
//
// Task state drives everything here: a pass dispatches only Ready slots,
// and every dispatched task is marked Waiting when its function returns.
// Something outside the loop (the task itself, or another task earlier in
// the same pass) must call SetState to re-ready it, standing in for the
// interrupt sources that re-ready tasks on real hardware. Because tasks run
// to completion on every dispatch, slots can be added and removed at run
// time; this is the one policy the static-pool restriction does not apply
// to, since nothing here ever owns a stack.
//
// All task management calls (AddTask, RemoveTask, SetState) must be made
// from the Run goroutine itself, i.e. from inside a task function or before
// Run starts. Stop is the only method safe to call from anywhere.
type NonPreemptiveScheduler struct {
	log     hclog.Logger
	tasks   []*nonPreemptiveEntry
	stopped atomic.Bool
}

func NewNonPreemptiveScheduler(log hclog.Logger) *NonPreemptiveScheduler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &NonPreemptiveScheduler{log: log.Named("scheduler.nonpreemptive")}
}

func (s *NonPreemptiveScheduler) Name() string { return "nonpreemptive" }

// AddTask registers fn under name in the first free slot (a slot freed by
// RemoveTask is reused) and returns the slot's stable handle. The task
// starts in TaskStateNew and is not dispatched until something calls
// SetState(handle, TaskStateReady).
func (s *NonPreemptiveScheduler) AddTask(name string, fn func()) int {
	for i, e := range s.tasks {
		if e.state == TaskStateTerminated {
			s.tasks[i] = &nonPreemptiveEntry{name: name, fn: fn, state: TaskStateNew}
			return i
		}
	}
	s.tasks = append(s.tasks, &nonPreemptiveEntry{name: name, fn: fn, state: TaskStateNew})
	return len(s.tasks) - 1
}

// RemoveTask terminates the task at slot i. The slot becomes eligible for
// reuse by a later AddTask; handles for other slots stay valid.
func (s *NonPreemptiveScheduler) RemoveTask(i int) {
	if i < 0 || i >= len(s.tasks) {
		return
	}
	s.tasks[i].state = TaskStateTerminated
}

// SetState sets the state of the task at slot i. SetState(i, TaskStateReady)
// is how a task gets dispatched on the next pass; everything else keeps it
// parked.
func (s *NonPreemptiveScheduler) SetState(i int, state TaskState) {
	if i < 0 || i >= len(s.tasks) {
		return
	}
	s.tasks[i].state = state
}

// RunOnce makes one full pass over the task table in slot order, dispatching
// every slot that is Ready at the moment the pass reaches it, and returns
// how many tasks it dispatched. Each dispatched task runs to completion and
// is marked Waiting when its function returns (unless the function
// terminated or re-readied its own slot).
func (s *NonPreemptiveScheduler) RunOnce() int {
	dispatched := 0
	for _, e := range s.tasks {
		if e.state != TaskStateReady {
			continue
		}
		e.state = TaskStateRunning
		e.fn()
		if e.state == TaskStateRunning {
			e.state = TaskStateWaiting
		}
		dispatched++
	}
	return dispatched
}

// Run drives the super-loop until Stop is called. It keeps scanning even
// when nothing is Ready, since an external event may re-ready a task at any
// time. An empty pass yields the processor so a Stop issued from another
// goroutine can land.
func (s *NonPreemptiveScheduler) Run() {
	s.stopped.Store(false)
	s.log.Debug("super-loop started", "tasks", len(s.tasks))
	for !s.stopped.Load() {
		if s.RunOnce() == 0 {
			runtime.Gosched()
		}
	}
}

// Stop halts Run after its current pass completes. Safe to call from any
// goroutine.
func (s *NonPreemptiveScheduler) Stop() { s.stopped.Store(true) }
