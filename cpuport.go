package posk

import (
	"reflect"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// funcAddr returns a Go function value's entry-point address. It exists
// solely so InitStack's PC field holds a real, distinct address per task;
// control transfer itself never branches to this address, since this
// simulation hands off via goroutines and channels.
// reflect.ValueOf(fn).Pointer() is the documented, safe way to obtain it
// for a func value.
func funcAddr(fn TaskFunc) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// Port is the CPU-core port: the one piece of the kernel that knows how to
// actually transfer control between tasks. It owns current/next as its own
// state and exposes a single public mutator (YieldTo) with no callbacks
// back to the scheduler.
//
// Because Go cannot swap a real stack pointer, Port runs every task body on
// its own goroutine and hands off ownership of the CPU with a per-TCB
// buffered channel. YieldTo must only ever be called from the goroutine of
// the task that currently owns the CPU — calling it from any other
// goroutine is a programming error, since there would otherwise be no way
// to tell which goroutine's stack is "current" without a real one.
type Port struct {
	pool *Pool
	// idle is the singleton idle TCB, held outside pool entirely. It is
	// addressed by the sentinel index pool.Len(), one past the last valid
	// application-task index.
	idle *TCB

	log    hclog.Logger
	halted atomic.Bool

	// current mirrors which TCB owns the CPU right now: an application-task
	// pool index, the idle sentinel (pool.Len()), or -1 before the first
	// dispatch.
	current int

	// exit is closed when Halt is called, which releases StartFirst's
	// blocking wait.
	exit chan struct{}
}

// NewPort constructs a Port bound to pool and idle. idle may be nil only if
// the caller never dispatches the idle sentinel index (pool.Len()); Kernel
// always supplies a real idle TCB. log may be nil, in which case a
// discarding logger is used.
func NewPort(pool *Pool, idle *TCB, log hclog.Logger) *Port {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Port{
		pool:    pool,
		idle:    idle,
		log:     log.Named("port"),
		exit:    make(chan struct{}),
		current: -1,
	}
}

// tcbAt resolves a dispatch index to its TCB: an application-task pool
// index if i < pool.Len(), or the idle TCB if i == pool.Len().
func (p *Port) tcbAt(i int) *TCB {
	if i == p.pool.Len() {
		return p.idle
	}
	return p.pool.At(i)
}

// StartFirst launches a goroutine for every task in the pool plus idle, if
// one was supplied (each blocked immediately on its own resume channel), and
// then transfers control to first, the index chosen by the scheduler's Init.
// It does not return until Halt is called.
func (p *Port) StartFirst(first int) {
	for i := 0; i < p.pool.Len(); i++ {
		go p.runTask(p.pool.At(i))
	}
	if p.idle != nil {
		go p.runTask(p.idle)
	}

	p.current = first
	if first < p.pool.Len() {
		p.pool.SetCurrent(first)
	}
	next := p.tcbAt(first)
	next.state = TaskStateRunning
	p.log.Debug("starting first task", "task", next.desc.Name, "index", first)
	next.resume <- struct{}{}

	<-p.exit
}

// runTask is the body every task goroutine runs: block until handed the
// CPU, then call the task's Start function. Start is documented to never
// return; if it does, that is a task-exit fault, handled here by halting
// the whole CPU rather than crashing one goroutine.
func (p *Port) runTask(tcb *TCB) {
	<-tcb.resume
	tcb.desc.Start(tcb.desc.Arg)
	p.log.Error("task function returned, halting CPU", "task", tcb.desc.Name)
	p.Halt()
	// Park forever; StartFirst's caller has already returned via p.exit.
	select {}
}

// YieldTo transfers the CPU from the calling task (which must be the
// currently-running one) to next. It checks the outgoing task's stack
// canary before handing off — unconditionally, even when next re-selects
// the task that is already running, since a canary check skipped on every
// yield of a single-task or re-selected-task run would never catch
// anything.
//
// YieldTo does not verify which goroutine calls it: a call from a goroutine
// other than the current task's own is not detected and breaks the handoff
// — see the Port doc comment for why that invariant must hold.
func (p *Port) YieldTo(next int) {
	if p.halted.Load() {
		return
	}
	cur := p.current

	if cur >= 0 {
		curTCB := p.tcbAt(cur)
		if !checkGuard(curTCB.desc.Stack) {
			p.log.Error("stack overflow detected", "task", curTCB.desc.Name)
			p.Halt()
			return
		}
		if cur == next {
			return
		}
		if curTCB.state == TaskStateRunning {
			curTCB.state = TaskStateReady
		}
	}

	nextTCB := p.tcbAt(next)
	nextTCB.state = TaskStateRunning
	p.current = next
	if next < p.pool.Len() {
		p.pool.SetCurrent(next)
	} else {
		p.pool.SetCurrent(-1)
	}

	nextTCB.resume <- struct{}{}

	if cur >= 0 {
		<-p.tcbAt(cur).resume
	}
}

// Halt stops the CPU: StartFirst's blocking wait returns and no further
// YieldTo calls progress. Idempotent.
func (p *Port) Halt() {
	if p.halted.CompareAndSwap(false, true) {
		close(p.exit)
	}
}

// Halted reports whether Halt has been called.
func (p *Port) Halted() bool { return p.halted.Load() }
