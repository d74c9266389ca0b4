package posk

import (
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

// Kernel is the system core: it owns the task pool, the CPU port, the
// chosen scheduler policy, and the preemption timer, and implements the
// startup sequence (build pool -> init scheduler -> arm timer -> run
// user-space init hook -> start first task).
//
// Application code drives a *Kernel mainly through Boot, Yield, and Spend
// (plus Halt, NewTimer, and NonPreemptiveScheduler); the rest of this
// package is the machinery those calls drive.
type Kernel struct {
	cfg   Config
	log   hclog.Logger
	tele  *Telemetry
	board *Board

	pool         *Pool
	port         *Port
	sched        Scheduler // nil when cfg.Scheduler == SchedulerNonPreemptive
	nonPreempt   *NonPreemptiveScheduler
	timerFactory TimerFactory
	tick         TimerHandle
	clock        Clock

	booted atomic.Bool

	preemptRequested  atomic.Bool
	usedSinceDispatch uint32

	// timersReserved counts hardware timers handed out against
	// Config.HWTimers, the preemption tick included.
	timersReserved int
}

// NewKernel constructs a Kernel from cfg. timerFactory and clock select
// real time vs. virtual time together: pass NewWallClockFactory() with
// NopClock{} for a live system, or NewVirtualFactory(vc) with vc itself for
// deterministic tests. log and tele may be nil.
func NewKernel(cfg Config, timerFactory TimerFactory, clock Clock, log hclog.Logger, tele *Telemetry) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if tele == nil {
		tele = NewNullTelemetry()
	}
	if clock == nil {
		clock = NopClock{}
	}

	k := &Kernel{
		cfg:          cfg,
		log:          log.Named("kernel"),
		tele:         tele,
		board:        NewBoard(log),
		timerFactory: timerFactory,
		clock:        clock,
	}

	switch cfg.Scheduler {
	case SchedulerCooperative:
		k.sched = NewCooperativeScheduler()
	case SchedulerAdaptive:
		k.sched = NewAdaptiveScheduler(cfg.ReinitRegulator, log, tele)
	case SchedulerNonPreemptive:
		k.nonPreempt = NewNonPreemptiveScheduler(log)
	}

	return k, nil
}

// Boot builds the task pool from tasks plus an implicit idle task, runs
// userSpaceInit once the pool exists but before any task runs, and starts
// dispatching. For the two preemptive policies this call does not return
// until Halt is called; for SchedulerNonPreemptive it runs the super-loop
// and likewise does not return until Stop is called on the underlying
// NonPreemptiveScheduler.
func (k *Kernel) Boot(tasks []*TaskDescriptor, userSpaceInit func()) error {
	if !k.booted.CompareAndSwap(false, true) {
		return ErrAlreadyBooted
	}
	if len(tasks) == 0 {
		return ErrNoTasks
	}

	if k.cfg.Scheduler == SchedulerNonPreemptive {
		return k.bootNonPreemptive(tasks, userSpaceInit)
	}
	return k.bootPreemptive(tasks, userSpaceInit)
}

func (k *Kernel) bootNonPreemptive(tasks []*TaskDescriptor, userSpaceInit func()) error {
	for _, d := range tasks {
		desc := d
		h := k.nonPreempt.AddTask(desc.Name, func() { desc.Start(desc.Arg) })
		k.nonPreempt.SetState(h, TaskStateReady)
	}
	if userSpaceInit != nil {
		userSpaceInit()
	}
	k.log.Info("booting", "scheduler", k.nonPreempt.Name(), "tasks", len(tasks))
	k.nonPreempt.Run()
	return nil
}

// bootPreemptive builds the application-task pool and a separate idle TCB
// — idle is never a member of Pool, so schedulers never need an off-by-one
// to keep it out of their own round-robin arithmetic. Port dispatches idle
// through the sentinel index pool.Len(), one past the last valid
// application-task index.
func (k *Kernel) bootPreemptive(tasks []*TaskDescriptor, userSpaceInit func()) error {
	pool, err := NewPool(tasks)
	if err != nil {
		return err
	}

	idleDesc := NewTaskDescriptor("idle", IdleTask(k), 0, k.cfg.IdleStackSize, 0)
	idle, err := newTCB(idleDesc, pool.Len())
	if err != nil {
		return err
	}

	k.pool = pool
	k.port = NewPort(pool, idle, k.log)

	if k.cfg.HWTimers >= 1 {
		tick, err := k.timerFactory.NewTimer(TimerPriorityHigh)
		if err != nil {
			return err
		}
		k.tick = tick
		k.timersReserved++
		k.board.ConfigurePreemptionTimer(TimerPriorityHigh)
	}

	first := k.sched.Init(pool)
	k.armBurstTimer()

	if userSpaceInit != nil {
		userSpaceInit()
	}

	k.log.Info("booting", "scheduler", k.sched.Name(), "tasks", len(tasks)+1)
	k.port.StartFirst(first)
	return nil
}

// Yield voluntarily gives up the CPU. It must be called from the currently
// running task's own goroutine (see Port.YieldTo).
func (k *Kernel) Yield() {
	k.yield(false)
}

// Spend models "executing instructions" for us microseconds: it advances
// the clock, accumulates how long the current task has run since its last
// dispatch, and — only at this checkpoint — acts on a pending preemption
// request set by the armed burst timer. Tasks that never call Spend or
// Yield cannot be preempted, the same way a real task that masks
// interrupts cannot be preempted on real hardware.
func (k *Kernel) Spend(us uint32) {
	k.clock.Advance(us)
	k.usedSinceDispatch += us
	if k.preemptRequested.CompareAndSwap(true, false) {
		k.yield(true)
	}
}

func (k *Kernel) yield(preempted bool) {
	if k.sched == nil {
		return
	}
	used := k.usedSinceDispatch
	k.usedSinceDispatch = 0

	next := k.sched.Yield(k.pool, preempted, used)
	if k.cfg.DebugAssert && (next < 0 || next > k.pool.Len()) {
		k.log.Error("scheduler returned an out-of-range task index", "index", next)
		k.Halt()
		return
	}
	k.armBurstTimer()
	k.port.YieldTo(next)
}

// armBurstTimer starts the preemption tick for whatever burst the scheduler
// just assigned to the now-current task, or leaves the timer disarmed if
// the policy reports a zero burst (CooperativeScheduler).
func (k *Kernel) armBurstTimer() {
	if k.tick == nil {
		return
	}
	burst := k.sched.BurstUS()
	if burst == 0 {
		k.tick.Stop()
		return
	}
	k.tick.Start(burst, func() {
		k.preemptRequested.Store(true)
	})
}

// Halt stops the CPU port (preemptive policies) or the super-loop
// (non-preemptive policy).
func (k *Kernel) Halt() {
	if k.port != nil {
		k.port.Halt()
	}
	if k.nonPreempt != nil {
		k.nonPreempt.Stop()
	}
}

// NewTimer reserves one of the remaining hardware timers for application
// use. The preemption tick counts against the same Config.HWTimers budget,
// so on a one-timer target every call fails under the preemptive policies.
func (k *Kernel) NewTimer(priority TimerPriority) (TimerHandle, error) {
	if k.timersReserved >= k.cfg.HWTimers {
		return nil, ErrHWTimersExhausted
	}
	h, err := k.timerFactory.NewTimer(priority)
	if err != nil {
		return nil, err
	}
	k.timersReserved++
	return h, nil
}

// Pool exposes the task pool for diagnostics and tests.
func (k *Kernel) Pool() *Pool { return k.pool }

// NonPreemptiveScheduler exposes the underlying super-loop scheduler when
// Config.Scheduler == SchedulerNonPreemptive, for AddTask/RemoveTask calls
// from application code. Returns nil otherwise.
func (k *Kernel) NonPreemptiveScheduler() *NonPreemptiveScheduler { return k.nonPreempt }
