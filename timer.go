package posk

import (
	"sort"
	"sync"
	"time"
)

// Clock is the time source Kernel.Spend advances on every call. A
// WallClockTimer-based kernel uses a no-op implementation, since real time
// passes on its own; a VirtualTimer-based kernel (tests, and any caller that
// wants deterministic, instant-running scenarios) passes its *VirtualClock,
// which satisfies this interface directly.
type Clock interface {
	Advance(us uint32)
}

// NopClock is a Clock that does nothing, for WallClockTimer-backed kernels.
type NopClock struct{}

func (NopClock) Advance(us uint32) {}

// TimerPriority selects the NVIC priority band a preemption timer's
// interrupt is configured at. The values are the empirically chosen slots
// on a 32-level NVIC; kernel preemption always uses High.
type TimerPriority int

const (
	TimerPriorityHigh   TimerPriority = 3
	TimerPriorityNormal TimerPriority = 9
	TimerPriorityLow    TimerPriority = 15
)

// TimerHandle is a single one-shot microsecond timer. A handle fires at
// most once per Start call; a fresh Start is required to arm it again.
type TimerHandle interface {
	// Start arms the timer to fire once after us microseconds, invoking cb
	// when it does. Starting an already-armed timer re-arms it from now.
	Start(us uint32, cb func())
	// Stop disarms the timer if it has not yet fired. Safe to call on an
	// already-fired or never-started timer.
	Stop()
	// ElapsedUS reports microseconds since the timer was last started.
	ElapsedUS() uint32
}

// TimerFactory creates TimerHandles at a given priority band. One timer of
// the Config.HWTimers budget is always reserved for the preemption tick;
// the remainder are available for application use.
type TimerFactory interface {
	NewTimer(priority TimerPriority) (TimerHandle, error)
}

// --- WallClockTimer: a real-time implementation backed by time.AfterFunc ---

// WallClockTimer is a TimerHandle driven by the host's real clock. It is
// what cmd/possim uses for its live demo; tests use VirtualTimer instead so
// that multi-thousand-round scenarios run instantly.
type WallClockTimer struct {
	priority TimerPriority

	mu      sync.Mutex
	timer   *time.Timer
	started time.Time
}

// WallClockFactory is a TimerFactory producing WallClockTimers.
type WallClockFactory struct{}

func NewWallClockFactory() *WallClockFactory { return &WallClockFactory{} }

func (f *WallClockFactory) NewTimer(priority TimerPriority) (TimerHandle, error) {
	return &WallClockTimer{priority: priority}, nil
}

func (t *WallClockTimer) Start(us uint32, cb func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.started = time.Now()
	t.timer = time.AfterFunc(time.Duration(us)*time.Microsecond, cb)
}

func (t *WallClockTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *WallClockTimer) ElapsedUS() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started.IsZero() {
		return 0
	}
	return uint32(time.Since(t.started).Microseconds())
}

// --- VirtualTimer: a manually-advanced implementation for deterministic tests ---

// VirtualClock is a shared, manually-advanced microsecond clock. Every
// VirtualTimer produced by the same VirtualFactory shares one VirtualClock,
// so Advance fires every due callback in a single deterministic step —
// needed for the adaptive scheduler's 1000-round convergence tests to run
// without real sleeps.
type VirtualClock struct {
	mu      sync.Mutex
	nowUS   uint64
	waiters []*virtualWaiter
}

type virtualWaiter struct {
	deadline uint64
	cb       func()
	fired    bool
	stopped  bool
}

func NewVirtualClock() *VirtualClock { return &VirtualClock{} }

// Advance moves the clock forward by us microseconds, invoking (in deadline
// order) every callback whose deadline has now passed.
func (c *VirtualClock) Advance(us uint32) {
	c.mu.Lock()
	c.nowUS += uint64(us)
	now := c.nowUS
	var due []*virtualWaiter
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if w.stopped || w.fired {
			continue
		}
		if w.deadline <= now {
			w.fired = true
			due = append(due, w)
			continue
		}
		live = append(live, w)
	}
	c.waiters = live
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline < due[j].deadline })
	for _, w := range due {
		w.cb()
	}
}

func (c *VirtualClock) now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowUS
}

// VirtualTimer is a TimerHandle backed by a VirtualClock instead of the host
// clock.
type VirtualTimer struct {
	clock *VirtualClock

	mu      sync.Mutex
	waiter  *virtualWaiter
	started uint64
}

// VirtualFactory is a TimerFactory producing VirtualTimers that all share
// clock.
type VirtualFactory struct {
	clock *VirtualClock
}

func NewVirtualFactory(clock *VirtualClock) *VirtualFactory {
	return &VirtualFactory{clock: clock}
}

func (f *VirtualFactory) NewTimer(priority TimerPriority) (TimerHandle, error) {
	return &VirtualTimer{clock: f.clock}, nil
}

func (t *VirtualTimer) Start(us uint32, cb func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.waiter != nil {
		t.waiter.stopped = true
	}
	now := t.clock.now()
	w := &virtualWaiter{deadline: now + uint64(us), cb: cb}
	t.waiter = w
	t.started = now

	t.clock.mu.Lock()
	t.clock.waiters = append(t.clock.waiters, w)
	t.clock.mu.Unlock()
}

func (t *VirtualTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.waiter != nil {
		t.waiter.stopped = true
	}
}

func (t *VirtualTimer) ElapsedUS() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return uint32(t.clock.now() - t.started)
}
