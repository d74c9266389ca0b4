package posk

import "github.com/hashicorp/go-hclog"

// Adaptive scheduler tuning constants.
const (
	// kPI is the inner per-task integrator gain; multFactor (1/kPI) is the
	// scale factor a task's stored burst is always kept at, so a task's
	// actual next burst is burstOld/multFactor.
	kPI        = 0.5
	multFactor = 1.0 / kPI // 2.0

	// kRR and zRR are the outer PI loop's proportional and integral-decay
	// constants on round-time error.
	kRR = 0.9
	zRR = 0.88

	burstNominalUS uint32 = 4000
	burstMinUS     uint32 = 200
	burstMaxUS     uint32 = 20000
	idleBurstUS    uint32 = 10000
)

// adaptiveTaskState is the per-task regulator state AdaptiveScheduler keeps
// embedded in each TCB (see tcb.go).
type adaptiveTaskState struct {
	// alpha is this task's share coefficient: (priority+1) / sum(priority+1)
	// across all application tasks, fixed at Init and never recomputed.
	alpha float64
	// tProcess is the measured burst this task actually used in the round
	// that just completed, in microseconds.
	tProcess uint32
	// tProcessSetPoint is this task's target burst for the next round,
	// alpha * next_round_time, computed by regulatorUpdate.
	tProcessSetPoint float64
	// burstOld is the previous-round burst command, scaled by multFactor.
	// The task's actual next burst is burstOld / multFactor.
	burstOld float64
	// dispatches counts how many times this task has been scheduled, for
	// diagnostics only.
	dispatches uint64
}

// AdaptiveScheduler implements a control-theoretic I+PI regulator: an inner
// per-task integrator keeps each task's burst tracking its alpha-weighted
// share of the round, and an outer PI loop adjusts a shared round-time
// correction (bc) so total round time tracks the setpoint Tr0 despite
// jitter from preemption and variable yields.
//
// The high/low clamp order in clampBurstScaled (max first, then min) and
// the one-shot reinit-regulator path below are both load-bearing: clamping
// min first would let a just-overflowed raw value slip through as a false
// "in range" result, and a persistent (rather than one-shot) reinit would
// fight the integrator every round instead of just seeding it once.
type AdaptiveScheduler struct {
	log  hclog.Logger
	tele *Telemetry

	appTasks int // number of tasks in the pool; idle is never one of them
	current  int // pool index of the app task last dispatched, -1 if idle/none

	// trSetpoint is Tr0, the round-time setpoint: appTasks * burstNominalUS.
	trSetpoint float64
	// tr is Tr, the sum of actual task bursts observed during the round
	// currently in progress.
	tr float64
	// bcOld is the previous burst correction (bc_old).
	bcOld float64
	// erOld is the previous round error (eR_old).
	erOld float64

	// taskIsIdle suppresses tProcess/Tr accounting for the dispatch that is
	// ending: set whenever the idle task itself is the outgoing task, and
	// also at Init. Init dispatches task 0 directly rather than starting on
	// idle, so the first Yield does not record task 0's first burst in
	// tProcess or Tr.
	taskIsIdle bool

	// allReadySaturated is set at the end of a round in which every
	// application task's burstOld was clamped to the upper bound, consumed
	// (and cleared) by the next regulatorUpdate to freeze bc_old against
	// further increases. This anti-windup branch is computed honestly from
	// observed upper-clamp events rather than assumed.
	allReadySaturated bool

	// reinitRegulator: if set, the first regulatorUpdate call loads every
	// task's burst directly from alpha * Tr0 instead of running the
	// eR-based I+PI update, then clears itself — a one-shot seed, not a
	// persistent mode.
	reinitRegulator bool

	// lastNext is the pool index (or the idle sentinel, pool.Len()) that
	// the most recent Init/Yield call decided on, so GetNext can report it
	// back without recomputing anything.
	lastNext int
	// lastBurstUS is the burst assigned by the most recent Init/Yield call,
	// so BurstUS (which takes no arguments) has something to return.
	lastBurstUS uint32
}

// NewAdaptiveScheduler constructs a regulator. log and tele may be nil.
func NewAdaptiveScheduler(reinitRegulator bool, log hclog.Logger, tele *Telemetry) *AdaptiveScheduler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if tele == nil {
		tele = NewNullTelemetry()
	}
	return &AdaptiveScheduler{
		log:             log.Named("scheduler.adaptive"),
		tele:            tele,
		reinitRegulator: reinitRegulator,
		current:         -1,
	}
}

func (s *AdaptiveScheduler) Name() string { return "adaptive" }

// Init computes each task's alpha from (priority+1) normalized across the
// pool, seeds tBurstOld at burstNominalUS*multFactor, sets Tr0, and selects
// task 0 (or idle, for an empty pool) as the first task to run. The first
// Yield call after Init does not measure the outgoing burst, so task 0's
// first burst is not counted. The pool here holds only application tasks —
// idle is a separate TCB the caller dispatches via the sentinel index
// pool.Len().
func (s *AdaptiveScheduler) Init(pool *Pool) int {
	s.appTasks = pool.Len()

	var prioritySum uint32
	for i := 0; i < s.appTasks; i++ {
		prioritySum += uint32(pool.At(i).Descriptor().Priority) + 1
	}

	for i := 0; i < s.appTasks; i++ {
		t := pool.At(i)
		alpha := 1.0
		if prioritySum > 0 {
			alpha = float64(uint32(t.Descriptor().Priority)+1) / float64(prioritySum)
		}
		t.adaptive.alpha = alpha
		t.adaptive.burstOld = float64(burstNominalUS) * multFactor
		t.adaptive.tProcess = 0
		t.adaptive.tProcessSetPoint = 0
		t.state = TaskStateReady
	}

	s.trSetpoint = float64(s.appTasks) * float64(burstNominalUS)
	s.tr = 0
	s.bcOld = 0
	s.erOld = 0
	s.allReadySaturated = false
	s.taskIsIdle = true
	s.lastBurstUS = burstNominalUS

	if s.appTasks <= 0 {
		s.current = -1
		s.lastNext = pool.Len()
		s.lastBurstUS = idleBurstUS
		return s.lastNext
	}
	s.current = 0
	s.lastNext = 0
	return 0
}

// BurstUS returns the burst assigned to the task the last Init/Yield call
// selected.
func (s *AdaptiveScheduler) BurstUS() uint32 {
	return s.lastBurstUS
}

// GetNext returns the index Yield most recently picked, without advancing
// the round or touching any regulator state.
func (s *AdaptiveScheduler) GetNext(pool *Pool) int {
	return s.lastNext
}

// Yield accounts for the burst the outgoing task just used, advances the
// round (triggering a regulator update whenever it wraps), and picks the
// next Ready application task, falling back to idle when none are ready.
func (s *AdaptiveScheduler) Yield(pool *Pool, preempted bool, usedUS uint32) int {
	idleIndex := pool.Len()

	// Account for the outgoing task's measured burst, unless it was the
	// idle task (or this is the very first call).
	if !s.taskIsIdle {
		if s.current >= 0 && s.current < s.appTasks {
			t := pool.At(s.current)
			t.adaptive.tProcess = usedUS
			s.tr += float64(usedUS)
			t.adaptive.dispatches++
			s.tele.IncrCounter(metricDispatch, 1)
		}
	} else {
		s.taskIsIdle = false
	}

	if s.appTasks <= 0 {
		s.lastBurstUS = idleBurstUS
		s.taskIsIdle = true
		s.current = -1
		s.lastNext = idleIndex
		return idleIndex
	}

	// Advance to the next slot, wrapping at appTasks.
	next := s.current + 1
	if s.current < 0 || s.current >= s.appTasks {
		next = 0
	}
	if next >= s.appTasks {
		// Wrapped — run the regulator update once per completed round.
		s.regulatorUpdate(pool)
		next = 0
	}

	// Loop until a Ready TCB is found. Waiting/Terminated tasks are skipped
	// and have their measured burst zeroed so a stale tProcess never leaks
	// into the next round they participate in.
	found := -1
	for i := 0; i < s.appTasks; i++ {
		idx := (next + i) % s.appTasks
		t := pool.At(idx)
		if t.state == TaskStateWaiting || t.state == TaskStateTerminated {
			t.adaptive.tProcess = 0
			continue
		}
		found = idx
		break
	}
	if found < 0 {
		s.lastBurstUS = idleBurstUS
		s.taskIsIdle = true
		s.current = -1
		s.lastNext = idleIndex
		return idleIndex
	}

	t := pool.At(found)
	nextBurstUS := t.adaptive.burstOld / multFactor
	s.lastBurstUS = uint32(nextBurstUS)
	s.current = found
	s.lastNext = found

	return found
}

// regulatorUpdate is the once-per-round outer PI loop plus the per-task
// inner integrator update.
func (s *AdaptiveScheduler) regulatorUpdate(pool *Pool) {
	if s.reinitRegulator {
		s.reinitRegulator = false
		s.tr = 0
		s.erOld = 0
		s.bcOld = 0
		for i := 0; i < s.appTasks; i++ {
			t := pool.At(i)
			t.adaptive.tProcessSetPoint = t.adaptive.alpha * s.trSetpoint
			burst, _ := clampBurstScaled(t.adaptive.tProcessSetPoint * multFactor)
			t.adaptive.burstOld = burst
		}
		s.log.Debug("regulator reinitialized", "tr0", s.trSetpoint)
		return
	}

	eR := s.trSetpoint - s.tr
	bc := s.bcOld + kRR*eR - kRR*zRR*s.erOld

	if s.allReadySaturated {
		s.allReadySaturated = false
		if bc < s.bcOld {
			s.bcOld = bc
		}
	} else {
		s.bcOld = bc
	}

	lower := -s.tr
	upper := float64(burstMaxUS) * float64(s.appTasks)
	if s.bcOld < lower {
		s.bcOld = lower
	}
	if s.bcOld > upper {
		s.bcOld = upper
	}

	nextRoundTime := s.tr + s.bcOld
	s.erOld = eR
	roundUsedUS := s.tr
	s.tr = 0

	allSaturated := true
	for i := 0; i < s.appTasks; i++ {
		t := pool.At(i)
		t.adaptive.tProcessSetPoint = t.adaptive.alpha * nextRoundTime
		raw := t.adaptive.burstOld + (t.adaptive.tProcessSetPoint - float64(t.adaptive.tProcess))
		clamped, upperClamped := clampBurstScaled(raw)
		t.adaptive.burstOld = clamped
		if !upperClamped {
			allSaturated = false
		}
	}
	s.allReadySaturated = allSaturated

	s.tele.SetGauge(metricRoundTime, float32(roundUsedUS))
	s.tele.SetGauge(metricRoundError, float32(eR))
	s.tele.SetGauge(metricBurstCorrection, float32(s.bcOld))

	s.log.Debug("round complete",
		"round_used_us", roundUsedUS,
		"round_error_us", eR,
		"burst_correction_us", s.bcOld,
		"saturated", allSaturated,
	)
}

// clampBurstScaled enforces [burstMinUS, burstMaxUS]*multFactor on a raw
// (possibly negative or overflowing) scaled burst computation, clamping the
// high bound first and the low bound second. The second return value
// reports whether the upper bound fired, which is the only clamp event
// saturation tracking cares about — every Ready task pinned at its ceiling
// means the round genuinely cannot shrink further, not that some task
// merely hit its floor.
func clampBurstScaled(raw float64) (scaled float64, upperClamped bool) {
	hi := float64(burstMaxUS) * multFactor
	lo := float64(burstMinUS) * multFactor
	if raw > hi {
		return hi, true
	}
	if raw < lo {
		return lo, false
	}
	return raw, false
}
