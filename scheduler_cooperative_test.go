package posk

import "testing"

func TestCooperativeSchedulerStrictRoundRobin(t *testing.T) {
	descs := []*TaskDescriptor{
		NewTaskDescriptor("a", func(uintptr) {}, 0, 256, 0),
		NewTaskDescriptor("b", func(uintptr) {}, 0, 256, 0),
		NewTaskDescriptor("c", func(uintptr) {}, 0, 256, 0),
	}
	pool, err := NewPool(descs)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	s := NewCooperativeScheduler()
	first := s.Init(pool)
	if first != 0 {
		t.Fatalf("Init should start at task 0, got %d", first)
	}
	if s.BurstUS() != 0 {
		t.Fatalf("cooperative scheduler must never request a timer burst")
	}

	pool.SetCurrent(0)
	seq := []int{}
	for i := 0; i < 6; i++ {
		next := s.Yield(pool, false, 0)
		seq = append(seq, next)
		pool.SetCurrent(next)
	}
	want := []int{1, 2, 0, 1, 2, 0}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("sequence = %v, want %v", seq, want)
		}
	}
}

// Each of N tasks is dispatched exactly once over N consecutive yields, in
// pool order.
func TestCooperativeSchedulerEachTaskOncePerRound(t *testing.T) {
	descs := []*TaskDescriptor{
		NewTaskDescriptor("a", func(uintptr) {}, 0, 256, 0),
		NewTaskDescriptor("b", func(uintptr) {}, 0, 256, 0),
		NewTaskDescriptor("c", func(uintptr) {}, 0, 256, 0),
		NewTaskDescriptor("d", func(uintptr) {}, 0, 256, 0),
	}
	pool, err := NewPool(descs)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	s := NewCooperativeScheduler()
	cur := s.Init(pool)
	pool.SetCurrent(cur)

	counts := make([]int, pool.Len())
	counts[cur]++
	for i := 0; i < pool.Len()-1; i++ {
		next := s.Yield(pool, false, 0)
		counts[next]++
		pool.SetCurrent(next)
	}
	for i, c := range counts {
		if c != 1 {
			t.Fatalf("task %d dispatched %d times in one round, want 1 (counts=%v)", i, c, counts)
		}
	}
}

// Idle lives outside the pool entirely (Port addresses it by the sentinel
// index pool.Len()), so a cooperative scheduler can never select it: every
// index it returns is a valid pool index.
func TestCooperativeSchedulerNeverPicksIdleSentinel(t *testing.T) {
	descs := []*TaskDescriptor{
		NewTaskDescriptor("a", func(uintptr) {}, 0, 256, 0),
		NewTaskDescriptor("b", func(uintptr) {}, 0, 256, 0),
	}
	pool, err := NewPool(descs)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	s := NewCooperativeScheduler()
	pool.SetCurrent(s.Init(pool))
	for i := 0; i < 10; i++ {
		next := s.Yield(pool, false, 0)
		if next < 0 || next >= pool.Len() {
			t.Fatalf("yield %d returned out-of-pool index %d", i, next)
		}
		pool.SetCurrent(next)
	}
}

func TestCooperativeSchedulerGetNextReportsLastDecision(t *testing.T) {
	descs := []*TaskDescriptor{
		NewTaskDescriptor("a", func(uintptr) {}, 0, 256, 0),
		NewTaskDescriptor("b", func(uintptr) {}, 0, 256, 0),
	}
	pool, err := NewPool(descs)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	s := NewCooperativeScheduler()
	pool.SetCurrent(s.Init(pool))

	next := s.Yield(pool, false, 0)
	if got := s.GetNext(pool); got != next {
		t.Fatalf("GetNext = %d, want last Yield decision %d", got, next)
	}
	// GetNext must not advance anything.
	if got := s.GetNext(pool); got != next {
		t.Fatalf("repeated GetNext = %d, want %d", got, next)
	}
}
