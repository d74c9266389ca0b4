package posk

// Scheduler is the kernel's pluggable dispatch policy: Init chooses the
// first task, Yield asks the policy to record that the current task is
// giving up the CPU (voluntarily or because it was preempted) and pick the
// next one, and GetNext exposes the last decision again without forcing a
// new one or re-running any side effects.
//
// Exactly one Scheduler implementation is linked into a given Kernel;
// Config.Scheduler selects which at construction time.
type Scheduler interface {
	// Init picks the first task to run and returns its pool index.
	Init(pool *Pool) int

	// Yield is called when the current task stops running, whether by
	// voluntary call or by preemption (preempted reports which). usedUS is
	// how many microseconds the outgoing task actually ran for since it was
	// dispatched, which CooperativeScheduler ignores and AdaptiveScheduler
	// feeds into its regulator. Yield updates any internal bookkeeping and
	// returns the pool index of the task that should run next.
	Yield(pool *Pool, preempted bool, usedUS uint32) int

	// GetNext reports the pool index Yield most recently decided on,
	// without recomputing anything or triggering a dispatch. Useful for
	// diagnostics and for callers that want to know what would run next
	// without actually switching to it.
	GetNext(pool *Pool) int

	// BurstUS returns the number of microseconds the kernel should arm the
	// preemption timer for before the task chosen by the last Init/Yield
	// call is forcibly preempted, or 0 if this policy needs no timer at all
	// (CooperativeScheduler: tasks yield voluntarily and are never forced
	// off the CPU).
	BurstUS() uint32

	// Name identifies the policy for logs and metrics tags.
	Name() string
}
