package posk

import "github.com/hashicorp/go-hclog"

// Board is the thin hardware-facing layer Kernel.Boot configures once at
// startup: NVIC priority grouping for the preemption tick and the idle
// task's low-power wait. On real Cortex-M hardware these would be register
// writes (NVIC_SetPriority, WFI); here they are simulation stand-ins that
// still honor the same priority-band contract, so swapping this file for a
// real register-level one is the only change needed to retarget the kernel
// to actual hardware.
type Board struct {
	log hclog.Logger
}

func NewBoard(log hclog.Logger) *Board {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Board{log: log.Named("board")}
}

// ConfigurePreemptionTimer records the priority band the preemption tick was
// armed at. Real hardware would write this into NVIC's priority register for
// the tick's IRQ line; this simulation just logs it, since Go has no
// interrupt priority concept to enforce.
func (b *Board) ConfigurePreemptionTimer(priority TimerPriority) {
	b.log.Debug("preemption timer configured", "priority", priority)
}

// IdleTask is the default idle task body: it spins calling Kernel.Spend in
// idleBurstUS slices forever, giving the scheduler somewhere to go when no
// application task is ready. A real board would issue WFI here to actually
// sleep the core between ticks; Spend is this simulation's stand-in for
// that wait.
func IdleTask(k *Kernel) TaskFunc {
	return func(arg uintptr) {
		for {
			k.Spend(idleBurstUS)
		}
	}
}
