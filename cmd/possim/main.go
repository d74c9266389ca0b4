// Command possim brings up a small three-task demo under the kernel's
// configurable scheduler policy. It exposes the kernel's build-time
// configuration surface (scheduler choice, hardware timer count,
// debug-assert flag, idle stack size) as command-line flags, since a real
// embedded build would fix these at compile time rather than parse them
// from argv.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	posk "github.com/user-none/go-pos-kernel"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		schedulerName string
		hwTimers      int
		debugAssert   bool
		idleStackSize int
		runFor        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "possim",
		Short: "Bring up a demo task set under the adaptive, cooperative, or non-preemptive kernel",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := parsePolicy(schedulerName)
			if err != nil {
				return err
			}

			cfg := posk.DefaultConfig()
			cfg.Scheduler = policy
			cfg.HWTimers = hwTimers
			cfg.DebugAssert = debugAssert
			cfg.IdleStackSize = idleStackSize

			log := hclog.New(&hclog.LoggerOptions{
				Name:  "possim",
				Level: hclog.Info,
			})

			k, err := posk.NewKernel(cfg, posk.NewWallClockFactory(), posk.NopClock{}, log, posk.NewNullTelemetry())
			if err != nil {
				return err
			}

			tasks := demoTasks(k, policy)

			go func() {
				time.Sleep(runFor)
				k.Halt()
			}()

			return k.Boot(tasks, func() {
				log.Info("user space initialized", "task_count", len(tasks))
			})
		},
	}

	cmd.Flags().StringVar(&schedulerName, "scheduler", "adaptive", "scheduler policy: cooperative, nonpreemptive, adaptive")
	cmd.Flags().IntVar(&hwTimers, "hw-timers", 1, "number of hardware timers available")
	cmd.Flags().BoolVar(&debugAssert, "debug-assert", true, "enable debug-build consistency assertions")
	cmd.Flags().IntVar(&idleStackSize, "idle-stack-size", 256, "idle task stack size in bytes")
	cmd.Flags().DurationVar(&runFor, "run-for", 2*time.Second, "how long to run the demo before halting")

	return cmd
}

func parsePolicy(name string) (posk.SchedulerPolicy, error) {
	switch name {
	case "cooperative":
		return posk.SchedulerCooperative, nil
	case "nonpreemptive":
		return posk.SchedulerNonPreemptive, nil
	case "adaptive":
		return posk.SchedulerAdaptive, nil
	default:
		return 0, fmt.Errorf("unknown scheduler %q", name)
	}
}

// demoTasks builds three application tasks with distinct, uneven workloads
// so the adaptive scheduler has something non-trivial to regulate: a light
// task that spends little time per round, a heavy one, and a medium one.
//
// Under the preemptive policies each task loops Spend/Yield forever. Under
// the super-loop policy tasks must instead run to completion per dispatch,
// so each invocation does one slice of busy work and re-readies its own
// slot before returning; slot handles are assigned in boot order, matching
// the descriptor order here.
func demoTasks(k *posk.Kernel, policy posk.SchedulerPolicy) []*posk.TaskDescriptor {
	type load struct {
		name    string
		burstUS uint32
		prio    uint8
	}
	loads := []load{
		{"light", 800, 1},
		{"medium", 3500, 2},
		{"heavy", 9000, 3},
	}

	descs := make([]*posk.TaskDescriptor, 0, len(loads))
	for i, l := range loads {
		slot := i
		burst := l.burstUS
		var fn posk.TaskFunc
		if policy == posk.SchedulerNonPreemptive {
			fn = func(arg uintptr) {
				busyWork(burst)
				k.NonPreemptiveScheduler().SetState(slot, posk.TaskStateReady)
			}
		} else {
			fn = func(arg uintptr) {
				for {
					k.Spend(burst)
					k.Yield()
				}
			}
		}
		descs = append(descs, posk.NewTaskDescriptor(l.name, fn, 0, 1024, l.prio))
	}
	return descs
}

// busyWork burns roughly us microseconds of wall-clock time, standing in
// for a real workload in the run-to-completion demo.
func busyWork(us uint32) {
	deadline := time.Now().Add(time.Duration(us) * time.Microsecond)
	for time.Now().Before(deadline) {
	}
}
