// Package syscall implements the five-call user ABI: sleep, time, write,
// exit, getpid. Grounded on
// original_source/kern/src/traps/syscall.rs (sys_sleep, sys_time,
// sys_write, sys_exit, sys_getpid, handle_syscall's dispatch table),
// adapted to this kernel's tagged-union proc.State instead of a boxed
// poll closure and to kerrors.Err_t instead of an OsError enum.
package syscall

import (
	"time"

	"armkernel/internal/devices"
	"armkernel/internal/kconfig"
	"armkernel/internal/kerrors"
	"armkernel/internal/proc"
	"armkernel/internal/sched"
	"armkernel/internal/trap"
)

// statusCode renders an Err_t as the small nonzero x7 status the ABI
// promises; Ok is 0.
func statusCode(e kerrors.Err_t) uint64 {
	if e == kerrors.Ok {
		return 0
	}
	return uint64(-e)
}

// Handler dispatches decoded SVC immediates to the five syscalls,
// wired as a trap.Dispatcher's Syscall hook.
type Handler struct {
	Scheduler *sched.GlobalScheduler
	Timer     devices.Timer
	Console   devices.Console
}

// Dispatch implements the trap.Dispatcher.Syscall hook shape.
func (h *Handler) Dispatch(num uint16, tf *trap.TrapFrame) {
	switch num {
	case kconfig.NRSleep:
		h.sleep(tf)
	case kconfig.NRWrite:
		h.write(tf)
	case kconfig.NRTime:
		h.time(tf)
	case kconfig.NRExit:
		h.exit(tf)
	case kconfig.NRGetpid:
		h.getpid(tf)
	default:
		// Unknown syscall numbers are fatal to the calling process, not
		// to the kernel: there is no recovery for a process issuing an
		// ABI it doesn't speak, but one broken process shouldn't take
		// the machine down with it.
		tf.X[7] = statusCode(kerrors.BadSyscall)
		h.Scheduler.Kill(tf)
	}
}

// sleep computes the wake deadline from x0 (milliseconds) and suspends
// the caller until the clock passes it, returning the overshoot past
// the deadline in x0.
func (h *Handler) sleep(tf *trap.TrapFrame) {
	ms := time.Duration(tf.X[0]) * time.Millisecond
	wake := h.Timer.CurrentTime() + ms

	poll := func(p *proc.Process) bool {
		now := h.Timer.CurrentTime()
		if now < wake {
			return false
		}
		p.Context.X[0] = uint64((now - wake) / time.Millisecond)
		p.Context.X[7] = statusCode(kerrors.Ok)
		return true
	}

	h.Scheduler.Switch(proc.State{Kind: proc.Waiting, Predicate: poll}, tf)
}

// time reports the current wall-clock time as seconds in x0 and the
// sub-second remainder in nanoseconds in x1.
func (h *Handler) time(tf *trap.TrapFrame) {
	now := h.Timer.CurrentTime()
	tf.X[0] = uint64(now / time.Second)
	tf.X[1] = uint64(now % time.Second)
	tf.X[7] = statusCode(kerrors.Ok)
}

// write emits the low byte of x0 to the console.
func (h *Handler) write(tf *trap.TrapFrame) {
	h.Console.WriteByte(byte(tf.X[0]))
	tf.X[7] = statusCode(kerrors.Ok)
}

// getpid reports the caller's process ID, already present in TPIDR.
func (h *Handler) getpid(tf *trap.TrapFrame) {
	tf.X[0] = tf.TPIDR
	tf.X[7] = statusCode(kerrors.Ok)
}

// exit kills the calling process and switches to the next ready one.
func (h *Handler) exit(tf *trap.TrapFrame) {
	h.Scheduler.Kill(tf)
}
