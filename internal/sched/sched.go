// Package sched implements the round-robin preemptive scheduler: a
// process queue guarded by an interrupt-safe mutex, a timer-IRQ
// bring-up sequence, and the add/switch/kill operations that drive it.
// Grounded on original_source/kern/src/process/scheduler.rs
// (Scheduler::{add,schedule_out,switch_to,kill}, GlobalScheduler's
// lock-guarded critical section); the teacher's mutex-guarded singleton
// idiom (util/mutex.go-style wrapper) supplies the Go shape for
// GlobalScheduler, replacing the trait-object IRQ table with the
// function-field Dispatcher from internal/trap.
package sched

import (
	"runtime"
	"sync"
	"time"

	"armkernel/internal/devices"
	"armkernel/internal/kconfig"
	"armkernel/internal/proc"
	"armkernel/internal/trap"
)

// Scheduler is the bare run queue: a FIFO of processes where the
// currently running process, if any, sits at the front. It has no
// locking of its own; GlobalScheduler supplies that.
type Scheduler struct {
	processes []*proc.Process
	lastID    proc.Id
	hasLast   bool
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Add assigns p the next process ID, stores it into p's trap frame via
// SetId, and pushes it to the back of the queue. Returns false once IDs
// are exhausted (proc.Id wraps at 64 bits, same as the ID space it
// shares with TPIDR).
func (s *Scheduler) Add(p *proc.Process) (proc.Id, bool) {
	if s.hasLast && s.lastID == ^proc.Id(0) {
		return 0, false
	}
	next := proc.Id(0)
	if s.hasLast {
		next = s.lastID + 1
	}
	p.SetId(next)
	p.State = proc.State{Kind: proc.Ready}
	s.processes = append(s.processes, p)
	s.lastID = next
	s.hasLast = true
	return next, true
}

// ScheduleOut sets the front (currently running) process's state to
// newState, saves tf into its stored trap frame, and rotates it to the
// back of the queue. Returns false if the queue is empty or the front
// process is not Running — the latter is an invariant violation
// elsewhere, not a case this method tries to paper over by silently
// dropping the process.
func (s *Scheduler) ScheduleOut(newState proc.State, tf *trap.TrapFrame) bool {
	if len(s.processes) == 0 {
		return false
	}
	running := s.processes[0]
	if running.State.Kind != proc.Running {
		return false
	}
	*running.Context = *tf
	running.State = newState
	s.processes = append(s.processes[1:], running)
	return true
}

// SwitchTo scans the queue front-to-back for the first process ready at
// now, removes it from wherever it sits, restores its trap frame into
// tf, marks it Running, and pushes it to the front. Returns false if no
// process is ready.
func (s *Scheduler) SwitchTo(now time.Duration, tf *trap.TrapFrame) (proc.Id, bool) {
	for i, p := range s.processes {
		if !p.IsReady(now) {
			continue
		}
		s.processes = append(s.processes[:i:i], s.processes[i+1:]...)
		*tf = *p.Context
		p.State = proc.State{Kind: proc.Running}
		s.processes = append([]*proc.Process{p}, s.processes...)
		return p.Id(), true
	}
	return 0, false
}

// Kill schedules out the running process as Dead, removes it from the
// back of the queue (where ScheduleOut just rotated it to), frees its
// address space, and reports its ID. Returns false if there was no
// running process to kill.
func (s *Scheduler) Kill(now time.Duration, tf *trap.TrapFrame) (proc.Id, bool) {
	if !s.ScheduleOut(proc.State{Kind: proc.Dead}, tf) {
		return 0, false
	}
	last := len(s.processes) - 1
	dead := s.processes[last]
	s.processes = s.processes[:last]
	id := dead.Id()
	dead.Free()
	return id, true
}

// Len reports the number of processes currently queued.
func (s *Scheduler) Len() int { return len(s.processes) }

// GlobalScheduler is the process-wide scheduler singleton: a Scheduler
// behind a mutex that is also safe to acquire from within a trap
// handler, plus the clock and interrupt wiring its bring-up sequence
// needs.
type GlobalScheduler struct {
	mu    sync.Mutex
	sched *Scheduler

	timer      devices.Timer
	controller devices.InterruptController

	// Idle is invoked when SwitchTo/Switch finds no ready process; it
	// models the WFI-and-reenter loop. Defaults to runtime.Gosched.
	Idle func()
}

// NewGlobalScheduler returns an uninitialized scheduler singleton.
// Init must be called once before Add/Switch/Kill are used.
func NewGlobalScheduler(timer devices.Timer, controller devices.InterruptController) *GlobalScheduler {
	return &GlobalScheduler{timer: timer, controller: controller}
}

// Init installs the backing Scheduler. Calling Init a second time
// panics: re-initialization of a kernel singleton is a bring-up bug.
func (g *GlobalScheduler) Init() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sched != nil {
		panic("sched: GlobalScheduler already initialized")
	}
	g.sched = NewScheduler()
}

func (g *GlobalScheduler) critical(f func(*Scheduler)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sched == nil {
		panic("sched: GlobalScheduler used before Init")
	}
	f(g.sched)
}

func (g *GlobalScheduler) now() time.Duration {
	if g.timer == nil {
		return 0
	}
	return g.timer.CurrentTime()
}

func (g *GlobalScheduler) idle() {
	if g.Idle != nil {
		g.Idle()
		return
	}
	runtime.Gosched()
}

// Add enqueues p, returning its newly assigned ID.
func (g *GlobalScheduler) Add(p *proc.Process) (proc.Id, bool) {
	var id proc.Id
	var ok bool
	g.critical(func(s *Scheduler) { id, ok = s.Add(p) })
	return id, ok
}

// Switch schedules the running process out into newState and switches
// to the next ready process, busy-waiting via Idle if none is
// immediately ready.
func (g *GlobalScheduler) Switch(newState proc.State, tf *trap.TrapFrame) proc.Id {
	g.critical(func(s *Scheduler) { s.ScheduleOut(newState, tf) })
	return g.SwitchTo(tf)
}

// SwitchTo restores the next ready process's trap frame into tf,
// busy-waiting via Idle for as long as none is ready.
func (g *GlobalScheduler) SwitchTo(tf *trap.TrapFrame) proc.Id {
	for {
		var id proc.Id
		var ok bool
		g.critical(func(s *Scheduler) { id, ok = s.SwitchTo(g.now(), tf) })
		if ok {
			return id
		}
		g.idle()
	}
}

// Kill schedules out the running process as Dead, frees it, and
// switches to the next ready process. Returns the killed process's ID,
// or false if there was no running process.
func (g *GlobalScheduler) Kill(tf *trap.TrapFrame) (proc.Id, bool) {
	var id proc.Id
	var ok bool
	g.critical(func(s *Scheduler) { id, ok = s.Kill(g.now(), tf) })
	if !ok {
		return 0, false
	}
	g.SwitchTo(tf)
	return id, true
}

// Start registers the timer-IRQ handler on d, enables the timer
// interrupt, and bootstraps the first process by switching to it with a
// zero trap frame. Returns that bootstrap frame, now populated with the
// first process's saved state; driving the CPU into it (the
// architectural context-restore-and-eret) is outside this kernel's
// scope, same as the bootloader that got it running in the first place.
func (g *GlobalScheduler) Start(d *trap.Dispatcher) *trap.TrapFrame {
	d.IRQHandlers[devices.Timer1] = func(tf *trap.TrapFrame) {
		g.timer.TickIn(kconfig.TickMillis * time.Millisecond)
		g.Switch(proc.State{Kind: proc.Ready}, tf)
	}
	d.Controller = g.controller
	g.controller.Enable(devices.Timer1)
	g.timer.TickIn(kconfig.TickMillis * time.Millisecond)

	bootstrap := &trap.TrapFrame{}
	g.SwitchTo(bootstrap)
	return bootstrap
}
