// Package kernel sequences bring-up: build the heap, the kernel page
// table, mount the root file system, wire the exception dispatcher and
// syscall handler, load the initial process set, and start the
// scheduler. Grounded on original_source/kern/src/main.rs's kmain
// (ALLOCATOR/IRQ/SCHEDULER initialize-then-start sequence), adapted from
// four `unsafe`-guarded package-level statics to one constructor
// returning an assembled *Kernel, since this port has no `no_std`
// boundary forcing globals.
package kernel

import (
	"fmt"

	"golang.org/x/sys/cpu"

	"armkernel/internal/devices"
	"armkernel/internal/fat32"
	"armkernel/internal/heap"
	"armkernel/internal/pagetable"
	"armkernel/internal/proc"
	"armkernel/internal/sched"
	"armkernel/internal/syscall"
	"armkernel/internal/trap"
)

// Config is the set of external collaborators and layout parameters
// bring-up needs; everything architecture-specific the kernel core
// doesn't own (the concrete block device, timer, console, interrupt
// controller) is supplied by the caller, same division of labor as
// spec.md §6 draws it.
type Config struct {
	MemoryEnd  uintptr
	HeapStart  uintptr
	HeapEnd    uintptr
	Device     devices.BlockDevice
	Timer      devices.Timer
	Controller devices.InterruptController
	Console    devices.Console

	// InitialPrograms lists FAT32 paths to load and enqueue before the
	// scheduler starts, mirroring GlobalScheduler::initialize's fixed
	// process set.
	InitialPrograms []string
}

// Kernel holds every bring-up singleton once initialized: the heap, the
// mounted file system, the kernel and per-process page tables' shared
// base, the scheduler, and the trap dispatcher.
type Kernel struct {
	Heap       *heap.HeapRegion
	KernelPT   *pagetable.KernelPageTable
	FileSystem *fat32.FileSystem
	Scheduler  *sched.GlobalScheduler
	Dispatcher *trap.Dispatcher
	Syscalls   *syscall.Handler
}

// Bringup assembles a Kernel from cfg: allocator, kernel page table,
// mounted file system, scheduler, and wired dispatcher, in that order —
// each stage depends only on the ones before it, same as
// ALLOCATOR/IRQ/SCHEDULER.initialize did serially in the original
// bring-up.
func Bringup(cfg Config) (*Kernel, error) {
	logFeatures()

	h := heap.NewHeapRegion(cfg.HeapStart, cfg.HeapEnd)
	kpt := pagetable.NewKernelPageTable(cfg.MemoryEnd)

	var fs *fat32.FileSystem
	if cfg.Device != nil {
		var err error
		fs, err = fat32.Mount(cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("kernel: mounting root file system: %w", err)
		}
	}

	g := sched.NewGlobalScheduler(cfg.Timer, cfg.Controller)
	g.Init()

	for _, path := range cfg.InitialPrograms {
		p, err := proc.Load(fs, path, kpt.BasePhysical().AsU64(), h)
		if err != nil {
			// Per spec.md's error taxonomy: a load failure means the
			// scheduler simply does not enqueue that program, it does
			// not abort bring-up.
			fmt.Printf("kernel: skipping %q: %v\n", path, err)
			continue
		}
		g.Add(p)
	}

	handler := &syscall.Handler{Scheduler: g, Timer: cfg.Timer, Console: cfg.Console}
	dispatcher := &trap.Dispatcher{
		Syscall:    handler.Dispatch,
		Controller: cfg.Controller,
	}

	return &Kernel{
		Heap:       h,
		KernelPT:   kpt,
		FileSystem: fs,
		Scheduler:  g,
		Dispatcher: dispatcher,
		Syscalls:   handler,
	}, nil
}

// Start registers the timer-IRQ handler and switches to the first ready
// process, returning its bootstrap trap frame. The architectural
// context-restore-and-eret that actually starts running it is out of
// this kernel's scope, the same way the bootloader that ran before
// Bringup is.
func (k *Kernel) Start() *trap.TrapFrame {
	return k.Scheduler.Start(k.Dispatcher)
}

// logFeatures prints the ARM64 CPU features this build was compiled to
// expect, a sanity check against the hardware it actually boots on.
func logFeatures() {
	fmt.Printf("kernel: cpu features: fp=%v asimd=%v crc32=%v\n",
		cpu.ARM64.HasFP, cpu.ARM64.HasASIMD, cpu.ARM64.HasCRC32)
}
