// Package proc implements process state: the trap-frame-and-address-space
// bundle the scheduler hands the CPU, and the Ready/Running/Waiting/Dead
// state machine governing when a process may run. Grounded on
// original_source/kern/src/process/process.rs (Process::new, ::load,
// ::do_load, ::is_ready); the teacher's util.go/vm/as.go supply the Go
// idiom for opaque addresses and invariant panics used throughout.
package proc

import (
	"fmt"
	"io"
	"time"

	"armkernel/internal/fat32"
	"armkernel/internal/kconfig"
	"armkernel/internal/pagetable"
	"armkernel/internal/trap"
)

// Id identifies a process across its lifetime.
type Id uint64

// Kind is the coarse scheduling state of a process.
type Kind int

const (
	Ready Kind = iota
	Running
	Waiting
	Dead
)

func (k Kind) String() string {
	switch k {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// State is a tagged union over a process's scheduling state. A Waiting
// state wakes either when Predicate(p) returns true (if Predicate is
// set) or when the clock reaches WakeAt — a plain tagged union rather
// than a boxed polling closure for every wait, since most waits in this
// kernel (sleep) are pure deadlines.
type State struct {
	Kind      Kind
	WakeAt    time.Duration
	Predicate func(*Process) bool
}

// Process is the complete state of one schedulable unit: its saved trap
// frame, private address space, and scheduling state.
type Process struct {
	Context *trap.TrapFrame
	VMap    *pagetable.UserPageTable
	State   State

	id Id
}

// Id returns the process's scheduler-assigned ID. Zero until the
// scheduler calls SetId.
func (p *Process) Id() Id { return p.id }

// SetId is called once by the scheduler when the process is admitted.
func (p *Process) SetId(id Id) {
	p.id = id
	p.Context.TPIDR = uint64(id)
}

// New allocates a fresh process: a zeroed trap frame and an empty user
// address space, in the Ready state.
func New(pages pagetable.PageSource) *Process {
	return &Process{
		Context: &trap.TrapFrame{},
		VMap:    pagetable.NewUserPageTable(pages),
		State:   State{Kind: Ready},
	}
}

// Load builds a process by reading the flat binary at path from fs into
// freshly allocated RWX user pages, mapping a single RW stack page, and
// setting up the trap frame so that switching to this process for the
// first time starts execution at the image base.
//
// kernelTTBR0 is the kernel page table's physical base address, shared
// by every process's TTBR0.
func Load(fs *fat32.FileSystem, path string, kernelTTBR0 uint64, userPages pagetable.PageSource) (*Process, error) {
	p := New(userPages)
	p.VMap.Alloc(pagetable.VirtualAddress(kconfig.USERStackBase), pagetable.PermUserRW)

	entry, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("proc: Load: opening %q: %w", path, err)
	}
	if entry.File == nil {
		return nil, fmt.Errorf("proc: Load: %q is not a file", path)
	}

	size := entry.File.Size()
	numPages := int(size/kconfig.PageSize) + 1
	remaining := size
	for i := 0; i < numPages; i++ {
		va := pagetable.VirtualAddress(kconfig.USERIMGBase + int64(i)*kconfig.PageSize)
		page := p.VMap.Alloc(va, pagetable.PermUserRWX)
		toRead := remaining
		if toRead > kconfig.PageSize {
			toRead = kconfig.PageSize
		}
		if toRead > 0 {
			if _, err := io.ReadFull(entry.File, page[:toRead]); err != nil {
				return nil, fmt.Errorf("proc: Load: reading %q: %w", path, err)
			}
		}
		remaining -= toRead
	}

	p.Context.TTBR0 = kernelTTBR0
	p.Context.TTBR1 = p.VMap.BasePhysical().AsU64()
	p.Context.ELR = kconfig.USERIMGBase
	p.Context.SP = kconfig.USERStackBase + kconfig.PageSize - 16
	// EL0t, AArch64, IRQs unmasked: DAIF=0000, M[3:0]=0000.
	p.Context.SPSR = 0

	return p, nil
}

// IsReady reports whether p may be scheduled at time now, transitioning
// Waiting -> Ready if its wake condition has been met.
//
// Mirrors process.rs's is_ready: optimistically marks the process Ready,
// then restores Waiting if the poll actually failed.
func (p *Process) IsReady(now time.Duration) bool {
	old := p.State
	p.State = State{Kind: Ready}

	switch old.Kind {
	case Ready:
		return true
	case Waiting:
		var done bool
		if old.Predicate != nil {
			done = old.Predicate(p)
		} else {
			done = now >= old.WakeAt
		}
		if done {
			return true
		}
		p.State = old
		return false
	default:
		p.State = old
		return false
	}
}

// Free releases the process's address space back to its page source.
func (p *Process) Free() {
	p.VMap.Free()
}
