package trap

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	"armkernel/internal/devices"
)

// MemoryReader fetches the 4 bytes at a virtual address, for
// disassembling the faulting instruction in diagnostic output. Returns
// false if addr is not mapped/readable.
type MemoryReader func(addr uint64) ([4]byte, bool)

// Dispatcher routes decoded exceptions to the kernel's SVC, BRK, and IRQ
// handlers. It holds no reference to the scheduler or syscall packages
// directly; callers wire those in as plain functions, which is what lets
// trap sit below proc/sched/syscall in the import graph despite being
// the thing that ultimately invokes all three.
type Dispatcher struct {
	// Syscall handles a decoded SVC immediate. Required.
	Syscall func(num uint16, tf *TrapFrame)

	// IRQHandlers is indexed by devices.Interrupt; a nil entry means no
	// handler is registered for that line.
	IRQHandlers [devices.MaxInterrupt]func(tf *TrapFrame)

	// Controller reports which interrupt lines are pending on an Irq
	// exception.
	Controller devices.InterruptController

	// OnBreakpoint is invoked for a BRK exception, if set. A nil value
	// means breakpoints simply resume past the BRK instruction.
	OnBreakpoint func(bpNum uint16, tf *TrapFrame)

	// ReadInstruction, if set, lets unhandled synchronous faults
	// disassemble the faulting instruction for diagnostics.
	ReadInstruction MemoryReader
}

// HandleException is the kernel's single exception entry point: given
// which vector was taken (info), the raw ESR_EL1 value, and the saved
// trap frame, it dispatches to a syscall, a registered IRQ handler, the
// breakpoint hook, or a diagnostic log line for anything else.
func (d *Dispatcher) HandleException(info Info, esr uint32, tf *TrapFrame) {
	switch info.Kind {
	case Irq:
		d.handleIRQ(tf)
		return
	case Synchronous:
		d.handleSynchronous(esr, tf)
		return
	default:
		fmt.Printf("trap: unhandled exception kind %v from source %v\n", info.Kind, info.Source)
	}
}

func (d *Dispatcher) handleIRQ(tf *TrapFrame) {
	if d.Controller == nil {
		return
	}
	for i := 0; i < devices.MaxInterrupt; i++ {
		line := devices.Interrupt(i)
		if !d.Controller.IsPending(line) {
			continue
		}
		if h := d.IRQHandlers[i]; h != nil {
			h(tf)
		}
	}
}

func (d *Dispatcher) handleSynchronous(esr uint32, tf *TrapFrame) {
	syn := DecodeSyndrome(esr)
	switch syn.Kind {
	case Svc:
		if d.Syscall != nil {
			d.Syscall(syn.Imm, tf)
		}
	case Brk:
		if d.OnBreakpoint != nil {
			d.OnBreakpoint(syn.Imm, tf)
		}
		tf.ELR += 4
	default:
		fmt.Printf("trap: %s\n", d.describeFault(syn, tf))
	}
}

// describeFault renders a diagnostic line for an unhandled synchronous
// exception, disassembling the faulting instruction when a
// MemoryReader is wired in.
func (d *Dispatcher) describeFault(syn Syndrome, tf *TrapFrame) string {
	base := fmt.Sprintf("unhandled syndrome kind=%d at elr=%#x", syn.Kind, tf.ELR)
	if syn.Kind == InstructionAbort || syn.Kind == DataAbort {
		base += fmt.Sprintf(" fault=%d level=%d", syn.FaultKind, syn.Level)
	}
	if d.ReadInstruction == nil {
		return base
	}
	raw, ok := d.ReadInstruction(tf.ELR)
	if !ok {
		return base
	}
	inst, err := arm64asm.Decode(raw[:])
	if err != nil {
		return base + fmt.Sprintf(" (instruction bytes %#x undecodable: %v)", binary.LittleEndian.Uint32(raw[:]), err)
	}
	return base + fmt.Sprintf(" (faulting instruction: %s)", inst.String())
}
