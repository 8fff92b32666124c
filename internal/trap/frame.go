// Package trap implements the exception/trap dispatcher: decoding
// ESR_EL1 syndromes, routing SVC to the syscall layer, BRK to an
// optional debug hook, and IRQ to registered handlers. Grounded on
// original_source/kern/src/traps/{frame,syndrome}.rs and traps.rs, with
// the actual routing kept free of a direct dependency on the scheduler
// or syscall packages (registered via function fields instead) to avoid
// an import cycle the teacher's single-crate layout didn't need to
// worry about.
package trap

// TrapFrame is the saved machine state captured on every exception:
// both translation table base registers (so a context switch is just
// "load this frame"), the process's thread-pointer ID, stack pointer,
// saved program status, exception link register (resume PC), and the
// general/SIMD register files.
type TrapFrame struct {
	TTBR0 uint64
	TTBR1 uint64
	TPIDR uint64
	SP    uint64
	SPSR  uint64
	ELR   uint64
	Q     [32][2]uint64 // 128-bit SIMD/FP registers, low/high halves
	X     [32]uint64
}
