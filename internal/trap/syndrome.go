package trap

// Kind is the exception class recorded in the vector table entry that
// was taken (which of the four AArch64 exception classes this was).
type Kind int

const (
	Synchronous Kind = iota
	Irq
	Fiq
	SError
)

// Source is the execution context the exception was taken from.
type Source int

const (
	CurrentSpEl0 Source = iota
	CurrentSpElx
	LowerAArch64
	LowerAArch32
)

// Info identifies which vector table entry was taken.
type Info struct {
	Source Source
	Kind   Kind
}

// Fault classifies the DFSC/IFSC field of an abort's ISS.
type Fault int

const (
	FaultAddressSize Fault = iota
	FaultTranslation
	FaultAccessFlag
	FaultPermission
	FaultAlignment
	FaultTlbConflict
	FaultOther
)

func decodeFault(iss uint32) Fault {
	switch dfsc := iss & 0x3F; {
	case dfsc <= 3:
		return FaultAddressSize
	case dfsc >= 4 && dfsc <= 7:
		return FaultTranslation
	case dfsc >= 9 && dfsc <= 11:
		return FaultAccessFlag
	case dfsc >= 13 && dfsc <= 15:
		return FaultPermission
	case dfsc == 33:
		return FaultAlignment
	case dfsc == 48:
		return FaultTlbConflict
	default:
		return FaultOther
	}
}

// SyndromeKind enumerates the ESR_EL1.EC exception classes this kernel
// recognizes (D1.10.4 of the ARMv8-A reference manual).
type SyndromeKind int

const (
	Unknown SyndromeKind = iota
	WfiWfe
	SimdFp
	IllegalExecutionState
	Svc
	Hvc
	Smc
	MsrMrsSystem
	InstructionAbort
	PCAlignmentFault
	DataAbort
	SpAlignmentFault
	TrappedFpu
	SErrorSyndrome
	Breakpoint
	Step
	Watchpoint
	Brk
	Other
)

// Syndrome is the decoded form of an ESR_EL1 value. Only the fields
// relevant to its Kind are meaningful: Imm for Svc/Hvc/Smc/Brk,
// FaultKind/Level for InstructionAbort/DataAbort, Raw for Other.
type Syndrome struct {
	Kind      SyndromeKind
	Imm       uint16
	FaultKind Fault
	Level     uint8
	Raw       uint32
}

// DecodeSyndrome decodes a raw ESR_EL1 value into a Syndrome.
func DecodeSyndrome(esr uint32) Syndrome {
	ec := (esr >> 26) & 0x3F
	iss := esr & 0x01FFFFFF

	switch ec {
	case 0:
		return Syndrome{Kind: Unknown}
	case 1:
		return Syndrome{Kind: WfiWfe}
	case 7:
		return Syndrome{Kind: SimdFp}
	case 14:
		return Syndrome{Kind: IllegalExecutionState}
	case 17, 21:
		return Syndrome{Kind: Svc, Imm: uint16(iss & 0xFFFF)}
	case 18, 22:
		return Syndrome{Kind: Hvc, Imm: uint16(iss & 0xFFFF)}
	case 19, 23:
		return Syndrome{Kind: Smc, Imm: uint16(iss & 0xFFFF)}
	case 24:
		return Syndrome{Kind: MsrMrsSystem}
	case 32, 33:
		return Syndrome{Kind: InstructionAbort, FaultKind: decodeFault(iss), Level: uint8(iss & 0x3)}
	case 34:
		return Syndrome{Kind: PCAlignmentFault}
	case 36, 37:
		return Syndrome{Kind: DataAbort, FaultKind: decodeFault(iss), Level: uint8(iss & 0x3)}
	case 38:
		return Syndrome{Kind: SpAlignmentFault}
	case 40, 44:
		return Syndrome{Kind: TrappedFpu}
	case 47:
		return Syndrome{Kind: SErrorSyndrome}
	case 48, 49:
		return Syndrome{Kind: Breakpoint}
	case 50, 51:
		return Syndrome{Kind: Step}
	case 52, 53:
		return Syndrome{Kind: Watchpoint}
	case 60:
		return Syndrome{Kind: Brk, Imm: uint16(iss & 0xFFFF)}
	default:
		return Syndrome{Kind: Other, Raw: esr}
	}
}
