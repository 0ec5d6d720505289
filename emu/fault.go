package emu

import (
	"errors"
	"fmt"

	"github.com/sarchlab/x86core/mmu"
)

// FaultKind identifies a guest-visible exception or a host-level failure
// raised while executing an instruction.
type FaultKind uint8

// Fault kinds.
const (
	FaultDivideError FaultKind = iota
	FaultInvalidOpcode
	FaultDeviceNotAvailable
	FaultDoubleFault
	FaultInvalidTSS
	FaultSegmentNotPresent
	FaultStackFault
	FaultGeneralProtection
	FaultPageFault
	FaultMemory
	FaultUnimplemented
)

func (k FaultKind) String() string {
	switch k {
	case FaultDivideError:
		return "#DE"
	case FaultInvalidOpcode:
		return "#UD"
	case FaultDeviceNotAvailable:
		return "#NM"
	case FaultDoubleFault:
		return "#DF"
	case FaultInvalidTSS:
		return "#TS"
	case FaultSegmentNotPresent:
		return "#NP"
	case FaultStackFault:
		return "#SS"
	case FaultGeneralProtection:
		return "#GP"
	case FaultPageFault:
		return "#PF"
	case FaultMemory:
		return "memory fault"
	case FaultUnimplemented:
		return "unimplemented"
	}
	return fmt.Sprintf("FaultKind(%d)", uint8(k))
}

// Fault is an exception raised by an instruction. Architectural kinds carry
// a vector; FaultMemory and FaultUnimplemented are host conditions.
type Fault struct {
	Kind      FaultKind
	ErrorCode uint32
	// Addr is the faulting linear address of a page fault.
	Addr   uint64
	Detail string
}

func (f *Fault) Error() string {
	switch f.Kind {
	case FaultPageFault:
		return fmt.Sprintf("#PF at %#x (error code %#x)", f.Addr, f.ErrorCode)
	case FaultMemory, FaultUnimplemented:
		if f.Detail != "" {
			return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
		}
		return f.Kind.String()
	}
	if f.HasErrorCode() {
		return fmt.Sprintf("%s(%#x)", f.Kind, f.ErrorCode)
	}
	return f.Kind.String()
}

// Vector returns the interrupt vector for architectural kinds.
func (f *Fault) Vector() (uint8, bool) {
	switch f.Kind {
	case FaultDivideError:
		return 0, true
	case FaultInvalidOpcode:
		return 6, true
	case FaultDeviceNotAvailable:
		return 7, true
	case FaultDoubleFault:
		return 8, true
	case FaultInvalidTSS:
		return 10, true
	case FaultSegmentNotPresent:
		return 11, true
	case FaultStackFault:
		return 12, true
	case FaultGeneralProtection:
		return 13, true
	case FaultPageFault:
		return 14, true
	}
	return 0, false
}

// HasErrorCode reports whether delivery pushes an error code.
func (f *Fault) HasErrorCode() bool {
	switch f.Kind {
	case FaultDoubleFault, FaultInvalidTSS, FaultSegmentNotPresent,
		FaultStackFault, FaultGeneralProtection, FaultPageFault:
		return true
	}
	return false
}

type faultClass uint8

const (
	classBenign faultClass = iota
	classContributory
	classPageFault
	classDoubleFault
)

func (f *Fault) class() faultClass {
	switch f.Kind {
	case FaultInvalidTSS, FaultSegmentNotPresent, FaultStackFault,
		FaultGeneralProtection, FaultDivideError:
		return classContributory
	case FaultPageFault:
		return classPageFault
	case FaultDoubleFault:
		return classDoubleFault
	}
	return classBenign
}

// escalatesToDoubleFault reports whether raising second while delivering
// first must become #DF.
func escalatesToDoubleFault(first, second *Fault) bool {
	a, b := first.class(), second.class()
	switch a {
	case classContributory:
		return b == classContributory
	case classPageFault:
		return b == classContributory || b == classPageFault
	}
	return false
}

// PageFault returns #PF for addr with the given error code.
func PageFault(addr uint64, code uint32) *Fault {
	return &Fault{Kind: FaultPageFault, Addr: addr, ErrorCode: code}
}

// GeneralProtection returns #GP(code).
func GeneralProtection(code uint32) *Fault {
	return &Fault{Kind: FaultGeneralProtection, ErrorCode: code}
}

// InvalidOpcode returns #UD.
func InvalidOpcode() *Fault { return &Fault{Kind: FaultInvalidOpcode} }

// DeviceNotAvailable returns #NM.
func DeviceNotAvailable() *Fault { return &Fault{Kind: FaultDeviceNotAvailable} }

// DivideError returns #DE.
func DivideError() *Fault { return &Fault{Kind: FaultDivideError} }

// StackFault returns #SS(code).
func StackFault(code uint32) *Fault {
	return &Fault{Kind: FaultStackFault, ErrorCode: code}
}

// SegmentNotPresent returns #NP(code).
func SegmentNotPresent(code uint32) *Fault {
	return &Fault{Kind: FaultSegmentNotPresent, ErrorCode: code}
}

// InvalidTSS returns #TS(code).
func InvalidTSS(code uint32) *Fault {
	return &Fault{Kind: FaultInvalidTSS, ErrorCode: code}
}

// DoubleFault returns #DF(0).
func DoubleFault() *Fault { return &Fault{Kind: FaultDoubleFault} }

// MemoryFault reports a host-level memory failure.
func MemoryFault(detail string) *Fault {
	return &Fault{Kind: FaultMemory, Detail: detail}
}

// Unimplemented reports an instruction the core does not execute.
func Unimplemented(detail string) *Fault {
	return &Fault{Kind: FaultUnimplemented, Detail: detail}
}

// AsFault normalises err into a *Fault. Translation errors from the MMU map
// to #PF and #GP(0); anything unrecognised becomes a memory fault.
func AsFault(err error) *Fault {
	if err == nil {
		return nil
	}

	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	var pf *mmu.PageFault
	if errors.As(err, &pf) {
		return PageFault(pf.Addr, pf.ErrorCode)
	}

	var nc *mmu.NonCanonicalError
	if errors.As(err, &nc) {
		return GeneralProtection(0)
	}

	return MemoryFault(err.Error())
}

// ExitKind classifies conditions that stop the core entirely.
type ExitKind uint8

// Exit kinds.
const (
	ExitTripleFault ExitKind = iota
	ExitMemoryFault
	ExitUnimplementedInstruction
)

func (k ExitKind) String() string {
	switch k {
	case ExitTripleFault:
		return "triple fault"
	case ExitMemoryFault:
		return "memory fault"
	case ExitUnimplementedInstruction:
		return "unimplemented instruction"
	}
	return fmt.Sprintf("ExitKind(%d)", uint8(k))
}

// CPUExit is a fatal condition the guest cannot handle.
type CPUExit struct {
	Kind   ExitKind
	Detail string
}

func (e *CPUExit) Error() string {
	if e.Detail == "" {
		return "cpu exit: " + e.Kind.String()
	}
	return fmt.Sprintf("cpu exit: %s: %s", e.Kind, e.Detail)
}
