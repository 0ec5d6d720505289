// Package emu implements the execution core of one x86 logical processor:
// architectural state, the linear-memory bus and its paging-aware
// implementation, the Tier-0 interpreter, the batch driver, the assist layer
// and interrupt delivery.
package emu

import (
	"fmt"

	"github.com/sarchlab/x86core/mmu"
)

// Mode is the processor operating mode.
type Mode uint8

// Operating modes.
const (
	ModeReal Mode = iota
	ModeProtected
	ModeLong
	ModeVM86
)

func (m Mode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeLong:
		return "long"
	case ModeVM86:
		return "vm86"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// General-purpose register indices, in encoding order.
const (
	RAX = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Segment register indices, in encoding order.
const (
	SegES = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
)

// RFLAGS bits.
const (
	FlagCF        uint64 = 1 << 0
	FlagReserved1 uint64 = 1 << 1
	FlagPF        uint64 = 1 << 2
	FlagAF        uint64 = 1 << 4
	FlagZF        uint64 = 1 << 6
	FlagSF        uint64 = 1 << 7
	FlagTF        uint64 = 1 << 8
	FlagIF        uint64 = 1 << 9
	FlagDF        uint64 = 1 << 10
	FlagOF        uint64 = 1 << 11
	FlagIOPL      uint64 = 3 << 12
	FlagNT        uint64 = 1 << 14
	FlagRF        uint64 = 1 << 16
	FlagVM        uint64 = 1 << 17
	FlagAC        uint64 = 1 << 18
	FlagVIF       uint64 = 1 << 19
	FlagVIP       uint64 = 1 << 20
	FlagID        uint64 = 1 << 21
)

// Control-register bits.
const (
	CR0PE uint64 = 1 << 0
	CR0MP uint64 = 1 << 1
	CR0EM uint64 = 1 << 2
	CR0TS uint64 = 1 << 3
	CR0ET uint64 = 1 << 4
	CR0NE uint64 = 1 << 5
	CR0WP        = mmu.CR0WP
	CR0AM uint64 = 1 << 18
	CR0NW uint64 = 1 << 29
	CR0CD uint64 = 1 << 30
	CR0PG        = mmu.CR0PG

	CR4PSE           = mmu.CR4PSE
	CR4PAE           = mmu.CR4PAE
	CR4PGE           = mmu.CR4PGE
	CR4OSFXSR uint64 = 1 << 9
	CR4PCIDE         = mmu.CR4PCIDE
)

// EFER bits.
const (
	EFERSCE uint64 = 1 << 0
	EFERLME        = mmu.EFERLME
	EFERLMA uint64 = 1 << 10
	EFERNXE        = mmu.EFERNXE
)

// Segment access bits. The low byte is descriptor byte 5 (type, S, DPL, P);
// bits 8..11 are the descriptor flags nibble (AVL, L, D/B, G).
const (
	SegAccessAccessed uint32 = 1 << 0
	SegAccessS        uint32 = 1 << 4
	SegAccessPresent  uint32 = 1 << 7
	SegAccessAVL      uint32 = 1 << 8
	SegAccessL        uint32 = 1 << 9
	SegAccessDB       uint32 = 1 << 10
	SegAccessG        uint32 = 1 << 11
	SegAccessUnusable uint32 = 1 << 16
)

// Access bytes of the flat segments installed at reset.
const (
	accessCode uint32 = SegAccessPresent | SegAccessS | 0xb
	accessData uint32 = SegAccessPresent | SegAccessS | 0x3
)

// DefaultAPICBase is IA32_APIC_BASE at reset: the xAPIC window, global
// enable and the bootstrap-processor flag.
const DefaultAPICBase uint64 = 0xfee00000 | 1<<11 | 1<<8

// Segment is a segment register with its descriptor cache.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	Access   uint32
}

// Type returns the descriptor type nibble.
func (s Segment) Type() uint8 { return uint8(s.Access & 0xf) }

// DPL returns the descriptor privilege level.
func (s Segment) DPL() uint8 { return uint8(s.Access>>5) & 3 }

// RPL returns the requested privilege level of the selector.
func (s Segment) RPL() uint8 { return uint8(s.Selector & 3) }

// Present reports the descriptor P bit.
func (s Segment) Present() bool { return s.Access&SegAccessPresent != 0 }

// Unusable reports whether a null selector was loaded.
func (s Segment) Unusable() bool { return s.Access&SegAccessUnusable != 0 }

// System reports whether the descriptor is a system descriptor (S = 0).
func (s Segment) System() bool { return s.Access&SegAccessS == 0 }

// Long reports the L bit of a code segment.
func (s Segment) Long() bool { return s.Access&SegAccessL != 0 }

// DefaultBig reports the D/B bit.
func (s Segment) DefaultBig() bool { return s.Access&SegAccessDB != 0 }

// DescriptorTable is GDTR or IDTR.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
}

// MSRs holds the model-specific registers the core implements. The FS and
// GS bases live in the segment caches.
type MSRs struct {
	EFER         uint64
	STAR         uint64
	LSTAR        uint64
	CSTAR        uint64
	FMASK        uint64
	SysenterCS   uint64
	SysenterESP  uint64
	SysenterEIP  uint64
	KernelGSBase uint64
	APICBase     uint64
	PAT          uint64
	TSC          uint64
	TSCAux       uint64
}

// State is the architectural state of one logical processor.
type State struct {
	GPR    [16]uint64
	RIP    uint64
	RFLAGS uint64
	Mode   Mode

	Segs [6]Segment
	GDTR DescriptorTable
	IDTR DescriptorTable
	LDTR Segment
	TR   Segment

	CR0, CR2, CR3, CR4, CR8 uint64
	DR                      [4]uint64
	DR6, DR7                uint64

	MSR MSRs

	A20Enabled bool
	Halted     bool

	// PendingBIOSInt latches the vector of the last real-mode interrupt so a
	// BIOS stub that starts with HLT can exit to the host instead of halting.
	PendingBIOSInt      uint8
	PendingBIOSIntValid bool
}

// NewState returns reset state for the given mode. Control registers are
// set so that UpdateMode agrees with mode; long mode still needs CR3 to
// point at page tables before anything is fetched.
func NewState(mode Mode) *State {
	s := &State{
		RFLAGS:     FlagReserved1,
		Mode:       mode,
		A20Enabled: true,
		CR0:        CR0ET,
		DR6:        0xffff0ff0,
		DR7:        0x400,
	}
	s.MSR.APICBase = DefaultAPICBase
	s.MSR.PAT = 0x0007040600070406

	for i := range s.Segs {
		s.Segs[i] = Segment{Limit: 0xffff, Access: accessData}
	}
	s.Segs[SegCS].Access = accessCode
	s.GDTR.Limit = 0xffff
	s.IDTR.Limit = 0xffff
	s.LDTR = Segment{Limit: 0xffff, Access: SegAccessPresent | 0x2}
	s.TR = Segment{Limit: 0xffff, Access: SegAccessPresent | 0xb}

	switch mode {
	case ModeProtected:
		s.CR0 |= CR0PE
		s.flatSegments(SegAccessDB)
	case ModeLong:
		s.CR0 |= CR0PE | CR0PG
		s.CR4 |= CR4PAE
		s.MSR.EFER |= EFERLME | EFERLMA
		s.flatSegments(SegAccessDB)
		s.Segs[SegCS].Access = accessCode | SegAccessL | SegAccessG
	case ModeVM86:
		s.CR0 |= CR0PE
		s.RFLAGS |= FlagVM
	}
	return s
}

func (s *State) flatSegments(flags uint32) {
	for i := range s.Segs {
		s.Segs[i].Limit = 0xffffffff
		s.Segs[i].Access |= flags | SegAccessG
	}
}

// Bitness returns the effective code size: 16, 32 or 64.
func (s *State) Bitness() int {
	switch s.Mode {
	case ModeLong:
		return 64
	case ModeProtected:
		if s.Segs[SegCS].DefaultBig() {
			return 32
		}
	}
	return 16
}

// IPMask masks the instruction pointer to the current code size.
func (s *State) IPMask() uint64 {
	switch s.Bitness() {
	case 64:
		return ^uint64(0)
	case 32:
		return 0xffffffff
	}
	return 0xffff
}

// IP returns the instruction pointer masked to the current code size.
func (s *State) IP() uint64 { return s.RIP & s.IPMask() }

// SetIP sets the instruction pointer, masked to the current code size.
func (s *State) SetIP(ip uint64) { s.RIP = ip & s.IPMask() }

// CPL returns the current privilege level.
func (s *State) CPL() uint8 {
	switch s.Mode {
	case ModeReal:
		return 0
	case ModeVM86:
		return 3
	}
	return s.Segs[SegCS].RPL()
}

// IOPL returns RFLAGS.IOPL.
func (s *State) IOPL() uint8 { return uint8((s.RFLAGS & FlagIOPL) >> 12) }

// Flag reports whether every bit of mask is set in RFLAGS.
func (s *State) Flag(mask uint64) bool { return s.RFLAGS&mask == mask }

// SetFlag sets or clears mask in RFLAGS.
func (s *State) SetFlag(mask uint64, on bool) {
	if on {
		s.RFLAGS |= mask
	} else {
		s.RFLAGS &^= mask
	}
}

// SetRFLAGS replaces RFLAGS, keeping the reserved bit set.
func (s *State) SetRFLAGS(v uint64) { s.RFLAGS = v | FlagReserved1 }

// UpdateMode recomputes Mode and EFER.LMA from CR0, CR4, EFER, RFLAGS.VM
// and the CS descriptor cache. Call it after any of those change.
func (s *State) UpdateMode() Mode {
	if s.CR0&CR0PE == 0 {
		s.MSR.EFER &^= EFERLMA
		s.Mode = ModeReal
		return s.Mode
	}

	ia32e := s.MSR.EFER&EFERLME != 0 && s.CR0&CR0PG != 0 && s.CR4&CR4PAE != 0
	if ia32e {
		s.MSR.EFER |= EFERLMA
	} else {
		s.MSR.EFER &^= EFERLMA
	}

	switch {
	case ia32e && s.Segs[SegCS].Long():
		s.Mode = ModeLong
	case s.RFLAGS&FlagVM != 0:
		s.Mode = ModeVM86
	default:
		s.Mode = ModeProtected
	}
	return s.Mode
}

// SetPendingBIOSInt latches a BIOS interrupt vector.
func (s *State) SetPendingBIOSInt(vector uint8) {
	s.PendingBIOSInt = vector
	s.PendingBIOSIntValid = true
}

// TakePendingBIOSInt returns and clears the latched vector.
func (s *State) TakePendingBIOSInt() (uint8, bool) {
	if !s.PendingBIOSIntValid {
		return 0, false
	}
	s.PendingBIOSIntValid = false
	return s.PendingBIOSInt, true
}

// ClearPendingBIOSInt drops the latched vector.
func (s *State) ClearPendingBIOSInt() { s.PendingBIOSIntValid = false }

// SegBase returns the base used for linear address formation. In long mode
// only FS and GS contribute a base.
func (s *State) SegBase(seg int) uint64 {
	if s.Mode == ModeLong && seg != SegFS && seg != SegGS {
		return 0
	}
	return s.Segs[seg].Base
}

// LoadRealSegment loads a selector with real-mode semantics.
func (s *State) LoadRealSegment(seg int, selector uint16) {
	sg := &s.Segs[seg]
	sg.Selector = selector
	sg.Base = uint64(selector) << 4
	sg.Limit = 0xffff
	if seg == SegCS {
		sg.Access = accessCode
	} else {
		sg.Access = accessData
	}
}

// LinearMask returns the mask applied to linear addresses: none in long
// mode, 32 bits otherwise, with bit 20 cleared while the A20 gate is off.
func (s *State) LinearMask() uint64 {
	if s.Mode == ModeLong {
		return ^uint64(0)
	}
	m := uint64(0xffffffff)
	if !s.A20Enabled {
		m &^= 1 << 20
	}
	return m
}

// ApplyA20 masks a linear address the way LinearMask describes.
func (s *State) ApplyA20(addr uint64) uint64 { return addr & s.LinearMask() }

// StackSize returns the stack-pointer width in bytes.
func (s *State) StackSize() int {
	switch s.Mode {
	case ModeLong:
		return 8
	case ModeProtected:
		if s.Segs[SegSS].DefaultBig() {
			return 4
		}
	}
	return 2
}

// StackPointer returns SP, ESP or RSP according to StackSize.
func (s *State) StackPointer() uint64 {
	return s.GPR[RSP] & sizeMask(s.StackSize())
}

// SetStackPointer writes the stack pointer, preserving bits above the
// stack width.
func (s *State) SetStackPointer(v uint64) {
	m := sizeMask(s.StackSize())
	if m == ^uint64(0) {
		s.GPR[RSP] = v
		return
	}
	s.GPR[RSP] = s.GPR[RSP]&^m | v&m
}

// ApplyFaultSideEffects applies the architectural side effects of surfacing
// err: a page fault loads CR2 with the faulting address.
func (s *State) ApplyFaultSideEffects(err error) {
	if f := AsFault(err); f != nil && f.Kind == FaultPageFault {
		s.CR2 = f.Addr
	}
}

// SyncMMU copies the paging-relevant registers into m, touching only the
// ones that differ so unchanged registers do not flush the TLBs.
func (s *State) SyncMMU(m *mmu.MMU) {
	if m.CR0() != s.CR0 {
		m.SetCR0(s.CR0)
	}
	if m.CR3() != s.CR3 {
		m.SetCR3(s.CR3)
	}
	if m.CR4() != s.CR4 {
		m.SetCR4(s.CR4)
	}
	if m.EFER() != s.MSR.EFER {
		m.SetEFER(s.MSR.EFER)
	}
}
