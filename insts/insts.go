// Package insts provides x86 instruction decoding for the execution core.
//
// Decoding itself is delegated to golang.org/x/arch/x86/x86asm. This package
// wraps the result with the raw bytes, the address it was fetched from and
// the prefix and opcode queries the interpreter and the assist layer need.
package insts

import "golang.org/x/arch/x86/x86asm"

// MaxLength is the architectural limit on instruction length.
const MaxLength = 15

// Legacy prefix bytes.
const (
	PrefixES       byte = 0x26
	PrefixCS       byte = 0x2e
	PrefixSS       byte = 0x36
	PrefixDS       byte = 0x3e
	PrefixFS       byte = 0x64
	PrefixGS       byte = 0x65
	PrefixOpSize   byte = 0x66
	PrefixAddrSize byte = 0x67
	PrefixLock     byte = 0xf0
	PrefixRepNE    byte = 0xf2
	PrefixRep      byte = 0xf3
)

// Instruction is one decoded instruction.
type Instruction struct {
	x86asm.Inst

	// Raw holds the encoded bytes; only the first Len are meaningful.
	Raw [MaxLength]byte
	// RIP is the instruction pointer the bytes were fetched at.
	RIP uint64
	// Bitness is the code size the bytes were decoded under: 16, 32 or 64.
	Bitness int
}

// Bytes returns the encoded bytes.
func (i *Instruction) Bytes() []byte {
	return i.Raw[:i.Len]
}

// IsLegacyPrefix reports whether b is one of the eleven legacy prefix bytes.
func IsLegacyPrefix(b byte) bool {
	switch b {
	case PrefixES, PrefixCS, PrefixSS, PrefixDS, PrefixFS, PrefixGS,
		PrefixOpSize, PrefixAddrSize, PrefixLock, PrefixRepNE, PrefixRep:
		return true
	}
	return false
}

// prefixEnd returns the offset of the first opcode byte of raw, skipping
// legacy prefixes and, in 64-bit code, a REX prefix.
func prefixEnd(raw []byte, bitness int) int {
	n := 0
	for n < len(raw) && n < MaxLength && IsLegacyPrefix(raw[n]) {
		n++
	}
	if bitness == 64 && n < len(raw) && raw[n]&0xf0 == 0x40 {
		n++
	}
	return n
}

func (i *Instruction) prefixes() []byte {
	return i.Raw[:prefixEnd(i.Raw[:i.Len], i.Bitness)]
}

// HasPrefix reports whether the legacy prefix byte p is present.
func (i *Instruction) HasPrefix(p byte) bool {
	for _, b := range i.prefixes() {
		if b == p {
			return true
		}
	}
	return false
}

// AddrSizeOverride reports whether an address-size override prefix is present.
func (i *Instruction) AddrSizeOverride() bool {
	return i.HasPrefix(PrefixAddrSize)
}

// OpSizeOverride reports whether an operand-size override prefix is present.
func (i *Instruction) OpSizeOverride() bool {
	return i.HasPrefix(PrefixOpSize)
}

// Lock reports whether a LOCK prefix is present.
func (i *Instruction) Lock() bool {
	return i.HasPrefix(PrefixLock)
}

// Rep reports whether a REP/REPE prefix is present.
func (i *Instruction) Rep() bool {
	return i.HasPrefix(PrefixRep)
}

// RepNE reports whether a REPNE prefix is present.
func (i *Instruction) RepNE() bool {
	return i.HasPrefix(PrefixRepNE)
}

// SegmentOverride returns the last segment override prefix, if any.
func (i *Instruction) SegmentOverride() (x86asm.Reg, bool) {
	var (
		seg x86asm.Reg
		ok  bool
	)
	for _, b := range i.prefixes() {
		switch b {
		case PrefixES:
			seg, ok = x86asm.ES, true
		case PrefixCS:
			seg, ok = x86asm.CS, true
		case PrefixSS:
			seg, ok = x86asm.SS, true
		case PrefixDS:
			seg, ok = x86asm.DS, true
		case PrefixFS:
			seg, ok = x86asm.FS, true
		case PrefixGS:
			seg, ok = x86asm.GS, true
		}
	}
	return seg, ok
}

// Opcode returns the primary opcode byte. For two-byte opcodes (0F xx) it
// returns the second byte and twoByte is true.
func (i *Instruction) Opcode() (op byte, twoByte bool) {
	return OpcodeOf(i.Raw[:i.Len], i.Bitness)
}

// OpcodeOf returns the primary opcode byte of raw, which need not decode.
func OpcodeOf(raw []byte, bitness int) (op byte, twoByte bool) {
	n := prefixEnd(raw, bitness)
	if n >= len(raw) {
		return 0, false
	}
	if raw[n] == 0x0f && n+1 < len(raw) {
		return raw[n+1], true
	}
	return raw[n], false
}

// X87Kind classifies raw bytes within the x87 encoding space.
type X87Kind uint8

// x87 encoding classes.
const (
	X87None X87Kind = iota
	X87Escape
	X87Wait
)

// ClassifyX87 reports whether raw starts with an x87 escape (D8..DF) or the
// WAIT/FWAIT opcode (9B) after its prefixes.
func ClassifyX87(raw []byte, bitness int) X87Kind {
	op, two := OpcodeOf(raw, bitness)
	switch {
	case two:
		return X87None
	case op >= 0xd8 && op <= 0xdf:
		return X87Escape
	case op == 0x9b:
		return X87Wait
	}
	return X87None
}

// IsInterruptRelated reports whether the instruction needs the interrupt
// bookkeeping to execute: CLI, STI, INT n, INT3, INT1, INTO and IRET.
func (i *Instruction) IsInterruptRelated() bool {
	op, two := i.Opcode()
	if two {
		return false
	}
	switch op {
	case 0xfa, 0xfb, 0xcc, 0xcd, 0xce, 0xf1, 0xcf:
		return true
	}
	return false
}

// IsPortIO reports whether the instruction is IN, OUT, INS or OUTS.
func (i *Instruction) IsPortIO() bool {
	op, two := i.Opcode()
	if two {
		return false
	}
	switch {
	case op >= 0xe4 && op <= 0xe7,
		op >= 0xec && op <= 0xef,
		op >= 0x6c && op <= 0x6f:
		return true
	}
	return false
}
