package emu

import "golang.org/x/arch/x86/x86asm"

// gprSlot locates a decoded general-purpose register operand in State.GPR.
type gprSlot struct {
	index int
	size  int
	high  bool // AH, CH, DH or BH
}

func lookupGPR(r x86asm.Reg) (gprSlot, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return gprSlot{index: int(r - x86asm.AL), size: 1}, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return gprSlot{index: int(r - x86asm.AH), size: 1, high: true}, true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return gprSlot{index: int(r-x86asm.SPB) + 4, size: 1}, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return gprSlot{index: int(r - x86asm.AX), size: 2}, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return gprSlot{index: int(r - x86asm.EAX), size: 4}, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return gprSlot{index: int(r - x86asm.RAX), size: 8}, true
	}
	return gprSlot{}, false
}

// IsGPR reports whether r is a general-purpose register of any width.
func IsGPR(r x86asm.Reg) bool {
	_, ok := lookupGPR(r)
	return ok
}

// SegmentIndex maps ES..GS to SegES..SegGS.
func SegmentIndex(r x86asm.Reg) (int, bool) {
	if r >= x86asm.ES && r <= x86asm.GS {
		return int(r - x86asm.ES), true
	}
	return 0, false
}

func isControlReg(r x86asm.Reg) bool { return r >= x86asm.CR0 && r <= x86asm.CR15 }
func isDebugReg(r x86asm.Reg) bool   { return r >= x86asm.DR0 && r <= x86asm.DR15 }

// RegSize returns the width of a register operand in bytes, or 0 for
// registers the core does not model.
func RegSize(r x86asm.Reg) int {
	if g, ok := lookupGPR(r); ok {
		return g.size
	}
	switch {
	case r >= x86asm.ES && r <= x86asm.GS:
		return 2
	case r == x86asm.IP:
		return 2
	case r == x86asm.EIP:
		return 4
	case r == x86asm.RIP, isControlReg(r), isDebugReg(r):
		return 8
	}
	return 0
}

// ReadReg reads a general-purpose, segment or instruction-pointer operand,
// zero-extended to 64 bits.
func (s *State) ReadReg(r x86asm.Reg) uint64 {
	if g, ok := lookupGPR(r); ok {
		v := s.GPR[g.index]
		if g.high {
			return (v >> 8) & 0xff
		}
		return v & sizeMask(g.size)
	}
	if seg, ok := SegmentIndex(r); ok {
		return uint64(s.Segs[seg].Selector)
	}
	switch r {
	case x86asm.IP:
		return s.IP() & 0xffff
	case x86asm.EIP:
		return s.IP() & 0xffffffff
	case x86asm.RIP:
		return s.IP()
	}
	return 0
}

// WriteReg writes a register operand with x86 partial-register rules:
// 32-bit writes zero the upper half, 8- and 16-bit writes merge. Segment
// registers get real-mode semantics in real and virtual-8086 mode and only
// a selector update otherwise; descriptor loads go through the assist layer.
func (s *State) WriteReg(r x86asm.Reg, v uint64) {
	if g, ok := lookupGPR(r); ok {
		cur := s.GPR[g.index]
		switch {
		case g.size == 8:
			s.GPR[g.index] = v
		case g.size == 4:
			s.GPR[g.index] = v & 0xffffffff
		case g.high:
			s.GPR[g.index] = cur&^0xff00 | (v&0xff)<<8
		default:
			m := sizeMask(g.size)
			s.GPR[g.index] = cur&^m | v&m
		}
		return
	}
	if seg, ok := SegmentIndex(r); ok {
		if s.Mode == ModeReal || s.Mode == ModeVM86 {
			s.LoadRealSegment(seg, uint16(v))
		} else {
			s.Segs[seg].Selector = uint16(v)
		}
		return
	}
	switch r {
	case x86asm.IP, x86asm.EIP, x86asm.RIP:
		s.SetIP(v)
	}
}

// regForSize returns the x86asm register naming GPR index at the given
// width. Index 4..7 at width 1 name SPL..DIL, never AH..BH.
func regForSize(index, size int) x86asm.Reg {
	switch size {
	case 1:
		if index < 4 {
			return x86asm.AL + x86asm.Reg(index)
		}
		return x86asm.SPB + x86asm.Reg(index-4)
	case 2:
		return x86asm.AX + x86asm.Reg(index)
	case 4:
		return x86asm.EAX + x86asm.Reg(index)
	}
	return x86asm.RAX + x86asm.Reg(index)
}
