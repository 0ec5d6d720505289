package emu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/x86core/mmu"
)

const (
	cr4DE uint64 = 1 << 3

	dr6Fixed uint64 = 0xffff0ff0
	dr7Fixed uint64 = 0x400
)

// execMovPrivileged runs the MOV forms Tier-0 defers: control and debug
// register moves and segment loads outside real mode.
func (c *execCtx) execMovPrivileged() (StepExit, error) {
	dst, src := c.arg(0), c.arg(1)

	if r, ok := dst.(x86asm.Reg); ok {
		switch {
		case isControlReg(r):
			return c.writeControlReg(int(r-x86asm.CR0), src)
		case isDebugReg(r):
			return c.writeDebugReg(int(r-x86asm.DR0), src)
		}
		if seg, isSeg := SegmentIndex(r); isSeg {
			if seg == SegCS {
				return StepExit{}, InvalidOpcode()
			}
			sel, err := c.read(src, 2)
			if err != nil {
				return StepExit{}, err
			}
			return c.loadSegment(seg, uint16(sel))
		}
	}
	if r, ok := src.(x86asm.Reg); ok {
		switch {
		case isControlReg(r):
			return c.readControlReg(int(r-x86asm.CR0), dst)
		case isDebugReg(r):
			return c.readDebugReg(int(r-x86asm.DR0), dst)
		}
	}
	return c.execMov()
}

func (c *execCtx) readControlReg(n int, dst x86asm.Arg) (StepExit, error) {
	if err := c.requireCPL0(); err != nil {
		return StepExit{}, err
	}
	s := c.s
	var v uint64
	switch n {
	case 0:
		v = s.CR0
	case 2:
		v = s.CR2
	case 3:
		v = s.CR3
	case 4:
		v = s.CR4
	case 8:
		v = s.CR8 & 0xf
	default:
		return StepExit{}, InvalidOpcode()
	}
	r := dst.(x86asm.Reg)
	s.WriteReg(r, v&sizeMask(RegSize(r)))
	return cont()
}

func (c *execCtx) writeControlReg(n int, src x86asm.Arg) (StepExit, error) {
	if err := c.requireCPL0(); err != nil {
		return StepExit{}, err
	}
	r, ok := src.(x86asm.Reg)
	if !ok {
		return StepExit{}, InvalidOpcode()
	}
	s := c.s
	v := s.ReadReg(r)
	long := s.MSR.EFER&EFERLMA != 0

	switch n {
	case 0:
		if long && v>>32 != 0 {
			return StepExit{}, GeneralProtection(0)
		}
		v = v&0xffffffff | CR0ET
		if v&CR0PG != 0 && v&CR0PE == 0 {
			return StepExit{}, GeneralProtection(0)
		}
		if v&CR0PG != 0 && s.MSR.EFER&EFERLME != 0 && s.CR4&CR4PAE == 0 {
			return StepExit{}, GeneralProtection(0)
		}
		s.CR0 = v
		s.UpdateMode()
	case 2:
		s.CR2 = v
	case 3:
		if !long {
			v &= 0xffffffff
		}
		s.CR3 = v
	case 4:
		if long && v&CR4PAE == 0 {
			return StepExit{}, GeneralProtection(0)
		}
		s.CR4 = v & 0xffffffff
		s.UpdateMode()
	case 8:
		s.CR8 = v & 0xf
	default:
		return StepExit{}, InvalidOpcode()
	}
	return cont()
}

// debugIndex maps DR4 and DR5 onto DR6 and DR7 unless CR4.DE is set.
func (c *execCtx) debugIndex(n int) (int, error) {
	switch {
	case n == 4 || n == 5:
		if c.s.CR4&cr4DE != 0 {
			return 0, InvalidOpcode()
		}
		return n + 2, nil
	case n > 7:
		return 0, InvalidOpcode()
	}
	return n, nil
}

func (c *execCtx) readDebugReg(n int, dst x86asm.Arg) (StepExit, error) {
	if err := c.requireCPL0(); err != nil {
		return StepExit{}, err
	}
	n, err := c.debugIndex(n)
	if err != nil {
		return StepExit{}, err
	}
	var v uint64
	switch n {
	case 6:
		v = c.s.DR6
	case 7:
		v = c.s.DR7
	default:
		v = c.s.DR[n]
	}
	r := dst.(x86asm.Reg)
	c.s.WriteReg(r, v&sizeMask(RegSize(r)))
	return cont()
}

func (c *execCtx) writeDebugReg(n int, src x86asm.Arg) (StepExit, error) {
	if err := c.requireCPL0(); err != nil {
		return StepExit{}, err
	}
	n, err := c.debugIndex(n)
	if err != nil {
		return StepExit{}, err
	}
	r, ok := src.(x86asm.Reg)
	if !ok {
		return StepExit{}, InvalidOpcode()
	}
	v := c.s.ReadReg(r)
	switch n {
	case 6:
		c.s.DR6 = v&0xe00f | dr6Fixed
	case 7:
		c.s.DR7 = v&0xffffffff | dr7Fixed
	default:
		c.s.DR[n] = v
	}
	return cont()
}

// farOperand returns the selector and offset of a far JMP or CALL target,
// either an immediate ptr16:16/32 or a memory m16:16/32/64.
func (c *execCtx) farOperand() (sel uint16, off uint64, err error) {
	if c.nargs() == 2 {
		s, ok1 := c.arg(0).(x86asm.Imm)
		o, ok2 := c.arg(1).(x86asm.Imm)
		if !ok1 || !ok2 {
			return 0, 0, InvalidOpcode()
		}
		return uint16(s), uint64(o) & sizeMask(c.dataSize()), nil
	}
	m, ok := c.arg(0).(x86asm.Mem)
	if !ok {
		return 0, 0, InvalidOpcode()
	}
	size := c.in.MemBytes - 2
	addr := c.memLinear(m)
	if off, err = c.readMem(addr, size); err != nil {
		return 0, 0, err
	}
	v, err := c.readMem(addr+uint64(size), 2)
	if err != nil {
		return 0, 0, err
	}
	return uint16(v), off, nil
}

// loadCS loads a far transfer target into CS and sets IP. The offset is
// masked to the code size of the new segment.
func (c *execCtx) loadCS(sel uint16, off uint64, why SegmentLoad) error {
	if c.realSegments() {
		c.s.LoadRealSegment(SegCS, sel)
	} else if err := c.s.LoadSegment(c.bus, SegCS, sel, why); err != nil {
		return err
	}
	if c.s.Mode == ModeLong && !mmu.IsCanonical48(off) {
		return GeneralProtection(0)
	}
	c.s.SetIP(off)
	return nil
}

func (c *execCtx) execFarJmp() (StepExit, error) {
	sel, off, err := c.farOperand()
	if err != nil {
		return StepExit{}, err
	}
	if err := c.loadCS(sel, off, LoadCode); err != nil {
		return StepExit{}, err
	}
	return branch()
}

// execFarCall pushes the return CS:IP at the operand size and transfers to
// the target. Call gates are not supported.
func (c *execCtx) execFarCall() (StepExit, error) {
	sel, off, err := c.farOperand()
	if err != nil {
		return StepExit{}, err
	}
	size := c.dataSize()
	if err := c.push(uint64(c.s.Segs[SegCS].Selector), size); err != nil {
		return StepExit{}, err
	}
	if err := c.push(c.next, size); err != nil {
		return StepExit{}, err
	}
	if err := c.loadCS(sel, off, LoadCode); err != nil {
		return StepExit{}, err
	}
	return branch()
}

// execFarRet pops IP and CS, releases the immediate count of stack bytes
// and, on a return to an outer privilege level, pops SP and SS as well.
func (c *execCtx) execFarRet() (StepExit, error) {
	size := c.dataSize()
	var imm uint64
	if c.nargs() > 0 {
		if i, ok := c.arg(0).(x86asm.Imm); ok {
			imm = uint64(i) & 0xffff
		}
	}

	ip, err := c.peek(0, size)
	if err != nil {
		return StepExit{}, err
	}
	cs, err := c.peek(uint64(size), size)
	if err != nil {
		return StepExit{}, err
	}
	sel := uint16(cs)
	sp := c.s.StackPointer() + uint64(2*size) + imm

	outer := !c.realSegments() && sel&3 > uint16(c.s.CPL())
	var newSP, newSS uint64
	if outer {
		lin := func(off uint64) uint64 {
			return c.linear(SegSS, (sp+off)&sizeMask(c.s.StackSize()))
		}
		if newSP, err = c.readMem(lin(0), size); err != nil {
			return StepExit{}, err
		}
		if newSS, err = c.readMem(lin(uint64(size)), size); err != nil {
			return StepExit{}, err
		}
	}

	if err := c.loadCS(sel, ip, LoadReturn); err != nil {
		return StepExit{}, err
	}
	if !outer {
		c.s.SetStackPointer(sp)
		return branch()
	}
	if err := c.s.LoadSegment(c.bus, SegSS, uint16(newSS), LoadStack); err != nil {
		return StepExit{}, err
	}
	c.s.SetStackPointer(newSP + imm)
	return branch()
}

// tableOperand returns the memory operand of LGDT, LIDT, SGDT and SIDT.
func (c *execCtx) tableOperand() (uint64, error) {
	m, ok := c.arg(0).(x86asm.Mem)
	if !ok {
		return 0, InvalidOpcode()
	}
	return c.memLinear(m), nil
}

func (c *execCtx) execLoadTableReg(gdt bool) (StepExit, error) {
	if err := c.requireCPL0(); err != nil {
		return StepExit{}, err
	}
	addr, err := c.tableOperand()
	if err != nil {
		return StepExit{}, err
	}
	limit, err := c.readMem(addr, 2)
	if err != nil {
		return StepExit{}, err
	}

	baseSize := 4
	if c.s.Bitness() == 64 {
		baseSize = 8
	}
	base, err := c.readMem(addr+2, baseSize)
	if err != nil {
		return StepExit{}, err
	}
	if baseSize == 4 && c.dataSize() == 2 {
		base &= 0xffffff
	}

	t := DescriptorTable{Base: base, Limit: uint16(limit)}
	if gdt {
		c.s.GDTR = t
	} else {
		c.s.IDTR = t
	}
	return cont()
}

func (c *execCtx) execStoreTableReg(gdt bool) (StepExit, error) {
	addr, err := c.tableOperand()
	if err != nil {
		return StepExit{}, err
	}
	t := c.s.IDTR
	if gdt {
		t = c.s.GDTR
	}
	baseSize := 4
	if c.s.Bitness() == 64 {
		baseSize = 8
	}
	if err := c.writeMem(addr, 2, uint64(t.Limit)); err != nil {
		return StepExit{}, err
	}
	return cont2(c.writeMem(addr+2, baseSize, t.Base))
}

func (c *execCtx) execLoadSystemSegment(tr bool) (StepExit, error) {
	if c.realSegments() {
		return StepExit{}, InvalidOpcode()
	}
	if err := c.requireCPL0(); err != nil {
		return StepExit{}, err
	}
	sel, err := c.read(c.arg(0), 2)
	if err != nil {
		return StepExit{}, err
	}
	if tr {
		return cont2(c.s.LoadTR(c.bus, uint16(sel)))
	}
	return cont2(c.s.LoadLDTR(c.bus, uint16(sel)))
}

func (c *execCtx) execStoreSystemSegment(tr bool) (StepExit, error) {
	if c.realSegments() {
		return StepExit{}, InvalidOpcode()
	}
	sel := c.s.LDTR.Selector
	if tr {
		sel = c.s.TR.Selector
	}
	return c.storeWord(uint64(sel))
}

// storeWord writes a 16-bit system value: zero-extended into a register
// destination, two bytes to memory.
func (c *execCtx) storeWord(v uint64) (StepExit, error) {
	if r, ok := c.arg(0).(x86asm.Reg); ok {
		c.s.WriteReg(r, v&sizeMask(RegSize(r)))
		return cont()
	}
	return cont2(c.write(c.arg(0), 2, v))
}

// execLmsw loads CR0 bits 0..3. It can set PE but not clear it.
func (c *execCtx) execLmsw() (StepExit, error) {
	if err := c.requireCPL0(); err != nil {
		return StepExit{}, err
	}
	v, err := c.read(c.arg(0), 2)
	if err != nil {
		return StepExit{}, err
	}
	s := c.s
	pe := s.CR0 & CR0PE
	s.CR0 = s.CR0&^0xf | v&0xf | pe
	s.UpdateMode()
	return cont()
}

func (c *execCtx) execSmsw() (StepExit, error) {
	if r, ok := c.arg(0).(x86asm.Reg); ok {
		c.s.WriteReg(r, c.s.CR0&sizeMask(RegSize(r)))
		return cont()
	}
	return c.storeWord(c.s.CR0 & 0xffff)
}
