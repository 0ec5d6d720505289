package emu

import (
	"golang.org/x/arch/x86/x86asm"
)

// realSegments reports whether segment loads use real-mode semantics.
func (c *execCtx) realSegments() bool {
	return c.s.Mode == ModeReal || c.s.Mode == ModeVM86
}

func (c *execCtx) execMov() (StepExit, error) {
	dst, src := c.arg(0), c.arg(1)

	if r, ok := dst.(x86asm.Reg); ok && (isControlReg(r) || isDebugReg(r)) {
		return c.assist(AssistPrivileged)
	}
	if r, ok := src.(x86asm.Reg); ok && (isControlReg(r) || isDebugReg(r)) {
		return c.assist(AssistPrivileged)
	}

	if r, ok := dst.(x86asm.Reg); ok {
		if seg, isSeg := SegmentIndex(r); isSeg {
			return c.movToSegment(seg, src)
		}
	}

	size := c.argSize(dst)
	if r, ok := src.(x86asm.Reg); ok {
		if _, isSeg := SegmentIndex(r); isSeg {
			// MOV r/m, Sreg stores 16 bits to memory and zero-extends into
			// a register.
			if _, isMem := dst.(x86asm.Mem); isMem {
				size = 2
			}
		}
	}
	if size == 0 {
		size = c.argSize(src)
	}

	v, err := c.read(src, size)
	if err != nil {
		return StepExit{}, err
	}
	return cont2(c.write(dst, size, v))
}

func (c *execCtx) movToSegment(seg int, src x86asm.Arg) (StepExit, error) {
	if seg == SegCS {
		return StepExit{}, InvalidOpcode()
	}
	if !c.realSegments() {
		return c.assist(AssistPrivileged)
	}
	sel, err := c.read(src, 2)
	if err != nil {
		return StepExit{}, err
	}
	return c.loadSegment(seg, uint16(sel))
}

// loadSegment loads a data or stack segment register. Loading SS blocks
// interrupts for the next instruction.
func (c *execCtx) loadSegment(seg int, sel uint16) (StepExit, error) {
	why := LoadData
	if seg == SegSS {
		why = LoadStack
	}
	if err := c.s.LoadSegment(c.bus, seg, sel, why); err != nil {
		return StepExit{}, err
	}
	if seg == SegSS {
		return StepExit{Kind: StepContinueInhibitInterrupts}, nil
	}
	return cont()
}

func (c *execCtx) execMovExtend(signed bool) (StepExit, error) {
	dst := c.arg(0)
	dsize := c.argSize(dst)
	ssize := c.argSize(c.arg(1))
	v, err := c.read(c.arg(1), ssize)
	if err != nil {
		return StepExit{}, err
	}
	if signed {
		v = signExtend(v, ssize)
	}
	return cont2(c.write(dst, dsize, v))
}

func (c *execCtx) execMovBE() (StepExit, error) {
	size := c.opSize()
	v, err := c.read(c.arg(1), size)
	if err != nil {
		return StepExit{}, err
	}
	return cont2(c.write(c.arg(0), size, ByteSwap(v, size)))
}

func (c *execCtx) execLea() (StepExit, error) {
	m, ok := c.arg(1).(x86asm.Mem)
	if !ok {
		return StepExit{}, InvalidOpcode()
	}
	_, off := c.effAddr(m)
	dst := c.arg(0)
	return cont2(c.write(dst, c.argSize(dst), off))
}

func (c *execCtx) execXchg() (StepExit, error) {
	size := c.opSize()
	a, b := c.arg(0), c.arg(1)
	if _, ok := a.(x86asm.Mem); ok {
		a, b = b, a
	}

	// a is a register; b is a register or memory.
	reg := a.(x86asm.Reg)
	rv := c.s.ReadReg(reg)
	if m, ok := b.(x86asm.Mem); ok {
		var old uint64
		err := c.atomic(c.memLinear(m), size, func(v uint64) (uint64, bool) {
			old = v
			return rv, true
		})
		if err != nil {
			return StepExit{}, err
		}
		c.s.WriteReg(reg, old)
		return cont()
	}

	other := b.(x86asm.Reg)
	ov := c.s.ReadReg(other)
	c.s.WriteReg(other, rv)
	c.s.WriteReg(reg, ov)
	return cont()
}

func (c *execCtx) execXadd() (StepExit, error) {
	size := c.opSize()
	src := c.arg(1).(x86asm.Reg)
	sv := c.s.ReadReg(src)
	var old, sum uint64
	err := c.rmw(c.arg(0), size, func(v uint64) (uint64, bool) {
		old = v
		sum = c.alu.Add(v, sv, size, false)
		return sum, true
	})
	if err != nil {
		return StepExit{}, err
	}
	c.s.WriteReg(src, old)
	if r, ok := c.arg(0).(x86asm.Reg); ok {
		// The destination is written last, so XADD r, r keeps the sum.
		c.s.WriteReg(r, sum)
	}
	return cont()
}

func (c *execCtx) execCmpxchg() (StepExit, error) {
	size := c.opSize()
	acc := regForSize(RAX, size)
	av := c.s.ReadReg(acc)
	sv := c.s.ReadReg(c.arg(1).(x86asm.Reg))

	var (
		old   uint64
		equal bool
	)
	err := c.rmw(c.arg(0), size, func(v uint64) (uint64, bool) {
		old = v
		c.alu.Sub(av, v, size, false)
		equal = av == v
		if equal {
			return sv, true
		}
		return v, true
	})
	if err != nil {
		return StepExit{}, err
	}
	if !equal {
		c.s.WriteReg(acc, old)
	}
	return cont()
}

func (c *execCtx) execCmpxchgDouble() (StepExit, error) {
	m, ok := c.arg(0).(x86asm.Mem)
	if !ok {
		return StepExit{}, InvalidOpcode()
	}
	addr := c.memLinear(m)

	if c.in.Op == x86asm.CMPXCHG8B {
		expect := c.s.GPR[RDX]<<32 | c.s.GPR[RAX]&0xffffffff
		repl := c.s.GPR[RCX]<<32 | c.s.GPR[RBX]&0xffffffff
		var old uint64
		err := c.atomic(addr, 8, func(v uint64) (uint64, bool) {
			old = v
			return repl, v == expect
		})
		if err != nil {
			return StepExit{}, err
		}
		c.s.SetFlag(FlagZF, old == expect)
		if old != expect {
			c.s.WriteReg(x86asm.EAX, old&0xffffffff)
			c.s.WriteReg(x86asm.EDX, old>>32)
		}
		return cont()
	}

	if addr&0xf != 0 {
		return StepExit{}, GeneralProtection(0)
	}
	var buf [16]byte
	if err := readLinearBytes(c.s, c.bus, addr, buf[:]); err != nil {
		return StepExit{}, err
	}
	old := bytesToUint128(buf[:])
	if old.Lo == c.s.GPR[RAX] && old.Hi == c.s.GPR[RDX] {
		putUint128(buf[:], Uint128{Lo: c.s.GPR[RBX], Hi: c.s.GPR[RCX]})
		if err := writeLinearBytes(c.s, c.bus, c.s.ApplyA20(addr), buf[:]); err != nil {
			return StepExit{}, err
		}
		c.s.SetFlag(FlagZF, true)
		return cont()
	}
	// The destination is written back even when the compare fails.
	if err := writeLinearBytes(c.s, c.bus, c.s.ApplyA20(addr), buf[:]); err != nil {
		return StepExit{}, err
	}
	c.s.SetFlag(FlagZF, false)
	c.s.GPR[RAX], c.s.GPR[RDX] = old.Lo, old.Hi
	return cont()
}

func bytesToUint128(b []byte) Uint128 {
	var v Uint128
	for i := 7; i >= 0; i-- {
		v.Lo = v.Lo<<8 | uint64(b[i])
		v.Hi = v.Hi<<8 | uint64(b[8+i])
	}
	return v
}

func putUint128(b []byte, v Uint128) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v.Lo >> (8 * i))
		b[8+i] = byte(v.Hi >> (8 * i))
	}
}

// srcSegment returns DS or the segment override.
func (c *execCtx) srcSegment() int {
	if r, ok := c.in.SegmentOverride(); ok {
		if seg, ok := SegmentIndex(r); ok {
			return seg
		}
	}
	return SegDS
}

func (c *execCtx) execXlat() (StepExit, error) {
	asz := c.addrSize()
	off := (c.s.GPR[RBX] + c.s.GPR[RAX]&0xff) & sizeMask(asz)
	v, err := c.readMem(c.linear(c.srcSegment(), off), 1)
	if err != nil {
		return StepExit{}, err
	}
	c.s.WriteReg(x86asm.AL, v)
	return cont()
}

var farPointerSeg = map[x86asm.Op]int{
	x86asm.LDS: SegDS,
	x86asm.LES: SegES,
	x86asm.LFS: SegFS,
	x86asm.LGS: SegGS,
	x86asm.LSS: SegSS,
}

func (c *execCtx) execLoadFarPointer(op x86asm.Op) (StepExit, error) {
	if !c.realSegments() {
		return c.assist(AssistPrivileged)
	}
	return c.loadFarPointer(op)
}

// loadFarPointer reads offset and selector from memory, loads the selector
// and then writes the offset register.
func (c *execCtx) loadFarPointer(op x86asm.Op) (StepExit, error) {
	m, ok := c.arg(1).(x86asm.Mem)
	if !ok {
		return StepExit{}, InvalidOpcode()
	}
	dst := c.arg(0).(x86asm.Reg)
	size := RegSize(dst)
	addr := c.memLinear(m)
	off, err := c.readMem(addr, size)
	if err != nil {
		return StepExit{}, err
	}
	sel, err := c.readMem(addr+uint64(size), 2)
	if err != nil {
		return StepExit{}, err
	}
	seg := farPointerSeg[op]
	why := LoadData
	if seg == SegSS {
		why = LoadStack
	}
	if err := c.s.LoadSegment(c.bus, seg, uint16(sel), why); err != nil {
		return StepExit{}, err
	}
	c.s.WriteReg(dst, off)
	return cont()
}

func (c *execCtx) execPush() (StepExit, error) {
	size := c.stackOpSize()
	v, err := c.read(c.arg(0), size)
	if err != nil {
		return StepExit{}, err
	}
	return cont2(c.push(v, size))
}

func (c *execCtx) execPop() (StepExit, error) {
	size := c.stackOpSize()
	dst := c.arg(0)

	if r, ok := dst.(x86asm.Reg); ok {
		if seg, isSeg := SegmentIndex(r); isSeg {
			if !c.realSegments() {
				return c.assist(AssistPrivileged)
			}
			return c.popSegment(seg)
		}
	}

	v, err := c.pop(size)
	if err != nil {
		return StepExit{}, err
	}
	// A memory destination addressed through the stack pointer sees the
	// incremented value.
	return cont2(c.write(dst, size, v))
}

// popSegment pops a selector of the stack operand size into seg. The stack
// pointer is only updated once the load succeeds.
func (c *execCtx) popSegment(seg int) (StepExit, error) {
	if seg == SegCS {
		return StepExit{}, InvalidOpcode()
	}
	size := c.stackOpSize()
	sp := c.s.StackPointer()
	sel, err := c.peek(0, size)
	if err != nil {
		return StepExit{}, err
	}
	exit, err := c.loadSegment(seg, uint16(sel))
	if err != nil {
		return StepExit{}, err
	}
	c.s.SetStackPointer(sp + uint64(size))
	return exit, nil
}

// vm86FlagsFault reports #GP for PUSHF and POPF in virtual-8086 mode below
// IOPL 3.
func (c *execCtx) vm86FlagsFault() error {
	if c.s.Mode == ModeVM86 && c.s.IOPL() < 3 {
		return GeneralProtection(0)
	}
	return nil
}

func (c *execCtx) execPushf() (StepExit, error) {
	if err := c.vm86FlagsFault(); err != nil {
		return StepExit{}, err
	}
	size := c.stackOpSize()
	v := c.s.RFLAGS &^ (FlagVM | FlagRF)
	return cont2(c.push(v, size))
}

// poppableFlags returns the RFLAGS bits POPF and IRET may change at the
// current privilege.
func (s *State) poppableFlags() uint64 {
	mask := FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagTF | FlagDF |
		FlagOF | FlagNT | FlagAC | FlagID
	cpl, iopl := s.CPL(), s.IOPL()
	if s.Mode == ModeVM86 {
		return mask | FlagIF
	}
	if cpl == 0 {
		mask |= FlagIOPL
	}
	if cpl <= iopl {
		mask |= FlagIF
	}
	return mask
}

func (c *execCtx) execPopf() (StepExit, error) {
	if err := c.vm86FlagsFault(); err != nil {
		return StepExit{}, err
	}
	size := c.stackOpSize()
	v, err := c.pop(size)
	if err != nil {
		return StepExit{}, err
	}
	mask := c.s.poppableFlags() & sizeMask(size)
	c.s.SetRFLAGS(c.s.RFLAGS&^(mask|FlagRF) | v&mask)
	return cont()
}

func (c *execCtx) execPusha() (StepExit, error) {
	size := c.dataSize()
	sp := c.s.GPR[RSP]
	for _, r := range []int{RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI} {
		v := c.s.GPR[r]
		if r == RSP {
			v = sp
		}
		if err := c.push(v, size); err != nil {
			return StepExit{}, err
		}
	}
	return cont()
}

func (c *execCtx) execPopa() (StepExit, error) {
	size := c.dataSize()
	var vals [8]uint64
	for i := range vals {
		v, err := c.peek(uint64(i*size), size)
		if err != nil {
			return StepExit{}, err
		}
		vals[i] = v
	}
	for i, r := range []int{RDI, RSI, RBP, RSP, RBX, RDX, RCX, RAX} {
		if r != RSP {
			c.s.WriteReg(regForSize(r, size), vals[i])
		}
	}
	c.s.SetStackPointer(c.s.StackPointer() + uint64(8*size))
	return cont()
}

func (c *execCtx) execEnter() (StepExit, error) {
	size := c.stackOpSize()
	alloc, _ := c.read(c.arg(0), 2)
	level, _ := c.read(c.arg(1), 1)
	level &= 31
	bp := regForSize(RBP, size)
	ssMask := sizeMask(c.s.StackSize())

	if err := c.push(c.s.ReadReg(bp), size); err != nil {
		return StepExit{}, err
	}
	frame := c.s.StackPointer()

	if level > 0 {
		ebp := c.s.GPR[RBP] & ssMask
		for i := uint64(1); i < level; i++ {
			ebp = (ebp - uint64(size)) & ssMask
			v, err := c.readMem(c.linear(SegSS, ebp), size)
			if err != nil {
				return StepExit{}, err
			}
			if err := c.push(v, size); err != nil {
				return StepExit{}, err
			}
		}
		if err := c.push(frame, size); err != nil {
			return StepExit{}, err
		}
	}

	c.s.WriteReg(bp, frame)
	c.s.SetStackPointer(c.s.StackPointer() - alloc)
	return cont()
}

func (c *execCtx) execLeave() (StepExit, error) {
	size := c.stackOpSize()
	c.s.SetStackPointer(c.s.GPR[RBP])
	v, err := c.pop(size)
	if err != nil {
		return StepExit{}, err
	}
	c.s.WriteReg(regForSize(RBP, size), v)
	return cont()
}
