package emu

import "golang.org/x/arch/x86/x86asm"

func (c *execCtx) execBinary(op x86asm.Op) (StepExit, error) {
	size := c.opSize()
	src, err := c.read(c.arg(1), size)
	if err != nil {
		return StepExit{}, err
	}

	switch op {
	case x86asm.CMP, x86asm.TEST:
		dst, err := c.read(c.arg(0), size)
		if err != nil {
			return StepExit{}, err
		}
		if op == x86asm.CMP {
			c.alu.Sub(dst, src, size, false)
		} else {
			c.alu.Logic(dst&src, size)
		}
		return cont()
	}

	err = c.rmw(c.arg(0), size, func(dst uint64) (uint64, bool) {
		switch op {
		case x86asm.ADD:
			return c.alu.Add(dst, src, size, false), true
		case x86asm.ADC:
			return c.alu.Add(dst, src, size, true), true
		case x86asm.SUB:
			return c.alu.Sub(dst, src, size, false), true
		case x86asm.SBB:
			return c.alu.Sub(dst, src, size, true), true
		case x86asm.AND:
			return c.alu.Logic(dst&src, size), true
		case x86asm.OR:
			return c.alu.Logic(dst|src, size), true
		default:
			return c.alu.Logic(dst^src, size), true
		}
	})
	if err != nil {
		return StepExit{}, err
	}
	return cont()
}

func (c *execCtx) execUnary(op x86asm.Op) (StepExit, error) {
	size := c.opSize()
	err := c.rmw(c.arg(0), size, func(v uint64) (uint64, bool) {
		switch op {
		case x86asm.INC:
			return c.alu.Inc(v, size), true
		case x86asm.DEC:
			return c.alu.Dec(v, size), true
		case x86asm.NEG:
			return c.alu.Neg(v, size), true
		default:
			return ^v & sizeMask(size), true
		}
	})
	if err != nil {
		return StepExit{}, err
	}
	return cont()
}

var shiftOps = map[x86asm.Op]ShiftOp{
	x86asm.SHL: ShiftLeft,
	x86asm.SHR: ShiftRight,
	x86asm.SAR: ShiftArith,
	x86asm.ROL: RotateLeft,
	x86asm.ROR: RotateRight,
	x86asm.RCL: RotateCarryLeft,
	x86asm.RCR: RotateCarryRight,
}

func (c *execCtx) execShift(op x86asm.Op) (StepExit, error) {
	size := c.opSize()
	count := uint64(1)
	if c.nargs() > 1 {
		var err error
		if count, err = c.read(c.arg(1), 1); err != nil {
			return StepExit{}, err
		}
	}
	if shiftCount(count, size) == 0 {
		// The operand is still read, as on hardware.
		if _, err := c.read(c.arg(0), size); err != nil {
			return StepExit{}, err
		}
		return cont()
	}

	sop := shiftOps[op]
	err := c.rmw(c.arg(0), size, func(v uint64) (uint64, bool) {
		if sop >= RotateLeft {
			return c.alu.Rotate(sop, v, count, size), true
		}
		return c.alu.Shift(sop, v, count, size), true
	})
	if err != nil {
		return StepExit{}, err
	}
	return cont()
}

func (c *execCtx) execShiftDouble(left bool) (StepExit, error) {
	size := c.opSize()
	src, err := c.read(c.arg(1), size)
	if err != nil {
		return StepExit{}, err
	}
	count, err := c.read(c.arg(2), 1)
	if err != nil {
		return StepExit{}, err
	}
	err = c.rmw(c.arg(0), size, func(v uint64) (uint64, bool) {
		return c.alu.ShiftDouble(left, v, src, count, size), shiftCount(count, size) != 0
	})
	if err != nil {
		return StepExit{}, err
	}
	return cont()
}

// writeWide stores a double-width result: AX for byte operands, otherwise
// the DX and AX registers of the operand size.
func (c *execCtx) writeWide(hi, lo uint64, size int) {
	if size == 1 {
		c.s.WriteReg(x86asm.AX, hi<<8|lo)
		return
	}
	c.s.WriteReg(regForSize(RAX, size), lo)
	c.s.WriteReg(regForSize(RDX, size), hi)
}

// readWide returns the dividend halves for DIV and IDIV.
func (c *execCtx) readWide(size int) (hi, lo uint64) {
	if size == 1 {
		ax := c.s.GPR[RAX] & 0xffff
		return ax >> 8, ax & 0xff
	}
	m := sizeMask(size)
	return c.s.GPR[RDX] & m, c.s.GPR[RAX] & m
}

func (c *execCtx) execMul(op x86asm.Op) (StepExit, error) {
	size := c.opSize()

	if c.nargs() == 1 {
		src, err := c.read(c.arg(0), size)
		if err != nil {
			return StepExit{}, err
		}
		acc := c.s.GPR[RAX] & sizeMask(size)
		var hi, lo uint64
		if op == x86asm.MUL {
			hi, lo = c.alu.Mul(acc, src, size)
		} else {
			hi, lo = c.alu.IMul(acc, src, size)
		}
		c.writeWide(hi, lo, size)
		return cont()
	}

	// Two- and three-operand IMUL truncate into a register.
	x, y := c.arg(0), c.arg(1)
	if c.nargs() == 3 {
		x, y = c.arg(1), c.arg(2)
	}
	a, err := c.read(x, size)
	if err != nil {
		return StepExit{}, err
	}
	b, err := c.read(y, size)
	if err != nil {
		return StepExit{}, err
	}
	_, lo := c.alu.IMul(a, b, size)
	if err := c.write(c.arg(0), size, lo); err != nil {
		return StepExit{}, err
	}
	return cont()
}

func (c *execCtx) execDiv(signed bool) (StepExit, error) {
	size := c.opSize()
	d, err := c.read(c.arg(0), size)
	if err != nil {
		return StepExit{}, err
	}
	hi, lo := c.readWide(size)

	var q, r uint64
	if signed {
		q, r, err = c.alu.IDiv(hi, lo, d, size)
	} else {
		q, r, err = c.alu.Div(hi, lo, d, size)
	}
	if err != nil {
		return StepExit{}, err
	}
	c.writeWide(r, q, size)
	return cont()
}

func (c *execCtx) execBitTest(op x86asm.Op) (StepExit, error) {
	size := c.opSize()
	bitsz := uint64(8 * size)
	offArg := c.arg(1)
	off, err := c.read(offArg, size)
	if err != nil {
		return StepExit{}, err
	}

	dst := c.arg(0)
	access := size
	if m, ok := dst.(x86asm.Mem); ok {
		if _, isReg := offArg.(x86asm.Reg); isReg {
			// A register bit offset is signed and may reach outside the
			// operand; address the containing byte.
			soff := int64(signExtend(off, size))
			addr := c.memLinear(m) + uint64(soff>>3)
			return c.bitTestAt(op, addr, 1, uint64(soff&7))
		}
		return c.bitTestAt(op, c.memLinear(m), access, off%bitsz)
	}

	bit := off % bitsz
	v := c.s.ReadReg(dst.(x86asm.Reg))
	c.alu.setFlags(FlagCF, (v>>bit)&1)
	if nv, store := bitModify(op, v, bit); store {
		c.s.WriteReg(dst.(x86asm.Reg), nv)
	}
	return cont()
}

func (c *execCtx) bitTestAt(op x86asm.Op, addr uint64, size int, bit uint64) (StepExit, error) {
	if op == x86asm.BT {
		v, err := c.readMem(addr, size)
		if err != nil {
			return StepExit{}, err
		}
		c.alu.setFlags(FlagCF, (v>>bit)&1)
		return cont()
	}

	f := func(v uint64) (uint64, bool) {
		c.alu.setFlags(FlagCF, (v>>bit)&1)
		return bitModify(op, v, bit)
	}
	var err error
	if c.in.Lock() {
		err = c.atomic(addr, size, f)
	} else {
		var v uint64
		if v, err = c.readMem(addr, size); err == nil {
			nv, _ := f(v)
			err = c.writeMem(addr, size, nv)
		}
	}
	if err != nil {
		return StepExit{}, err
	}
	return cont()
}

func bitModify(op x86asm.Op, v, bit uint64) (uint64, bool) {
	switch op {
	case x86asm.BTS:
		return v | 1<<bit, true
	case x86asm.BTR:
		return v &^ (1 << bit), true
	case x86asm.BTC:
		return v ^ 1<<bit, true
	}
	return v, false
}

func (c *execCtx) execBitScan(forward bool) (StepExit, error) {
	size := c.opSize()
	src, err := c.read(c.arg(1), size)
	if err != nil {
		return StepExit{}, err
	}
	if idx, ok := c.alu.BitScan(forward, src, size); ok {
		return cont2(c.write(c.arg(0), size, idx))
	}
	return cont()
}

func (c *execCtx) execCount(op x86asm.Op) (StepExit, error) {
	size := c.opSize()
	src, err := c.read(c.arg(1), size)
	if err != nil {
		return StepExit{}, err
	}
	var n uint64
	switch op {
	case x86asm.POPCNT:
		n = c.alu.BitCount(src, size)
	case x86asm.TZCNT:
		n = c.alu.ZeroCount(true, src, size)
	default:
		n = c.alu.ZeroCount(false, src, size)
	}
	return cont2(c.write(c.arg(0), size, n))
}

func (c *execCtx) execBswap() (StepExit, error) {
	r := c.arg(0).(x86asm.Reg)
	size := RegSize(r)
	if size == 2 {
		// Undefined on hardware; observed behaviour is zero.
		c.s.WriteReg(r, 0)
		return cont()
	}
	c.s.WriteReg(r, ByteSwap(c.s.ReadReg(r), size))
	return cont()
}

func (c *execCtx) execFlagOp(op x86asm.Op) (StepExit, error) {
	switch op {
	case x86asm.CLC:
		c.s.SetFlag(FlagCF, false)
	case x86asm.STC:
		c.s.SetFlag(FlagCF, true)
	case x86asm.CMC:
		c.s.RFLAGS ^= FlagCF
	case x86asm.CLD:
		c.s.SetFlag(FlagDF, false)
	case x86asm.STD:
		c.s.SetFlag(FlagDF, true)
	}
	return cont()
}

const ahFlags = FlagSF | FlagZF | FlagAF | FlagPF | FlagCF

func (c *execCtx) execAHFlags(load bool) (StepExit, error) {
	if load {
		c.s.WriteReg(x86asm.AH, c.s.RFLAGS&(ahFlags|FlagReserved1))
		return cont()
	}
	ah := c.s.ReadReg(x86asm.AH)
	c.s.RFLAGS = c.s.RFLAGS&^ahFlags | ah&ahFlags
	return cont()
}

func (c *execCtx) execConvert(op x86asm.Op) (StepExit, error) {
	s := c.s
	switch op {
	case x86asm.CBW:
		s.WriteReg(x86asm.AX, signExtend(s.GPR[RAX], 1))
	case x86asm.CWDE:
		s.WriteReg(x86asm.EAX, signExtend(s.GPR[RAX], 2))
	case x86asm.CDQE:
		s.GPR[RAX] = signExtend(s.GPR[RAX], 4)
	case x86asm.CWD:
		s.WriteReg(x86asm.DX, signExtend(s.GPR[RAX], 2)>>16)
	case x86asm.CDQ:
		s.WriteReg(x86asm.EDX, signExtend(s.GPR[RAX], 4)>>32)
	case x86asm.CQO:
		s.GPR[RDX] = uint64(int64(s.GPR[RAX]) >> 63)
	}
	return cont()
}

func (c *execCtx) execCmov() (StepExit, error) {
	size := c.opSize()
	src, err := c.read(c.arg(1), size)
	if err != nil {
		return StepExit{}, err
	}
	dst := c.arg(0).(x86asm.Reg)
	if c.s.Condition(c.condCode()) {
		c.s.WriteReg(dst, src)
	} else if size == 4 {
		// A 32-bit destination is zero-extended either way.
		c.s.WriteReg(dst, c.s.ReadReg(dst))
	}
	return cont()
}

func (c *execCtx) execSetcc() (StepExit, error) {
	return cont2(c.write(c.arg(0), 1, boolBit(c.s.Condition(c.condCode()))))
}

// cont2 turns the error of a final write into a step outcome.
func cont2(err error) (StepExit, error) {
	if err != nil {
		return StepExit{}, err
	}
	return cont()
}
