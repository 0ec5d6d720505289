package emu

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"
)

// maxStringIterations bounds the scalar iterations of one REP instruction
// per step. A longer run stops with IP still on the instruction and reports
// a branch, so interrupts are taken between chunks.
const maxStringIterations = 1 << 16

func stringElemSize(op x86asm.Op) int {
	switch op {
	case x86asm.MOVSB, x86asm.STOSB, x86asm.LODSB, x86asm.CMPSB, x86asm.SCASB,
		x86asm.INSB, x86asm.OUTSB:
		return 1
	case x86asm.MOVSW, x86asm.STOSW, x86asm.LODSW, x86asm.CMPSW, x86asm.SCASW,
		x86asm.INSW, x86asm.OUTSW:
		return 2
	case x86asm.MOVSQ, x86asm.STOSQ, x86asm.LODSQ, x86asm.CMPSQ, x86asm.SCASQ:
		return 8
	}
	return 4
}

// stringOp carries the register view of one string instruction.
type stringOp struct {
	c    *execCtx
	size int
	asz  int
	step uint64
	rep  bool
}

func (c *execCtx) newStringOp() *stringOp {
	size := stringElemSize(c.in.Op)
	step := uint64(size)
	if c.s.Flag(FlagDF) {
		step = -step
	}
	return &stringOp{
		c:    c,
		size: size,
		asz:  c.addrSize(),
		step: step,
		rep:  c.in.Rep() || c.in.RepNE(),
	}
}

func (o *stringOp) reg(idx int) uint64 { return o.c.s.GPR[idx] & sizeMask(o.asz) }

func (o *stringOp) advance(idx int, elems uint64) {
	o.c.s.WriteReg(regForSize(idx, o.asz), o.reg(idx)+o.step*elems)
}

func (o *stringOp) src() uint64 { return o.c.linear(o.c.srcSegment(), o.reg(RSI)) }
func (o *stringOp) dst() uint64 { return o.c.linear(SegES, o.reg(RDI)) }

// flat reports whether n elements starting at off stay inside the offset
// space and map to one contiguous linear range.
func (o *stringOp) flat(off, lin uint64, n uint64) bool {
	bytes := n * uint64(o.size)
	if n == 0 || bytes/uint64(o.size) != n {
		return false
	}
	m := sizeMask(o.asz)
	if off+bytes-1 > m || off+bytes-1 < off {
		return false
	}
	lin = o.c.s.ApplyA20(lin)
	if o.c.s.Mode == ModeLong {
		return lin+bytes-1 >= lin
	}
	lm := o.c.s.LinearMask()
	return lin+bytes-1 <= lm && (lin+bytes-1)&lm == lin+bytes-1
}

// loop runs body once, or count times under REP, writing the counter back
// after every element. It reports whether the instruction finished.
func (o *stringOp) loop(body func() (bool, error)) (StepExit, error) {
	c := o.c
	if !o.rep {
		if _, err := body(); err != nil {
			return StepExit{}, err
		}
		return cont()
	}

	c.partial = true
	for i := 0; i < maxStringIterations; i++ {
		n := c.counter()
		if n == 0 {
			return cont()
		}
		more, err := body()
		if err != nil {
			return StepExit{}, err
		}
		c.setCounter(n - 1)
		if !more {
			return cont()
		}
	}
	if c.counter() == 0 {
		return cont()
	}
	// Resume the same instruction on the next step.
	return branch()
}

func (c *execCtx) execMovs() (StepExit, error) {
	o := c.newStringOp()

	if o.rep && o.step == uint64(o.size) && c.bus.SupportsBulkCopy() {
		n := c.counter()
		src, dst := o.src(), o.dst()
		bytes := n * uint64(o.size)
		// Forward element copies into an overlapping higher destination
		// replicate the source; that is not a memmove.
		overlap := dst > src && dst-src < bytes
		if !overlap && o.flat(o.reg(RSI), src, n) && o.flat(o.reg(RDI), dst, n) && bytes <= maxBulkBytes {
			ok, err := c.bus.BulkCopy(c.s.ApplyA20(dst), c.s.ApplyA20(src), int(bytes))
			if err != nil {
				return StepExit{}, err
			}
			if ok {
				o.advance(RSI, n)
				o.advance(RDI, n)
				c.setCounter(0)
				return cont()
			}
		}
	}

	return o.loop(func() (bool, error) {
		v, err := c.readMem(o.src(), o.size)
		if err != nil {
			return false, err
		}
		if err := c.writeMem(o.dst(), o.size, v); err != nil {
			return false, err
		}
		o.advance(RSI, 1)
		o.advance(RDI, 1)
		return true, nil
	})
}

// maxBulkBytes caps a single bulk request so the length fits an int on
// every platform.
const maxBulkBytes = 1 << 30

func (c *execCtx) execStos() (StepExit, error) {
	o := c.newStringOp()
	val := c.s.GPR[RAX] & sizeMask(o.size)

	if o.rep && o.step == uint64(o.size) && c.bus.SupportsBulkSet() {
		n := c.counter()
		dst := o.dst()
		if o.flat(o.reg(RDI), dst, n) && n*uint64(o.size) <= maxBulkBytes {
			var pattern [8]byte
			binary.LittleEndian.PutUint64(pattern[:], val)
			ok, err := c.bus.BulkSet(c.s.ApplyA20(dst), pattern[:o.size], int(n))
			if err != nil {
				return StepExit{}, err
			}
			if ok {
				o.advance(RDI, n)
				c.setCounter(0)
				return cont()
			}
		}
	}

	return o.loop(func() (bool, error) {
		if err := c.writeMem(o.dst(), o.size, val); err != nil {
			return false, err
		}
		o.advance(RDI, 1)
		return true, nil
	})
}

func (c *execCtx) execLods() (StepExit, error) {
	o := c.newStringOp()
	acc := regForSize(RAX, o.size)
	return o.loop(func() (bool, error) {
		v, err := c.readMem(o.src(), o.size)
		if err != nil {
			return false, err
		}
		c.s.WriteReg(acc, v)
		o.advance(RSI, 1)
		return true, nil
	})
}

// execCmps and execScas run in the assist layer. REPE stops when ZF clears
// and REPNE when it sets.
func (c *execCtx) execCmps() (StepExit, error) {
	o := c.newStringOp()
	return o.loop(func() (bool, error) {
		a, err := c.readMem(o.src(), o.size)
		if err != nil {
			return false, err
		}
		b, err := c.readMem(o.dst(), o.size)
		if err != nil {
			return false, err
		}
		c.alu.Sub(a, b, o.size, false)
		o.advance(RSI, 1)
		o.advance(RDI, 1)
		return o.repeatOnFlags(), nil
	})
}

func (c *execCtx) execScas() (StepExit, error) {
	o := c.newStringOp()
	acc := c.s.GPR[RAX] & sizeMask(o.size)
	return o.loop(func() (bool, error) {
		b, err := c.readMem(o.dst(), o.size)
		if err != nil {
			return false, err
		}
		c.alu.Sub(acc, b, o.size, false)
		o.advance(RDI, 1)
		return o.repeatOnFlags(), nil
	})
}

func (o *stringOp) repeatOnFlags() bool {
	zf := o.c.s.Flag(FlagZF)
	if o.c.in.RepNE() {
		return !zf
	}
	return zf
}
