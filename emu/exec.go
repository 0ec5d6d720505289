package emu

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/x86core/insts"
)

// execCtx carries one instruction through the interpreter.
type execCtx struct {
	s    *State
	bus  Bus
	alu  *ALU
	in   *insts.Instruction
	next uint64 // fall-through IP

	// partial marks an instruction that commits architectural progress
	// before it can fault (REP string iterations), so a fault must not roll
	// registers back.
	partial bool

	// asz overrides the decoded address size when non-zero.
	asz int
}

func newExecCtx(s *State, bus Bus, in *insts.Instruction) *execCtx {
	return &execCtx{
		s:    s,
		bus:  bus,
		alu:  NewALU(s),
		in:   in,
		next: (in.RIP + uint64(in.Len)) & s.IPMask(),
	}
}

func (c *execCtx) arg(i int) x86asm.Arg { return c.in.Args[i] }

func (c *execCtx) nargs() int {
	n := 0
	for n < len(c.in.Args) && c.in.Args[n] != nil {
		n++
	}
	return n
}

// opSize returns the operand size in bytes from the first argument.
func (c *execCtx) opSize() int {
	if c.nargs() > 0 {
		if n := c.argSize(c.arg(0)); n > 0 {
			return n
		}
	}
	return c.dataSize()
}

func (c *execCtx) dataSize() int {
	if c.in.DataSize == 0 {
		return 4
	}
	return c.in.DataSize / 8
}

// addrSize returns the effective address size in bytes.
func (c *execCtx) addrSize() int {
	if c.asz != 0 {
		return c.asz
	}
	if c.in.AddrSize == 0 {
		return c.s.Bitness() / 8
	}
	return c.in.AddrSize / 8
}

func (c *execCtx) argSize(a x86asm.Arg) int {
	switch a := a.(type) {
	case x86asm.Reg:
		return RegSize(a)
	case x86asm.Mem:
		return c.in.MemBytes
	}
	return 0
}

// stackOpSize returns the width of a push or pop: 8 in 64-bit code unless
// overridden to 2, otherwise the operand size.
func (c *execCtx) stackOpSize() int {
	if c.s.Bitness() == 64 {
		if c.in.OpSizeOverride() {
			return 2
		}
		return 8
	}
	return c.dataSize()
}

func isStackBase(r x86asm.Reg) bool {
	switch r {
	case x86asm.SP, x86asm.ESP, x86asm.RSP, x86asm.BP, x86asm.EBP, x86asm.RBP:
		return true
	}
	return false
}

// effAddr returns the segment index and offset of a memory operand.
func (c *execCtx) effAddr(m x86asm.Mem) (int, uint64) {
	var off uint64
	switch m.Base {
	case 0:
	case x86asm.RIP:
		off = c.next
	case x86asm.EIP:
		off = c.next & 0xffffffff
	default:
		off = c.s.ReadReg(m.Base)
	}
	if m.Index != 0 {
		off += c.s.ReadReg(m.Index) * uint64(m.Scale)
	}
	off += uint64(m.Disp)
	off &= sizeMask(c.addrSize())

	seg := SegDS
	if idx, ok := SegmentIndex(m.Segment); ok {
		seg = idx
	} else if isStackBase(m.Base) {
		seg = SegSS
	}
	return seg, off
}

func (c *execCtx) linear(seg int, off uint64) uint64 {
	return c.s.SegBase(seg) + off
}

func (c *execCtx) memLinear(m x86asm.Mem) uint64 {
	return c.linear(c.effAddr(m))
}

func (c *execCtx) readMem(addr uint64, size int) (uint64, error) {
	return readLinear(c.s, c.bus, addr, size)
}

func (c *execCtx) writeMem(addr uint64, size int, v uint64) error {
	return writeLinear(c.s, c.bus, addr, size, v)
}

// read returns the value of an operand zero-extended to 64 bits. Immediates
// are truncated to size.
func (c *execCtx) read(a x86asm.Arg, size int) (uint64, error) {
	switch a := a.(type) {
	case x86asm.Reg:
		return c.s.ReadReg(a) & sizeMask(size), nil
	case x86asm.Mem:
		return c.readMem(c.memLinear(a), size)
	case x86asm.Imm:
		return uint64(a) & sizeMask(size), nil
	}
	return 0, Unimplemented(fmt.Sprintf("operand %v of %v", a, c.in.Op))
}

func (c *execCtx) write(a x86asm.Arg, size int, v uint64) error {
	switch a := a.(type) {
	case x86asm.Reg:
		c.s.WriteReg(a, v&sizeMask(size))
		return nil
	case x86asm.Mem:
		return c.writeMem(c.memLinear(a), size, v)
	}
	return Unimplemented(fmt.Sprintf("destination %v of %v", a, c.in.Op))
}

// rmw reads the destination, applies f and writes the result back. With a
// LOCK prefix on a memory destination the whole sequence goes through the
// bus as one atomic access.
func (c *execCtx) rmw(a x86asm.Arg, size int, f func(old uint64) (uint64, bool)) error {
	m, isMem := a.(x86asm.Mem)
	if isMem && c.in.Lock() {
		return c.atomic(c.memLinear(m), size, f)
	}

	old, err := c.read(a, size)
	if err != nil {
		return err
	}
	nv, store := f(old)
	if !store {
		return nil
	}
	return c.write(a, size, nv)
}

// atomic runs f as one bus read-modify-write. When store is false the old
// value is written back, which the bus skips.
func (c *execCtx) atomic(addr uint64, size int, f func(old uint64) (uint64, bool)) error {
	addr = c.s.ApplyA20(addr)
	if !contiguous(c.s, addr, size) {
		// A wrapping locked access is split; it is not atomic on hardware
		// either.
		old, err := c.readMem(addr, size)
		if err != nil {
			return err
		}
		nv, store := f(old)
		if !store {
			return nil
		}
		return c.writeMem(addr, size, nv)
	}
	return c.bus.AtomicRMW(addr, size, func(old uint64) uint64 {
		nv, store := f(old)
		if !store {
			return old
		}
		return nv
	})
}

func (c *execCtx) push(v uint64, size int) error {
	return pushStack(c.s, c.bus, v, size)
}

func (c *execCtx) pop(size int) (uint64, error) {
	sp := c.s.StackPointer()
	v, err := c.readMem(c.linear(SegSS, sp), size)
	if err != nil {
		return 0, err
	}
	c.s.SetStackPointer(sp + uint64(size))
	return v, nil
}

// peek reads the stack at SP+off without popping.
func (c *execCtx) peek(off uint64, size int) (uint64, error) {
	sp := (c.s.StackPointer() + off) & sizeMask(c.s.StackSize())
	return c.readMem(c.linear(SegSS, sp), size)
}

// jumpTo sets IP to target, masked to the operand size of the transfer.
func (c *execCtx) jumpTo(target uint64) {
	if c.s.Bitness() != 64 {
		target &= sizeMask(c.dataSize())
	}
	c.s.SetIP(target)
}

// relTarget resolves a relative branch operand.
func (c *execCtx) relTarget(a x86asm.Arg) uint64 {
	if r, ok := a.(x86asm.Rel); ok {
		return c.next + uint64(int64(r))
	}
	return c.next
}

// counter returns the count register at the address size: CX, ECX or RCX.
func (c *execCtx) counter() uint64 {
	return c.s.GPR[RCX] & sizeMask(c.addrSize())
}

func (c *execCtx) setCounter(v uint64) {
	c.s.WriteReg(regForSize(RCX, c.addrSize()), v)
}
