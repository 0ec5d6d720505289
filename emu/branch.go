package emu

import "golang.org/x/arch/x86/x86asm"

// Cond is an x86 condition code, the low nibble of the Jcc, SETcc and
// CMOVcc opcodes.
type Cond uint8

// x86 condition codes.
const (
	CondO  Cond = 0x0 // Overflow (OF == 1)
	CondNO Cond = 0x1 // No overflow (OF == 0)
	CondB  Cond = 0x2 // Below / carry (CF == 1)
	CondAE Cond = 0x3 // Above or equal (CF == 0)
	CondE  Cond = 0x4 // Equal (ZF == 1)
	CondNE Cond = 0x5 // Not equal (ZF == 0)
	CondBE Cond = 0x6 // Below or equal (CF == 1 || ZF == 1)
	CondA  Cond = 0x7 // Above (CF == 0 && ZF == 0)
	CondS  Cond = 0x8 // Sign (SF == 1)
	CondNS Cond = 0x9 // No sign (SF == 0)
	CondP  Cond = 0xa // Parity even (PF == 1)
	CondNP Cond = 0xb // Parity odd (PF == 0)
	CondL  Cond = 0xc // Less (SF != OF)
	CondGE Cond = 0xd // Greater or equal (SF == OF)
	CondLE Cond = 0xe // Less or equal (ZF == 1 || SF != OF)
	CondG  Cond = 0xf // Greater (ZF == 0 && SF == OF)
)

// Holds reports whether the condition is true for s.
func (cc Cond) Holds(s *State) bool { return s.Condition(uint8(cc)) }

// nearTargetSize is the width of an indirect near branch target.
func (c *execCtx) nearTargetSize() int {
	return c.stackOpSize()
}

func (c *execCtx) nearTarget() (uint64, error) {
	a := c.arg(0)
	if _, ok := a.(x86asm.Rel); ok {
		return c.relTarget(a), nil
	}
	return c.read(a, c.nearTargetSize())
}

func (c *execCtx) execJmp() (StepExit, error) {
	target, err := c.nearTarget()
	if err != nil {
		return StepExit{}, err
	}
	c.jumpTo(target)
	return branch()
}

func (c *execCtx) execCall() (StepExit, error) {
	// The target is read before the return address is pushed.
	target, err := c.nearTarget()
	if err != nil {
		return StepExit{}, err
	}
	if err := c.push(c.next, c.stackOpSize()); err != nil {
		return StepExit{}, err
	}
	c.jumpTo(target)
	return branch()
}

func (c *execCtx) execRet() (StepExit, error) {
	size := c.stackOpSize()
	target, err := c.pop(size)
	if err != nil {
		return StepExit{}, err
	}
	if c.nargs() > 0 {
		imm, _ := c.read(c.arg(0), 2)
		c.s.SetStackPointer(c.s.StackPointer() + imm)
	}
	c.jumpTo(target)
	return branch()
}

// takeBranch sets IP to the relative target when taken and to the next
// instruction otherwise. Both end the block.
func (c *execCtx) takeBranch(taken bool) (StepExit, error) {
	if taken {
		c.jumpTo(c.relTarget(c.arg(0)))
	} else {
		c.s.SetIP(c.next)
	}
	return branch()
}

func (c *execCtx) execJcc() (StepExit, error) {
	return c.takeBranch(Cond(c.condCode()).Holds(c.s))
}

func (c *execCtx) execJcxz() (StepExit, error) {
	var size int
	switch c.in.Op {
	case x86asm.JCXZ:
		size = 2
	case x86asm.JECXZ:
		size = 4
	default:
		size = 8
	}
	return c.takeBranch(c.s.GPR[RCX]&sizeMask(size) == 0)
}

func (c *execCtx) execLoop(op x86asm.Op) (StepExit, error) {
	n := (c.counter() - 1) & sizeMask(c.addrSize())
	c.setCounter(n)

	taken := n != 0
	switch op {
	case x86asm.LOOPE:
		taken = taken && c.s.Flag(FlagZF)
	case x86asm.LOOPNE:
		taken = taken && !c.s.Flag(FlagZF)
	}
	return c.takeBranch(taken)
}
