package emu

import (
	"github.com/sarchlab/x86core/mmu"
)

const dplShift = 5

// flatSegment builds the fixed descriptor cache SYSCALL and SYSENTER load:
// base 0, 4 GiB limit, with the given type, DPL and flags.
func flatSegment(sel uint16, typ uint32, dpl uint8, flags uint32) Segment {
	return Segment{
		Selector: sel,
		Limit:    0xffffffff,
		Access: SegAccessPresent | SegAccessS | typ | uint32(dpl)<<dplShift |
			SegAccessG | flags,
	}
}

func flatCode(sel uint16, dpl uint8, long bool) Segment {
	if long {
		return flatSegment(sel, 0xb, dpl, SegAccessL)
	}
	return flatSegment(sel, 0xb, dpl, SegAccessDB)
}

func flatStack(sel uint16, dpl uint8) Segment {
	return flatSegment(sel, 0x3, dpl, SegAccessDB)
}

func (c *execCtx) longActive() bool { return c.s.MSR.EFER&EFERLMA != 0 }

// execSyscall enters the kernel through STAR and LSTAR, or CSTAR from
// compatibility mode. RCX receives the return address and R11 the flags.
func (c *execCtx) execSyscall() (StepExit, error) {
	s := c.s
	if !c.longActive() || s.MSR.EFER&EFERSCE == 0 {
		return StepExit{}, InvalidOpcode()
	}
	target := s.MSR.LSTAR
	if s.Mode != ModeLong {
		target = s.MSR.CSTAR
	}
	if !mmu.IsCanonical48(target) {
		return StepExit{}, GeneralProtection(0)
	}

	s.GPR[RCX] = c.next
	s.GPR[R11] = s.RFLAGS

	cs := uint16(s.MSR.STAR>>32) &^ 3
	s.Segs[SegCS] = flatCode(cs, 0, true)
	s.Segs[SegSS] = flatStack(cs+8, 0)
	s.SetRFLAGS(s.RFLAGS &^ (s.MSR.FMASK | FlagRF))
	s.UpdateMode()
	s.SetIP(target)
	return branch()
}

// execSysret returns to user mode from SYSCALL: a 64-bit target with
// REX.W, otherwise a 32-bit one.
func (c *execCtx) execSysret() (StepExit, error) {
	s := c.s
	if !c.longActive() || s.MSR.EFER&EFERSCE == 0 {
		return StepExit{}, InvalidOpcode()
	}
	if err := c.requireCPL0(); err != nil {
		return StepExit{}, err
	}

	wide := c.dataSize() == 8
	target := s.GPR[RCX]
	if !wide {
		target &= 0xffffffff
	}
	if !mmu.IsCanonical48(target) {
		return StepExit{}, GeneralProtection(0)
	}

	base := uint16(s.MSR.STAR >> 48)
	if wide {
		s.Segs[SegCS] = flatCode((base+16)|3, 3, true)
	} else {
		s.Segs[SegCS] = flatCode(base|3, 3, false)
	}
	s.Segs[SegSS] = flatStack((base+8)|3, 3)
	s.SetRFLAGS(s.GPR[R11] &^ (FlagRF | FlagVM))
	s.UpdateMode()
	s.SetIP(target)
	return branch()
}

func (c *execCtx) execSysenter() (StepExit, error) {
	s := c.s
	if c.realSegments() {
		return StepExit{}, GeneralProtection(0)
	}
	cs := uint16(s.MSR.SysenterCS) &^ 3
	if cs == 0 {
		return StepExit{}, GeneralProtection(0)
	}

	long := c.longActive()
	s.Segs[SegCS] = flatCode(cs, 0, long)
	s.Segs[SegSS] = flatStack(cs+8, 0)
	s.SetRFLAGS(s.RFLAGS &^ (FlagVM | FlagIF | FlagRF))
	s.UpdateMode()

	sp, ip := s.MSR.SysenterESP, s.MSR.SysenterEIP
	if !long {
		sp &= 0xffffffff
		ip &= 0xffffffff
	}
	s.GPR[RSP] = sp
	s.SetIP(ip)
	return branch()
}

// execSysexit returns to CPL 3 with RSP from RCX and RIP from RDX. REX.W
// in long mode selects a 64-bit return.
func (c *execCtx) execSysexit() (StepExit, error) {
	s := c.s
	if c.realSegments() {
		return StepExit{}, GeneralProtection(0)
	}
	if err := c.requireCPL0(); err != nil {
		return StepExit{}, err
	}
	cs := uint16(s.MSR.SysenterCS) &^ 3
	if cs == 0 {
		return StepExit{}, GeneralProtection(0)
	}

	wide := c.longActive() && c.dataSize() == 8
	sp, ip := s.GPR[RCX], s.GPR[RDX]
	if wide {
		if !mmu.IsCanonical48(ip) || !mmu.IsCanonical48(sp) {
			return StepExit{}, GeneralProtection(0)
		}
		s.Segs[SegCS] = flatCode((cs+32)|3, 3, true)
		s.Segs[SegSS] = flatStack((cs+40)|3, 3)
	} else {
		sp &= 0xffffffff
		ip &= 0xffffffff
		s.Segs[SegCS] = flatCode((cs+16)|3, 3, false)
		s.Segs[SegSS] = flatStack((cs+24)|3, 3)
	}
	s.UpdateMode()
	s.GPR[RSP] = sp
	s.SetIP(ip)
	return branch()
}

// execSwapgs exchanges the GS base with IA32_KERNEL_GS_BASE.
func (c *execCtx) execSwapgs() (StepExit, error) {
	s := c.s
	if s.Mode != ModeLong {
		return StepExit{}, InvalidOpcode()
	}
	if err := c.requireCPL0(); err != nil {
		return StepExit{}, err
	}
	s.Segs[SegGS].Base, s.MSR.KernelGSBase = s.MSR.KernelGSBase, s.Segs[SegGS].Base
	return cont()
}
