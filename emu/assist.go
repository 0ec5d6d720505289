package emu

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/x86core/insts"
)

// maxInvlpgLog bounds the number of INVLPG addresses an AssistContext keeps.
const maxInvlpgLog = 4096

// AssistContext is the state the assist layer keeps across instructions:
// the processor model and a log of INVLPG addresses for hosts that mirror
// guest TLB maintenance into their own caches.
type AssistContext struct {
	Features Features

	invlpgLog     []uint64
	invlpgDropped uint64

	tier0 *Tier0
}

// NewAssistContext creates an assist context for the given processor model.
func NewAssistContext(f Features) *AssistContext {
	return &AssistContext{Features: f}
}

// InvlpgLog returns the addresses invalidated since the last clear, oldest
// first.
func (a *AssistContext) InvlpgLog() []uint64 { return a.invlpgLog }

// InvlpgLogDropped returns how many INVLPG addresses were not logged
// because the log was full.
func (a *AssistContext) InvlpgLogDropped() uint64 { return a.invlpgDropped }

// ClearInvlpgLog empties the log and resets the dropped counter.
func (a *AssistContext) ClearInvlpgLog() {
	a.invlpgLog = a.invlpgLog[:0]
	a.invlpgDropped = 0
}

func (a *AssistContext) recordInvlpg(addr uint64) {
	if len(a.invlpgLog) >= maxInvlpgLog {
		a.invlpgDropped++
		return
	}
	a.invlpgLog = append(a.invlpgLog, addr)
}

func (a *AssistContext) fetcher() *Tier0 {
	if a.tier0 == nil {
		a.tier0 = NewTier0()
	}
	return a.tier0
}

// HandleAssist fetches and decodes the instruction at CS:IP and executes
// it in the assist layer. Callers that already hold the decoded instruction
// should use HandleAssistDecoded.
func HandleAssist(ctx *AssistContext, t *TimeSource, s *State, bus Bus, reason AssistReason) (StepExit, error) {
	if reason == AssistInterrupt {
		return StepExit{}, Unimplemented("interrupt assist requires Core")
	}
	bus.Sync(s)
	in, err := ctx.fetcher().Fetch(s, bus)
	if err != nil {
		f := AsFault(err)
		s.ApplyFaultSideEffects(f)
		return StepExit{}, f
	}
	return HandleAssistDecoded(ctx, t, s, bus, in, in.AddrSizeOverride())
}

// HandleAssistDecoded executes an instruction Tier-0 deferred. On success
// IP is at the next instruction, or wherever a control transfer put it,
// and the returned exit is Continue, ContinueInhibitInterrupts or Branch.
// On a fault the state is restored (except for completed REP iterations),
// the fault's side effects are applied and IP stays on the instruction.
func HandleAssistDecoded(
	ctx *AssistContext,
	t *TimeSource,
	s *State,
	bus Bus,
	in *insts.Instruction,
	addrSizeOverride bool,
) (StepExit, error) {
	c := newExecCtx(s, bus, in)
	c.asz = effectiveAddrSize(s.Bitness(), addrSizeOverride)
	a := &assistExec{execCtx: c, ctx: ctx, time: t}

	saved := *s
	exit, err := a.dispatch()
	if err != nil {
		if !c.partial {
			*s = saved
		}
		f := AsFault(err)
		s.ApplyFaultSideEffects(f)
		bus.Sync(s)
		return StepExit{}, f
	}

	switch exit.Kind {
	case StepContinue, StepContinueInhibitInterrupts:
		s.SetIP(c.next)
	}
	bus.Sync(s)
	return exit, nil
}

// effectiveAddrSize returns the address size in bytes for the given code
// size and address-size override.
func effectiveAddrSize(bitness int, override bool) int {
	switch bitness {
	case 16:
		if override {
			return 4
		}
		return 2
	case 32:
		if override {
			return 2
		}
		return 4
	}
	if override {
		return 4
	}
	return 8
}

// assistExec extends the interpreter context with the assist state.
type assistExec struct {
	*execCtx
	ctx  *AssistContext
	time *TimeSource
}

func (a *assistExec) dispatch() (StepExit, error) {
	c := a.execCtx
	op := c.in.Op
	switch op {
	case x86asm.CPUID:
		return a.execCPUID()
	case x86asm.RDMSR:
		return a.execRdmsr()
	case x86asm.WRMSR:
		return a.execWrmsr()
	case x86asm.RDTSC, x86asm.RDTSCP:
		return a.execRdtsc(op == x86asm.RDTSCP)
	case x86asm.NOP, x86asm.LFENCE, x86asm.MFENCE, x86asm.SFENCE, x86asm.PAUSE:
		return cont()

	case x86asm.IN, x86asm.OUT:
		return c.execInOut()
	case x86asm.INSB, x86asm.INSW, x86asm.INSD:
		return c.execIns()
	case x86asm.OUTSB, x86asm.OUTSW, x86asm.OUTSD:
		return c.execOuts()
	case x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ:
		return c.execCmps()
	case x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		return c.execScas()

	case x86asm.CLI, x86asm.STI, x86asm.INT, x86asm.INTO, x86asm.ICEBP,
		x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return StepExit{}, Unimplemented("interrupt assist requires Core")

	case x86asm.MOV:
		return c.execMovPrivileged()
	case x86asm.POP:
		if r, ok := c.arg(0).(x86asm.Reg); ok {
			if seg, isSeg := SegmentIndex(r); isSeg {
				return c.popSegment(seg)
			}
		}
	case x86asm.LDS, x86asm.LES, x86asm.LFS, x86asm.LGS, x86asm.LSS:
		return c.loadFarPointer(op)
	case x86asm.LJMP:
		return c.execFarJmp()
	case x86asm.LCALL:
		return c.execFarCall()
	case x86asm.LRET:
		return c.execFarRet()

	case x86asm.LGDT, x86asm.LIDT:
		return c.execLoadTableReg(op == x86asm.LGDT)
	case x86asm.SGDT, x86asm.SIDT:
		return c.execStoreTableReg(op == x86asm.SGDT)
	case x86asm.LTR, x86asm.LLDT:
		return c.execLoadSystemSegment(op == x86asm.LTR)
	case x86asm.STR, x86asm.SLDT:
		return c.execStoreSystemSegment(op == x86asm.STR)
	case x86asm.LMSW:
		return c.execLmsw()
	case x86asm.SMSW:
		return c.execSmsw()
	case x86asm.CLTS:
		if err := c.requireCPL0(); err != nil {
			return StepExit{}, err
		}
		c.s.CR0 &^= CR0TS
		return cont()
	case x86asm.INVLPG:
		return a.execInvlpg()
	case x86asm.WBINVD, x86asm.INVD:
		return cont2(c.requireCPL0())

	case x86asm.SWAPGS:
		return c.execSwapgs()
	case x86asm.SYSCALL:
		return c.execSyscall()
	case x86asm.SYSRET:
		return c.execSysret()
	case x86asm.SYSENTER:
		return c.execSysenter()
	case x86asm.SYSEXIT:
		return c.execSysexit()
	}
	return StepExit{}, InvalidOpcode()
}

func (c *execCtx) requireCPL0() error {
	if c.s.CPL() != 0 {
		return GeneralProtection(0)
	}
	return nil
}

// requireIOPL raises #GP(0) when CPL exceeds IOPL. There is no I/O
// permission bitmap.
func (c *execCtx) requireIOPL() error {
	if c.s.CPL() > c.s.IOPL() {
		return GeneralProtection(0)
	}
	return nil
}

func (a *assistExec) execCPUID() (StepExit, error) {
	s := a.s
	r := CPUID(a.ctx.Features, uint32(s.GPR[RAX]), uint32(s.GPR[RCX]))
	s.GPR[RAX] = uint64(r.EAX)
	s.GPR[RBX] = uint64(r.EBX)
	s.GPR[RCX] = uint64(r.ECX)
	s.GPR[RDX] = uint64(r.EDX)
	return cont()
}

func (a *assistExec) execRdmsr() (StepExit, error) {
	if err := a.requireCPL0(); err != nil {
		return StepExit{}, err
	}
	v, err := ReadMSR(a.s, a.time, uint32(a.s.GPR[RCX]))
	if err != nil {
		return StepExit{}, err
	}
	a.s.GPR[RAX] = v & 0xffffffff
	a.s.GPR[RDX] = v >> 32
	return cont()
}

func (a *assistExec) execWrmsr() (StepExit, error) {
	if err := a.requireCPL0(); err != nil {
		return StepExit{}, err
	}
	s := a.s
	v := s.GPR[RDX]<<32 | s.GPR[RAX]&0xffffffff
	return cont2(WriteMSR(s, a.time, a.ctx.Features, uint32(s.GPR[RCX]), v))
}

// cr4TSD restricts RDTSC to CPL 0.
const cr4TSD uint64 = 1 << 2

func (a *assistExec) execRdtsc(withAux bool) (StepExit, error) {
	s := a.s
	if s.CR4&cr4TSD != 0 && s.CPL() != 0 {
		return StepExit{}, GeneralProtection(0)
	}
	tsc := a.time.ReadTSC()
	s.MSR.TSC = tsc
	s.GPR[RAX] = tsc & 0xffffffff
	s.GPR[RDX] = tsc >> 32
	if withAux {
		s.GPR[RCX] = s.MSR.TSCAux & 0xffffffff
	}
	return cont()
}

func (c *execCtx) execInOut() (StepExit, error) {
	if err := c.requireIOPL(); err != nil {
		return StepExit{}, err
	}

	if c.in.Op == x86asm.IN {
		dst, ok := c.arg(0).(x86asm.Reg)
		if !ok {
			return StepExit{}, InvalidOpcode()
		}
		port, err := c.read(c.arg(1), 2)
		if err != nil {
			return StepExit{}, err
		}
		v, err := c.bus.IORead(uint16(port), RegSize(dst))
		if err != nil {
			return StepExit{}, err
		}
		c.s.WriteReg(dst, v&sizeMask(RegSize(dst)))
		return cont()
	}

	src, ok := c.arg(1).(x86asm.Reg)
	if !ok {
		return StepExit{}, InvalidOpcode()
	}
	port, err := c.read(c.arg(0), 2)
	if err != nil {
		return StepExit{}, err
	}
	return cont2(c.bus.IOWrite(uint16(port), RegSize(src), c.s.ReadReg(src)))
}

func (c *execCtx) execIns() (StepExit, error) {
	if err := c.requireIOPL(); err != nil {
		return StepExit{}, err
	}
	o := c.newStringOp()
	port := uint16(c.s.GPR[RDX])
	return o.loop(func() (bool, error) {
		v, err := c.bus.IORead(port, o.size)
		if err != nil {
			return false, err
		}
		if err := c.writeMem(o.dst(), o.size, v); err != nil {
			return false, err
		}
		o.advance(RDI, 1)
		return true, nil
	})
}

func (c *execCtx) execOuts() (StepExit, error) {
	if err := c.requireIOPL(); err != nil {
		return StepExit{}, err
	}
	o := c.newStringOp()
	port := uint16(c.s.GPR[RDX])
	return o.loop(func() (bool, error) {
		v, err := c.readMem(o.src(), o.size)
		if err != nil {
			return false, err
		}
		if err := c.bus.IOWrite(port, o.size, v); err != nil {
			return false, err
		}
		o.advance(RSI, 1)
		return true, nil
	})
}

func (a *assistExec) execInvlpg() (StepExit, error) {
	c := a.execCtx
	if err := c.requireCPL0(); err != nil {
		return StepExit{}, err
	}
	m, ok := c.arg(0).(x86asm.Mem)
	if !ok {
		return StepExit{}, InvalidOpcode()
	}
	addr := c.memLinear(m)
	if c.s.Mode != ModeLong {
		addr &= 0xffffffff
	}
	c.bus.Invlpg(addr)
	a.ctx.recordInvlpg(addr)
	return cont()
}
