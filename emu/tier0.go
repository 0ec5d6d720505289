package emu

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/x86core/insts"
)

// StepKind classifies the outcome of one interpreter step.
type StepKind uint8

// Step outcomes.
const (
	// StepContinue: the instruction retired and IP advanced.
	StepContinue StepKind = iota
	// StepContinueInhibitInterrupts: as StepContinue, and maskable
	// interrupts stay blocked for one more instruction.
	StepContinueInhibitInterrupts
	// StepBranch: a control-transfer instruction retired and set IP.
	StepBranch
	// StepHalted: HLT retired with no BIOS interrupt latched.
	StepHalted
	// StepBIOSInterrupt: HLT retired inside a BIOS stub; Vector names the
	// latched interrupt.
	StepBIOSInterrupt
	// StepAssist: the instruction decoded but is not executed by Tier-0.
	// IP is unchanged.
	StepAssist
)

func (k StepKind) String() string {
	switch k {
	case StepContinue:
		return "Continue"
	case StepContinueInhibitInterrupts:
		return "ContinueInhibitInterrupts"
	case StepBranch:
		return "Branch"
	case StepHalted:
		return "Halted"
	case StepBIOSInterrupt:
		return "BiosInterrupt"
	case StepAssist:
		return "Assist"
	}
	return fmt.Sprintf("StepKind(%d)", uint8(k))
}

// AssistReason says which part of the assist layer an instruction needs.
type AssistReason uint8

// Assist reasons.
const (
	// AssistInterrupt covers CLI, STI, INT n, INT3, INT1, INTO and IRET.
	// Resolving these needs the pending-event bookkeeping.
	AssistInterrupt AssistReason = iota
	AssistIO
	AssistPrivileged
	AssistString
	AssistOther
)

func (r AssistReason) String() string {
	switch r {
	case AssistInterrupt:
		return "Interrupt"
	case AssistIO:
		return "Io"
	case AssistPrivileged:
		return "Privileged"
	case AssistString:
		return "String"
	case AssistOther:
		return "Other"
	}
	return fmt.Sprintf("AssistReason(%d)", uint8(r))
}

// StepExit is the outcome of Tier0.Step.
type StepExit struct {
	Kind   StepKind
	Vector uint8
	Reason AssistReason
	// Decoded is the instruction that needs an assist.
	Decoded          *insts.Instruction
	AddrSizeOverride bool
}

// Equal compares outcomes by kind and by the vector or reason the kind
// carries. The decoded instruction is a payload and is ignored.
func (e StepExit) Equal(o StepExit) bool {
	if e.Kind != o.Kind {
		return false
	}
	switch e.Kind {
	case StepBIOSInterrupt:
		return e.Vector == o.Vector
	case StepAssist:
		return e.Reason == o.Reason
	}
	return true
}

func (e StepExit) String() string {
	switch e.Kind {
	case StepBIOSInterrupt:
		return fmt.Sprintf("BiosInterrupt(%#x)", e.Vector)
	case StepAssist:
		return fmt.Sprintf("Assist(%s)", e.Reason)
	}
	return e.Kind.String()
}

func cont() (StepExit, error)   { return StepExit{Kind: StepContinue}, nil }
func branch() (StepExit, error) { return StepExit{Kind: StepBranch}, nil }

func (c *execCtx) assist(r AssistReason) (StepExit, error) {
	return StepExit{
		Kind:             StepAssist,
		Reason:           r,
		Decoded:          c.in,
		AddrSizeOverride: c.in.AddrSizeOverride(),
	}, nil
}

// Tier0 is the fast-path interpreter.
type Tier0 struct {
	decoder *insts.Decoder
}

// NewTier0 creates an interpreter.
func NewTier0() *Tier0 {
	return &Tier0{decoder: insts.NewDecoder()}
}

// Fetch reads and decodes the instruction at CS:IP. It first fetches only
// up to the end of the current page so that a short instruction at the end
// of a mapped region does not fault on the next page.
func (t *Tier0) Fetch(s *State, bus Bus) (*insts.Instruction, error) {
	ip := s.IP()
	lin := s.ApplyA20(s.SegBase(SegCS) + ip)
	bitness := s.Bitness()

	toPage := pageSize - int(lin&(pageSize-1))
	n := min(insts.MaxLength, toPage)
	if !contiguous(s, lin, n) {
		n = int(s.LinearMask() - lin + 1)
	}

	raw, err := bus.Fetch(lin, n)
	if err != nil {
		return nil, err
	}
	in, err := t.decoder.Decode(raw[:n], ip, bitness)
	if errors.Is(err, insts.ErrTruncated) && n < insts.MaxLength {
		if raw, err = t.fetchFull(s, bus, lin); err != nil {
			return nil, err
		}
		in, err = t.decoder.Decode(raw[:], ip, bitness)
	}
	if err != nil {
		return nil, t.decodeFault(s, raw[:], bitness)
	}
	return in, nil
}

func (t *Tier0) fetchFull(s *State, bus Bus, lin uint64) ([insts.MaxLength]byte, error) {
	if contiguous(s, lin, insts.MaxLength) {
		return bus.Fetch(lin, insts.MaxLength)
	}
	var raw [insts.MaxLength]byte
	for i := range raw {
		part, err := bus.Fetch(s.ApplyA20(lin+uint64(i)), 1)
		if err != nil {
			return raw, err
		}
		raw[i] = part[0]
	}
	return raw, nil
}

// decodeFault picks the fault for bytes that do not decode: #NM for an x87
// encoding while the FPU is unavailable, #UD otherwise.
func (t *Tier0) decodeFault(s *State, raw []byte, bitness int) error {
	if f := x87Availability(s, insts.ClassifyX87(raw, bitness)); f != nil {
		return f
	}
	return InvalidOpcode()
}

// x87Availability applies CR0.EM, CR0.TS and CR0.MP to the x87 encoding
// space. It returns nil when the instruction may proceed to the opcode
// legality check.
func x87Availability(s *State, kind insts.X87Kind) *Fault {
	switch kind {
	case insts.X87Escape:
		if s.CR0&(CR0EM|CR0TS) != 0 {
			return DeviceNotAvailable()
		}
	case insts.X87Wait:
		if s.CR0&(CR0TS|CR0MP) == CR0TS|CR0MP {
			return DeviceNotAvailable()
		}
	}
	return nil
}

// Step resynchronises bus with s, then fetches, decodes and executes one
// instruction. A fault is returned as a *Fault after its architectural side
// effects (CR2 for #PF) have been applied to s; IP is left at the faulting
// instruction.
func (t *Tier0) Step(s *State, bus Bus) (StepExit, error) {
	bus.Sync(s)
	in, err := t.Fetch(s, bus)
	if err != nil {
		f := AsFault(err)
		s.ApplyFaultSideEffects(f)
		return StepExit{}, f
	}
	exit, err := t.Execute(s, bus, in)
	if err != nil {
		f := AsFault(err)
		s.ApplyFaultSideEffects(f)
		return StepExit{}, f
	}
	return exit, nil
}

// Execute runs an already decoded instruction. Registers and flags are
// restored if it faults, except for completed iterations of a REP string
// instruction.
func (t *Tier0) Execute(s *State, bus Bus, in *insts.Instruction) (StepExit, error) {
	c := newExecCtx(s, bus, in)
	gpr, flags := s.GPR, s.RFLAGS

	exit, err := c.dispatch()
	if err != nil {
		if !c.partial {
			s.GPR, s.RFLAGS = gpr, flags
		}
		if f := AsFault(err); f.Kind == FaultInvalidOpcode {
			if nm := x87Availability(s, insts.ClassifyX87(in.Bytes(), in.Bitness)); nm != nil {
				return StepExit{}, nm
			}
		}
		return StepExit{}, err
	}

	switch exit.Kind {
	case StepContinue, StepContinueInhibitInterrupts:
		s.SetIP(c.next)
	}
	return exit, nil
}

func (c *execCtx) dispatch() (StepExit, error) {
	// x87 instructions are not executed; FWAIT retires once the FPU is
	// available.
	switch kind := insts.ClassifyX87(c.in.Bytes(), c.in.Bitness); kind {
	case insts.X87Escape:
		if f := x87Availability(c.s, kind); f != nil {
			return StepExit{}, f
		}
		return StepExit{}, InvalidOpcode()
	case insts.X87Wait:
		if f := x87Availability(c.s, kind); f != nil {
			return StepExit{}, f
		}
		return cont()
	}

	op := c.in.Op
	switch op {
	case x86asm.NOP, x86asm.LFENCE, x86asm.MFENCE, x86asm.SFENCE, x86asm.PAUSE:
		return cont()

	case x86asm.ADD, x86asm.ADC, x86asm.SUB, x86asm.SBB, x86asm.AND,
		x86asm.OR, x86asm.XOR, x86asm.CMP, x86asm.TEST:
		return c.execBinary(op)
	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		return c.execUnary(op)
	case x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.ROL, x86asm.ROR,
		x86asm.RCL, x86asm.RCR:
		return c.execShift(op)
	case x86asm.SHLD, x86asm.SHRD:
		return c.execShiftDouble(op == x86asm.SHLD)
	case x86asm.MUL, x86asm.IMUL:
		return c.execMul(op)
	case x86asm.DIV, x86asm.IDIV:
		return c.execDiv(op == x86asm.IDIV)
	case x86asm.BT, x86asm.BTS, x86asm.BTR, x86asm.BTC:
		return c.execBitTest(op)
	case x86asm.BSF, x86asm.BSR:
		return c.execBitScan(op == x86asm.BSF)
	case x86asm.POPCNT, x86asm.TZCNT, x86asm.LZCNT:
		return c.execCount(op)
	case x86asm.BSWAP:
		return c.execBswap()
	case x86asm.CLC, x86asm.STC, x86asm.CMC, x86asm.CLD, x86asm.STD:
		return c.execFlagOp(op)
	case x86asm.LAHF, x86asm.SAHF:
		return c.execAHFlags(op == x86asm.LAHF)
	case x86asm.CBW, x86asm.CWDE, x86asm.CDQE, x86asm.CWD, x86asm.CDQ, x86asm.CQO:
		return c.execConvert(op)

	case x86asm.MOV:
		return c.execMov()
	case x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		return c.execMovExtend(op != x86asm.MOVZX)
	case x86asm.MOVBE:
		return c.execMovBE()
	case x86asm.LEA:
		return c.execLea()
	case x86asm.XCHG:
		return c.execXchg()
	case x86asm.XADD:
		return c.execXadd()
	case x86asm.CMPXCHG:
		return c.execCmpxchg()
	case x86asm.CMPXCHG8B, x86asm.CMPXCHG16B:
		return c.execCmpxchgDouble()
	case x86asm.XLATB:
		return c.execXlat()
	case x86asm.LDS, x86asm.LES, x86asm.LFS, x86asm.LGS, x86asm.LSS:
		return c.execLoadFarPointer(op)

	case x86asm.PUSH:
		return c.execPush()
	case x86asm.POP:
		return c.execPop()
	case x86asm.PUSHF, x86asm.PUSHFD, x86asm.PUSHFQ:
		return c.execPushf()
	case x86asm.POPF, x86asm.POPFD, x86asm.POPFQ:
		return c.execPopf()
	case x86asm.PUSHA, x86asm.PUSHAD:
		return c.execPusha()
	case x86asm.POPA, x86asm.POPAD:
		return c.execPopa()
	case x86asm.ENTER:
		return c.execEnter()
	case x86asm.LEAVE:
		return c.execLeave()

	case x86asm.JMP:
		return c.execJmp()
	case x86asm.CALL:
		return c.execCall()
	case x86asm.RET:
		return c.execRet()
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS:
		return c.execJcc()
	case x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return c.execJcxz()
	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return c.execLoop(op)
	case x86asm.LJMP, x86asm.LCALL, x86asm.LRET:
		return c.assist(AssistPrivileged)

	case x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD, x86asm.MOVSQ:
		return c.execMovs()
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD, x86asm.STOSQ:
		return c.execStos()
	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD, x86asm.LODSQ:
		return c.execLods()
	case x86asm.CMPSB, x86asm.CMPSW, x86asm.CMPSD, x86asm.CMPSQ,
		x86asm.SCASB, x86asm.SCASW, x86asm.SCASD, x86asm.SCASQ:
		return c.assist(AssistString)

	case x86asm.IN, x86asm.OUT, x86asm.INSB, x86asm.INSW, x86asm.INSD,
		x86asm.OUTSB, x86asm.OUTSW, x86asm.OUTSD:
		return c.assist(AssistIO)

	case x86asm.CLI, x86asm.STI, x86asm.INT, x86asm.INTO, x86asm.ICEBP,
		x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return c.assist(AssistInterrupt)

	case x86asm.HLT:
		return c.execHlt()

	case x86asm.UD0, x86asm.UD1, x86asm.UD2:
		return StepExit{}, InvalidOpcode()
	}

	if c.isCondMove() {
		return c.execCmov()
	}
	if c.isSetcc() {
		return c.execSetcc()
	}
	if c.in.IsPortIO() {
		return c.assist(AssistIO)
	}
	if privilegedOps[op] {
		return c.assist(AssistPrivileged)
	}
	return c.assist(AssistOther)
}

// privilegedOps are executed by the assist layer.
var privilegedOps = map[x86asm.Op]bool{
	x86asm.CPUID:    true,
	x86asm.RDTSC:    true,
	x86asm.RDTSCP:   true,
	x86asm.RDMSR:    true,
	x86asm.WRMSR:    true,
	x86asm.LGDT:     true,
	x86asm.LIDT:     true,
	x86asm.SGDT:     true,
	x86asm.SIDT:     true,
	x86asm.LLDT:     true,
	x86asm.SLDT:     true,
	x86asm.LTR:      true,
	x86asm.STR:      true,
	x86asm.LMSW:     true,
	x86asm.SMSW:     true,
	x86asm.CLTS:     true,
	x86asm.INVLPG:   true,
	x86asm.WBINVD:   true,
	x86asm.INVD:     true,
	x86asm.SWAPGS:   true,
	x86asm.SYSCALL:  true,
	x86asm.SYSRET:   true,
	x86asm.SYSENTER: true,
	x86asm.SYSEXIT:  true,
}

func (c *execCtx) condCode() uint8 {
	op, _ := c.in.Opcode()
	return op & 0xf
}

func (c *execCtx) isCondMove() bool {
	op, two := c.in.Opcode()
	return two && op >= 0x40 && op <= 0x4f
}

func (c *execCtx) isSetcc() bool {
	op, two := c.in.Opcode()
	return two && op >= 0x90 && op <= 0x9f
}

func (c *execCtx) execHlt() (StepExit, error) {
	if c.s.CPL() != 0 {
		return StepExit{}, GeneralProtection(0)
	}
	c.s.SetIP(c.next)
	if v, ok := c.s.TakePendingBIOSInt(); ok {
		return StepExit{Kind: StepBIOSInterrupt, Vector: v}, nil
	}
	c.s.Halted = true
	return StepExit{Kind: StepHalted}, nil
}
