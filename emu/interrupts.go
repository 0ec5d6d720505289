package emu

import (
	"errors"

	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/x86core/insts"
	"github.com/sarchlab/x86core/mmu"
)

// eventSource says where an interrupt came from. It decides the DPL check
// on the gate and the EXT bit of IDT error codes.
type eventSource uint8

const (
	sourceException eventSource = iota
	// sourceSoftware is INT n, INT3 and INTO; the gate DPL is checked.
	sourceSoftware
	// sourceDebugTrap is INT1 (ICEBP), which skips the DPL check.
	sourceDebugTrap
	sourceExternal
)

// delivery is one event on its way through the IDT or IVT.
type delivery struct {
	vector uint8
	source eventSource
	// fault is set for exceptions and supplies the error code.
	fault *Fault
	// returnIP is the IP saved in the frame: the faulting instruction for
	// faults, the next instruction for software interrupts.
	returnIP uint64
}

func (d delivery) ext() uint32 {
	if d.source == sourceExternal {
		return 1
	}
	return 0
}

// idtError is the error code for a fault caused by the IDT entry itself.
func (d delivery) idtError() uint32 {
	return uint32(d.vector)<<3 | 2 | d.ext()
}

// PendingEvents tracks the event waiting to be delivered, the queue of
// external interrupts and the one-instruction interrupt shadow after STI,
// MOV SS and POP SS.
type PendingEvents struct {
	event    *delivery
	external []uint8
	inhibit  uint8

	// delivering is the exception currently being delivered, used to
	// escalate nested faults.
	delivering *Fault
}

// RaiseException records f as the pending event. faultingRIP is the IP
// pushed in the exception frame. Side effects such as CR2 are applied now.
func (p *PendingEvents) RaiseException(s *State, f *Fault, faultingRIP uint64) {
	s.ApplyFaultSideEffects(f)
	p.queueException(f, faultingRIP)
}

// queueException records f without applying its side effects, for faults
// the interpreter has already surfaced.
func (p *PendingEvents) queueException(f *Fault, faultingRIP uint64) {
	vec, _ := f.Vector()
	p.event = &delivery{
		vector:   vec,
		source:   sourceException,
		fault:    f,
		returnIP: faultingRIP,
	}
}

// RaiseSoftwareInterrupt records INT n as the pending event. returnRIP is
// the address of the instruction after INT.
func (p *PendingEvents) RaiseSoftwareInterrupt(vector uint8, returnRIP uint64) {
	p.event = &delivery{vector: vector, source: sourceSoftware, returnIP: returnRIP}
}

// InjectExternalInterrupt queues a maskable external interrupt.
func (p *PendingEvents) InjectExternalInterrupt(vector uint8) {
	p.external = append(p.external, vector)
}

// PendingExternalInterrupts returns the number of queued external
// interrupts.
func (p *PendingEvents) PendingExternalInterrupts() int { return len(p.external) }

// HasPendingEvent reports whether an exception or software interrupt is
// waiting for delivery.
func (p *PendingEvents) HasPendingEvent() bool { return p.event != nil }

// InhibitInterruptsForOneInstruction blocks external interrupts until the
// next instruction retires.
func (p *PendingEvents) InhibitInterruptsForOneInstruction() { p.inhibit = 1 }

// InterruptInhibit returns the interrupt shadow counter, 0 or 1.
func (p *PendingEvents) InterruptInhibit() uint8 { return p.inhibit }

// SetInterruptInhibit restores the shadow counter, clamped to 1.
func (p *PendingEvents) SetInterruptInhibit(v uint8) { p.inhibit = min(v, 1) }

// RetireInstruction ages the interrupt shadow by one instruction.
func (p *PendingEvents) RetireInstruction() {
	if p.inhibit > 0 {
		p.inhibit--
	}
}

// RetireInstructions ages the interrupt shadow by n instructions.
func (p *PendingEvents) RetireInstructions(n uint64) {
	if n > 0 {
		p.inhibit = 0
	}
}

// DeliverPendingEvent delivers the pending exception or software
// interrupt, if any. Faults raised during delivery are handled here,
// escalating to #DF and then to a triple fault; the only error returned is
// a *CPUExit.
func (p *PendingEvents) DeliverPendingEvent(s *State, bus Bus) error {
	if p.event == nil {
		return nil
	}
	d := *p.event
	p.event = nil
	if d.fault != nil {
		return p.deliverException(s, bus, d.fault, d.returnIP)
	}
	return p.deliverEvent(s, bus, d)
}

// DeliverExternalInterrupt delivers the oldest queued external interrupt
// if nothing else is pending, IF is set and no interrupt shadow is active.
// It reports whether an interrupt was taken from the queue.
func (p *PendingEvents) DeliverExternalInterrupt(s *State, bus Bus) (bool, error) {
	if len(p.external) == 0 || p.event != nil || !s.Flag(FlagIF) || p.inhibit > 0 {
		return false, nil
	}
	vector := p.external[0]
	p.external = p.external[1:]

	s.Halted = false
	if s.Mode == ModeReal || s.Mode == ModeVM86 {
		s.SetPendingBIOSInt(vector)
	}
	d := delivery{vector: vector, source: sourceExternal, returnIP: s.IP()}
	return true, p.deliverEvent(s, bus, d)
}

// deliverEvent delivers an interrupt. A fault during delivery is raised as
// an exception against the interrupted instruction.
func (p *PendingEvents) deliverEvent(s *State, bus Bus, d delivery) error {
	snap := *s
	err := deliver(s, bus, d)
	if err == nil {
		return nil
	}
	*s = snap
	bus.Sync(s)
	nested := AsFault(err)
	s.ApplyFaultSideEffects(nested)
	return p.deliverException(s, bus, nested, s.IP())
}

func (p *PendingEvents) deliverException(s *State, bus Bus, f *Fault, rip uint64) error {
	switch f.Kind {
	case FaultMemory:
		return &CPUExit{Kind: ExitMemoryFault, Detail: f.Detail}
	case FaultUnimplemented:
		f = InvalidOpcode()
	}

	prev := p.delivering
	p.delivering = f
	defer func() { p.delivering = prev }()

	vec, _ := f.Vector()
	snap := *s
	err := deliver(s, bus, delivery{vector: vec, source: sourceException, fault: f, returnIP: rip})
	if err == nil {
		s.Halted = false
		return nil
	}

	*s = snap
	bus.Sync(s)
	nested := AsFault(err)
	switch {
	case nested.Kind == FaultMemory:
		return &CPUExit{Kind: ExitMemoryFault, Detail: nested.Detail}
	case f.Kind == FaultDoubleFault:
		return &CPUExit{Kind: ExitTripleFault, Detail: nested.Error()}
	case escalatesToDoubleFault(f, nested):
		nested = DoubleFault()
	}
	s.ApplyFaultSideEffects(nested)
	return p.deliverException(s, bus, nested, rip)
}

// deliver pushes the interrupt frame and transfers to the handler. On
// error the state may be partly updated; callers restore it.
func deliver(s *State, bus Bus, d delivery) error {
	bus.Sync(s)
	var err error
	switch {
	case s.Mode == ModeReal || s.Mode == ModeVM86:
		err = deliverReal(s, bus, d)
	case s.MSR.EFER&EFERLMA != 0:
		err = deliverLong(s, bus, d)
	default:
		err = deliverProtected(s, bus, d)
	}
	bus.Sync(s)
	return err
}

// pushStack pushes v on SS:SP at the given width.
func pushStack(s *State, bus Bus, v uint64, size int) error {
	sp := (s.StackPointer() - uint64(size)) & sizeMask(s.StackSize())
	if err := writeLinear(s, bus, s.SegBase(SegSS)+sp, size, v); err != nil {
		return err
	}
	s.SetStackPointer(sp)
	return nil
}

func pushFrame(s *State, bus Bus, size int, vals ...uint64) error {
	for _, v := range vals {
		if err := pushStack(s, bus, v, size); err != nil {
			return err
		}
	}
	return nil
}

// deliverReal vectors through the real-mode interrupt vector table. VM86
// uses it too.
func deliverReal(s *State, bus Bus, d delivery) error {
	off := uint64(d.vector) * 4
	if off+3 > uint64(s.IDTR.Limit) {
		return GeneralProtection(d.idtError())
	}
	v, err := readLinear(s, bus, s.IDTR.Base+off, 4)
	if err != nil {
		return err
	}
	err = pushFrame(s, bus, 2, s.RFLAGS, uint64(s.Segs[SegCS].Selector), d.returnIP)
	if err != nil {
		return err
	}
	s.RFLAGS &^= FlagIF | FlagTF | FlagAC
	s.LoadRealSegment(SegCS, uint16(v>>16))
	s.SetIP(v & 0xffff)
	return nil
}

// Gate types.
const (
	gateInterrupt32 = 0xe
	gateTrap32      = 0xf
)

func readGate(s *State, bus Bus, d delivery, width uint64) (lo, hi uint64, err error) {
	off := uint64(d.vector) * width
	if off+width-1 > uint64(s.IDTR.Limit) {
		return 0, 0, GeneralProtection(d.idtError())
	}
	addr := s.IDTR.Base + off
	err = asSupervisor(s, bus, func() error {
		var err error
		if lo, err = readLinear(s, bus, addr, 8); err != nil {
			return err
		}
		if width == 16 {
			hi, err = readLinear(s, bus, addr+8, 8)
		}
		return err
	})
	return lo, hi, err
}

// checkGate validates the gate type, DPL and present bit. It reports
// whether the gate is a trap gate.
func checkGate(s *State, d delivery, lo uint64) (bool, error) {
	var trap bool
	switch uint8(lo>>40) & 0xf {
	case gateInterrupt32:
	case gateTrap32:
		trap = true
	default:
		// Task gates and 16-bit gates are not supported.
		return false, GeneralProtection(d.idtError())
	}
	if d.source == sourceSoftware && s.CPL() > uint8(lo>>45)&3 {
		return false, GeneralProtection(d.idtError())
	}
	if lo&(1<<47) == 0 {
		return false, SegmentNotPresent(d.idtError())
	}
	return trap, nil
}

// handlerSegment reads the code segment named by a gate. The returned
// cache has RPL set to the handler's privilege level.
func handlerSegment(s *State, bus Bus, sel uint16, d delivery) (Segment, error) {
	if nullSelector(sel) {
		return Segment{}, GeneralProtection(d.ext())
	}
	_, lo, _, err := readDescriptor(s, bus, sel, false)
	if err != nil {
		return Segment{}, err
	}
	cs := DecodeDescriptor(lo)
	code := selectorError(sel) | d.ext()
	if cs.System() || cs.Type()&descCode == 0 || cs.DPL() > s.CPL() {
		return Segment{}, GeneralProtection(code)
	}
	if s.MSR.EFER&EFERLMA != 0 && (!cs.Long() || cs.DefaultBig()) {
		return Segment{}, GeneralProtection(code)
	}
	if !cs.Present() {
		return Segment{}, SegmentNotPresent(code)
	}
	newCPL := cs.DPL()
	if cs.Type()&descConforming != 0 {
		newCPL = s.CPL()
	}
	cs.Selector = sel&^3 | uint16(newCPL)
	return cs, nil
}

func trError(s *State) error { return InvalidTSS(selectorError(s.TR.Selector)) }

// tssStack32 reads SS:ESP for privilege level cpl from a 32-bit TSS and
// validates the stack segment.
func tssStack32(s *State, bus Bus, cpl uint8) (Segment, uint64, error) {
	if !s.usableTSS() {
		return Segment{}, 0, trError(s)
	}
	off := 4 + uint64(cpl)*8
	if off+5 > uint64(s.TR.Limit) {
		return Segment{}, 0, trError(s)
	}
	var esp, ss uint64
	err := asSupervisor(s, bus, func() error {
		var err error
		if esp, err = readLinear(s, bus, s.TR.Base+off, 4); err != nil {
			return err
		}
		ss, err = readLinear(s, bus, s.TR.Base+off+4, 2)
		return err
	})
	if err != nil {
		return Segment{}, 0, err
	}

	sel := uint16(ss)
	if nullSelector(sel) {
		return Segment{}, 0, InvalidTSS(0)
	}
	_, lo, _, err := readDescriptor(s, bus, sel, false)
	if err != nil {
		return Segment{}, 0, InvalidTSS(selectorError(sel))
	}
	seg := DecodeDescriptor(lo)
	typ := seg.Type()
	if seg.System() || typ&descCode != 0 || typ&descWritable == 0 ||
		uint8(sel&3) != cpl || seg.DPL() != cpl {
		return Segment{}, 0, InvalidTSS(selectorError(sel))
	}
	if !seg.Present() {
		return Segment{}, 0, StackFault(selectorError(sel))
	}
	seg.Selector = sel
	return seg, esp, nil
}

// tssStack64 reads an RSP or IST slot from a 64-bit TSS.
func tssStack64(s *State, bus Bus, off uint64) (uint64, error) {
	if !s.usableTSS() || off+7 > uint64(s.TR.Limit) {
		return 0, trError(s)
	}
	var rsp uint64
	err := asSupervisor(s, bus, func() error {
		var err error
		rsp, err = readLinear(s, bus, s.TR.Base+off, 8)
		return err
	})
	if err != nil {
		return 0, err
	}
	if !mmu.IsCanonical48(rsp) {
		return 0, StackFault(0)
	}
	return rsp, nil
}

// handlerFlags clears the flags interrupt delivery always clears, and IF
// for interrupt gates.
func handlerFlags(flags uint64, trap bool) uint64 {
	flags &^= FlagTF | FlagNT | FlagRF | FlagVM
	if !trap {
		flags &^= FlagIF
	}
	return flags
}

func (d delivery) errorCode() (uint64, bool) {
	if d.fault == nil || !d.fault.HasErrorCode() {
		return 0, false
	}
	return uint64(d.fault.ErrorCode), true
}

func deliverProtected(s *State, bus Bus, d delivery) error {
	lo, _, err := readGate(s, bus, d, 8)
	if err != nil {
		return err
	}
	trap, err := checkGate(s, d, lo)
	if err != nil {
		return err
	}
	target := lo&0xffff | (lo>>48)<<16
	cs, err := handlerSegment(s, bus, uint16(lo>>16), d)
	if err != nil {
		return err
	}

	oldFlags := s.RFLAGS
	oldCS := uint64(s.Segs[SegCS].Selector)
	oldSS, oldSP := uint64(s.Segs[SegSS].Selector), s.StackPointer()
	outer := cs.RPL() < s.CPL()

	if outer {
		ss, esp, err := tssStack32(s, bus, cs.RPL())
		if err != nil {
			return err
		}
		s.Segs[SegSS] = ss
		s.SetStackPointer(esp)
	}
	s.Segs[SegCS] = cs
	s.UpdateMode()
	bus.Sync(s)

	var frame []uint64
	if outer {
		frame = append(frame, oldSS, oldSP)
	}
	frame = append(frame, oldFlags, oldCS, d.returnIP)
	if code, ok := d.errorCode(); ok {
		frame = append(frame, code)
	}
	if err := pushFrame(s, bus, 4, frame...); err != nil {
		return err
	}

	s.SetRFLAGS(handlerFlags(oldFlags, trap))
	s.SetIP(target)
	return nil
}

func deliverLong(s *State, bus Bus, d delivery) error {
	lo, hi, err := readGate(s, bus, d, 16)
	if err != nil {
		return err
	}
	trap, err := checkGate(s, d, lo)
	if err != nil {
		return err
	}
	target := lo&0xffff | (lo>>48&0xffff)<<16 | (hi&0xffffffff)<<32
	cs, err := handlerSegment(s, bus, uint16(lo>>16), d)
	if err != nil {
		return err
	}
	if !mmu.IsCanonical48(target) {
		return GeneralProtection(0)
	}

	oldFlags := s.RFLAGS
	oldCS := uint64(s.Segs[SegCS].Selector)
	oldSS, oldSP := uint64(s.Segs[SegSS].Selector), s.StackPointer()
	outer := cs.RPL() < s.CPL()

	rsp := s.GPR[RSP]
	if s.Mode != ModeLong {
		rsp = oldSP
	}
	switch ist := uint8(lo>>32) & 7; {
	case ist != 0:
		rsp, err = tssStack64(s, bus, 0x24+uint64(ist-1)*8)
	case outer:
		rsp, err = tssStack64(s, bus, 4+uint64(cs.RPL())*8)
	}
	if err != nil {
		return err
	}

	if outer {
		s.Segs[SegSS] = Segment{Selector: uint16(cs.RPL()), Access: SegAccessUnusable}
	}
	s.Segs[SegCS] = cs
	s.UpdateMode()
	s.GPR[RSP] = rsp &^ 0xf
	bus.Sync(s)

	frame := []uint64{oldSS, oldSP, oldFlags, oldCS, d.returnIP}
	if code, ok := d.errorCode(); ok {
		frame = append(frame, code)
	}
	if err := pushFrame(s, bus, 8, frame...); err != nil {
		return err
	}

	s.SetRFLAGS(handlerFlags(oldFlags, trap))
	s.SetIP(target)
	return nil
}

// iretFlags are the RFLAGS bits IRET may load, before privilege masking.
const iretFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagTF | FlagIF |
	FlagDF | FlagOF | FlagIOPL | FlagNT | FlagRF | FlagAC | FlagID

// IRET returns from an interrupt handler with the given operand size. The
// frame format follows from the current mode and the operand size. A fault
// is raised and delivered; the only error returned is a *CPUExit.
func (p *PendingEvents) IRET(s *State, bus Bus, size int) (InterruptAssistOutcome, error) {
	snap := *s
	bus.Sync(s)
	err := iret(s, bus, size)
	if err != nil {
		*s = snap
		bus.Sync(s)
		return p.raiseAndDeliver(s, bus, AsFault(err))
	}
	if s.Mode == ModeReal || s.Mode == ModeVM86 {
		s.ClearPendingBIOSInt()
	}
	bus.Sync(s)
	return InterruptAssistOutcome{Kind: InterruptRetired, BlockBoundary: true}, nil
}

func iret(s *State, bus Bus, size int) error {
	sp := s.StackPointer()
	pop := func(i int) (uint64, error) {
		off := (sp + uint64(i*size)) & sizeMask(s.StackSize())
		return readLinear(s, bus, s.SegBase(SegSS)+off, size)
	}
	var frame [5]uint64
	n := 3
	if s.Mode == ModeLong {
		n = 5
	}
	for i := 0; i < n; i++ {
		v, err := pop(i)
		if err != nil {
			return err
		}
		frame[i] = v
	}
	ip, cs, fl := frame[0], uint16(frame[1]), frame[2]

	mask := iretFlags
	if size == 2 {
		mask &= 0xffff
	}

	switch s.Mode {
	case ModeReal:
		s.SetStackPointer(sp + uint64(3*size))
		s.LoadRealSegment(SegCS, cs)
		s.SetRFLAGS(s.RFLAGS&^mask | fl&mask)
		s.SetIP(ip)
		return nil
	case ModeVM86:
		if s.IOPL() < 3 {
			return GeneralProtection(0)
		}
		mask &^= FlagIOPL
		s.SetStackPointer(sp + uint64(3*size))
		s.LoadRealSegment(SegCS, cs)
		s.SetRFLAGS(s.RFLAGS&^mask | fl&mask)
		s.SetIP(ip)
		return nil
	}

	if s.RFLAGS&FlagNT != 0 && s.MSR.EFER&EFERLMA == 0 {
		return Unimplemented("IRET task return")
	}

	cpl := s.CPL()
	rpl := uint8(cs & 3)
	if rpl < cpl {
		return GeneralProtection(selectorError(cs))
	}
	if cpl != 0 {
		mask &^= FlagIOPL
	}
	if cpl > s.IOPL() {
		mask &^= FlagIF
	}

	popSS := s.Mode == ModeLong || rpl > cpl
	if popSS && n == 3 {
		for i := 3; i < 5; i++ {
			v, err := pop(i)
			if err != nil {
				return err
			}
			frame[i] = v
		}
	}
	newFlags := s.RFLAGS&^mask | fl&mask

	if err := s.LoadSegment(bus, SegCS, cs, LoadReturn); err != nil {
		return err
	}
	if s.Mode == ModeLong && !mmu.IsCanonical48(ip) {
		return GeneralProtection(0)
	}
	if popSS {
		if err := s.LoadSegment(bus, SegSS, uint16(frame[4]), LoadStack); err != nil {
			return err
		}
		rsp := frame[3]
		if s.Mode == ModeLong {
			if !mmu.IsCanonical48(rsp) {
				return GeneralProtection(0)
			}
			s.GPR[RSP] = rsp
		} else {
			s.SetStackPointer(rsp)
		}
	} else {
		s.SetStackPointer(sp + uint64(3*size))
	}

	s.SetRFLAGS(newFlags)
	s.UpdateMode()
	s.SetIP(ip)
	return nil
}

// InterruptAssistKind is how an interrupt-class instruction finished.
type InterruptAssistKind uint8

// Interrupt assist outcomes.
const (
	// InterruptRetired: the instruction completed, including any
	// interrupt it delivered.
	InterruptRetired InterruptAssistKind = iota
	// InterruptFaultDelivered: the instruction faulted and the fault was
	// delivered to the guest.
	InterruptFaultDelivered
)

// InterruptAssistOutcome is the result of ExecInterruptAssist.
type InterruptAssistOutcome struct {
	Kind InterruptAssistKind
	// BlockBoundary is set when control left the straight-line path.
	BlockBoundary bool
	// InhibitInterrupts is set by STI when it enables interrupts.
	InhibitInterrupts bool
}

func (p *PendingEvents) raiseAndDeliver(s *State, bus Bus, f *Fault) (InterruptAssistOutcome, error) {
	p.RaiseException(s, f, s.IP())
	out := InterruptAssistOutcome{Kind: InterruptFaultDelivered, BlockBoundary: true}
	return out, p.DeliverPendingEvent(s, bus)
}

// ExecInterruptAssist executes CLI, STI, INT n, INT3, INT1, INTO or IRET
// at the current IP. Faults are delivered to the guest; the only error
// returned is a *CPUExit.
func (p *PendingEvents) ExecInterruptAssist(
	s *State,
	bus Bus,
	in *insts.Instruction,
	addrSizeOverride bool,
) (InterruptAssistOutcome, error) {
	c := newExecCtx(s, bus, in)
	c.asz = effectiveAddrSize(s.Bitness(), addrSizeOverride)
	retired := InterruptAssistOutcome{Kind: InterruptRetired}

	switch in.Op {
	case x86asm.CLI, x86asm.STI:
		if s.Mode != ModeReal && s.CPL() > s.IOPL() {
			return p.raiseAndDeliver(s, bus, GeneralProtection(0))
		}
		if in.Op == x86asm.STI {
			retired.InhibitInterrupts = !s.Flag(FlagIF)
		}
		s.SetFlag(FlagIF, in.Op == x86asm.STI)
		s.SetIP(c.next)
		return retired, nil

	case x86asm.INT, x86asm.INTO, x86asm.ICEBP:
		vector, source := uint8(0), sourceSoftware
		switch in.Op {
		case x86asm.INT:
			imm, ok := c.arg(0).(x86asm.Imm)
			if !ok {
				return p.raiseAndDeliver(s, bus, InvalidOpcode())
			}
			vector = uint8(imm)
		case x86asm.INTO:
			if !s.Flag(FlagOF) {
				s.SetIP(c.next)
				return retired, nil
			}
			vector = 4
		case x86asm.ICEBP:
			vector, source = 1, sourceDebugTrap
		}
		if s.Mode == ModeVM86 && s.IOPL() < 3 && source == sourceSoftware {
			return p.raiseAndDeliver(s, bus, GeneralProtection(0))
		}
		snap := *s
		if s.Mode == ModeReal || s.Mode == ModeVM86 {
			s.SetPendingBIOSInt(vector)
		}
		d := delivery{vector: vector, source: source, returnIP: c.next}
		if err := deliver(s, bus, d); err != nil {
			*s = snap
			bus.Sync(s)
			return p.raiseAndDeliver(s, bus, AsFault(err))
		}
		retired.BlockBoundary = true
		return retired, nil

	case x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		size := 2
		switch in.Op {
		case x86asm.IRETD:
			size = 4
		case x86asm.IRETQ:
			size = 8
		}
		return p.IRET(s, bus, size)
	}
	return p.raiseAndDeliver(s, bus, InvalidOpcode())
}

// IsCPUExit reports whether err is a fatal core exit.
func IsCPUExit(err error) bool {
	var e *CPUExit
	return errors.As(err, &e)
}
