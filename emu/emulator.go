package emu

import (
	"github.com/go-logr/logr"

	"github.com/sarchlab/x86core/insts"
)

// Core is one logical processor: architectural state plus the pending-event
// tracker, the time source and the assist context that the batch driver
// threads through every instruction boundary.
type Core struct {
	State   *State
	Pending PendingEvents
	Time    *TimeSource
	Assist  *AssistContext

	tier0 *Tier0
	log   logr.Logger

	features            Features
	ticksPerInstruction uint64
}

// CoreOption is a functional option for configuring a Core.
type CoreOption func(*Core)

// WithLogger sets the logger for lifecycle events such as fatal exits.
func WithLogger(l logr.Logger) CoreOption {
	return func(c *Core) {
		c.log = l
	}
}

// WithFeatures sets the processor model reported through CPUID.
func WithFeatures(f Features) CoreOption {
	return func(c *Core) {
		c.features = f
	}
}

// WithTicksPerInstruction sets the TSC increment per retired instruction.
func WithTicksPerInstruction(n uint64) CoreOption {
	return func(c *Core) {
		c.ticksPerInstruction = n
	}
}

// NewCore creates a core in reset state for the given mode.
func NewCore(mode Mode, opts ...CoreOption) *Core {
	c := &Core{
		State:               NewState(mode),
		tier0:               NewTier0(),
		log:                 logr.Discard(),
		features:            DefaultFeatures(),
		ticksPerInstruction: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Time = NewTimeSource(c.ticksPerInstruction)
	c.Assist = NewAssistContext(c.features)
	c.Assist.tier0 = c.tier0
	return c
}

// Tier0 returns the core's interpreter.
func (c *Core) Tier0() *Tier0 { return c.tier0 }

// InstructionCount returns the number of retired instructions.
func (c *Core) InstructionCount() uint64 { return c.Time.Cycles() }

// Reset puts the core back into reset state for mode. Queued interrupts and
// the time-stamp counter are cleared.
func (c *Core) Reset(mode Mode) {
	c.State = NewState(mode)
	c.Pending = PendingEvents{}
	c.Time = NewTimeSource(c.ticksPerInstruction)
	c.Assist.ClearInvlpgLog()
}

// RunBatch runs up to max instructions. Pending exceptions and external
// interrupts are delivered at instruction boundaries, faults are delivered
// to the guest and every assist is resolved. The batch ends at a control
// transfer, HLT, a BIOS interrupt, the budget or a fatal exit.
func (c *Core) RunBatch(bus Bus, max uint64) BatchResult {
	r := batchRunner{
		t:       c.tier0,
		s:       c.State,
		bus:     bus,
		assist:  c.Assist,
		time:    c.Time,
		pending: &c.Pending,
		log:     c.log,
	}
	return r.run(max)
}

// InjectExternalInterrupt queues a maskable interrupt for delivery at the
// next instruction boundary where IF is set.
func (c *Core) InjectExternalInterrupt(vector uint8) {
	c.Pending.InjectExternalInterrupt(vector)
}

// RaiseException queues f for delivery at the current instruction.
func (c *Core) RaiseException(f *Fault) {
	c.Pending.RaiseException(c.State, f, c.State.IP())
}

// DeliverPendingEvent delivers a queued exception or software interrupt.
func (c *Core) DeliverPendingEvent(bus Bus) error {
	return c.Pending.DeliverPendingEvent(c.State, bus)
}

// DeliverExternalInterrupt delivers the oldest deliverable external
// interrupt.
func (c *Core) DeliverExternalInterrupt(bus Bus) (bool, error) {
	return c.Pending.DeliverExternalInterrupt(c.State, bus)
}

// IRET returns from an interrupt handler with the given operand size.
func (c *Core) IRET(bus Bus, size int) (InterruptAssistOutcome, error) {
	return c.Pending.IRET(c.State, bus, size)
}

// ExecInterruptAssist executes an interrupt-class instruction that Tier-0
// returned as an assist.
func (c *Core) ExecInterruptAssist(
	bus Bus,
	in *insts.Instruction,
	addrSizeOverride bool,
) (InterruptAssistOutcome, error) {
	return c.Pending.ExecInterruptAssist(c.State, bus, in, addrSizeOverride)
}

// HandleAssist executes a non-interrupt assist at the current IP.
func (c *Core) HandleAssist(bus Bus, reason AssistReason) (StepExit, error) {
	return HandleAssist(c.Assist, c.Time, c.State, bus, reason)
}
