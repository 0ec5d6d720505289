package emu

// TimeSource holds the core's cycle counter and time-stamp counter. Both
// advance only when instructions retire, so guest-visible time is a pure
// function of the executed instruction stream.
type TimeSource struct {
	ticksPerInstruction uint64
	cycles              uint64
	tsc                 uint64
}

// NewTimeSource creates a time source whose TSC advances by
// ticksPerInstruction per retired instruction. Zero means one.
func NewTimeSource(ticksPerInstruction uint64) *TimeSource {
	if ticksPerInstruction == 0 {
		ticksPerInstruction = 1
	}
	return &TimeSource{ticksPerInstruction: ticksPerInstruction}
}

// TicksPerInstruction returns the TSC increment per retired instruction.
func (t *TimeSource) TicksPerInstruction() uint64 { return t.ticksPerInstruction }

// Advance accounts for n retired instructions.
func (t *TimeSource) Advance(n uint64) {
	t.cycles += n
	t.tsc += n * t.ticksPerInstruction
}

// Cycles returns the number of retired instructions accounted so far.
func (t *TimeSource) Cycles() uint64 { return t.cycles }

// ReadTSC returns the current time-stamp counter.
func (t *TimeSource) ReadTSC() uint64 { return t.tsc }

// SetTSC sets the time-stamp counter, as WRMSR to IA32_TSC does.
func (t *TimeSource) SetTSC(v uint64) { t.tsc = v }
