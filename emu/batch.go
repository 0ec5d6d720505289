package emu

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/sarchlab/x86core/insts"
)

// BatchExitKind says why a batch stopped.
type BatchExitKind uint8

// Batch exits.
const (
	// BatchCompleted: the instruction budget ran out.
	BatchCompleted BatchExitKind = iota
	BatchBranch
	BatchHalted
	BatchBIOSInterrupt
	// BatchAssist: an instruction needs an assist the batch variant cannot
	// resolve. IP is on the instruction.
	BatchAssist
	// BatchException: a fault the batch variant cannot deliver.
	BatchException
	// BatchCPUExit: the core stopped fatally.
	BatchCPUExit
)

func (k BatchExitKind) String() string {
	switch k {
	case BatchCompleted:
		return "Completed"
	case BatchBranch:
		return "Branch"
	case BatchHalted:
		return "Halted"
	case BatchBIOSInterrupt:
		return "BiosInterrupt"
	case BatchAssist:
		return "Assist"
	case BatchException:
		return "Exception"
	case BatchCPUExit:
		return "CpuExit"
	}
	return fmt.Sprintf("BatchExitKind(%d)", uint8(k))
}

// BatchExit is the terminal condition of a batch.
type BatchExit struct {
	Kind BatchExitKind

	Vector           uint8
	Reason           AssistReason
	Decoded          *insts.Instruction
	AddrSizeOverride bool

	Fault *Fault
	Exit  *CPUExit
}

// Equal compares exits by kind and the payload the kind carries. The
// decoded instruction of an assist is ignored.
func (e BatchExit) Equal(o BatchExit) bool {
	if e.Kind != o.Kind {
		return false
	}
	switch e.Kind {
	case BatchBIOSInterrupt:
		return e.Vector == o.Vector
	case BatchAssist:
		return e.Reason == o.Reason
	case BatchException:
		if e.Fault == nil || o.Fault == nil {
			return e.Fault == o.Fault
		}
		return e.Fault.Kind == o.Fault.Kind &&
			e.Fault.ErrorCode == o.Fault.ErrorCode &&
			e.Fault.Addr == o.Fault.Addr
	case BatchCPUExit:
		if e.Exit == nil || o.Exit == nil {
			return e.Exit == o.Exit
		}
		return e.Exit.Kind == o.Exit.Kind
	}
	return true
}

func (e BatchExit) String() string {
	switch e.Kind {
	case BatchBIOSInterrupt:
		return fmt.Sprintf("BiosInterrupt(%#x)", e.Vector)
	case BatchAssist:
		return fmt.Sprintf("Assist(%s)", e.Reason)
	case BatchException:
		return fmt.Sprintf("Exception(%v)", e.Fault)
	case BatchCPUExit:
		return fmt.Sprintf("CpuExit(%v)", e.Exit)
	}
	return e.Kind.String()
}

// BatchResult reports how many instructions retired and why the batch
// stopped.
type BatchResult struct {
	Executed uint64
	Exit     BatchExit
}

// batchRunner is the loop shared by the batch variants. Nil collaborators
// turn the matching conditions into batch exits.
type batchRunner struct {
	t   *Tier0
	s   *State
	bus Bus

	assist  *AssistContext
	time    *TimeSource
	pending *PendingEvents

	log logr.Logger
}

// RunBatch steps t up to max instructions. Assists and faults end the batch
// and are returned as they are; the caller resolves them.
func RunBatch(t *Tier0, s *State, bus Bus, max uint64) BatchResult {
	r := batchRunner{t: t, s: s, bus: bus, log: logr.Discard()}
	return r.run(max)
}

// RunBatchWithAssists is RunBatch with non-interrupt assists executed in
// place and time advanced per retired instruction. Interrupt assists are
// still returned.
func RunBatchWithAssists(
	t *Tier0,
	ctx *AssistContext,
	ts *TimeSource,
	s *State,
	bus Bus,
	max uint64,
) BatchResult {
	r := batchRunner{
		t:      t,
		s:      s,
		bus:    bus,
		assist: ctx,
		time:   ts,
		log:    logr.Discard(),
	}
	return r.run(max)
}

func assistExit(e StepExit) BatchExit {
	return BatchExit{
		Kind:             BatchAssist,
		Reason:           e.Reason,
		Decoded:          e.Decoded,
		AddrSizeOverride: e.AddrSizeOverride,
	}
}

func (r *batchRunner) retire(inhibit bool) {
	if p := r.pending; p != nil {
		p.RetireInstruction()
		if inhibit {
			p.InhibitInterruptsForOneInstruction()
		}
	}
	if r.time != nil {
		r.time.Advance(1)
	}
}

func (r *batchRunner) fatal(n uint64, err error) BatchResult {
	var exit *CPUExit
	if !errors.As(err, &exit) {
		exit = &CPUExit{Kind: ExitMemoryFault, Detail: err.Error()}
	}
	r.log.Info("cpu exit", "kind", exit.Kind.String(), "detail", exit.Detail,
		"rip", r.s.RIP)
	return BatchResult{Executed: n, Exit: BatchExit{Kind: BatchCPUExit, Exit: exit}}
}

// fault handles a fault surfaced by a step or an assist. It returns false
// when the batch must stop with res.
func (r *batchRunner) fault(n uint64, f *Fault) (res BatchResult, ok bool) {
	if r.pending == nil {
		return BatchResult{Executed: n, Exit: BatchExit{Kind: BatchException, Fault: f}}, false
	}
	switch f.Kind {
	case FaultMemory:
		return r.fatal(n, &CPUExit{Kind: ExitMemoryFault, Detail: f.Detail}), false
	case FaultUnimplemented:
		return r.fatal(n, &CPUExit{Kind: ExitUnimplementedInstruction, Detail: f.Detail}), false
	}
	r.pending.queueException(f, r.s.IP())
	return BatchResult{}, true
}

func (r *batchRunner) run(max uint64) BatchResult {
	s, p := r.s, r.pending
	halted := BatchResult{Exit: BatchExit{Kind: BatchHalted}}
	if s.Halted && (p == nil || (!p.HasPendingEvent() && p.PendingExternalInterrupts() == 0)) {
		return halted
	}

	var n uint64
	for n < max {
		if p != nil {
			if p.HasPendingEvent() {
				if err := p.DeliverPendingEvent(s, r.bus); err != nil {
					return r.fatal(n, err)
				}
				continue
			}
			if p.PendingExternalInterrupts() > 0 {
				took, err := p.DeliverExternalInterrupt(s, r.bus)
				if err != nil {
					return r.fatal(n, err)
				}
				if took {
					continue
				}
			}
			if s.Halted {
				halted.Executed = n
				return halted
			}
		}

		exit, err := r.t.Step(s, r.bus)
		if err != nil {
			if res, ok := r.fault(n, AsFault(err)); !ok {
				return res
			}
			continue
		}

		switch exit.Kind {
		case StepContinue, StepContinueInhibitInterrupts:
			n++
			r.retire(exit.Kind == StepContinueInhibitInterrupts)
		case StepBranch:
			n++
			r.retire(false)
			return BatchResult{Executed: n, Exit: BatchExit{Kind: BatchBranch}}
		case StepHalted:
			n++
			r.retire(false)
			return BatchResult{Executed: n, Exit: BatchExit{Kind: BatchHalted}}
		case StepBIOSInterrupt:
			n++
			r.retire(false)
			return BatchResult{
				Executed: n,
				Exit:     BatchExit{Kind: BatchBIOSInterrupt, Vector: exit.Vector},
			}
		case StepAssist:
			res, done := r.resolveAssist(&n, exit)
			if done {
				return res
			}
		}
	}
	return BatchResult{Executed: n, Exit: BatchExit{Kind: BatchCompleted}}
}

// resolveAssist executes an assist when the runner has the collaborators
// for it. It reports whether the batch ends.
func (r *batchRunner) resolveAssist(n *uint64, exit StepExit) (BatchResult, bool) {
	s, p := r.s, r.pending
	in := exit.Decoded

	if exit.Reason == AssistInterrupt {
		if p == nil {
			return BatchResult{Executed: *n, Exit: assistExit(exit)}, true
		}
		out, err := p.ExecInterruptAssist(s, r.bus, in, exit.AddrSizeOverride)
		if err != nil {
			return r.fatal(*n, err), true
		}
		if out.Kind == InterruptFaultDelivered {
			return BatchResult{}, false
		}
		*n++
		r.retire(out.InhibitInterrupts)
		if out.BlockBoundary {
			return BatchResult{Executed: *n, Exit: BatchExit{Kind: BatchBranch}}, true
		}
		return BatchResult{}, false
	}

	if r.assist == nil {
		return BatchResult{Executed: *n, Exit: assistExit(exit)}, true
	}
	ts := r.time
	if ts == nil {
		ts = NewTimeSource(1)
	}
	next := (in.RIP + uint64(in.Len)) & s.IPMask()
	ax, err := HandleAssistDecoded(r.assist, ts, s, r.bus, in, exit.AddrSizeOverride)
	if err != nil {
		res, ok := r.fault(*n, AsFault(err))
		return res, !ok
	}
	*n++
	r.retire(ax.Kind == StepContinueInhibitInterrupts)
	if ax.Kind == StepBranch || s.IP() != next {
		return BatchResult{Executed: *n, Exit: BatchExit{Kind: BatchBranch}}, true
	}
	return BatchResult{}, false
}
