package emu_test

import (
	"github.com/go-logr/logr/funcr"
	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86core/emu"
)

var _ = Describe("Batch execution", func() {
	var (
		m *machine
		t *emu.Tier0
		s *emu.State
	)

	BeforeEach(func() {
		m = newMachine()
		t = emu.NewTier0()
		s = emu.NewState(emu.ModeReal)
		s.RIP = 0x1000
	})

	Describe("RunBatch", func() {
		It("should stop when the budget runs out", func() {
			m.load(0x1000, 0x90, 0x90, 0x90, 0x90, 0x90, 0x90)

			res := emu.RunBatch(t, s, m.bus, 4)

			Expect(res.Executed).To(Equal(uint64(4)))
			Expect(res.Exit.Equal(emu.BatchExit{Kind: emu.BatchCompleted})).To(BeTrue())
			Expect(s.RIP).To(Equal(uint64(0x1004)))
		})

		It("should end at a control transfer", func() {
			m.load(0x1000, 0x90, 0x90, 0xeb, 0xfe) // nop; nop; jmp $

			res := emu.RunBatch(t, s, m.bus, 100)

			Expect(res.Executed).To(Equal(uint64(3)))
			Expect(res.Exit.Kind).To(Equal(emu.BatchBranch))
			Expect(s.RIP).To(Equal(uint64(0x1002)))
		})

		It("should not execute anything while halted", func() {
			m.load(0x1000, 0x90)
			s.Halted = true

			res := emu.RunBatch(t, s, m.bus, 10)

			Expect(res.Executed).To(BeZero())
			Expect(res.Exit.Kind).To(Equal(emu.BatchHalted))
			Expect(s.RIP).To(Equal(uint64(0x1000)))
		})

		It("should return assists with IP on the instruction", func() {
			m.load(0x1000, 0x90, 0xe6, 0x80)

			res := emu.RunBatch(t, s, m.bus, 10)

			Expect(res.Executed).To(Equal(uint64(1)))
			Expect(res.Exit.Equal(emu.BatchExit{Kind: emu.BatchAssist, Reason: emu.AssistIO})).To(BeTrue())
			Expect(res.Exit.Decoded).NotTo(BeNil())
			Expect(cmp.Diff(emu.BatchExit{Kind: emu.BatchAssist, Reason: emu.AssistIO}, res.Exit)).To(BeEmpty())
			Expect(s.RIP).To(Equal(uint64(0x1001)))
		})

		It("should return faults it cannot deliver", func() {
			m.load(0x1000, 0x0f, 0x0b)

			res := emu.RunBatch(t, s, m.bus, 10)

			Expect(res.Executed).To(BeZero())
			Expect(res.Exit.Equal(emu.BatchExit{
				Kind:  emu.BatchException,
				Fault: emu.InvalidOpcode(),
			})).To(BeTrue())
			Expect(res.Exit.String()).To(Equal("Exception(#UD)"))
		})
	})

	Describe("RunBatchWithAssists", func() {
		var (
			ctx *emu.AssistContext
			ts  *emu.TimeSource
		)

		BeforeEach(func() {
			ctx = emu.NewAssistContext(emu.DefaultFeatures())
			ts = emu.NewTimeSource(3)
		})

		It("should execute port I/O in place and advance time", func() {
			m.load(0x1000, 0xb0, 0x41, 0xe6, 0xe9, 0x90) // mov al, 'A'; out 0xe9, al; nop

			res := emu.RunBatchWithAssists(t, ctx, ts, s, m.bus, 3)

			Expect(res.Executed).To(Equal(uint64(3)))
			Expect(res.Exit.Kind).To(Equal(emu.BatchCompleted))
			Expect(m.io.writes).To(ConsistOf(portAccess{Port: 0xe9, Size: 1, Value: 0x41}))
			Expect(ts.Cycles()).To(Equal(uint64(3)))
			Expect(ts.ReadTSC()).To(Equal(uint64(9)))
		})

		It("should still return interrupt assists", func() {
			m.load(0x1000, 0x90, 0xfa) // nop; cli

			res := emu.RunBatchWithAssists(t, ctx, ts, s, m.bus, 10)

			Expect(res.Executed).To(Equal(uint64(1)))
			Expect(res.Exit.Equal(emu.BatchExit{Kind: emu.BatchAssist, Reason: emu.AssistInterrupt})).To(BeTrue())
		})

		It("should end the batch when an assist transfers control", func() {
			m.load(0x1000, 0xea, 0x00, 0x20, 0x00, 0x01) // jmp 0x0100:0x2000

			res := emu.RunBatchWithAssists(t, ctx, ts, s, m.bus, 10)

			Expect(res.Executed).To(Equal(uint64(1)))
			Expect(res.Exit.Kind).To(Equal(emu.BatchBranch))
			Expect(s.Segs[emu.SegCS].Base).To(Equal(uint64(0x1000)))
			Expect(s.RIP).To(Equal(uint64(0x2000)))
		})
	})

	Describe("Core", func() {
		var (
			core *emu.Core
			logs []string
		)

		BeforeEach(func() {
			logs = nil
			logger := funcr.New(func(prefix, args string) {
				logs = append(logs, args)
			}, funcr.Options{})
			core = emu.NewCore(emu.ModeReal,
				emu.WithLogger(logger),
				emu.WithTicksPerInstruction(2))
			core.State.RIP = 0x1000
			core.State.GPR[emu.RSP] = 0x8000
		})

		It("should run INT through the vector table and report the BIOS stub", func() {
			m.setVector(0x10, 0x0000, 0x2000)
			m.load(0x1000, 0xcd, 0x10) // int 0x10
			m.load(0x2000, 0xf4)

			res := core.RunBatch(m.bus, 10)

			Expect(res.Executed).To(Equal(uint64(1)))
			Expect(res.Exit.Kind).To(Equal(emu.BatchBranch))
			Expect(core.State.RIP).To(Equal(uint64(0x2000)))
			Expect(m.phys.Read16(0x7ffa)).To(Equal(uint16(0x1002)))

			res = core.RunBatch(m.bus, 10)

			Expect(res.Executed).To(Equal(uint64(1)))
			Expect(res.Exit.Equal(emu.BatchExit{Kind: emu.BatchBIOSInterrupt, Vector: 0x10})).To(BeTrue())
			Expect(core.InstructionCount()).To(Equal(uint64(2)))
			Expect(core.Time.ReadTSC()).To(Equal(uint64(4)))
		})

		It("should deliver a fault to the guest handler", func() {
			m.setVector(6, 0x0000, 0x4000)
			m.load(0x1000, 0x0f, 0x0b)
			m.load(0x4000, 0x90, 0x90)

			res := core.RunBatch(m.bus, 1)

			Expect(res.Executed).To(Equal(uint64(1)))
			Expect(core.State.RIP).To(Equal(uint64(0x4001)))
			Expect(m.phys.Read16(0x7ffa)).To(Equal(uint16(0x1000)))
		})

		It("should hold an external interrupt for one instruction after STI", func() {
			m.setVector(0x20, 0x0000, 0x3000)
			m.load(0x1000, 0xfb, 0x90, 0x90) // sti; nop; nop
			m.load(0x3000, 0xf4)
			core.InjectExternalInterrupt(0x20)

			res := core.RunBatch(m.bus, 10)

			Expect(res.Exit.Equal(emu.BatchExit{Kind: emu.BatchBIOSInterrupt, Vector: 0x20})).To(BeTrue())
			Expect(res.Executed).To(Equal(uint64(3)))
			Expect(m.phys.Read16(0x7ffa)).To(Equal(uint16(0x1002)))
			Expect(core.Pending.PendingExternalInterrupts()).To(BeZero())
		})

		It("should wake a halted core for an interrupt", func() {
			m.setVector(0x21, 0x0000, 0x3000)
			m.load(0x3000, 0x90, 0x90)
			core.State.Halted = true
			core.State.SetFlag(emu.FlagIF, true)
			core.InjectExternalInterrupt(0x21)

			res := core.RunBatch(m.bus, 2)

			Expect(res.Executed).To(Equal(uint64(2)))
			Expect(core.State.Halted).To(BeFalse())
			Expect(core.State.RIP).To(Equal(uint64(0x3002)))
		})

		It("should leave interrupts queued while IF is clear", func() {
			m.load(0x1000, 0x90, 0x90)
			core.InjectExternalInterrupt(0x20)

			res := core.RunBatch(m.bus, 2)

			Expect(res.Executed).To(Equal(uint64(2)))
			Expect(core.Pending.PendingExternalInterrupts()).To(Equal(1))
		})

		It("should stop with a triple fault when nothing can be delivered", func() {
			core.Reset(emu.ModeProtected)
			core.State.RIP = 0x1000
			core.State.IDTR = emu.DescriptorTable{}
			m.load(0x1000, 0x0f, 0x0b)

			res := core.RunBatch(m.bus, 10)

			Expect(res.Exit.Equal(emu.BatchExit{
				Kind: emu.BatchCPUExit,
				Exit: &emu.CPUExit{Kind: emu.ExitTripleFault},
			})).To(BeTrue())
			Expect(logs).To(ContainElement(ContainSubstring("triple fault")))
		})
	})
})
