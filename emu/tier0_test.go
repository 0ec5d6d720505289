package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/x86core/emu"
	"github.com/sarchlab/x86core/mmu"
)

var _ = Describe("Tier0", func() {
	var (
		m *machine
		t *emu.Tier0
	)

	BeforeEach(func() {
		m = newMachine()
		t = emu.NewTier0()
	})

	Context("in real mode", func() {
		var s *emu.State

		BeforeEach(func() {
			s = emu.NewState(emu.ModeReal)
			s.RIP = 0x1000
		})

		It("should execute a three-byte MOV and advance IP", func() {
			m.load(0x1000, 0xb8, 0x34, 0x12) // mov ax, 0x1234

			exit, err := t.Step(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(exit.Equal(emu.StepExit{Kind: emu.StepContinue})).To(BeTrue())
			Expect(s.GPR[emu.RAX]).To(Equal(uint64(0x1234)))
			Expect(s.RIP).To(Equal(uint64(0x1003)))
		})

		It("should set flags on arithmetic", func() {
			m.load(0x1000, 0x05, 0xff, 0xff) // add ax, 0xffff
			s.GPR[emu.RAX] = 1

			_, err := t.Step(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(s.GPR[emu.RAX]).To(BeZero())
			Expect(s.Flag(emu.FlagCF)).To(BeTrue())
			Expect(s.Flag(emu.FlagZF)).To(BeTrue())
			Expect(s.Flag(emu.FlagSF)).To(BeFalse())
		})

		It("should halt", func() {
			m.load(0x1000, 0xf4)

			exit, err := t.Step(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(exit.Kind).To(Equal(emu.StepHalted))
			Expect(s.Halted).To(BeTrue())
			Expect(s.RIP).To(Equal(uint64(0x1001)))
		})

		It("should report a latched BIOS interrupt instead of halting", func() {
			m.load(0x1000, 0xf4)
			s.SetPendingBIOSInt(0x10)

			exit, err := t.Step(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(exit.Equal(emu.StepExit{Kind: emu.StepBIOSInterrupt, Vector: 0x10})).To(BeTrue())
			Expect(s.Halted).To(BeFalse())
			Expect(s.PendingBIOSIntValid).To(BeFalse())
		})

		It("should hand port output to the assist layer without executing it", func() {
			m.load(0x1000, 0xe6, 0x80) // out 0x80, al

			exit, err := t.Step(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(exit.Equal(emu.StepExit{Kind: emu.StepAssist, Reason: emu.AssistIO})).To(BeTrue())
			Expect(exit.Decoded).NotTo(BeNil())
			Expect(exit.Decoded.Op).To(Equal(x86asm.OUT))
			Expect(s.RIP).To(Equal(uint64(0x1000)))
			Expect(m.io.writes).To(BeEmpty())
		})

		It("should classify interrupt instructions", func() {
			m.load(0x1000, 0xcd, 0x10) // int 0x10

			exit, err := t.Step(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(exit.Kind).To(Equal(emu.StepAssist))
			Expect(exit.Reason).To(Equal(emu.AssistInterrupt))
		})

		It("should report a branch for a taken jump", func() {
			m.load(0x1000, 0xeb, 0x02) // jmp +2

			exit, err := t.Step(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(exit.Kind).To(Equal(emu.StepBranch))
			Expect(s.RIP).To(Equal(uint64(0x1004)))
		})

		It("should inhibit interrupts after a load of SS", func() {
			m.load(0x1000, 0x8e, 0xd0) // mov ss, ax
			s.GPR[emu.RAX] = 0x2000

			exit, err := t.Step(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(exit.Kind).To(Equal(emu.StepContinueInhibitInterrupts))
			Expect(s.Segs[emu.SegSS].Base).To(Equal(uint64(0x20000)))
		})

		It("should restore registers when an instruction faults", func() {
			m.load(0x1000, 0xf6, 0xf3) // div bl
			s.GPR[emu.RAX] = 0x55
			s.GPR[emu.RBX] = 0

			_, err := t.Step(s, m.bus)

			expectFault(err, emu.FaultDivideError, 0)
			Expect(s.GPR[emu.RAX]).To(Equal(uint64(0x55)))
			Expect(s.RIP).To(Equal(uint64(0x1000)))
		})

		It("should raise #UD for UD2", func() {
			m.load(0x1000, 0x0f, 0x0b)

			_, err := t.Step(s, m.bus)

			expectFault(err, emu.FaultInvalidOpcode, 0)
		})

		Context("x87 availability", func() {
			It("should raise #NM for an escape while CR0.TS is set", func() {
				m.load(0x1000, 0xd9, 0xe8) // fld1
				s.CR0 |= emu.CR0TS

				_, err := t.Step(s, m.bus)

				expectFault(err, emu.FaultDeviceNotAvailable, 0)
			})

			It("should raise #UD for an escape when the FPU is available", func() {
				m.load(0x1000, 0xd9, 0xe8)

				_, err := t.Step(s, m.bus)

				expectFault(err, emu.FaultInvalidOpcode, 0)
			})

			It("should fault FWAIT only with TS and MP both set", func() {
				m.load(0x1000, 0x9b, 0x9b)
				s.CR0 |= emu.CR0TS

				exit, err := t.Step(s, m.bus)
				Expect(err).NotTo(HaveOccurred())
				Expect(exit.Kind).To(Equal(emu.StepContinue))

				s.CR0 |= emu.CR0MP
				_, err = t.Step(s, m.bus)
				expectFault(err, emu.FaultDeviceNotAvailable, 0)
			})
		})

		It("should wrap linear addresses at 1 MiB while A20 is off", func() {
			s.A20Enabled = false
			s.LoadRealSegment(emu.SegCS, 0xffff)
			s.RIP = 0x0010 // 0xffff0 + 0x10 = 0x100000 -> 0x0
			m.load(0x0, 0x90)

			exit, err := t.Step(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(exit.Kind).To(Equal(emu.StepContinue))
			Expect(s.RIP).To(Equal(uint64(0x11)))
		})
	})

	Context("with 32-bit paging", func() {
		const (
			pd       = 0x10000
			pt       = 0x11000
			codePage = 0x400000
			roPage   = 0x401000
			gonePage = 0x402000
		)

		var s *emu.State

		BeforeEach(func() {
			s = m.protectedState()
			m.phys.Write32(pd+1*4, uint32(pt|rwu))
			m.phys.Write32(pt+0*4, uint32(0x20000|rwu))
			m.phys.Write32(pt+1*4, uint32(0x21000|mmu.PTEPresent))
			s.CR3 = pd
			s.CR0 |= emu.CR0PG | emu.CR0WP
		})

		It("should raise #PF on fetch from an unmapped page and set CR2", func() {
			s.RIP = gonePage

			_, err := t.Step(s, m.bus)

			f := expectFault(err, emu.FaultPageFault, mmu.PFErrFetch)
			Expect(f.Addr).To(Equal(uint64(gonePage)))
			Expect(s.CR2).To(Equal(uint64(gonePage)))
			Expect(s.RIP).To(Equal(uint64(gonePage)))
		})

		It("should execute a short instruction at the end of the last mapped page", func() {
			m.phys.Write32(pt+1*4, 0)
			m.load(0x20fff, 0x90)
			s.RIP = codePage + 0xfff

			exit, err := t.Step(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(exit.Kind).To(Equal(emu.StepContinue))
			Expect(s.RIP).To(Equal(uint64(roPage)))
		})

		It("should fault on the second page of a straddling instruction", func() {
			m.phys.Write32(pt+1*4, 0)
			m.load(0x20ffe, 0xb8, 0x78) // mov eax, imm32 cut by the page end
			s.RIP = codePage + 0xffe

			_, err := t.Step(s, m.bus)

			f := expectFault(err, emu.FaultPageFault, mmu.PFErrFetch)
			Expect(f.Addr).To(Equal(uint64(roPage)))
			Expect(s.CR2).To(Equal(uint64(roPage)))
		})

		It("should leave memory untouched when a straddling store faults", func() {
			m.load(0x20000, 0xa3, 0xfe, 0x0f, 0x40, 0x00) // mov [0x400ffe], eax
			m.phys.Write16(0x20ffe, 0xaaaa)
			s.RIP = codePage
			s.GPR[emu.RAX] = 0x11223344

			_, err := t.Step(s, m.bus)

			f := expectFault(err, emu.FaultPageFault, mmu.PFErrPresent|mmu.PFErrWrite)
			Expect(f.Addr).To(Equal(uint64(roPage)))
			Expect(m.phys.Read16(0x20ffe)).To(Equal(uint16(0xaaaa)))
			Expect(s.RIP).To(Equal(uint64(codePage)))
		})

		It("should refuse HLT outside ring 0", func() {
			m.load(0x20000, 0xf4)
			s.RIP = codePage
			s.Segs[emu.SegCS] = emu.DecodeDescriptor(descCode32User)
			s.Segs[emu.SegCS].Selector = selUserCode

			_, err := t.Step(s, m.bus)

			expectFault(err, emu.FaultGeneralProtection, 0)
			Expect(s.Halted).To(BeFalse())
		})
	})

	Context("in long mode", func() {
		var s *emu.State

		BeforeEach(func() {
			s = m.longState()
			s.RIP = 0x100000
		})

		It("should execute a 64-bit immediate load", func() {
			m.load(0x100000, 0x48, 0xb8, 1, 2, 3, 4, 5, 6, 7, 8) // mov rax, imm64

			exit, err := t.Step(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(exit.Kind).To(Equal(emu.StepContinue))
			Expect(s.GPR[emu.RAX]).To(Equal(uint64(0x0807060504030201)))
			Expect(s.RIP).To(Equal(uint64(0x10000a)))
		})

		It("should push and pop through the stack segment", func() {
			m.load(0x100000, 0x53, 0x58) // push rbx; pop rax
			s.GPR[emu.RSP] = 0x200000
			s.GPR[emu.RBX] = 0xdeadbeefcafe

			for range 2 {
				_, err := t.Step(s, m.bus)
				Expect(err).NotTo(HaveOccurred())
			}

			Expect(s.GPR[emu.RAX]).To(Equal(uint64(0xdeadbeefcafe)))
			Expect(s.GPR[emu.RSP]).To(Equal(uint64(0x200000)))
			Expect(m.phys.Read64(0x1ffff8)).To(Equal(uint64(0xdeadbeefcafe)))
		})
	})
})
