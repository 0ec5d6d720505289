package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86core/emu"
	"github.com/sarchlab/x86core/insts"
)

var _ = Describe("Interrupt delivery", func() {
	var (
		m *machine
		t *emu.Tier0
		p *emu.PendingEvents
		s *emu.State
	)

	BeforeEach(func() {
		m = newMachine()
		t = emu.NewTier0()
		p = &emu.PendingEvents{}
	})

	fetch := func() *insts.Instruction {
		m.bus.Sync(s)
		in, err := t.Fetch(s, m.bus)
		ExpectWithOffset(1, err).NotTo(HaveOccurred())
		return in
	}

	Context("in real mode", func() {
		BeforeEach(func() {
			s = emu.NewState(emu.ModeReal)
			s.RIP = 0x1000
			s.GPR[emu.RSP] = 0x8000
			m.setVector(0x10, 0x0200, 0x0010)
		})

		It("should vector INT through the IVT and return with IRET", func() {
			m.load(0x1000, 0xcd, 0x10) // int 0x10
			m.load(0x2010, 0xcf)       // iret
			s.SetFlag(emu.FlagIF|emu.FlagCF, true)

			out, err := p.ExecInterruptAssist(s, m.bus, fetch(), false)

			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(emu.InterruptAssistOutcome{
				Kind:          emu.InterruptRetired,
				BlockBoundary: true,
			}))
			Expect(s.Segs[emu.SegCS].Selector).To(Equal(uint16(0x0200)))
			Expect(s.RIP).To(Equal(uint64(0x10)))
			Expect(s.Flag(emu.FlagIF)).To(BeFalse())
			Expect(s.PendingBIOSIntValid).To(BeTrue())
			Expect(s.GPR[emu.RSP]).To(Equal(uint64(0x7ffa)))

			out, err = p.ExecInterruptAssist(s, m.bus, fetch(), false)

			Expect(err).NotTo(HaveOccurred())
			Expect(out.Kind).To(Equal(emu.InterruptRetired))
			Expect(s.Segs[emu.SegCS].Selector).To(BeZero())
			Expect(s.RIP).To(Equal(uint64(0x1002)))
			Expect(s.GPR[emu.RSP]).To(Equal(uint64(0x8000)))
			Expect(s.Flag(emu.FlagIF | emu.FlagCF)).To(BeTrue())
			Expect(s.PendingBIOSIntValid).To(BeFalse())
		})

		It("should skip INTO when OF is clear", func() {
			m.load(0x1000, 0xce)

			out, err := p.ExecInterruptAssist(s, m.bus, fetch(), false)

			Expect(err).NotTo(HaveOccurred())
			Expect(out.BlockBoundary).To(BeFalse())
			Expect(s.RIP).To(Equal(uint64(0x1001)))
			Expect(s.GPR[emu.RSP]).To(Equal(uint64(0x8000)))
		})

		It("should open an interrupt shadow only when STI sets IF", func() {
			m.load(0x1000, 0xfb, 0xfb)

			out, err := p.ExecInterruptAssist(s, m.bus, fetch(), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.InhibitInterrupts).To(BeTrue())
			Expect(s.Flag(emu.FlagIF)).To(BeTrue())

			out, err = p.ExecInterruptAssist(s, m.bus, fetch(), false)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.InhibitInterrupts).To(BeFalse())
		})

		It("should not deliver external interrupts inside the shadow", func() {
			s.SetFlag(emu.FlagIF, true)
			p.InjectExternalInterrupt(0x10)
			p.InhibitInterruptsForOneInstruction()

			took, err := p.DeliverExternalInterrupt(s, m.bus)
			Expect(err).NotTo(HaveOccurred())
			Expect(took).To(BeFalse())

			p.RetireInstruction()
			took, err = p.DeliverExternalInterrupt(s, m.bus)
			Expect(err).NotTo(HaveOccurred())
			Expect(took).To(BeTrue())
			Expect(s.RIP).To(Equal(uint64(0x10)))
			Expect(m.phys.Read16(0x7ffa)).To(Equal(uint16(0x1000)))
		})

		It("should deliver queued interrupts in order", func() {
			m.setVector(0x11, 0x0300, 0x0000)
			s.SetFlag(emu.FlagIF, true)
			p.InjectExternalInterrupt(0x11)
			p.InjectExternalInterrupt(0x10)

			took, err := p.DeliverExternalInterrupt(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(took).To(BeTrue())
			Expect(s.Segs[emu.SegCS].Selector).To(Equal(uint16(0x0300)))
			Expect(p.PendingExternalInterrupts()).To(Equal(1))
		})
	})

	Context("in protected mode", func() {
		const (
			kernelStack = 0x9000
			userStack   = 0x6000
		)

		BeforeEach(func() {
			s = m.protectedState()
			s.IDTR = emu.DescriptorTable{Base: idtBase, Limit: 0x7ff}
			s.RIP = 0x1000
			s.GPR[emu.RSP] = kernelStack
			m.phys.Write32(tssBase+4, kernelStack)
			m.phys.Write16(tssBase+8, selKernelData)
			m.loadTR(s)

			m.setGate32(0x30, gate32(selKernelCode, 0x5000, 0, false))
			m.setGate32(0x40, gate32(selKernelCode, 0x5100, 0, true))
			m.setGate32(13, gate32(selKernelCode, 0x5200, 0, false))
			m.setGate32(8, gate32(selKernelCode, 0x5300, 0, false))
		})

		enterUserMode := func() {
			s.Segs[emu.SegCS] = emu.DecodeDescriptor(descCode32User)
			s.Segs[emu.SegCS].Selector = selUserCode
			s.Segs[emu.SegSS] = emu.DecodeDescriptor(descData32User)
			s.Segs[emu.SegSS].Selector = selUserData
			s.GPR[emu.RSP] = userStack
		}

		It("should push a same-privilege frame through an interrupt gate", func() {
			s.SetFlag(emu.FlagIF, true)
			p.RaiseSoftwareInterrupt(0x30, 0x1002)

			Expect(p.DeliverPendingEvent(s, m.bus)).To(Succeed())

			Expect(s.RIP).To(Equal(uint64(0x5000)))
			Expect(s.GPR[emu.RSP]).To(Equal(uint64(kernelStack - 12)))
			Expect(m.phys.Read32(kernelStack - 12)).To(Equal(uint32(0x1002)))
			Expect(m.phys.Read32(kernelStack - 8)).To(Equal(uint32(selKernelCode)))
			Expect(uint64(m.phys.Read32(kernelStack-4)) & emu.FlagIF).NotTo(BeZero())
			Expect(s.Flag(emu.FlagIF)).To(BeFalse())
		})

		It("should push the error code of a fault", func() {
			p.RaiseException(s, emu.GeneralProtection(0x18), 0x1000)

			Expect(p.DeliverPendingEvent(s, m.bus)).To(Succeed())

			Expect(s.RIP).To(Equal(uint64(0x5200)))
			Expect(m.phys.Read32(kernelStack - 16)).To(Equal(uint32(0x18)))
			Expect(m.phys.Read32(kernelStack - 12)).To(Equal(uint32(0x1000)))
		})

		It("should switch to the TSS stack from ring 3 and return with IRET", func() {
			enterUserMode()
			s.SetFlag(emu.FlagIF, true)
			s.RIP = 0x1234
			p.InjectExternalInterrupt(0x40)

			took, err := p.DeliverExternalInterrupt(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(took).To(BeTrue())
			Expect(s.CPL()).To(BeZero())
			Expect(s.Segs[emu.SegSS].Selector).To(Equal(selKernelData))
			Expect(s.GPR[emu.RSP]).To(Equal(uint64(kernelStack - 20)))
			Expect(m.phys.Read32(kernelStack - 20)).To(Equal(uint32(0x1234)))
			Expect(m.phys.Read32(kernelStack - 16)).To(Equal(uint32(selUserCode)))
			Expect(m.phys.Read32(kernelStack - 8)).To(Equal(uint32(userStack)))
			Expect(m.phys.Read32(kernelStack - 4)).To(Equal(uint32(selUserData)))
			// Trap gate: IF stays set.
			Expect(s.Flag(emu.FlagIF)).To(BeTrue())

			out, err := p.IRET(s, m.bus, 4)

			Expect(err).NotTo(HaveOccurred())
			Expect(out.Kind).To(Equal(emu.InterruptRetired))
			Expect(s.CPL()).To(Equal(uint8(3)))
			Expect(s.RIP).To(Equal(uint64(0x1234)))
			Expect(s.GPR[emu.RSP]).To(Equal(uint64(userStack)))
			Expect(s.Segs[emu.SegSS].Selector).To(Equal(selUserData))
		})

		It("should turn INT into #GP when the gate DPL is below CPL", func() {
			enterUserMode()
			m.load(0x1000, 0xcd, 0x30)

			out, err := p.ExecInterruptAssist(s, m.bus, fetch(), false)

			Expect(err).NotTo(HaveOccurred())
			Expect(out.Kind).To(Equal(emu.InterruptFaultDelivered))
			Expect(s.RIP).To(Equal(uint64(0x5200)))
			Expect(m.phys.Read32(kernelStack - 24)).To(Equal(uint32(0x30<<3 | 2)))
			Expect(m.phys.Read32(kernelStack - 20)).To(Equal(uint32(0x1000)))
		})

		It("should fault CLI when CPL exceeds IOPL", func() {
			enterUserMode()
			m.load(0x1000, 0xfa)
			s.SetFlag(emu.FlagIF, true)

			out, err := p.ExecInterruptAssist(s, m.bus, fetch(), false)

			Expect(err).NotTo(HaveOccurred())
			Expect(out.Kind).To(Equal(emu.InterruptFaultDelivered))
			Expect(s.RIP).To(Equal(uint64(0x5200)))
			Expect(m.phys.Read32(kernelStack - 24)).To(BeZero())
		})

		It("should escalate a contributory fault during delivery to #DF", func() {
			m.setGate32(13, gate32(selKernelCode, 0x5200, 0, false)&^(1<<47))
			p.RaiseException(s, emu.GeneralProtection(0), 0x1000)

			Expect(p.DeliverPendingEvent(s, m.bus)).To(Succeed())

			Expect(s.RIP).To(Equal(uint64(0x5300)))
			Expect(m.phys.Read32(kernelStack - 16)).To(BeZero())
		})

		It("should report a triple fault when #DF cannot be delivered", func() {
			m.setGate32(13, 0)
			m.setGate32(8, 0)
			p.RaiseException(s, emu.GeneralProtection(0), 0x1000)

			err := p.DeliverPendingEvent(s, m.bus)

			Expect(emu.IsCPUExit(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("triple fault"))
			Expect(s.RIP).To(Equal(uint64(0x1000)))
		})

		It("should deliver #PF and leave CR2 set", func() {
			m.setGate32(14, gate32(selKernelCode, 0x5400, 0, false))

			p.RaiseException(s, emu.PageFault(0xc0001000, 2), 0x1000)
			Expect(s.CR2).To(Equal(uint64(0xc0001000)))
			Expect(p.HasPendingEvent()).To(BeTrue())

			Expect(p.DeliverPendingEvent(s, m.bus)).To(Succeed())
			Expect(s.RIP).To(Equal(uint64(0x5400)))
			Expect(m.phys.Read32(kernelStack - 16)).To(Equal(uint32(2)))
			Expect(p.HasPendingEvent()).To(BeFalse())
		})
	})

	Context("in long mode", func() {
		const (
			kernelStack = 0x280000
			istStack    = 0x300000
			userStack   = 0x1f0000
		)

		BeforeEach(func() {
			s = m.longState()
			s.IDTR = emu.DescriptorTable{Base: idtBase, Limit: 0xfff}
			s.RIP = 0x100000
			s.GPR[emu.RSP] = 0x200008
			m.phys.Write64(tssBase+4, kernelStack)
			m.phys.Write64(tssBase+0x24, istStack)
			m.loadTR(s)

			m.setGate64(14, gate64(selKernelCode, 0x150000, 0, 0, false))
			m.setGate64(0x50, gate64(selKernelCode, 0x160000, 1, 0, false))
			m.setGate64(0x41, gate64(selKernelCode, 0x170000, 0, 0, false))
		})

		It("should push a 16-byte aligned frame with the error code", func() {
			p.RaiseException(s, emu.PageFault(0xdead000, 2), 0x100000)

			Expect(p.DeliverPendingEvent(s, m.bus)).To(Succeed())

			Expect(s.RIP).To(Equal(uint64(0x150000)))
			Expect(s.CR2).To(Equal(uint64(0xdead000)))
			Expect(s.GPR[emu.RSP]).To(Equal(uint64(0x200000 - 48)))
			frame := []uint64{2, 0x100000, uint64(selKernelCode)}
			for i, want := range frame {
				Expect(m.phys.Read64(0x200000 - 48 + uint64(i)*8)).To(Equal(want))
			}
			Expect(m.phys.Read64(0x200000 - 16)).To(Equal(uint64(0x200008)))
			Expect(m.phys.Read64(0x200000 - 8)).To(Equal(uint64(selKernelData)))
		})

		It("should switch to an IST stack", func() {
			s.SetFlag(emu.FlagIF, true)
			p.InjectExternalInterrupt(0x50)

			took, err := p.DeliverExternalInterrupt(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(took).To(BeTrue())
			Expect(s.RIP).To(Equal(uint64(0x160000)))
			Expect(s.GPR[emu.RSP]).To(Equal(uint64(istStack - 40)))
		})

		It("should enter ring 0 on RSP0 and come back with IRETQ", func() {
			s.Segs[emu.SegCS] = emu.DecodeDescriptor(descCode64User)
			s.Segs[emu.SegCS].Selector = selUserCode
			s.Segs[emu.SegSS] = emu.DecodeDescriptor(descData32User)
			s.Segs[emu.SegSS].Selector = selUserData
			s.GPR[emu.RSP] = userStack
			s.SetFlag(emu.FlagIF, true)
			p.InjectExternalInterrupt(0x41)

			took, err := p.DeliverExternalInterrupt(s, m.bus)

			Expect(err).NotTo(HaveOccurred())
			Expect(took).To(BeTrue())
			Expect(s.CPL()).To(BeZero())
			Expect(s.Segs[emu.SegSS].Selector).To(BeZero())
			Expect(s.GPR[emu.RSP]).To(Equal(uint64(kernelStack - 40)))
			Expect(m.phys.Read64(kernelStack - 16)).To(Equal(uint64(userStack)))

			out, err := p.IRET(s, m.bus, 8)

			Expect(err).NotTo(HaveOccurred())
			Expect(out.BlockBoundary).To(BeTrue())
			Expect(s.CPL()).To(Equal(uint8(3)))
			Expect(s.Mode).To(Equal(emu.ModeLong))
			Expect(s.RIP).To(Equal(uint64(0x100000)))
			Expect(s.GPR[emu.RSP]).To(Equal(uint64(userStack)))
			Expect(s.Flag(emu.FlagIF)).To(BeTrue())
		})
	})
})
