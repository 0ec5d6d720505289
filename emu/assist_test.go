package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86core/emu"
)

var _ = Describe("Assist layer", func() {
	var (
		m   *machine
		ctx *emu.AssistContext
		ts  *emu.TimeSource
		s   *emu.State
	)

	BeforeEach(func() {
		m = newMachine()
		ctx = emu.NewAssistContext(emu.DefaultFeatures())
		ts = emu.NewTimeSource(1)
	})

	run := func(reason emu.AssistReason) (emu.StepExit, error) {
		return emu.HandleAssist(ctx, ts, s, m.bus, reason)
	}

	enterUserMode := func() {
		s.Segs[emu.SegCS] = emu.DecodeDescriptor(descCode32User)
		s.Segs[emu.SegCS].Selector = selUserCode
		s.Segs[emu.SegSS] = emu.DecodeDescriptor(descData32User)
		s.Segs[emu.SegSS].Selector = selUserData
	}

	Context("in protected mode", func() {
		BeforeEach(func() {
			s = m.protectedState()
			s.RIP = 0x1000
			s.GPR[emu.RSP] = 0x9000
		})

		Describe("CPUID", func() {
			It("should report the vendor string", func() {
				m.load(0x1000, 0x0f, 0xa2)

				exit, err := run(emu.AssistPrivileged)

				Expect(err).NotTo(HaveOccurred())
				Expect(exit.Kind).To(Equal(emu.StepContinue))
				Expect(s.GPR[emu.RAX]).To(Equal(uint64(1)))
				Expect(s.GPR[emu.RBX]).To(Equal(uint64(0x756e6547)))
				Expect(s.GPR[emu.RDX]).To(Equal(uint64(0x49656e69)))
				Expect(s.GPR[emu.RCX]).To(Equal(uint64(0x6c65746e)))
				Expect(s.RIP).To(Equal(uint64(0x1002)))
			})

			It("should report address widths", func() {
				m.load(0x1000, 0x0f, 0xa2)
				s.GPR[emu.RAX] = 0x80000008

				_, err := run(emu.AssistPrivileged)

				Expect(err).NotTo(HaveOccurred())
				Expect(s.GPR[emu.RAX]).To(Equal(uint64(0x3034)))
			})
		})

		Describe("MSRs", func() {
			It("should write and read back LSTAR", func() {
				m.load(0x1000, 0x0f, 0x30, 0x0f, 0x32) // wrmsr; rdmsr
				s.GPR[emu.RCX] = uint64(emu.MSRLSTAR)
				s.GPR[emu.RDX] = 0xffffffff
				s.GPR[emu.RAX] = 0x80001000

				_, err := run(emu.AssistPrivileged)
				Expect(err).NotTo(HaveOccurred())
				Expect(s.MSR.LSTAR).To(Equal(uint64(0xffffffff80001000)))

				s.GPR[emu.RAX], s.GPR[emu.RDX] = 0, 0
				_, err = run(emu.AssistPrivileged)
				Expect(err).NotTo(HaveOccurred())
				Expect(s.GPR[emu.RAX]).To(Equal(uint64(0x80001000)))
				Expect(s.GPR[emu.RDX]).To(Equal(uint64(0xffffffff)))
				Expect(s.RIP).To(Equal(uint64(0x1004)))
			})

			It("should raise #GP for an unknown index and leave IP alone", func() {
				m.load(0x1000, 0x0f, 0x32)
				s.GPR[emu.RCX] = 0x12345

				_, err := run(emu.AssistPrivileged)

				expectFault(err, emu.FaultGeneralProtection, 0)
				Expect(s.RIP).To(Equal(uint64(0x1000)))
			})

			It("should refuse WRMSR outside ring 0", func() {
				m.load(0x1000, 0x0f, 0x30)
				enterUserMode()
				s.GPR[emu.RCX] = uint64(emu.MSRLSTAR)

				_, err := run(emu.AssistPrivileged)

				expectFault(err, emu.FaultGeneralProtection, 0)
				Expect(s.MSR.LSTAR).To(BeZero())
			})
		})

		It("should read the time-stamp counter", func() {
			m.load(0x1000, 0x0f, 0x31)
			ts.Advance(10)

			_, err := run(emu.AssistPrivileged)

			Expect(err).NotTo(HaveOccurred())
			Expect(s.GPR[emu.RAX]).To(Equal(uint64(10)))
			Expect(s.GPR[emu.RDX]).To(BeZero())
		})

		Describe("port I/O", func() {
			It("should read a port into AL", func() {
				m.load(0x1000, 0xe4, 0x60) // in al, 0x60
				m.io.input[0x60] = 0x9c
				s.GPR[emu.RAX] = 0x1100

				_, err := run(emu.AssistIO)

				Expect(err).NotTo(HaveOccurred())
				Expect(s.GPR[emu.RAX]).To(Equal(uint64(0x119c)))
				Expect(m.io.reads).To(ConsistOf(portAccess{Port: 0x60, Size: 1, Value: 0x9c}))
			})

			It("should fault when CPL exceeds IOPL", func() {
				m.load(0x1000, 0xe4, 0x60)
				enterUserMode()

				_, err := run(emu.AssistIO)

				expectFault(err, emu.FaultGeneralProtection, 0)
				Expect(m.io.reads).To(BeEmpty())
			})

			It("should run REP OUTSB to completion", func() {
				m.load(0x1000, 0xf3, 0x6e)
				m.load(0x5000, 'h', 'i', '!')
				s.GPR[emu.RSI] = 0x5000
				s.GPR[emu.RCX] = 3
				s.GPR[emu.RDX] = 0xe9

				_, err := run(emu.AssistIO)

				Expect(err).NotTo(HaveOccurred())
				Expect(m.io.writes).To(Equal([]portAccess{
					{Port: 0xe9, Size: 1, Value: 'h'},
					{Port: 0xe9, Size: 1, Value: 'i'},
					{Port: 0xe9, Size: 1, Value: '!'},
				}))
				Expect(s.GPR[emu.RSI]).To(Equal(uint64(0x5003)))
				Expect(s.GPR[emu.RCX]).To(BeZero())
				Expect(s.RIP).To(Equal(uint64(0x1002)))
			})
		})

		Describe("INVLPG", func() {
			It("should log invalidated addresses", func() {
				m.load(0x1000, 0x0f, 0x01, 0x38) // invlpg [eax]
				s.GPR[emu.RAX] = 0x400123

				_, err := run(emu.AssistPrivileged)

				Expect(err).NotTo(HaveOccurred())
				Expect(ctx.InvlpgLog()).To(Equal([]uint64{0x400123}))

				ctx.ClearInvlpgLog()
				Expect(ctx.InvlpgLog()).To(BeEmpty())
			})

			It("should count entries past the log capacity", func() {
				m.load(0x1000, 0x0f, 0x01, 0x38)

				for i := range 4100 {
					s.RIP = 0x1000
					s.GPR[emu.RAX] = uint64(i) << 12
					_, err := run(emu.AssistPrivileged)
					Expect(err).NotTo(HaveOccurred())
				}

				Expect(ctx.InvlpgLog()).To(HaveLen(4096))
				Expect(ctx.InvlpgLogDropped()).To(Equal(uint64(4)))
			})
		})

		Describe("far transfers", func() {
			It("should jump through a code descriptor", func() {
				m.load(0x1000, 0xea, 0x00, 0x20, 0x00, 0x00, 0x08, 0x00) // jmp 0x8:0x2000

				exit, err := run(emu.AssistPrivileged)

				Expect(err).NotTo(HaveOccurred())
				Expect(exit.Kind).To(Equal(emu.StepBranch))
				Expect(s.Segs[emu.SegCS].Selector).To(Equal(selKernelCode))
				Expect(s.RIP).To(Equal(uint64(0x2000)))
			})

			It("should refuse to jump to a data segment", func() {
				m.load(0x1000, 0xea, 0x00, 0x20, 0x00, 0x00, 0x10, 0x00)

				_, err := run(emu.AssistPrivileged)

				expectFault(err, emu.FaultGeneralProtection, uint32(selKernelData))
				Expect(s.Segs[emu.SegCS].Selector).To(Equal(selKernelCode))
			})

			It("should call and return across segments", func() {
				m.load(0x1000, 0x9a, 0x00, 0x20, 0x00, 0x00, 0x08, 0x00) // call 0x8:0x2000
				m.load(0x2000, 0xcb)                                     // retf

				_, err := run(emu.AssistPrivileged)
				Expect(err).NotTo(HaveOccurred())
				Expect(m.phys.Read32(0x8ffc)).To(Equal(uint32(selKernelCode)))
				Expect(m.phys.Read32(0x8ff8)).To(Equal(uint32(0x1007)))

				exit, err := run(emu.AssistPrivileged)
				Expect(err).NotTo(HaveOccurred())
				Expect(exit.Kind).To(Equal(emu.StepBranch))
				Expect(s.RIP).To(Equal(uint64(0x1007)))
				Expect(s.GPR[emu.RSP]).To(Equal(uint64(0x9000)))
			})
		})

		Describe("segment loads", func() {
			It("should load a data segment from the GDT", func() {
				m.load(0x1000, 0x8e, 0xd8) // mov ds, eax
				s.GPR[emu.RAX] = uint64(selUserData)

				_, err := run(emu.AssistPrivileged)

				Expect(err).NotTo(HaveOccurred())
				Expect(s.Segs[emu.SegDS].Selector).To(Equal(selUserData))
				Expect(s.Segs[emu.SegDS].DPL()).To(Equal(uint8(3)))
			})

			It("should fault on a selector past the GDT limit", func() {
				m.load(0x1000, 0x8e, 0xd8)
				s.GPR[emu.RAX] = 0x38

				_, err := run(emu.AssistPrivileged)

				expectFault(err, emu.FaultGeneralProtection, 0x38)
			})
		})

		Describe("debug registers", func() {
			It("should read DR7 and force the fixed bits of DR6", func() {
				m.load(0x1000, 0x0f, 0x21, 0xf8, 0x0f, 0x23, 0xf0) // mov eax, dr7; mov dr6, eax
				s.GPR[emu.RAX] = 0

				_, err := run(emu.AssistPrivileged)
				Expect(err).NotTo(HaveOccurred())
				Expect(s.GPR[emu.RAX]).To(Equal(uint64(0x400)))

				s.GPR[emu.RAX] = 0
				_, err = run(emu.AssistPrivileged)
				Expect(err).NotTo(HaveOccurred())
				Expect(s.DR6).To(Equal(uint64(0xffff0ff0)))
			})
		})

		Describe("SYSENTER and SYSEXIT", func() {
			BeforeEach(func() {
				s.MSR.SysenterCS = uint64(selKernelCode)
				s.MSR.SysenterESP = 0x9000
				s.MSR.SysenterEIP = 0x5000
			})

			It("should enter ring 0 and return to ring 3", func() {
				m.load(0x1000, 0x0f, 0x34) // sysenter
				m.load(0x5000, 0x0f, 0x35) // sysexit
				enterUserMode()
				s.SetFlag(emu.FlagIF, true)

				exit, err := run(emu.AssistPrivileged)
				Expect(err).NotTo(HaveOccurred())
				Expect(exit.Kind).To(Equal(emu.StepBranch))
				Expect(s.CPL()).To(BeZero())
				Expect(s.RIP).To(Equal(uint64(0x5000)))
				Expect(s.GPR[emu.RSP]).To(Equal(uint64(0x9000)))
				Expect(s.Flag(emu.FlagIF)).To(BeFalse())

				s.GPR[emu.RCX] = 0x6000
				s.GPR[emu.RDX] = 0x1234
				_, err = run(emu.AssistPrivileged)
				Expect(err).NotTo(HaveOccurred())
				Expect(s.Segs[emu.SegCS].Selector).To(Equal(selUserCode))
				Expect(s.Segs[emu.SegSS].Selector).To(Equal(selUserData))
				Expect(s.RIP).To(Equal(uint64(0x1234)))
				Expect(s.GPR[emu.RSP]).To(Equal(uint64(0x6000)))
			})

			It("should fault when IA32_SYSENTER_CS is null", func() {
				m.load(0x1000, 0x0f, 0x34)
				s.MSR.SysenterCS = 0

				_, err := run(emu.AssistPrivileged)

				expectFault(err, emu.FaultGeneralProtection, 0)
			})
		})

		It("should leave interrupt-class instructions to the core", func() {
			m.load(0x1000, 0xfa)

			_, err := run(emu.AssistInterrupt)

			Expect(err).To(HaveOccurred())
			Expect(emu.AsFault(err).Kind).To(Equal(emu.FaultUnimplemented))
		})
	})

	Context("in real mode", func() {
		BeforeEach(func() {
			s = emu.NewState(emu.ModeReal)
			s.RIP = 0x1000
		})

		It("should refuse to enable paging without protection", func() {
			m.load(0x1000, 0x0f, 0x22, 0xc0) // mov cr0, eax
			s.GPR[emu.RAX] = 0x80000000

			_, err := run(emu.AssistPrivileged)

			expectFault(err, emu.FaultGeneralProtection, 0)
			Expect(s.Mode).To(Equal(emu.ModeReal))
		})

		It("should switch to protected mode when PE is set", func() {
			m.load(0x1000, 0x0f, 0x22, 0xc0)
			s.GPR[emu.RAX] = 1

			_, err := run(emu.AssistPrivileged)

			Expect(err).NotTo(HaveOccurred())
			Expect(s.Mode).To(Equal(emu.ModeProtected))
			Expect(s.CR0).To(Equal(emu.CR0PE | emu.CR0ET))
			Expect(s.RIP).To(Equal(uint64(0x1003)))
		})

		It("should load a 24-bit GDT base with a 16-bit operand", func() {
			m.load(0x1000, 0x0f, 0x01, 0x16, 0x00, 0x30) // lgdt [0x3000]
			m.load(0x3000, 0x27, 0x00, 0x78, 0x56, 0x34, 0x12)

			_, err := run(emu.AssistPrivileged)

			Expect(err).NotTo(HaveOccurred())
			Expect(s.GDTR).To(Equal(emu.DescriptorTable{Base: 0x345678, Limit: 0x27}))
		})

		It("should keep PE set across LMSW", func() {
			m.load(0x1000, 0x0f, 0x01, 0xf0) // lmsw ax
			s.CR0 |= emu.CR0PE
			s.UpdateMode()
			s.GPR[emu.RAX] = 0x8 // TS only

			_, err := run(emu.AssistPrivileged)

			Expect(err).NotTo(HaveOccurred())
			Expect(s.CR0 & (emu.CR0PE | emu.CR0TS)).To(Equal(emu.CR0PE | emu.CR0TS))
		})

		It("should refuse LTR", func() {
			m.load(0x1000, 0x0f, 0x00, 0xd8) // ltr ax

			_, err := run(emu.AssistPrivileged)

			expectFault(err, emu.FaultInvalidOpcode, 0)
		})
	})

	Context("in long mode", func() {
		BeforeEach(func() {
			s = m.longState()
			s.RIP = 0x100000
			s.GPR[emu.RSP] = 0x200000
			s.MSR.EFER |= emu.EFERSCE
			s.MSR.STAR = 0x0010_0008 << 32
			s.MSR.LSTAR = 0x180000
			s.MSR.FMASK = emu.FlagIF
		})

		It("should enter the kernel with SYSCALL and leave with SYSRET", func() {
			m.load(0x100000, 0x0f, 0x05)       // syscall
			m.load(0x180000, 0x48, 0x0f, 0x07) // sysretq
			s.SetFlag(emu.FlagIF, true)
			flags := s.RFLAGS

			exit, err := run(emu.AssistPrivileged)
			Expect(err).NotTo(HaveOccurred())
			Expect(exit.Kind).To(Equal(emu.StepBranch))
			Expect(s.RIP).To(Equal(uint64(0x180000)))
			Expect(s.GPR[emu.RCX]).To(Equal(uint64(0x100002)))
			Expect(s.GPR[emu.R11]).To(Equal(flags))
			Expect(s.Flag(emu.FlagIF)).To(BeFalse())
			Expect(s.Segs[emu.SegCS].Selector).To(Equal(uint16(0x08)))
			Expect(s.Segs[emu.SegSS].Selector).To(Equal(uint16(0x10)))

			_, err = run(emu.AssistPrivileged)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.RIP).To(Equal(uint64(0x100002)))
			Expect(s.CPL()).To(Equal(uint8(3)))
			Expect(s.Mode).To(Equal(emu.ModeLong))
			Expect(s.Segs[emu.SegCS].Selector).To(Equal(uint16(0x23)))
			Expect(s.Segs[emu.SegSS].Selector).To(Equal(uint16(0x1b)))
			Expect(s.Flag(emu.FlagIF)).To(BeTrue())
		})

		It("should raise #UD for SYSCALL when EFER.SCE is clear", func() {
			m.load(0x100000, 0x0f, 0x05)
			s.MSR.EFER &^= emu.EFERSCE

			_, err := run(emu.AssistPrivileged)

			expectFault(err, emu.FaultInvalidOpcode, 0)
		})

		It("should exchange the GS bases with SWAPGS", func() {
			m.load(0x100000, 0x0f, 0x01, 0xf8)
			s.Segs[emu.SegGS].Base = 0x1000
			s.MSR.KernelGSBase = 0x2000

			_, err := run(emu.AssistPrivileged)

			Expect(err).NotTo(HaveOccurred())
			Expect(s.Segs[emu.SegGS].Base).To(Equal(uint64(0x2000)))
			Expect(s.MSR.KernelGSBase).To(Equal(uint64(0x1000)))
		})

		It("should store an 8-byte table base with SGDT", func() {
			m.load(0x100000, 0x0f, 0x01, 0x04, 0x25, 0x00, 0x40, 0x00, 0x00) // sgdt [0x4000]

			_, err := run(emu.AssistPrivileged)

			Expect(err).NotTo(HaveOccurred())
			Expect(m.phys.Read16(0x4000)).To(Equal(s.GDTR.Limit))
			Expect(m.phys.Read64(0x4002)).To(Equal(gdtBase))
		})
	})
})
