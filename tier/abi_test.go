package tier_test

import (
	"encoding/binary"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86core/emu"
	"github.com/sarchlab/x86core/tier"
)

var _ = Describe("ABI", func() {
	It("should lay out registers, RIP and RFLAGS at fixed offsets", func() {
		s := emu.NewState(emu.ModeLong)
		for i := range s.GPR {
			s.GPR[i] = uint64(i+1) * 0x1111
		}
		s.RIP = 0xffff_8000_0000_1000
		s.RFLAGS = 0x246

		a := tier.NewABI()
		a.Store(s)
		raw := a.Bytes()

		Expect(raw).To(HaveLen(tier.ABISize))
		Expect(binary.LittleEndian.Uint64(raw[3*8:])).To(Equal(uint64(4 * 0x1111)))
		Expect(binary.LittleEndian.Uint64(raw[128:])).To(Equal(s.RIP))
		Expect(binary.LittleEndian.Uint64(raw[136:])).To(Equal(uint64(0x246)))
		Expect(a.Committed()).To(BeTrue())
	})

	It("should load registers and flags but leave RIP to the caller", func() {
		s := emu.NewState(emu.ModeProtected)
		s.RIP = 0x4000

		a := tier.NewABI()
		a.SetGPR(int(emu.RCX), 0xabcd)
		a.SetRIP(0x9999)
		a.SetRFLAGS(emu.FlagZF)
		a.Load(s)

		Expect(s.GPR[emu.RCX]).To(Equal(uint64(0xabcd)))
		Expect(s.Flag(emu.FlagZF)).To(BeTrue())
		Expect(s.RFLAGS & emu.FlagReserved1).NotTo(BeZero())
		Expect(s.RIP).To(Equal(uint64(0x4000)))
	})
})
