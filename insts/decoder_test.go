package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"golang.org/x/arch/x86/x86asm"

	"github.com/sarchlab/x86core/insts"
)

var _ = Describe("Decoder", func() {
	var decoder *insts.Decoder

	BeforeEach(func() {
		decoder = insts.NewDecoder()
	})

	It("should decode a 16-bit MOV with immediate", func() {
		inst, err := decoder.Decode([]byte{0xb8, 0x34, 0x12, 0x90}, 0x7c00, 16)

		Expect(err).NotTo(HaveOccurred())
		Expect(inst.Op).To(Equal(x86asm.MOV))
		Expect(inst.Len).To(Equal(3))
		Expect(inst.Args[0]).To(Equal(x86asm.AX))
		Expect(inst.Args[1]).To(Equal(x86asm.Imm(0x1234)))
		Expect(inst.Bytes()).To(Equal([]byte{0xb8, 0x34, 0x12}))
		Expect(inst.RIP).To(Equal(uint64(0x7c00)))
	})

	It("should decode a REX.W register move", func() {
		inst, err := decoder.Decode([]byte{0x48, 0x89, 0xd8}, 0, 64)

		Expect(err).NotTo(HaveOccurred())
		Expect(inst.Op).To(Equal(x86asm.MOV))
		Expect(inst.Args[0]).To(Equal(x86asm.RAX))
		Expect(inst.Args[1]).To(Equal(x86asm.RBX))
		op, _ := inst.Opcode()
		Expect(op).To(Equal(byte(0x89)))
	})

	It("should expose string prefixes", func() {
		inst, err := decoder.Decode([]byte{0xf3, 0x67, 0xa4}, 0, 32)

		Expect(err).NotTo(HaveOccurred())
		Expect(inst.Op).To(Equal(x86asm.MOVSB))
		Expect(inst.Rep()).To(BeTrue())
		Expect(inst.RepNE()).To(BeFalse())
		Expect(inst.AddrSizeOverride()).To(BeTrue())
	})

	It("should report the last segment override", func() {
		inst, err := decoder.Decode([]byte{0x2e, 0x64, 0x8b, 0x00}, 0, 32)

		Expect(err).NotTo(HaveOccurred())
		seg, ok := inst.SegmentOverride()
		Expect(ok).To(BeTrue())
		Expect(seg).To(Equal(x86asm.FS))
	})

	It("should classify port I/O and interrupt instructions", func() {
		out, err := decoder.Decode([]byte{0xe6, 0x80}, 0, 16)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.IsPortIO()).To(BeTrue())
		Expect(out.IsInterruptRelated()).To(BeFalse())

		sti, err := decoder.Decode([]byte{0xfb}, 0, 16)
		Expect(err).NotTo(HaveOccurred())
		Expect(sti.IsInterruptRelated()).To(BeTrue())
	})

	It("should report truncated input", func() {
		_, err := decoder.Decode([]byte{0xb8, 0x01}, 0x1000, 32)

		Expect(err).To(MatchError(insts.ErrTruncated))
	})
})
