package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86core/insts"
)

var _ = Describe("Instruction queries", func() {
	DescribeTable("ClassifyX87",
		func(raw []byte, bitness int, want insts.X87Kind) {
			Expect(insts.ClassifyX87(raw, bitness)).To(Equal(want))
		},
		Entry("FLD1", []byte{0xd9, 0xe8}, 32, insts.X87Escape),
		Entry("FNINIT behind WAIT", []byte{0x9b, 0xdb, 0xe3}, 16, insts.X87Wait),
		Entry("escape behind prefixes", []byte{0x66, 0x2e, 0xdd, 0x00}, 32, insts.X87Escape),
		Entry("escape behind REX", []byte{0x48, 0xdf, 0x00}, 64, insts.X87Escape),
		Entry("ordinary MOV", []byte{0x89, 0xd8}, 32, insts.X87None),
		Entry("two-byte opcode", []byte{0x0f, 0xd8, 0xc0}, 32, insts.X87None),
	)

	It("should report the opcode byte after prefixes", func() {
		op, two := insts.OpcodeOf([]byte{0xf3, 0x48, 0xa5}, 64)
		Expect(op).To(Equal(byte(0xa5)))
		Expect(two).To(BeFalse())

		op, two = insts.OpcodeOf([]byte{0x0f, 0xa2}, 32)
		Expect(op).To(Equal(byte(0xa2)))
		Expect(two).To(BeTrue())
	})

	It("should not treat 0x40..0x4f as REX outside 64-bit code", func() {
		op, _ := insts.OpcodeOf([]byte{0x40}, 32)
		Expect(op).To(Equal(byte(0x40)))
	})
})
