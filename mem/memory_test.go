package mem_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86core/mem"
)

var _ = Describe("Memory", func() {
	var m *mem.Memory

	BeforeEach(func() {
		m = mem.NewMemory(1 << 20)
	})

	It("should read zero from untouched pages", func() {
		Expect(m.Read64(0x4000)).To(Equal(uint64(0)))
	})

	It("should round-trip little-endian values across a page boundary", func() {
		m.Write64(0x0ffc, 0x1122334455667788)

		Expect(m.Read64(0x0ffc)).To(Equal(uint64(0x1122334455667788)))
		Expect(m.Read8(0x0ffc)).To(Equal(uint8(0x88)))
		Expect(m.Read8(0x1003)).To(Equal(uint8(0x11)))
		Expect(m.Read32(0x1000)).To(Equal(uint32(0x11223344)))
	})

	It("should read all-ones past the end and drop writes there", func() {
		m.Write8(1<<20, 0x12)

		Expect(m.Read8(1 << 20)).To(Equal(uint8(0xff)))
		Expect(m.Read16((1 << 20) - 1)).To(Equal(uint16(0xff00)))
	})

	It("should count writes but not loads", func() {
		Expect(m.Load(0x100, []byte{1, 2, 3})).To(Succeed())
		Expect(m.Stats().Writes).To(BeZero())

		m.Write16(0x200, 0xbeef)
		Expect(m.Stats().Writes).To(Equal(uint64(1)))
		Expect(m.Stats().BytesWritten).To(Equal(uint64(2)))
		Expect(m.Snapshot(0x100, 3)).To(Equal([]byte{1, 2, 3}))
	})

	It("should advance the generation on stores and loads only", func() {
		g := m.Generation()

		m.Read32(0x100)
		Expect(m.Generation()).To(Equal(g))

		m.Write32(0x100, 1)
		Expect(m.Generation()).To(BeNumerically(">", g))

		g = m.Generation()
		Expect(m.Load(0x2000, []byte{0x90})).To(Succeed())
		Expect(m.Generation()).To(BeNumerically(">", g))

		g = m.Generation()
		m.ResetStats()
		m.Write8(1<<20, 0x12)
		Expect(m.Generation()).To(Equal(g))
	})

	It("should reject images that do not fit", func() {
		Expect(m.Load((1<<20)-2, []byte{1, 2, 3})).NotTo(Succeed())
	})
})
