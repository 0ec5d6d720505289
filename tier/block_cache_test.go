package tier_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86core/tier"
)

func block(rip uint64, paddr uint64, n uint32) tier.CompiledBlock {
	return tier.CompiledBlock{
		EntryRIP:   rip,
		TableIndex: uint32(rip),
		Meta:       tier.BlockMeta{CodePAddr: paddr, ByteLen: n, InstructionCount: 1},
	}
}

var _ = Describe("BlockCache", func() {
	var c *tier.BlockCache

	BeforeEach(func() {
		c = tier.NewBlockCache(2)
	})

	It("should find installed blocks by entry RIP", func() {
		Expect(c.Install(block(0x1000, 0x1000, 4))).To(BeEmpty())

		b, ok := c.Lookup(0x1000)
		Expect(ok).To(BeTrue())
		Expect(b.TableIndex).To(Equal(uint32(0x1000)))

		_, ok = c.Lookup(0x1001)
		Expect(ok).To(BeFalse())
		Expect(c.Len()).To(Equal(1))
	})

	It("should evict the least recently used block", func() {
		c.Install(block(0x1000, 0x1000, 4))
		c.Install(block(0x2000, 0x2000, 4))
		c.Lookup(0x1000)

		evicted := c.Install(block(0x3000, 0x3000, 4))

		Expect(evicted).To(Equal([]uint64{0x2000}))
		Expect(c.Contains(0x1000)).To(BeTrue())
		Expect(c.Contains(0x2000)).To(BeFalse())
		Expect(c.Len()).To(Equal(2))
	})

	It("should not let Peek or Contains change the eviction order", func() {
		c.Install(block(0x1000, 0x1000, 4))
		c.Install(block(0x2000, 0x2000, 4))
		c.Peek(0x1000)
		c.Contains(0x1000)

		Expect(c.Install(block(0x3000, 0x3000, 4))).To(Equal([]uint64{0x1000}))
	})

	It("should replace a block with the same entry in place", func() {
		c.Install(block(0x1000, 0x1000, 4))
		b := block(0x1000, 0x1000, 8)
		b.TableIndex = 99

		Expect(c.Install(b)).To(BeEmpty())

		got, _ := c.Peek(0x1000)
		Expect(got.TableIndex).To(Equal(uint32(99)))
		Expect(c.Len()).To(Equal(1))
	})

	It("should reuse a removed slot before evicting", func() {
		c.Install(block(0x1000, 0x1000, 4))
		c.Install(block(0x2000, 0x2000, 4))
		Expect(c.Remove(0x1000)).To(BeTrue())
		Expect(c.Remove(0x1000)).To(BeFalse())

		Expect(c.Install(block(0x3000, 0x3000, 4))).To(BeEmpty())
		Expect(c.EntryRIPs()).To(ConsistOf(uint64(0x2000), uint64(0x3000)))
	})

	It("should invalidate blocks whose code overlaps a range", func() {
		c.Install(block(0x1000, 0x5000, 0x10))
		c.Install(block(0x2000, 0x6000, 0x10))

		Expect(c.InvalidateRange(0x500f, 1)).To(Equal([]uint64{0x1000}))
		Expect(c.InvalidateRange(0x6010, 0x10)).To(BeEmpty())
		Expect(c.Len()).To(Equal(1))
	})

	It("should list entries from least to most recently used", func() {
		c.Install(block(0x1000, 0x1000, 4))
		c.Install(block(0x2000, 0x2000, 4))
		c.Lookup(0x1000)

		Expect(c.EntryRIPs()).To(Equal([]uint64{0x2000, 0x1000}))
	})

	It("should flush everything", func() {
		c.Install(block(0x1000, 0x1000, 4))
		c.Install(block(0x2000, 0x2000, 4))

		Expect(c.Flush()).To(ConsistOf(uint64(0x1000), uint64(0x2000)))
		Expect(c.Len()).To(BeZero())
		Expect(c.Contains(0x1000)).To(BeFalse())
	})
})
