package mmu

// PhysicalMemory is the physical address space the walker and the paging bus
// touch. Accesses never fail; unbacked addresses are the implementation's
// business.
type PhysicalMemory interface {
	Read8(paddr uint64) uint8
	Read16(paddr uint64) uint16
	Read32(paddr uint64) uint32
	Read64(paddr uint64) uint64
	Write8(paddr uint64, v uint8)
	Write16(paddr uint64, v uint16)
	Write32(paddr uint64, v uint32)
	Write64(paddr uint64, v uint64)
	ReadBytes(paddr uint64, dst []byte)
	WriteBytes(paddr uint64, src []byte)
}

// discardWrites forwards reads and drops every write. Probing through it
// cannot set accessed or dirty bits.
type discardWrites struct {
	PhysicalMemory
}

func (discardWrites) Write8(uint64, uint8)      {}
func (discardWrites) Write16(uint64, uint16)    {}
func (discardWrites) Write32(uint64, uint32)    {}
func (discardWrites) Write64(uint64, uint64)    {}
func (discardWrites) WriteBytes(uint64, []byte) {}
