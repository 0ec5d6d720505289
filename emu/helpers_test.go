package emu_test

import (
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86core/emu"
	"github.com/sarchlab/x86core/mem"
	"github.com/sarchlab/x86core/mmu"
)

const rwu = mmu.PTEPresent | mmu.PTEWritable | mmu.PTEUser

// Flat descriptors: 4 GiB, granular.
const (
	descCode32      uint64 = 0x00cf9a000000ffff
	descData32      uint64 = 0x00cf92000000ffff
	descCode32User  uint64 = 0x00cffa000000ffff
	descData32User  uint64 = 0x00cff2000000ffff
	descCode64      uint64 = 0x00af9a000000ffff
	descCode64User  uint64 = 0x00affa000000ffff
	selKernelCode   uint16 = 0x08
	selKernelData   uint16 = 0x10
	selUserCode     uint16 = 0x18 | 3
	selUserData     uint16 = 0x20 | 3
	selTSS          uint16 = 0x28
	gdtBase         uint64 = 0x800
	idtBase         uint64 = 0x2000
	tssBase         uint64 = 0x3000
	longPML4        uint64 = 0x70000
	longPDPT        uint64 = 0x71000
	longPD          uint64 = 0x72000
	identityMapSize uint64 = 16 << 20
)

type portAccess struct {
	Port  uint16
	Size  int
	Value uint64
}

// recordingIO logs every port access and answers reads from a table.
type recordingIO struct {
	reads  []portAccess
	writes []portAccess
	input  map[uint16]uint64
}

func newRecordingIO() *recordingIO {
	return &recordingIO{input: map[uint16]uint64{}}
}

func (r *recordingIO) IORead(port uint16, size int) (uint64, error) {
	v := r.input[port]
	r.reads = append(r.reads, portAccess{Port: port, Size: size, Value: v})
	return v, nil
}

func (r *recordingIO) IOWrite(port uint16, size int, v uint64) error {
	r.writes = append(r.writes, portAccess{Port: port, Size: size, Value: v})
	return nil
}

// machine is physical memory and a paging bus over it.
type machine struct {
	phys *mem.Memory
	io   *recordingIO
	bus  *emu.PagingBus
}

func newMachine() *machine {
	phys := mem.NewMemory(identityMapSize)
	io := newRecordingIO()
	return &machine{
		phys: phys,
		io:   io,
		bus: emu.NewPagingBus(phys,
			emu.WithIO(io),
			emu.WithMMU(mmu.New(mmu.WithTLBConfig(mmu.TLBConfig{Sets: 8, Ways: 2}))),
		),
	}
}

func (m *machine) load(paddr uint64, code ...byte) {
	ExpectWithOffset(1, m.phys.Load(paddr, code)).To(Succeed())
}

// installGDT writes entries starting at slot 1 and points GDTR at them.
func (m *machine) installGDT(s *emu.State, entries ...uint64) {
	for i, e := range entries {
		m.phys.Write64(gdtBase+uint64(i+1)*8, e)
	}
	s.GDTR = emu.DescriptorTable{Base: gdtBase, Limit: uint16((len(entries)+1)*8 - 1)}
}

// identityMapLong builds 4-level tables mapping the first 16 MiB with
// 2 MiB pages and points CR3 at them. Large pages need CR4.PSE.
func (m *machine) identityMapLong(s *emu.State) {
	m.phys.Write64(longPML4, longPDPT|rwu)
	m.phys.Write64(longPDPT, longPD|rwu)
	for i := uint64(0); i < identityMapSize>>21; i++ {
		m.phys.Write64(longPD+i*8, i<<21|rwu|mmu.PTELarge)
	}
	s.CR3 = longPML4
	s.CR4 |= emu.CR4PSE
}

// protectedState returns a ring-0 protected-mode state with a GDT holding
// kernel and user flat segments and a TSS.
func (m *machine) protectedState() *emu.State {
	s := emu.NewState(emu.ModeProtected)
	m.installGDT(s, descCode32, descData32, descCode32User, descData32User,
		tssDescriptor(tssBase, 0x67))
	s.Segs[emu.SegCS].Selector = selKernelCode
	for _, seg := range []int{emu.SegSS, emu.SegDS, emu.SegES} {
		s.Segs[seg].Selector = selKernelData
	}
	return s
}

// longState returns a ring-0 long-mode state with identity paging, a GDT
// and a 64-bit TSS.
func (m *machine) longState() *emu.State {
	s := emu.NewState(emu.ModeLong)
	m.identityMapLong(s)
	m.installGDT(s, descCode64, descData32, descCode64User, descData32User,
		tssDescriptor(tssBase, 0x67), 0)
	s.Segs[emu.SegCS].Selector = selKernelCode
	s.Segs[emu.SegSS].Selector = selKernelData
	return s
}

func (m *machine) loadTR(s *emu.State) {
	m.bus.Sync(s)
	ExpectWithOffset(1, s.LoadTR(m.bus, selTSS)).To(Succeed())
}

func tssDescriptor(base uint64, limit uint32) uint64 {
	return uint64(limit&0xffff) |
		(base&0xffffff)<<16 |
		uint64(0x89)<<40 |
		uint64(limit>>16&0xf)<<48 |
		(base>>24&0xff)<<56
}

// gate32 encodes a protected-mode interrupt or trap gate.
func gate32(sel uint16, off uint32, dpl uint8, trap bool) uint64 {
	typ := uint64(0xe)
	if trap {
		typ = 0xf
	}
	return uint64(off&0xffff) |
		uint64(sel)<<16 |
		(typ|uint64(dpl)<<5|0x80)<<40 |
		uint64(off>>16)<<48
}

// gate64 encodes the two quadwords of a long-mode gate.
// gate64 returns the low and high quadwords of a 64-bit IDT gate.
func gate64(sel uint16, off uint64, ist, dpl uint8, trap bool) [2]uint64 {
	lo := gate32(sel, uint32(off), dpl, trap) | uint64(ist&7)<<32
	return [2]uint64{lo, off >> 32}
}

func (m *machine) setGate32(vector uint8, gate uint64) {
	m.phys.Write64(idtBase+uint64(vector)*8, gate)
}

func (m *machine) setGate64(vector uint8, gate [2]uint64) {
	m.phys.Write64(idtBase+uint64(vector)*16, gate[0])
	m.phys.Write64(idtBase+uint64(vector)*16+8, gate[1])
}

// setVector writes a real-mode IVT entry.
func (m *machine) setVector(vector uint8, seg, off uint16) {
	m.phys.Write32(uint64(vector)*4, uint32(seg)<<16|uint32(off))
}

func expectFault(err error, kind emu.FaultKind, code uint32) *emu.Fault {
	ExpectWithOffset(1, err).To(HaveOccurred())
	f := emu.AsFault(err)
	ExpectWithOffset(1, f.Kind).To(Equal(kind), "got %v", err)
	ExpectWithOffset(1, f.ErrorCode).To(Equal(code), "got %v", err)
	return f
}
