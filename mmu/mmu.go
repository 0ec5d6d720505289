// Package mmu translates x86 linear addresses to physical addresses.
//
// It implements the four paging modes the core runs under (disabled,
// legacy 32-bit, PAE and 4-level long mode), permission checks, accessed and
// dirty bookkeeping, and separate instruction and data TLBs.
package mmu

import "fmt"

// Control-register and EFER bits consumed by the walker.
const (
	CR0WP uint64 = 1 << 16
	CR0PG uint64 = 1 << 31

	CR4PSE   uint64 = 1 << 4
	CR4PAE   uint64 = 1 << 5
	CR4PGE   uint64 = 1 << 7
	CR4PCIDE uint64 = 1 << 17

	EFERLME uint64 = 1 << 8
	EFERNXE uint64 = 1 << 11
)

// Page-table entry bits.
const (
	PTEPresent  uint64 = 1 << 0
	PTEWritable uint64 = 1 << 1
	PTEUser     uint64 = 1 << 2
	PTEAccessed uint64 = 1 << 5
	PTEDirty    uint64 = 1 << 6
	PTELarge    uint64 = 1 << 7
	PTEGlobal   uint64 = 1 << 8
	PTENX       uint64 = 1 << 63
)

// Mode is the active paging mode, derived from CR0, CR4 and EFER.
type Mode uint8

// Paging modes.
const (
	ModeDisabled Mode = iota
	ModeLegacy32
	ModePAE
	ModeLong4
)

func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeLegacy32:
		return "legacy32"
	case ModePAE:
		return "pae"
	case ModeLong4:
		return "long4"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Statistics counts TLB and walker activity.
type Statistics struct {
	ITLBLookups    uint64
	ITLBHits       uint64
	ITLBMisses     uint64
	DTLBLookups    uint64
	DTLBHits       uint64
	DTLBMisses     uint64
	PageWalks      uint64
	FlushAll       uint64
	FlushNonGlobal uint64
	Invlpg         uint64
}

// MMU holds the translation-relevant architectural registers and the TLBs.
type MMU struct {
	cr0, cr3, cr4, efer uint64
	maxPhysBits         uint8
	mode                Mode
	lookupSizes         []uint64

	itlb *TLB
	dtlb *TLB

	stats Statistics
}

// Option configures an MMU.
type Option func(*MMU)

// WithTLBConfig sets the geometry of both TLBs.
func WithTLBConfig(cfg TLBConfig) Option {
	return func(m *MMU) {
		m.itlb = NewTLB(cfg)
		m.dtlb = NewTLB(cfg)
	}
}

// WithMaxPhysBits sets MAXPHYADDR. Values outside 1..52 are clamped.
func WithMaxPhysBits(bits uint8) Option {
	return func(m *MMU) {
		m.maxPhysBits = clampPhysBits(bits)
	}
}

// New creates an MMU with paging disabled.
func New(opts ...Option) *MMU {
	m := &MMU{maxPhysBits: 52}
	for _, opt := range opts {
		opt(m)
	}
	if m.itlb == nil {
		m.itlb = NewTLB(DefaultTLBConfig())
		m.dtlb = NewTLB(DefaultTLBConfig())
	}
	m.updateMode()
	return m
}

func clampPhysBits(bits uint8) uint8 {
	switch {
	case bits < 1:
		return 1
	case bits > 52:
		return 52
	}
	return bits
}

// CR0 returns the cached CR0.
func (m *MMU) CR0() uint64 { return m.cr0 }

// CR3 returns the cached CR3.
func (m *MMU) CR3() uint64 { return m.cr3 }

// CR4 returns the cached CR4.
func (m *MMU) CR4() uint64 { return m.cr4 }

// EFER returns the cached EFER.
func (m *MMU) EFER() uint64 { return m.efer }

// Mode returns the active paging mode.
func (m *MMU) Mode() Mode { return m.mode }

// Stats returns walker and TLB statistics.
func (m *MMU) Stats() Statistics { return m.stats }

// ResetStats clears statistics.
func (m *MMU) ResetStats() { m.stats = Statistics{} }

// ITLB returns the instruction TLB.
func (m *MMU) ITLB() *TLB { return m.itlb }

// DTLB returns the data TLB.
func (m *MMU) DTLB() *TLB { return m.dtlb }

func (m *MMU) updateMode() {
	switch {
	case m.cr0&CR0PG == 0:
		m.mode = ModeDisabled
	case m.cr4&CR4PAE == 0:
		m.mode = ModeLegacy32
	case m.efer&EFERLME != 0:
		m.mode = ModeLong4
	default:
		m.mode = ModePAE
	}

	m.lookupSizes = []uint64{PageSize4K}
	if m.cr4&CR4PSE != 0 {
		switch m.mode {
		case ModeLegacy32:
			m.lookupSizes = []uint64{PageSize4M, PageSize4K}
		case ModePAE:
			m.lookupSizes = []uint64{PageSize2M, PageSize4K}
		case ModeLong4:
			m.lookupSizes = []uint64{PageSize1G, PageSize2M, PageSize4K}
		}
	}
}

func (m *MMU) flushAll() {
	m.stats.FlushAll++
	if m.itlb != nil {
		m.itlb.FlushAll()
		m.dtlb.FlushAll()
	}
}

// SetMaxPhysBits changes MAXPHYADDR and flushes the TLBs if it changed.
func (m *MMU) SetMaxPhysBits(bits uint8) {
	bits = clampPhysBits(bits)
	if bits != m.maxPhysBits {
		m.maxPhysBits = bits
		m.flushAll()
	}
}

// SetCR0 updates CR0. Toggling CR0.PG flushes everything.
func (m *MMU) SetCR0(v uint64) {
	old := m.cr0
	m.cr0 = v
	if (old^v)&CR0PG != 0 {
		m.flushAll()
	}
	m.updateMode()
}

// SetCR3 updates CR3. Non-global entries are flushed when CR4.PGE is set,
// everything otherwise.
func (m *MMU) SetCR3(v uint64) {
	m.cr3 = v
	m.updateMode()
	if m.cr4&CR4PGE != 0 {
		m.stats.FlushNonGlobal++
		m.itlb.FlushNonGlobal()
		m.dtlb.FlushNonGlobal()
		return
	}
	m.flushAll()
}

// SetCR4 updates CR4. Changing PAE, PSE, PGE or PCIDE flushes everything.
func (m *MMU) SetCR4(v uint64) {
	const relevant = CR4PAE | CR4PSE | CR4PGE | CR4PCIDE
	old := m.cr4
	m.cr4 = v
	if (old^v)&relevant != 0 {
		m.flushAll()
	}
	m.updateMode()
}

// SetEFER updates EFER. Changing LME or NXE flushes everything.
func (m *MMU) SetEFER(v uint64) {
	const relevant = EFERLME | EFERNXE
	old := m.efer
	m.efer = v
	if (old^v)&relevant != 0 {
		m.flushAll()
	}
	m.updateMode()
}

// Invlpg drops any cached translation of vaddr, global ones included.
func (m *MMU) Invlpg(vaddr uint64) {
	m.stats.Invlpg++
	m.itlb.Invalidate(vaddr)
	m.dtlb.Invalidate(vaddr)
}

func (m *MMU) physMask() uint64 {
	return (uint64(1) << m.maxPhysBits) - 1
}

func (m *MMU) nxEnabled() bool { return m.efer&EFERNXE != 0 }
func (m *MMU) wpEnabled() bool { return m.cr0&CR0WP != 0 }
func (m *MMU) pseEnabled() bool { return m.cr4&CR4PSE != 0 }
func (m *MMU) pgeEnabled() bool { return m.cr4&CR4PGE != 0 }

// Translate maps vaddr to a physical address for the given access and
// privilege level, walking the page tables through phys on a TLB miss.
// Only CPL 3 counts as a user access.
//
// A failed translation returns *PageFault or *NonCanonicalError. Accessed
// and dirty bits are written through phys as a side effect.
func (m *MMU) Translate(
	phys PhysicalMemory,
	vaddr uint64,
	access AccessType,
	cpl uint8,
) (uint64, error) {
	user := cpl == 3

	switch m.mode {
	case ModeDisabled:
		return vaddr & 0xffffffff, nil
	case ModeLegacy32, ModePAE:
		vaddr &= 0xffffffff
	case ModeLong4:
		if !IsCanonical48(vaddr) {
			return 0, &NonCanonicalError{Addr: vaddr}
		}
	}

	tlb := m.dtlb
	if access == AccessExecute {
		tlb = m.itlb
		m.stats.ITLBLookups++
	} else {
		m.stats.DTLBLookups++
	}

	if tlb != nil {
		if e := tlb.lookup(vaddr, m.lookupSizes); e != nil {
			if access == AccessExecute {
				m.stats.ITLBHits++
			} else {
				m.stats.DTLBHits++
			}
			return m.translateHit(phys, e, vaddr, access, user)
		}
	}

	if access == AccessExecute {
		m.stats.ITLBMisses++
	} else {
		m.stats.DTLBMisses++
	}
	m.stats.PageWalks++

	var (
		e   tlbEntry
		err error
	)
	switch m.mode {
	case ModeLegacy32:
		e, err = m.walkLegacy32(phys, vaddr, access, user)
	case ModePAE:
		e, err = m.walkPAE(phys, vaddr, access, user)
	default:
		e, err = m.walkLong4(phys, vaddr, access, user)
	}
	if err != nil {
		return 0, err
	}

	if tlb != nil {
		tlb.insert(e)
	}
	return e.translate(vaddr), nil
}

func (m *MMU) translateHit(
	phys PhysicalMemory,
	e *tlbEntry,
	vaddr uint64,
	access AccessType,
	user bool,
) (uint64, error) {
	if err := m.checkPerms(vaddr, e.user, e.writable, e.nx, access, user); err != nil {
		return 0, err
	}

	if access == AccessWrite && !e.dirty {
		if e.leaf64 {
			phys.Write64(e.leafAddr, phys.Read64(e.leafAddr)|PTEDirty)
		} else {
			phys.Write32(e.leafAddr, phys.Read32(e.leafAddr)|uint32(PTEDirty))
		}
		e.dirty = true
	}

	return e.translate(vaddr), nil
}

// Probe performs the same lookup and permission checks as Translate without
// any guest-visible side effect. A TLB hit is checked as cached, so Probe
// agrees with the Translate that follows it. Nothing is inserted into the
// TLBs and no accessed or dirty bit is written.
func (m *MMU) Probe(
	phys PhysicalMemory,
	vaddr uint64,
	access AccessType,
	cpl uint8,
) (uint64, error) {
	user := cpl == 3

	switch m.mode {
	case ModeDisabled:
		return vaddr & 0xffffffff, nil
	case ModeLegacy32, ModePAE:
		vaddr &= 0xffffffff
	case ModeLong4:
		if !IsCanonical48(vaddr) {
			return 0, &NonCanonicalError{Addr: vaddr}
		}
	}

	tlb := m.dtlb
	if access == AccessExecute {
		tlb = m.itlb
	}
	if tlb != nil {
		if e := tlb.peek(vaddr, m.lookupSizes); e != nil {
			if err := m.checkPerms(vaddr, e.user, e.writable, e.nx, access, user); err != nil {
				return 0, err
			}
			return e.translate(vaddr), nil
		}
	}

	var (
		e   tlbEntry
		err error
	)
	view := discardWrites{phys}
	switch m.mode {
	case ModeLegacy32:
		e, err = m.walkLegacy32(view, vaddr, access, user)
	case ModePAE:
		e, err = m.walkPAE(view, vaddr, access, user)
	default:
		e, err = m.walkLong4(view, vaddr, access, user)
	}
	if err != nil {
		return 0, err
	}
	return e.translate(vaddr), nil
}

func (m *MMU) checkPerms(
	vaddr uint64,
	userOK, writableOK, nx bool,
	access AccessType,
	user bool,
) error {
	fault := false
	switch {
	case user && !userOK:
		fault = true
	case access == AccessWrite && !writableOK && (user || m.wpEnabled()):
		fault = true
	case access == AccessExecute && nx:
		fault = true
	}
	if fault {
		return &PageFault{Addr: vaddr, ErrorCode: pfErrorCode(true, access, user, false)}
	}
	return nil
}
