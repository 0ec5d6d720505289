package mmu

// legacy32Large4MReserved covers PDE bits 13..21, which must be zero for a
// 4 MiB page without PSE-36.
const legacy32Large4MReserved uint64 = 0x003fe000

// ignoredHighAVL covers bits 52..58, free for software in every 64-bit entry
// format except the PAE PDPTE.
const ignoredHighAVL uint64 = 0x7f << 52

type entryKind uint8

const (
	kindPML4E entryKind = iota
	kindPDPTELong
	kindPDELong
	kindPTELong
	kindPDPTEPAE
	kindPDEPAE
	kindPTEPAE
)

type walkCtx struct {
	vaddr  uint64
	access AccessType
	user   bool
}

func (c walkCtx) notPresent() error {
	return &PageFault{Addr: c.vaddr, ErrorCode: pfErrorCode(false, c.access, c.user, false)}
}

func (c walkCtx) reserved() error {
	return &PageFault{Addr: c.vaddr, ErrorCode: pfErrorCode(true, c.access, c.user, true)}
}

// leaf finishes a walk: permission check, dirty bit on write, TLB entry.
func (m *MMU) leaf(
	phys PhysicalMemory,
	ctx walkCtx,
	entry, entryAddr uint64,
	is64 bool,
	size, pbase uint64,
	user, writable, nx bool,
) (tlbEntry, error) {
	if err := m.checkPerms(ctx.vaddr, user, writable, nx, ctx.access, ctx.user); err != nil {
		return tlbEntry{}, err
	}

	updated := entry
	if ctx.access == AccessWrite {
		updated |= PTEDirty
	}
	if updated != entry {
		if is64 {
			phys.Write64(entryAddr, updated)
		} else {
			phys.Write32(entryAddr, uint32(updated))
		}
	}

	return tlbEntry{
		vbase:    ctx.vaddr &^ (size - 1),
		pbase:    pbase,
		size:     size,
		user:     user,
		writable: writable,
		nx:       nx,
		global:   m.pgeEnabled() && entry&PTEGlobal != 0,
		dirty:    updated&PTEDirty != 0,
		leafAddr: entryAddr,
		leaf64:   is64,
	}, nil
}

func (m *MMU) touch32(phys PhysicalMemory, addr, entry uint64) uint64 {
	if entry&PTEAccessed == 0 {
		entry |= PTEAccessed
		phys.Write32(addr, uint32(entry))
	}
	return entry
}

func (m *MMU) walkLegacy32(
	phys PhysicalMemory,
	vaddr uint64,
	access AccessType,
	user bool,
) (tlbEntry, error) {
	ctx := walkCtx{vaddr: vaddr, access: access, user: user}

	pdeAddr := (m.cr3&0xffffffff)&^0xfff + ((vaddr>>22)&0x3ff)*4
	pde := uint64(phys.Read32(pdeAddr))
	if pde&PTEPresent == 0 {
		return tlbEntry{}, ctx.notPresent()
	}

	large := pde&PTELarge != 0
	if large && (!m.pseEnabled() || pde&legacy32Large4MReserved != 0) {
		return tlbEntry{}, ctx.reserved()
	}
	pde = m.touch32(phys, pdeAddr, pde)

	if large {
		return m.leaf(phys, ctx, pde, pdeAddr, false, PageSize4M,
			pde&0xffc00000, pde&PTEUser != 0, pde&PTEWritable != 0, false)
	}

	pteAddr := pde&0xfffff000 + ((vaddr>>12)&0x3ff)*4
	pte := uint64(phys.Read32(pteAddr))
	if pte&PTEPresent == 0 {
		return tlbEntry{}, ctx.notPresent()
	}
	pte = m.touch32(phys, pteAddr, pte)

	return m.leaf(phys, ctx, pte, pteAddr, false, PageSize4K,
		pte&0xfffff000,
		pde&PTEUser != 0 && pte&PTEUser != 0,
		pde&PTEWritable != 0 && pte&PTEWritable != 0,
		false)
}

// entry64 reads and validates one 64-bit paging-structure entry. A nil error
// with present == false means the entry is not present.
func (m *MMU) entry64(
	phys PhysicalMemory,
	ctx walkCtx,
	addr uint64,
	kind entryKind,
) (entry uint64, present bool, err error) {
	entry = phys.Read64(addr)
	if entry&PTEPresent == 0 {
		return entry, false, nil
	}
	if m.hasReservedBits(entry, kind) {
		return entry, true, ctx.reserved()
	}
	if kind != kindPDPTEPAE && entry&PTEAccessed == 0 {
		entry |= PTEAccessed
		phys.Write64(addr, entry)
	}
	return entry, true, nil
}

func (m *MMU) walkPAE(
	phys PhysicalMemory,
	vaddr uint64,
	access AccessType,
	user bool,
) (tlbEntry, error) {
	ctx := walkCtx{vaddr: vaddr, access: access, user: user}
	nxe := m.nxEnabled()
	mask := m.physMask()

	pdpteAddr := (m.cr3&0xffffffff)&^0x1f + ((vaddr>>30)&0x3)*8
	pdpte, present, err := m.entry64(phys, ctx, pdpteAddr, kindPDPTEPAE)
	if err != nil {
		return tlbEntry{}, err
	}
	if !present {
		return tlbEntry{}, ctx.notPresent()
	}

	// The PAE PDPTE carries no U/S or R/W bits.
	effUser, effWrite := true, true
	effNX := nxe && pdpte&PTENX != 0

	pdeAddr := (pdpte&mask)&^0xfff + ((vaddr>>21)&0x1ff)*8
	pde, present, err := m.entry64(phys, ctx, pdeAddr, kindPDEPAE)
	if err != nil {
		return tlbEntry{}, err
	}
	if !present {
		return tlbEntry{}, ctx.notPresent()
	}
	effUser = effUser && pde&PTEUser != 0
	effWrite = effWrite && pde&PTEWritable != 0
	effNX = effNX || (nxe && pde&PTENX != 0)

	if pde&PTELarge != 0 {
		return m.leaf(phys, ctx, pde, pdeAddr, true, PageSize2M,
			(pde&mask)&^(PageSize2M-1), effUser, effWrite, effNX)
	}

	pteAddr := (pde&mask)&^0xfff + ((vaddr>>12)&0x1ff)*8
	pte, present, err := m.entry64(phys, ctx, pteAddr, kindPTEPAE)
	if err != nil {
		return tlbEntry{}, err
	}
	if !present {
		return tlbEntry{}, ctx.notPresent()
	}
	effUser = effUser && pte&PTEUser != 0
	effWrite = effWrite && pte&PTEWritable != 0
	effNX = effNX || (nxe && pte&PTENX != 0)

	return m.leaf(phys, ctx, pte, pteAddr, true, PageSize4K,
		(pte&mask)&^0xfff, effUser, effWrite, effNX)
}

func (m *MMU) walkLong4(
	phys PhysicalMemory,
	vaddr uint64,
	access AccessType,
	user bool,
) (tlbEntry, error) {
	ctx := walkCtx{vaddr: vaddr, access: access, user: user}
	nxe := m.nxEnabled()
	mask := m.physMask()

	effUser, effWrite, effNX := true, true, false
	table := (m.cr3 & mask) &^ 0xfff

	levels := []struct {
		shift uint
		kind  entryKind
		large uint64
	}{
		{39, kindPML4E, 0},
		{30, kindPDPTELong, PageSize1G},
		{21, kindPDELong, PageSize2M},
		{12, kindPTELong, PageSize4K},
	}

	for _, lvl := range levels {
		addr := table + ((vaddr>>lvl.shift)&0x1ff)*8
		entry, present, err := m.entry64(phys, ctx, addr, lvl.kind)
		if err != nil {
			return tlbEntry{}, err
		}
		if !present {
			return tlbEntry{}, ctx.notPresent()
		}

		effUser = effUser && entry&PTEUser != 0
		effWrite = effWrite && entry&PTEWritable != 0
		effNX = effNX || (nxe && entry&PTENX != 0)

		if lvl.kind == kindPTELong || (lvl.large != 0 && entry&PTELarge != 0) {
			return m.leaf(phys, ctx, entry, addr, true, lvl.large,
				(entry&mask)&^(lvl.large-1), effUser, effWrite, effNX)
		}
		table = (entry & mask) &^ 0xfff
	}

	panic("unreachable")
}

func (m *MMU) hasReservedBits(entry uint64, kind entryKind) bool {
	nxe := m.nxEnabled()
	if !nxe && entry&PTENX != 0 {
		return true
	}

	large := entry&PTELarge != 0
	switch kind {
	case kindPML4E, kindPDPTEPAE:
		if large {
			return true
		}
	case kindPDPTELong, kindPDEPAE, kindPDELong:
		if large && !m.pseEnabled() {
			return true
		}
	}

	mask := m.physMask()

	if kind == kindPDPTEPAE {
		// P, PWT, PCD, AVL(9..11) and the PD base; bits 1, 2 and 5..8 are reserved.
		allowed := PTEPresent | 1<<3 | 1<<4 | 0x7<<9 | mask&^0xfff
		if nxe {
			allowed |= PTENX
		}
		return entry&^allowed != 0
	}

	align := PageSize4K
	if large {
		switch kind {
		case kindPDPTELong:
			align = PageSize1G
		case kindPDEPAE, kindPDELong:
			align = PageSize2M
		}
	}

	allowed := mask&^(align-1) | 0x1fff | ignoredHighAVL
	if nxe {
		allowed |= PTENX
	}
	return entry&^allowed != 0
}
