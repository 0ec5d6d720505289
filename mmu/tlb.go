package mmu

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"
)

// Page sizes.
const (
	PageSize4K uint64 = 1 << 12
	PageSize2M uint64 = 1 << 21
	PageSize4M uint64 = 1 << 22
	PageSize1G uint64 = 1 << 30
)

// TLBConfig holds the geometry of each per-page-size array.
type TLBConfig struct {
	Sets int
	Ways int
}

// DefaultTLBConfig returns a 64-set, 4-way geometry.
func DefaultTLBConfig() TLBConfig {
	return TLBConfig{Sets: 64, Ways: 4}
}

type tlbEntry struct {
	vbase    uint64
	pbase    uint64
	size     uint64
	user     bool
	writable bool
	nx       bool
	global   bool
	dirty    bool
	leafAddr uint64
	leaf64   bool
}

func (e *tlbEntry) translate(vaddr uint64) uint64 {
	return e.pbase + (vaddr - e.vbase)
}

// tlbArray caches translations of a single page size. The akita directory
// tracks tags and LRU order; entries are stored next to it, indexed by
// SetID*ways + WayID.
type tlbArray struct {
	pageSize  uint64
	ways      int
	directory *akitacache.DirectoryImpl
	entries   []tlbEntry
}

func newTLBArray(cfg TLBConfig, pageSize uint64) *tlbArray {
	return &tlbArray{
		pageSize: pageSize,
		ways:     cfg.Ways,
		directory: akitacache.NewDirectory(
			cfg.Sets,
			cfg.Ways,
			int(pageSize),
			akitacache.NewLRUVictimFinder(),
		),
		entries: make([]tlbEntry, cfg.Sets*cfg.Ways),
	}
}

func (a *tlbArray) index(block *akitacache.Block) int {
	return block.SetID*a.ways + block.WayID
}

func (a *tlbArray) lookup(vaddr uint64) *tlbEntry {
	vbase := vaddr &^ (a.pageSize - 1)
	block := a.directory.Lookup(0, vbase)
	if block == nil || !block.IsValid {
		return nil
	}
	a.directory.Visit(block)
	return &a.entries[a.index(block)]
}

// peek is lookup without touching the LRU order.
func (a *tlbArray) peek(vaddr uint64) *tlbEntry {
	block := a.directory.Lookup(0, vaddr&^(a.pageSize-1))
	if block == nil || !block.IsValid {
		return nil
	}
	return &a.entries[a.index(block)]
}

func (a *tlbArray) insert(e tlbEntry) {
	block := a.directory.Lookup(0, e.vbase)
	if block == nil || !block.IsValid {
		block = a.directory.FindVictim(e.vbase)
		if block == nil {
			return
		}
	}
	block.Tag = e.vbase
	block.IsValid = true
	block.IsDirty = e.dirty
	a.entries[a.index(block)] = e
	a.directory.Visit(block)
}

func (a *tlbArray) invalidate(vaddr uint64) {
	block := a.directory.Lookup(0, vaddr&^(a.pageSize-1))
	if block != nil {
		block.IsValid = false
	}
}

func (a *tlbArray) flushNonGlobal() {
	for _, set := range a.directory.GetSets() {
		for _, block := range set.Blocks {
			if block.IsValid && !a.entries[a.index(block)].global {
				block.IsValid = false
			}
		}
	}
}

// TLB is a set of translation arrays, one per page size.
type TLB struct {
	arrays map[uint64]*tlbArray
}

// NewTLB creates a TLB with the given geometry for each page size.
func NewTLB(cfg TLBConfig) *TLB {
	t := &TLB{arrays: make(map[uint64]*tlbArray)}
	for _, size := range []uint64{PageSize4K, PageSize2M, PageSize4M, PageSize1G} {
		t.arrays[size] = newTLBArray(cfg, size)
	}
	return t
}

func (t *TLB) lookup(vaddr uint64, sizes []uint64) *tlbEntry {
	for _, size := range sizes {
		if e := t.arrays[size].lookup(vaddr); e != nil {
			return e
		}
	}
	return nil
}

func (t *TLB) peek(vaddr uint64, sizes []uint64) *tlbEntry {
	for _, size := range sizes {
		if e := t.arrays[size].peek(vaddr); e != nil {
			return e
		}
	}
	return nil
}

func (t *TLB) insert(e tlbEntry) {
	t.arrays[e.size].insert(e)
}

// Invalidate drops every cached translation covering vaddr.
func (t *TLB) Invalidate(vaddr uint64) {
	for _, a := range t.arrays {
		a.invalidate(vaddr)
	}
}

// FlushAll drops every entry, global or not.
func (t *TLB) FlushAll() {
	for _, a := range t.arrays {
		a.directory.Reset()
	}
}

// FlushNonGlobal drops every entry not marked global.
func (t *TLB) FlushNonGlobal() {
	for _, a := range t.arrays {
		a.flushNonGlobal()
	}
}

// Len returns the number of valid entries.
func (t *TLB) Len() int {
	n := 0
	for _, a := range t.arrays {
		for _, set := range a.directory.GetSets() {
			for _, block := range set.Blocks {
				if block.IsValid {
					n++
				}
			}
		}
	}
	return n
}
