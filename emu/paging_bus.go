package emu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sarchlab/x86core/insts"
	"github.com/sarchlab/x86core/mmu"
)

const pageSize = 4096

// physChunk is one translated piece of a multi-page write.
type physChunk struct {
	paddr uint64
	off   int
	n     int
}

// PagingBus is a Bus that translates linear addresses through an MMU into a
// physical address space.
type PagingBus struct {
	mmu  *mmu.MMU
	phys mmu.PhysicalMemory
	io   IOBus
	cpl  uint8

	scratch [pageSize]byte
	plan    []physChunk
}

// PagingBusOption configures a PagingBus.
type PagingBusOption func(*PagingBus)

// WithIO attaches a port I/O backend. The default is NoIO.
func WithIO(io IOBus) PagingBusOption {
	return func(b *PagingBus) {
		b.io = io
	}
}

// WithMMU uses m instead of a freshly constructed MMU.
func WithMMU(m *mmu.MMU) PagingBusOption {
	return func(b *PagingBus) {
		b.mmu = m
	}
}

// NewPagingBus creates a paging bus over phys.
func NewPagingBus(phys mmu.PhysicalMemory, opts ...PagingBusOption) *PagingBus {
	b := &PagingBus{
		phys: phys,
		io:   NoIO{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.mmu == nil {
		b.mmu = mmu.New()
	}
	return b
}

// MMU returns the translation unit.
func (b *PagingBus) MMU() *mmu.MMU { return b.mmu }

// Physical returns the physical address space.
func (b *PagingBus) Physical() mmu.PhysicalMemory { return b.phys }

// CPL returns the privilege level used for permission checks.
func (b *PagingBus) CPL() uint8 { return b.cpl }

// Sync loads CR0, CR3, CR4, EFER and CPL from s.
func (b *PagingBus) Sync(s *State) {
	s.SyncMMU(b.mmu)
	b.cpl = s.CPL()
}

// Invlpg drops the translation for vaddr.
func (b *PagingBus) Invlpg(vaddr uint64) { b.mmu.Invlpg(vaddr) }

// Translate maps vaddr to a physical address, returning #PF or #GP(0).
func (b *PagingBus) Translate(vaddr uint64, access mmu.AccessType) (uint64, error) {
	paddr, err := b.mmu.Translate(b.phys, vaddr, access, b.cpl)
	if err != nil {
		return 0, AsFault(err)
	}
	return paddr, nil
}

// rangeOK translates [vaddr, vaddr+n) page by page without side effects
// and reports whether every page would succeed. Any failure, page fault or
// non-canonical address, is left for the per-byte path to raise.
func (b *PagingBus) rangeOK(vaddr uint64, n int, access mmu.AccessType) bool {
	for off := 0; off < n; {
		addr := vaddr + uint64(off)
		if _, err := b.mmu.Probe(b.phys, addr, access, b.cpl); err != nil {
			return false
		}
		off += min(pageSize-int(addr&(pageSize-1)), n-off)
	}
	return true
}

// fits reports whether size bytes at vaddr stay on one page.
func fits(vaddr uint64, size int) bool {
	return vaddr&(pageSize-1) <= uint64(pageSize-size)
}

func (b *PagingBus) readBytes(vaddr uint64, dst []byte, access mmu.AccessType) error {
	for off := 0; off < len(dst); {
		addr := vaddr + uint64(off)
		n := min(pageSize-int(addr&(pageSize-1)), len(dst)-off)
		paddr, err := b.Translate(addr, access)
		if err != nil {
			return err
		}
		b.phys.ReadBytes(paddr, dst[off:off+n])
		off += n
	}
	return nil
}

// planWrite translates every page of a write before anything is committed.
func (b *PagingBus) planWrite(vaddr uint64, n int) error {
	b.plan = b.plan[:0]
	for off := 0; off < n; {
		addr := vaddr + uint64(off)
		c := min(pageSize-int(addr&(pageSize-1)), n-off)
		paddr, err := b.Translate(addr, mmu.AccessWrite)
		if err != nil {
			return err
		}
		b.plan = append(b.plan, physChunk{paddr: paddr, off: off, n: c})
		off += c
	}
	return nil
}

// Read8 reads one byte.
func (b *PagingBus) Read8(vaddr uint64) (uint8, error) {
	paddr, err := b.Translate(vaddr, mmu.AccessRead)
	if err != nil {
		return 0, err
	}
	return b.phys.Read8(paddr), nil
}

// Read16 reads a little-endian word.
func (b *PagingBus) Read16(vaddr uint64) (uint16, error) {
	if fits(vaddr, 2) {
		paddr, err := b.Translate(vaddr, mmu.AccessRead)
		if err != nil {
			return 0, err
		}
		return b.phys.Read16(paddr), nil
	}
	var buf [2]byte
	if err := b.readBytes(vaddr, buf[:], mmu.AccessRead); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// Read32 reads a little-endian doubleword.
func (b *PagingBus) Read32(vaddr uint64) (uint32, error) {
	if fits(vaddr, 4) {
		paddr, err := b.Translate(vaddr, mmu.AccessRead)
		if err != nil {
			return 0, err
		}
		return b.phys.Read32(paddr), nil
	}
	var buf [4]byte
	if err := b.readBytes(vaddr, buf[:], mmu.AccessRead); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Read64 reads a little-endian quadword.
func (b *PagingBus) Read64(vaddr uint64) (uint64, error) {
	return b.read64(vaddr, mmu.AccessRead)
}

func (b *PagingBus) read64(vaddr uint64, access mmu.AccessType) (uint64, error) {
	if fits(vaddr, 8) {
		paddr, err := b.Translate(vaddr, access)
		if err != nil {
			return 0, err
		}
		return b.phys.Read64(paddr), nil
	}
	var buf [8]byte
	if err := b.readBytes(vaddr, buf[:], access); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Read128 reads 16 bytes.
func (b *PagingBus) Read128(vaddr uint64) (Uint128, error) {
	var buf [16]byte
	if err := b.readBytes(vaddr, buf[:], mmu.AccessRead); err != nil {
		return Uint128{}, err
	}
	return Uint128{
		Lo: binary.LittleEndian.Uint64(buf[:8]),
		Hi: binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}

// Write8 writes one byte.
func (b *PagingBus) Write8(vaddr uint64, v uint8) error {
	paddr, err := b.Translate(vaddr, mmu.AccessWrite)
	if err != nil {
		return err
	}
	b.phys.Write8(paddr, v)
	return nil
}

// Write16 writes a little-endian word.
func (b *PagingBus) Write16(vaddr uint64, v uint16) error {
	if fits(vaddr, 2) {
		paddr, err := b.Translate(vaddr, mmu.AccessWrite)
		if err != nil {
			return err
		}
		b.phys.Write16(paddr, v)
		return nil
	}
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return b.WriteBytes(vaddr, buf[:])
}

// Write32 writes a little-endian doubleword.
func (b *PagingBus) Write32(vaddr uint64, v uint32) error {
	if fits(vaddr, 4) {
		paddr, err := b.Translate(vaddr, mmu.AccessWrite)
		if err != nil {
			return err
		}
		b.phys.Write32(paddr, v)
		return nil
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return b.WriteBytes(vaddr, buf[:])
}

// Write64 writes a little-endian quadword.
func (b *PagingBus) Write64(vaddr uint64, v uint64) error {
	if fits(vaddr, 8) {
		paddr, err := b.Translate(vaddr, mmu.AccessWrite)
		if err != nil {
			return err
		}
		b.phys.Write64(paddr, v)
		return nil
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return b.WriteBytes(vaddr, buf[:])
}

// Write128 writes 16 bytes.
func (b *PagingBus) Write128(vaddr uint64, v Uint128) error {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], v.Lo)
	binary.LittleEndian.PutUint64(buf[8:], v.Hi)
	return b.WriteBytes(vaddr, buf[:])
}

// ReadBytes fills dst from consecutive linear addresses.
func (b *PagingBus) ReadBytes(vaddr uint64, dst []byte) error {
	return b.readBytes(vaddr, dst, mmu.AccessRead)
}

// WriteBytes writes src. Either every byte is written or none is.
func (b *PagingBus) WriteBytes(vaddr uint64, src []byte) error {
	if err := b.planWrite(vaddr, len(src)); err != nil {
		return err
	}
	for _, c := range b.plan {
		b.phys.WriteBytes(c.paddr, src[c.off:c.off+c.n])
	}
	return nil
}

// PreflightWriteBytes translates n bytes at vaddr with write intent.
func (b *PagingBus) PreflightWriteBytes(vaddr uint64, n int) error {
	return b.planWrite(vaddr, n)
}

// Fetch reads up to maxLen bytes of code with execute intent. Bytes past
// maxLen are zero.
func (b *PagingBus) Fetch(vaddr uint64, maxLen int) ([insts.MaxLength]byte, error) {
	var buf [insts.MaxLength]byte
	n := min(maxLen, insts.MaxLength)
	if n <= 0 {
		return buf, nil
	}
	err := b.readBytes(vaddr, buf[:n], mmu.AccessExecute)
	return buf, err
}

// IORead forwards to the I/O backend.
func (b *PagingBus) IORead(port uint16, size int) (uint64, error) {
	return b.io.IORead(port, size)
}

// IOWrite forwards to the I/O backend.
func (b *PagingBus) IOWrite(port uint16, size int, val uint64) error {
	return b.io.IOWrite(port, size, val)
}

// SupportsBulkCopy returns true.
func (b *PagingBus) SupportsBulkCopy() bool { return true }

// SupportsBulkSet returns true.
func (b *PagingBus) SupportsBulkSet() bool { return true }

// BulkCopy implements memmove between linear ranges. It checks both ranges
// first and declines when any page would fault, so a declined copy leaves
// memory and the accessed/dirty bits untouched. Overlapping ranges,
// dst == src included, still translate every page.
func (b *PagingBus) BulkCopy(dst, src uint64, n int) (bool, error) {
	if n == 0 {
		return true, nil
	}
	if n < 0 || uint64(n-1) > math.MaxUint64-src || uint64(n-1) > math.MaxUint64-dst {
		return false, nil
	}

	if !b.rangeOK(src, n, mmu.AccessRead) || !b.rangeOK(dst, n, mmu.AccessWrite) {
		return false, nil
	}

	backward := dst > src && dst-src < uint64(n)
	chunk := len(b.scratch)
	if backward {
		for end := n; end > 0; {
			c := min(chunk, end)
			start := end - c
			if err := b.copyChunk(dst+uint64(start), src+uint64(start), c); err != nil {
				return false, err
			}
			end = start
		}
		return true, nil
	}

	for off := 0; off < n; {
		c := min(chunk, n-off)
		if err := b.copyChunk(dst+uint64(off), src+uint64(off), c); err != nil {
			return false, err
		}
		off += c
	}
	return true, nil
}

func (b *PagingBus) copyChunk(dst, src uint64, n int) error {
	buf := b.scratch[:n]
	if err := b.readBytes(src, buf, mmu.AccessRead); err != nil {
		return err
	}
	return b.WriteBytes(dst, buf)
}

// BulkSet writes pattern repeat times starting at dst, declining like
// BulkCopy.
func (b *PagingBus) BulkSet(dst uint64, pattern []byte, repeat int) (bool, error) {
	if repeat == 0 || len(pattern) == 0 {
		return true, nil
	}
	if repeat < 0 || len(pattern) > math.MaxInt/repeat {
		return false, nil
	}
	n := len(pattern) * repeat
	if uint64(n-1) > math.MaxUint64-dst || !b.rangeOK(dst, n, mmu.AccessWrite) {
		return false, nil
	}

	for off := 0; off < n; {
		c := min(len(b.scratch), n-off)
		buf := b.scratch[:c]
		for i := range buf {
			buf[i] = pattern[(off+i)%len(pattern)]
		}
		if err := b.WriteBytes(dst+uint64(off), buf); err != nil {
			return false, err
		}
		off += c
	}
	return true, nil
}

// AtomicRMW reads with write intent, so a read-only page faults before f
// runs, and skips the write when f returns the old value.
func (b *PagingBus) AtomicRMW(vaddr uint64, size int, f func(old uint64) uint64) error {
	var buf [8]byte
	if size < 1 || size > len(buf) {
		return MemoryFault(fmt.Sprintf("atomic access of %d bytes", size))
	}
	if err := b.readBytes(vaddr, buf[:size], mmu.AccessWrite); err != nil {
		return err
	}
	old := binary.LittleEndian.Uint64(buf[:])
	nv := f(old) & sizeMask(size)
	if nv == old {
		return nil
	}
	binary.LittleEndian.PutUint64(buf[:], nv)
	return b.WriteBytes(vaddr, buf[:size])
}
