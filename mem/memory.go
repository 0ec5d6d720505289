// Package mem provides sparse guest physical memory.
package mem

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the allocation granule of the backing store.
const PageSize = 4096

// Statistics counts physical accesses. Tests use the write counters to prove
// that an operation left memory untouched.
type Statistics struct {
	Reads        uint64
	Writes       uint64
	BytesWritten uint64
}

// Memory is a sparse, little-endian physical address space. Pages are
// allocated on first write; unallocated pages read as zero. Addresses at or
// above the configured size read as all-ones and ignore writes, like an
// undecoded bus.
type Memory struct {
	pages map[uint64]*[PageSize]byte
	size  uint64
	stats Statistics

	generation uint64
}

// NewMemory creates a memory of the given size in bytes. A size of 0 means
// the whole 64-bit physical space is backed.
func NewMemory(size uint64) *Memory {
	return &Memory{
		pages: make(map[uint64]*[PageSize]byte),
		size:  size,
	}
}

// Size returns the configured size in bytes.
func (m *Memory) Size() uint64 {
	return m.size
}

// Stats returns access statistics.
func (m *Memory) Stats() Statistics {
	return m.stats
}

// Generation returns a counter that changes on every store, including
// image loads. ResetStats does not reset it.
func (m *Memory) Generation() uint64 {
	return m.generation
}

// ResetStats clears access statistics.
func (m *Memory) ResetStats() {
	m.stats = Statistics{}
}

func (m *Memory) inRange(paddr uint64) bool {
	return m.size == 0 || paddr < m.size
}

func (m *Memory) page(paddr uint64, alloc bool) *[PageSize]byte {
	pfn := paddr / PageSize
	p := m.pages[pfn]
	if p == nil && alloc {
		p = new([PageSize]byte)
		m.pages[pfn] = p
	}
	return p
}

func (m *Memory) readByte(paddr uint64) byte {
	if !m.inRange(paddr) {
		return 0xff
	}
	p := m.page(paddr, false)
	if p == nil {
		return 0
	}
	return p[paddr%PageSize]
}

func (m *Memory) writeByte(paddr uint64, v byte) {
	if !m.inRange(paddr) {
		return
	}
	m.generation++
	m.page(paddr, true)[paddr%PageSize] = v
}

// read copies len(dst) bytes starting at paddr without touching statistics.
func (m *Memory) read(paddr uint64, dst []byte) {
	off := paddr % PageSize
	if off+uint64(len(dst)) <= PageSize && m.inRange(paddr+uint64(len(dst))-1) {
		p := m.page(paddr, false)
		if p == nil {
			clear(dst)
			return
		}
		copy(dst, p[off:])
		return
	}
	for i := range dst {
		dst[i] = m.readByte(paddr + uint64(i))
	}
}

func (m *Memory) write(paddr uint64, src []byte) {
	off := paddr % PageSize
	if off+uint64(len(src)) <= PageSize && m.inRange(paddr+uint64(len(src))-1) {
		m.generation++
		copy(m.page(paddr, true)[off:], src)
		return
	}
	for i, b := range src {
		m.writeByte(paddr+uint64(i), b)
	}
}

// Read8 reads one byte.
func (m *Memory) Read8(paddr uint64) uint8 {
	m.stats.Reads++
	return m.readByte(paddr)
}

// Read16 reads a little-endian 16-bit value.
func (m *Memory) Read16(paddr uint64) uint16 {
	var buf [2]byte
	m.stats.Reads++
	m.read(paddr, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

// Read32 reads a little-endian 32-bit value.
func (m *Memory) Read32(paddr uint64) uint32 {
	var buf [4]byte
	m.stats.Reads++
	m.read(paddr, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

// Read64 reads a little-endian 64-bit value.
func (m *Memory) Read64(paddr uint64) uint64 {
	var buf [8]byte
	m.stats.Reads++
	m.read(paddr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// Write8 writes one byte.
func (m *Memory) Write8(paddr uint64, v uint8) {
	m.stats.Writes++
	m.stats.BytesWritten++
	m.writeByte(paddr, v)
}

// Write16 writes a little-endian 16-bit value.
func (m *Memory) Write16(paddr uint64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	m.WriteBytes(paddr, buf[:])
}

// Write32 writes a little-endian 32-bit value.
func (m *Memory) Write32(paddr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.WriteBytes(paddr, buf[:])
}

// Write64 writes a little-endian 64-bit value.
func (m *Memory) Write64(paddr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	m.WriteBytes(paddr, buf[:])
}

// ReadBytes fills dst from paddr.
func (m *Memory) ReadBytes(paddr uint64, dst []byte) {
	m.stats.Reads++
	m.read(paddr, dst)
}

// WriteBytes stores src at paddr.
func (m *Memory) WriteBytes(paddr uint64, src []byte) {
	if len(src) == 0 {
		return
	}
	m.stats.Writes++
	m.stats.BytesWritten += uint64(len(src))
	m.write(paddr, src)
}

// Load copies an image into memory without counting it as guest traffic.
func (m *Memory) Load(paddr uint64, image []byte) error {
	end := paddr + uint64(len(image))
	if end < paddr {
		return fmt.Errorf("image at %#x wraps the physical address space", paddr)
	}
	if m.size != 0 && end > m.size {
		return fmt.Errorf("image [%#x, %#x) exceeds memory size %#x", paddr, end, m.size)
	}
	m.write(paddr, image)
	return nil
}

// Snapshot returns a copy of length n starting at paddr without counting it
// as guest traffic.
func (m *Memory) Snapshot(paddr uint64, n int) []byte {
	out := make([]byte, n)
	m.read(paddr, out)
	return out
}
