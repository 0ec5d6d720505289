package emu

import (
	"math/bits"

	"github.com/sarchlab/x86core/insts"
)

// Uint128 is a 16-byte value, low quadword first.
type Uint128 struct {
	Lo, Hi uint64
}

// IOBus is the port I/O space. Sizes are 1, 2 or 4 bytes.
type IOBus interface {
	IORead(port uint16, size int) (uint64, error)
	IOWrite(port uint16, size int, val uint64) error
}

// NoIO is an I/O backend with nothing attached: reads return zero and
// writes are dropped.
type NoIO struct{}

// IORead returns zero.
func (NoIO) IORead(uint16, int) (uint64, error) { return 0, nil }

// IOWrite discards val.
func (NoIO) IOWrite(uint16, int, uint64) error { return nil }

// Bus is the linear address space seen by the interpreter. All addresses
// are linear; segmentation and A20 masking happen before the bus.
//
// A failed access returns a *Fault and leaves memory unchanged.
type Bus interface {
	// Sync refreshes the bus's view of paging state and CPL from s.
	Sync(s *State)
	// Invlpg drops cached translations for vaddr.
	Invlpg(vaddr uint64)

	Read8(vaddr uint64) (uint8, error)
	Read16(vaddr uint64) (uint16, error)
	Read32(vaddr uint64) (uint32, error)
	Read64(vaddr uint64) (uint64, error)
	Read128(vaddr uint64) (Uint128, error)
	Write8(vaddr uint64, v uint8) error
	Write16(vaddr uint64, v uint16) error
	Write32(vaddr uint64, v uint32) error
	Write64(vaddr uint64, v uint64) error
	Write128(vaddr uint64, v Uint128) error

	ReadBytes(vaddr uint64, dst []byte) error
	// WriteBytes writes src, translating every page before committing any.
	WriteBytes(vaddr uint64, src []byte) error
	// PreflightWriteBytes checks that n bytes at vaddr are writable, with
	// the same side effects a write would have on the paging structures.
	PreflightWriteBytes(vaddr uint64, n int) error

	// Fetch reads up to maxLen instruction bytes with execute intent.
	Fetch(vaddr uint64, maxLen int) ([insts.MaxLength]byte, error)

	IOBus

	// SupportsBulkCopy reports whether BulkCopy may return true.
	SupportsBulkCopy() bool
	// BulkCopy copies n bytes with memmove semantics. It returns false
	// without side effects when the copy would fault, so the caller can
	// fall back to a per-element loop that faults precisely.
	BulkCopy(dst, src uint64, n int) (bool, error)
	// SupportsBulkSet reports whether BulkSet may return true.
	SupportsBulkSet() bool
	// BulkSet writes pattern repeat times starting at dst, declining like
	// BulkCopy.
	BulkSet(dst uint64, pattern []byte, repeat int) (bool, error)

	// AtomicRMW reads size bytes with write intent, applies f and writes the
	// result back if it differs.
	AtomicRMW(vaddr uint64, size int, f func(old uint64) uint64) error
}

// AtomicRMW runs a typed read-modify-write through b. f returns the value to
// store and an auxiliary result that is passed back to the caller.
func AtomicRMW[T ~uint8 | ~uint16 | ~uint32 | ~uint64, R any](
	b Bus,
	vaddr uint64,
	f func(old T) (T, R),
) (R, error) {
	var out R
	size := bits.Len64(uint64(^T(0))) / 8
	err := b.AtomicRMW(vaddr, size, func(old uint64) uint64 {
		nv, r := f(T(old))
		out = r
		return uint64(nv)
	})
	return out, err
}
