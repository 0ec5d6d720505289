package mmu

import "fmt"

// AccessType is the intent of a linear access.
type AccessType uint8

// Access intents.
const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

func (a AccessType) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExecute:
		return "execute"
	}
	return fmt.Sprintf("AccessType(%d)", uint8(a))
}

// Page-fault error code bits.
const (
	PFErrPresent  uint32 = 1 << 0
	PFErrWrite    uint32 = 1 << 1
	PFErrUser     uint32 = 1 << 2
	PFErrReserved uint32 = 1 << 3
	PFErrFetch    uint32 = 1 << 4
)

// PageFault is a failed translation that must be delivered as #PF.
type PageFault struct {
	Addr      uint64
	ErrorCode uint32
}

func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault at %#x (error code %#x)", f.Addr, f.ErrorCode)
}

// NonCanonicalError reports a long-mode address whose upper bits are not a
// sign extension of bit 47. It is delivered as #GP(0).
type NonCanonicalError struct {
	Addr uint64
}

func (e *NonCanonicalError) Error() string {
	return fmt.Sprintf("non-canonical address %#x", e.Addr)
}

func pfErrorCode(present bool, access AccessType, user, rsvd bool) uint32 {
	var code uint32
	if present {
		code |= PFErrPresent
	}
	if access == AccessWrite {
		code |= PFErrWrite
	}
	if user {
		code |= PFErrUser
	}
	if rsvd {
		code |= PFErrReserved
	}
	if access == AccessExecute {
		code |= PFErrFetch
	}
	return code
}

// IsCanonical48 reports whether bits 63..47 of vaddr are all equal.
func IsCanonical48(vaddr uint64) bool {
	return ((vaddr>>47)+1)&0x1fffe == 0
}
