package tier

import (
	"encoding/binary"

	"github.com/sarchlab/x86core/emu"
)

// Layout of the region shared with Tier-1 blocks. The architectural state
// comes first, followed by the tiering context.
const (
	GPROffset    = 0
	RIPOffset    = 16 * 8
	RFLAGSOffset = RIPOffset + 8
	StateSize    = RFLAGSOffset + 8

	// CommitFlagOffset holds a 32-bit flag. The dispatcher sets it to 1
	// before a call; the executor clears it when it rolled guest state back.
	CommitFlagOffset = StateSize
	ABISize          = CommitFlagOffset + 8
)

// ExitSentinel is the executor return value meaning "continue in the
// interpreter at the RIP stored in the region". Any other value is the
// next RIP.
const ExitSentinel = ^uint64(0)

// ABI is the fixed-layout region through which state is passed to and
// from a Tier-1 block. All fields are little-endian.
type ABI struct {
	buf [ABISize]byte
}

// NewABI creates a zeroed region.
func NewABI() *ABI {
	return &ABI{}
}

// Bytes exposes the region to an executor.
func (a *ABI) Bytes() []byte { return a.buf[:] }

// GPR returns general register i.
func (a *ABI) GPR(i int) uint64 {
	return binary.LittleEndian.Uint64(a.buf[GPROffset+i*8:])
}

// SetGPR sets general register i.
func (a *ABI) SetGPR(i int, v uint64) {
	binary.LittleEndian.PutUint64(a.buf[GPROffset+i*8:], v)
}

// RIP returns the stored instruction pointer.
func (a *ABI) RIP() uint64 { return binary.LittleEndian.Uint64(a.buf[RIPOffset:]) }

// SetRIP sets the stored instruction pointer.
func (a *ABI) SetRIP(v uint64) { binary.LittleEndian.PutUint64(a.buf[RIPOffset:], v) }

// RFLAGS returns the stored flags.
func (a *ABI) RFLAGS() uint64 { return binary.LittleEndian.Uint64(a.buf[RFLAGSOffset:]) }

// SetRFLAGS sets the stored flags.
func (a *ABI) SetRFLAGS(v uint64) { binary.LittleEndian.PutUint64(a.buf[RFLAGSOffset:], v) }

// Committed reports whether the executor kept its state changes.
func (a *ABI) Committed() bool {
	return binary.LittleEndian.Uint32(a.buf[CommitFlagOffset:]) != 0
}

// SetCommitted sets the commit flag.
func (a *ABI) SetCommitted(v bool) {
	var f uint32
	if v {
		f = 1
	}
	binary.LittleEndian.PutUint32(a.buf[CommitFlagOffset:], f)
}

// Store copies the registers, RIP and RFLAGS of s into the region and
// arms the context for a call.
func (a *ABI) Store(s *emu.State) {
	for i, v := range s.GPR {
		a.SetGPR(i, v)
	}
	a.SetRIP(s.RIP)
	a.SetRFLAGS(s.RFLAGS)
	a.SetCommitted(true)
}

// Load copies the registers and RFLAGS back into s. RIP is left to the
// caller, which decides between the stored value and the executor's return
// value.
func (a *ABI) Load(s *emu.State) {
	for i := range s.GPR {
		s.GPR[i] = a.GPR(i)
	}
	s.SetRFLAGS(a.RFLAGS())
}
