package insts

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrInvalidOpcode is returned for byte sequences that do not form a valid
// instruction in the requested mode.
var ErrInvalidOpcode = errors.New("invalid opcode")

// ErrTruncated is returned when the bytes end before the instruction does.
var ErrTruncated = errors.New("truncated instruction")

// Decoder turns raw bytes into instructions.
type Decoder struct{}

// NewDecoder creates a new x86 instruction decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes the instruction at the start of raw, fetched at rip, for
// 16-, 32- or 64-bit code.
func (d *Decoder) Decode(raw []byte, rip uint64, bitness int) (*Instruction, error) {
	if len(raw) > MaxLength {
		raw = raw[:MaxLength]
	}

	inst, err := x86asm.Decode(raw, bitness)
	switch {
	case errors.Is(err, x86asm.ErrTruncated):
		return nil, fmt.Errorf("%w at %#x", ErrTruncated, rip)
	case errors.Is(err, x86asm.ErrInvalidMode):
		return nil, fmt.Errorf("decode at %#x: %w", rip, err)
	case err != nil:
		return nil, fmt.Errorf("%w at %#x: % x", ErrInvalidOpcode, rip, raw)
	}

	// x86asm reports a bare prefix with no error both when the bytes run out
	// mid-instruction and when prefixed bytes do not decode. Padding tells
	// the two apart.
	if inst.Op == 0 {
		if len(raw) < MaxLength {
			var padded [MaxLength]byte
			copy(padded[:], raw)
			if full, err := x86asm.Decode(padded[:], bitness); err == nil && full.Op != 0 && full.Len > len(raw) {
				return nil, fmt.Errorf("%w at %#x", ErrTruncated, rip)
			}
		}
		return nil, fmt.Errorf("%w at %#x: % x", ErrInvalidOpcode, rip, raw)
	}

	if hasInvalidPrefix(inst) {
		return nil, fmt.Errorf("%w at %#x: bad prefix", ErrInvalidOpcode, rip)
	}

	out := &Instruction{Inst: inst, RIP: rip, Bitness: bitness}
	copy(out.Raw[:], raw[:inst.Len])
	return out, nil
}

func hasInvalidPrefix(inst x86asm.Inst) bool {
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		if p&x86asm.PrefixInvalid != 0 {
			return true
		}
	}
	return false
}
