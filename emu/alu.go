package emu

import "math/bits"

// statusFlags are the arithmetic flags an ALU operation may write.
const statusFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF

func sizeMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*uint(size)) - 1
}

func signBit(size int) uint64 { return 1 << (8*uint(size) - 1) }

func signExtend(v uint64, size int) uint64 {
	shift := 64 - 8*uint(size)
	return uint64(int64(v<<shift) >> shift)
}

func parityEven(v uint64) bool { return bits.OnesCount8(uint8(v))%2 == 0 }

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// ALU implements the integer operations of the interpreter. Every operation
// works on zero-extended operands of 1, 2, 4 or 8 bytes and updates RFLAGS
// of the state it is bound to.
type ALU struct {
	state *State
}

// NewALU creates an ALU that writes the flags of s.
func NewALU(s *State) *ALU {
	return &ALU{state: s}
}

func (a *ALU) setFlags(mask, value uint64) {
	a.state.RFLAGS = a.state.RFLAGS&^mask | value&mask
}

func szp(r uint64, size int) uint64 {
	var f uint64
	r &= sizeMask(size)
	if r == 0 {
		f |= FlagZF
	}
	if r&signBit(size) != 0 {
		f |= FlagSF
	}
	if parityEven(r) {
		f |= FlagPF
	}
	return f
}

func (a *ALU) carry() uint64 { return a.state.RFLAGS & FlagCF }

// Add returns x + y (+ CF when withCarry) and sets all status flags.
func (a *ALU) Add(x, y uint64, size int, withCarry bool) uint64 {
	m := sizeMask(size)
	x, y = x&m, y&m
	var c uint64
	if withCarry {
		c = a.carry()
	}

	var r, cf uint64
	if size == 8 {
		r, cf = bits.Add64(x, y, c)
	} else {
		full := x + y + c
		r = full & m
		cf = boolBit(full > m)
	}

	f := szp(r, size)
	if cf != 0 {
		f |= FlagCF
	}
	if (x^r)&(y^r)&signBit(size) != 0 {
		f |= FlagOF
	}
	if (x^y^r)&0x10 != 0 {
		f |= FlagAF
	}
	a.setFlags(statusFlags, f)
	return r
}

// Sub returns x - y (- CF when withBorrow) and sets all status flags. CMP
// uses it and discards the result.
func (a *ALU) Sub(x, y uint64, size int, withBorrow bool) uint64 {
	m := sizeMask(size)
	x, y = x&m, y&m
	var c uint64
	if withBorrow {
		c = a.carry()
	}

	var r, cf uint64
	if size == 8 {
		r, cf = bits.Sub64(x, y, c)
	} else {
		r = (x - y - c) & m
		cf = boolBit(x < y+c)
	}

	f := szp(r, size)
	if cf != 0 {
		f |= FlagCF
	}
	if (x^y)&(x^r)&signBit(size) != 0 {
		f |= FlagOF
	}
	if (x^y^r)&0x10 != 0 {
		f |= FlagAF
	}
	a.setFlags(statusFlags, f)
	return r
}

// Logic sets flags for the result of AND, OR, XOR or TEST: CF and OF clear.
func (a *ALU) Logic(r uint64, size int) uint64 {
	r &= sizeMask(size)
	a.setFlags(statusFlags, szp(r, size))
	return r
}

// Inc adds one, leaving CF unchanged.
func (a *ALU) Inc(x uint64, size int) uint64 {
	cf := a.carry()
	r := a.Add(x, 1, size, false)
	a.setFlags(FlagCF, cf)
	return r
}

// Dec subtracts one, leaving CF unchanged.
func (a *ALU) Dec(x uint64, size int) uint64 {
	cf := a.carry()
	r := a.Sub(x, 1, size, false)
	a.setFlags(FlagCF, cf)
	return r
}

// Neg returns the two's complement; CF is set unless x is zero.
func (a *ALU) Neg(x uint64, size int) uint64 {
	r := a.Sub(0, x, size, false)
	a.setFlags(FlagCF, boolBit(x&sizeMask(size) != 0))
	return r
}

func shiftCount(count uint64, size int) uint {
	if size == 8 {
		return uint(count & 0x3f)
	}
	return uint(count & 0x1f)
}

// Shift runs SHL/SAL, SHR or SAR. A masked count of zero changes nothing,
// flags included.
func (a *ALU) Shift(op ShiftOp, x, count uint64, size int) uint64 {
	c := shiftCount(count, size)
	m := sizeMask(size)
	x &= m
	if c == 0 {
		return x
	}
	width := 8 * uint(size)
	sign := signBit(size)

	var r, cf, of uint64
	switch op {
	case ShiftLeft:
		r = (x << c) & m
		if c <= width {
			cf = (x >> (width - c)) & 1
		}
		of = boolBit(r&sign != 0) ^ cf
	case ShiftRight:
		r = x >> c
		cf = (x >> (c - 1)) & 1
		of = boolBit(x&sign != 0)
	case ShiftArith:
		sx := int64(signExtend(x, size))
		r = uint64(sx>>c) & m
		cf = uint64(sx>>(c-1)) & 1
	}

	f := szp(r, size) | cf*FlagCF | of*FlagOF
	a.setFlags(statusFlags, f)
	return r
}

// Rotate runs ROL, ROR, RCL or RCR. Only CF and OF change.
func (a *ALU) Rotate(op ShiftOp, x, count uint64, size int) uint64 {
	c := shiftCount(count, size)
	m := sizeMask(size)
	x &= m
	if c == 0 {
		return x
	}
	width := 8 * uint(size)
	sign := signBit(size)
	msb := func(v uint64) uint64 { return boolBit(v&sign != 0) }

	var r, cf, of uint64
	switch op {
	case RotateLeft:
		n := c % width
		r = (x<<n | x>>(width-n)) & m
		cf = r & 1
		of = msb(r) ^ cf
	case RotateRight:
		n := c % width
		r = (x>>n | x<<(width-n)) & m
		cf = msb(r)
		of = msb(r) ^ boolBit(r&(sign>>1) != 0)
	case RotateCarryLeft:
		if size < 4 {
			c %= width + 1
		}
		r, cf = x, a.carry()
		for i := uint(0); i < c; i++ {
			out := msb(r)
			r = (r<<1 | cf) & m
			cf = out
		}
		of = msb(r) ^ cf
	case RotateCarryRight:
		if size < 4 {
			c %= width + 1
		}
		r, cf = x, a.carry()
		of = msb(r) ^ cf
		for i := uint(0); i < c; i++ {
			out := r & 1
			r = r>>1 | cf<<(width-1)
			cf = out
		}
	}

	a.setFlags(FlagCF|FlagOF, cf*FlagCF|of*FlagOF)
	return r
}

// ShiftDouble runs SHLD (left) or SHRD, shifting bits of src into dst.
func (a *ALU) ShiftDouble(left bool, dst, src, count uint64, size int) uint64 {
	c := shiftCount(count, size)
	m := sizeMask(size)
	dst, src = dst&m, src&m
	if c == 0 {
		return dst
	}
	width := 8 * uint(size)

	var r, cf uint64
	switch {
	case size == 8 && left:
		r = dst<<c | src>>(64-c)
		cf = (dst >> (64 - c)) & 1
	case size == 8:
		r = dst>>c | src<<(64-c)
		cf = (dst >> (c - 1)) & 1
	case left:
		combined := dst<<width | src
		r = (combined << c >> width) & m
		cf = (combined >> (2*width - c)) & 1
	default:
		combined := src<<width | dst
		r = (combined >> c) & m
		cf = (combined >> (c - 1)) & 1
	}

	f := szp(r, size) | cf*FlagCF
	if (r^dst)&signBit(size) != 0 {
		f |= FlagOF
	}
	a.setFlags(statusFlags, f)
	return r
}

// ShiftOp selects a shift or rotate.
type ShiftOp uint8

// Shift and rotate operations.
const (
	ShiftLeft ShiftOp = iota
	ShiftRight
	ShiftArith
	RotateLeft
	RotateRight
	RotateCarryLeft
	RotateCarryRight
)

// Mul returns the double-width unsigned product of x and y as hi:lo. CF and
// OF are set when hi is non-zero.
func (a *ALU) Mul(x, y uint64, size int) (hi, lo uint64) {
	m := sizeMask(size)
	x, y = x&m, y&m
	if size == 8 {
		hi, lo = bits.Mul64(x, y)
	} else {
		p := x * y
		lo, hi = p&m, (p>>(8*uint(size)))&m
	}
	of := boolBit(hi != 0)
	a.setFlags(FlagCF|FlagOF, of*(FlagCF|FlagOF))
	return hi, lo
}

// IMul returns the double-width signed product as hi:lo. CF and OF are set
// when the product does not fit in size bytes.
func (a *ALU) IMul(x, y uint64, size int) (hi, lo uint64) {
	m := sizeMask(size)
	sx, sy := int64(signExtend(x, size)), int64(signExtend(y, size))
	var fits bool
	if size == 8 {
		hi, lo = bits.Mul64(uint64(sx), uint64(sy))
		if sx < 0 {
			hi -= uint64(sy)
		}
		if sy < 0 {
			hi -= uint64(sx)
		}
		fits = hi == uint64(int64(lo)>>63)
	} else {
		p := sx * sy
		lo, hi = uint64(p)&m, uint64(p>>(8*uint(size)))&m
		fits = int64(signExtend(lo, size)) == p
	}
	of := boolBit(!fits)
	a.setFlags(FlagCF|FlagOF, of*(FlagCF|FlagOF))
	return hi, lo
}

// Div divides hi:lo by d, unsigned. A zero divisor or a quotient that does
// not fit raises #DE.
func (a *ALU) Div(hi, lo, d uint64, size int) (q, r uint64, err error) {
	m := sizeMask(size)
	hi, lo, d = hi&m, lo&m, d&m
	if d == 0 {
		return 0, 0, DivideError()
	}
	if size == 8 {
		if hi >= d {
			return 0, 0, DivideError()
		}
		q, r = bits.Div64(hi, lo, d)
		return q, r, nil
	}
	n := hi<<(8*uint(size)) | lo
	q, r = n/d, n%d
	if q > m {
		return 0, 0, DivideError()
	}
	return q, r, nil
}

// IDiv divides hi:lo by d, signed, truncating toward zero. The remainder
// takes the sign of the dividend.
func (a *ALU) IDiv(hi, lo, d uint64, size int) (q, r uint64, err error) {
	m := sizeMask(size)
	sd := int64(signExtend(d, size))
	if sd == 0 {
		return 0, 0, DivideError()
	}

	if size < 8 {
		n := int64(signExtend((hi&m)<<(8*uint(size))|lo&m, 2*size))
		if n == -1<<63 && sd == -1 {
			return 0, 0, DivideError()
		}
		sq, sr := n/sd, n%sd
		if sq != int64(signExtend(uint64(sq)&m, size)) {
			return 0, 0, DivideError()
		}
		return uint64(sq) & m, uint64(sr) & m, nil
	}

	neg := int64(hi) < 0
	mh, ml := hi, lo
	if neg {
		ml, mh = bits.Sub64(0, lo, 0)
		mh = -hi - mh
	}
	md := uint64(sd)
	if sd < 0 {
		md = -md
	}
	if mh >= md {
		return 0, 0, DivideError()
	}
	uq, ur := bits.Div64(mh, ml, md)

	qneg := neg != (sd < 0)
	limit := uint64(1) << 63
	if (!qneg && uq >= limit) || (qneg && uq > limit) {
		return 0, 0, DivideError()
	}
	if qneg {
		uq = -uq
	}
	if neg {
		ur = -ur
	}
	return uq, ur, nil
}

// BitCount runs POPCNT: ZF is set for a zero source and every other status
// flag is cleared.
func (a *ALU) BitCount(x uint64, size int) uint64 {
	x &= sizeMask(size)
	a.setFlags(statusFlags, boolBit(x == 0)*FlagZF)
	return uint64(bits.OnesCount64(x))
}

// BitScan runs BSF (forward) or BSR. For a zero source ZF is set and ok is
// false, leaving the destination unchanged.
func (a *ALU) BitScan(forward bool, x uint64, size int) (idx uint64, ok bool) {
	x &= sizeMask(size)
	if x == 0 {
		a.setFlags(FlagZF, FlagZF)
		return 0, false
	}
	a.setFlags(FlagZF, 0)
	if forward {
		return uint64(bits.TrailingZeros64(x)), true
	}
	return uint64(63 - bits.LeadingZeros64(x)), true
}

// ZeroCount runs TZCNT (trailing) or LZCNT. CF is set for a zero source and
// ZF for a zero result.
func (a *ALU) ZeroCount(trailing bool, x uint64, size int) uint64 {
	x &= sizeMask(size)
	width := uint64(8 * size)
	var n uint64
	switch {
	case x == 0:
		n = width
	case trailing:
		n = uint64(bits.TrailingZeros64(x))
	default:
		n = uint64(bits.LeadingZeros64(x)) - (64 - width)
	}
	a.setFlags(FlagCF|FlagZF, boolBit(x == 0)*FlagCF|boolBit(n == 0)*FlagZF)
	return n
}

// ByteSwap reverses the bytes of a 2-, 4- or 8-byte value.
func ByteSwap(x uint64, size int) uint64 {
	switch size {
	case 2:
		return uint64(bits.ReverseBytes16(uint16(x)))
	case 4:
		return uint64(bits.ReverseBytes32(uint32(x)))
	}
	return bits.ReverseBytes64(x)
}

// Condition evaluates a condition code (the low nibble of Jcc, SETcc and
// CMOVcc opcodes) against RFLAGS.
func (s *State) Condition(cc uint8) bool {
	f := s.RFLAGS
	cf := f&FlagCF != 0
	zf := f&FlagZF != 0
	sf := f&FlagSF != 0
	of := f&FlagOF != 0
	pf := f&FlagPF != 0

	var r bool
	switch cc >> 1 {
	case 0:
		r = of
	case 1:
		r = cf
	case 2:
		r = zf
	case 3:
		r = cf || zf
	case 4:
		r = sf
	case 5:
		r = pf
	case 6:
		r = sf != of
	case 7:
		r = zf || sf != of
	}
	if cc&1 != 0 {
		return !r
	}
	return r
}
