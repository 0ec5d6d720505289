package emu

import "encoding/binary"

// Linear accessors apply the linear mask (4 GiB wrap and A20) before the
// bus. An access whose bytes all map without wrapping goes to the bus as one
// scalar access; one that wraps is split into bytes.

func contiguous(s *State, addr uint64, size int) bool {
	if s.Mode == ModeLong {
		return true
	}
	m := s.LinearMask()
	a := addr & m
	last := a + uint64(size) - 1
	return last&m == last
}

func readLinear(s *State, bus Bus, addr uint64, size int) (uint64, error) {
	addr = s.ApplyA20(addr)
	if contiguous(s, addr, size) {
		switch size {
		case 1:
			v, err := bus.Read8(addr)
			return uint64(v), err
		case 2:
			v, err := bus.Read16(addr)
			return uint64(v), err
		case 4:
			v, err := bus.Read32(addr)
			return uint64(v), err
		default:
			return bus.Read64(addr)
		}
	}

	var v uint64
	for i := 0; i < size; i++ {
		b, err := bus.Read8(s.ApplyA20(addr + uint64(i)))
		if err != nil {
			return 0, err
		}
		v |= uint64(b) << (8 * i)
	}
	return v, nil
}

func writeLinear(s *State, bus Bus, addr uint64, size int, v uint64) error {
	addr = s.ApplyA20(addr)
	if contiguous(s, addr, size) {
		switch size {
		case 1:
			return bus.Write8(addr, uint8(v))
		case 2:
			return bus.Write16(addr, uint16(v))
		case 4:
			return bus.Write32(addr, uint32(v))
		default:
			return bus.Write64(addr, v)
		}
	}

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return writeLinearBytes(s, bus, addr, buf[:size])
}

// writeLinearBytes writes src at a possibly wrapping linear address. The
// contiguous runs are preflighted before any of them is written.
func writeLinearBytes(s *State, bus Bus, addr uint64, src []byte) error {
	type run struct {
		addr uint64
		off  int
		n    int
	}
	var runs []run

	m := s.LinearMask()
	for i := 0; i < len(src); i++ {
		a := (addr + uint64(i)) & m
		if len(runs) > 0 {
			r := &runs[len(runs)-1]
			if r.addr+uint64(r.n) == a {
				r.n++
				continue
			}
		}
		runs = append(runs, run{addr: a, off: i, n: 1})
	}

	if len(runs) == 1 {
		return bus.WriteBytes(runs[0].addr, src)
	}
	for _, r := range runs {
		if err := bus.PreflightWriteBytes(r.addr, r.n); err != nil {
			return err
		}
	}
	for _, r := range runs {
		if err := bus.WriteBytes(r.addr, src[r.off:r.off+r.n]); err != nil {
			return err
		}
	}
	return nil
}

func readLinearBytes(s *State, bus Bus, addr uint64, dst []byte) error {
	addr = s.ApplyA20(addr)
	if contiguous(s, addr, len(dst)) {
		return bus.ReadBytes(addr, dst)
	}
	for i := range dst {
		b, err := bus.Read8(s.ApplyA20(addr + uint64(i)))
		if err != nil {
			return err
		}
		dst[i] = b
	}
	return nil
}
