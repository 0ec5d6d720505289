package emu

// SegmentLoad says why a selector is being loaded, which picks the
// descriptor checks that apply.
type SegmentLoad uint8

// Segment load reasons.
const (
	LoadData SegmentLoad = iota
	LoadStack
	// LoadCode is a far JMP or CALL to a code segment.
	LoadCode
	// LoadReturn is a far RET; the new CPL is the selector's RPL.
	LoadReturn
)

// Descriptor type bits for code and data segments.
const (
	descCode       = 0x8
	descConforming = 0x4 // code
	descExpandDown = 0x4 // data
	descReadable   = 0x2 // code
	descWritable   = 0x2 // data
)

// System descriptor types.
const (
	descLDT         = 0x2
	descTSS32       = 0x9
	descTSS32Busy   = 0xb
	descTSSBusyFlag = 0x2
)

func selectorError(sel uint16) uint32 { return uint32(sel &^ 3) }

func nullSelector(sel uint16) bool { return sel&^3 == 0 }

// asSupervisor runs f with the bus synced at CPL 0. The GDT, LDT, IDT and
// TSS are read as supervisor accesses whatever the current privilege level.
func asSupervisor(s *State, bus Bus, f func() error) error {
	if s.CPL() != 3 || s.Mode == ModeVM86 {
		return f()
	}
	cs := s.Segs[SegCS].Selector
	s.Segs[SegCS].Selector &^= 3
	bus.Sync(s)
	err := f()
	s.Segs[SegCS].Selector = cs
	bus.Sync(s)
	return err
}

// descriptorAddr returns the linear address of the descriptor named by sel,
// checking that width bytes fit under the table limit.
func (s *State) descriptorAddr(sel uint16, width uint64) (uint64, error) {
	base, limit := s.GDTR.Base, uint64(s.GDTR.Limit)
	if sel&4 != 0 {
		if s.LDTR.Unusable() {
			return 0, GeneralProtection(selectorError(sel))
		}
		base, limit = s.LDTR.Base, uint64(s.LDTR.Limit)
	}
	off := uint64(sel &^ 7)
	if off+width-1 > limit {
		return 0, GeneralProtection(selectorError(sel))
	}
	return base + off, nil
}

// readDescriptor reads an 8-byte descriptor, or the two halves of a
// 16-byte system descriptor when wide is set.
func readDescriptor(s *State, bus Bus, sel uint16, wide bool) (addr, lo, hi uint64, err error) {
	width := uint64(8)
	if wide {
		width = 16
	}
	addr, err = s.descriptorAddr(sel, width)
	if err != nil {
		return 0, 0, 0, err
	}
	err = asSupervisor(s, bus, func() error {
		var err error
		if lo, err = readLinear(s, bus, addr, 8); err != nil {
			return err
		}
		if wide {
			hi, err = readLinear(s, bus, addr+8, 8)
		}
		return err
	})
	return addr, lo, hi, err
}

// DecodeDescriptor unpacks the low eight bytes of a segment descriptor into
// a descriptor cache entry. The selector is left zero.
func DecodeDescriptor(lo uint64) Segment {
	base := (lo>>16)&0xffffff | (lo>>56&0xff)<<24
	limit := uint32(lo&0xffff) | uint32(lo>>48&0xf)<<16
	access := uint32(lo>>40&0xff) | uint32(lo>>52&0xf)<<8
	if access&SegAccessG != 0 {
		limit = limit<<12 | 0xfff
	}
	return Segment{Base: base, Limit: limit, Access: access}
}

// LoadSegment loads selector sel into segment register seg. Real and
// virtual-8086 mode use real-mode semantics; otherwise the descriptor is
// read from the GDT or LDT and checked for the given reason. Loading CS
// recomputes the operating mode.
func (s *State) LoadSegment(bus Bus, seg int, sel uint16, why SegmentLoad) error {
	if s.Mode == ModeReal || s.Mode == ModeVM86 {
		s.LoadRealSegment(seg, sel)
		return nil
	}

	cpl := s.CPL()
	rpl := uint8(sel & 3)

	if nullSelector(sel) && sel&4 == 0 {
		switch {
		case seg == SegCS:
			return GeneralProtection(0)
		case seg == SegSS && (s.Mode != ModeLong || cpl == 3 || rpl != cpl):
			return GeneralProtection(0)
		}
		s.Segs[seg] = Segment{Selector: sel, Access: SegAccessUnusable}
		return nil
	}

	_, lo, _, err := readDescriptor(s, bus, sel, false)
	if err != nil {
		return err
	}
	d := DecodeDescriptor(lo)
	d.Selector = sel
	if d.System() {
		return GeneralProtection(selectorError(sel))
	}

	typ := d.Type()
	code := typ&descCode != 0
	gp := GeneralProtection(selectorError(sel))

	switch why {
	case LoadStack:
		if code || typ&descWritable == 0 || rpl != cpl || d.DPL() != cpl {
			return gp
		}
		if !d.Present() {
			return StackFault(selectorError(sel))
		}

	case LoadData:
		if code && typ&descReadable == 0 {
			return gp
		}
		if !code || typ&descConforming == 0 {
			if d.DPL() < max(cpl, rpl) {
				return gp
			}
		}
		if !d.Present() {
			return SegmentNotPresent(selectorError(sel))
		}

	case LoadCode:
		if !code {
			return gp
		}
		if typ&descConforming != 0 {
			if d.DPL() > cpl {
				return gp
			}
		} else if rpl > cpl || d.DPL() != cpl {
			return gp
		}
		if !d.Present() {
			return SegmentNotPresent(selectorError(sel))
		}
		d.Selector = sel&^3 | uint16(cpl)

	case LoadReturn:
		if !code || rpl < cpl {
			return gp
		}
		if typ&descConforming != 0 {
			if d.DPL() > rpl {
				return gp
			}
		} else if d.DPL() != rpl {
			return gp
		}
		if !d.Present() {
			return SegmentNotPresent(selectorError(sel))
		}
	}

	s.Segs[seg] = d
	if seg == SegCS {
		s.UpdateMode()
	}
	return nil
}

// LoadTR loads the task register from an available TSS descriptor in the
// GDT and marks the descriptor busy.
func (s *State) LoadTR(bus Bus, sel uint16) error {
	if nullSelector(sel) {
		return GeneralProtection(0)
	}
	if sel&4 != 0 {
		return GeneralProtection(selectorError(sel))
	}

	wide := s.Mode == ModeLong
	addr, lo, hi, err := readDescriptor(s, bus, sel, wide)
	if err != nil {
		return err
	}
	d := DecodeDescriptor(lo)
	if !d.System() || d.Type() != descTSS32 {
		return GeneralProtection(selectorError(sel))
	}
	if !d.Present() {
		return SegmentNotPresent(selectorError(sel))
	}
	if wide {
		d.Base |= (hi & 0xffffffff) << 32
	}

	access := uint8(lo>>40) | descTSSBusyFlag
	err = asSupervisor(s, bus, func() error {
		return writeLinear(s, bus, addr+5, 1, uint64(access))
	})
	if err != nil {
		return err
	}

	d.Access |= descTSSBusyFlag
	d.Selector = sel
	s.TR = d
	return nil
}

// LoadLDTR loads the LDT register. A null selector marks it unusable.
func (s *State) LoadLDTR(bus Bus, sel uint16) error {
	if nullSelector(sel) {
		s.LDTR = Segment{Selector: sel, Access: SegAccessUnusable}
		return nil
	}
	if sel&4 != 0 {
		return GeneralProtection(selectorError(sel))
	}

	wide := s.Mode == ModeLong
	_, lo, hi, err := readDescriptor(s, bus, sel, wide)
	if err != nil {
		return err
	}
	d := DecodeDescriptor(lo)
	if !d.System() || d.Type() != descLDT {
		return GeneralProtection(selectorError(sel))
	}
	if !d.Present() {
		return SegmentNotPresent(selectorError(sel))
	}
	if wide {
		d.Base |= (hi & 0xffffffff) << 32
	}
	d.Selector = sel
	s.LDTR = d
	return nil
}

// usableTSS reports whether TR holds a 32-bit or 64-bit TSS that can
// supply stacks for interrupt delivery.
func (s *State) usableTSS() bool {
	tr := s.TR
	if tr.Unusable() || !tr.Present() || tr.Selector>>3 == 0 || !tr.System() {
		return false
	}
	typ := tr.Type()
	return typ == descTSS32 || typ == descTSS32Busy
}
