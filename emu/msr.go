package emu

import "github.com/sarchlab/x86core/mmu"

// MSR indices.
const (
	MSRTSC          uint32 = 0x10
	MSRAPICBase     uint32 = 0x1b
	MSRSysenterCS   uint32 = 0x174
	MSRSysenterESP  uint32 = 0x175
	MSRSysenterEIP  uint32 = 0x176
	MSRPAT          uint32 = 0x277
	MSREFER         uint32 = 0xc0000080
	MSRSTAR         uint32 = 0xc0000081
	MSRLSTAR        uint32 = 0xc0000082
	MSRCSTAR        uint32 = 0xc0000083
	MSRFMASK        uint32 = 0xc0000084
	MSRFSBase       uint32 = 0xc0000100
	MSRGSBase       uint32 = 0xc0000101
	MSRKernelGSBase uint32 = 0xc0000102
	MSRTSCAux       uint32 = 0xc0000103
)

const eferWritable = EFERSCE | EFERLME | EFERNXE

// ReadMSR returns the MSR at index. Unknown indices raise #GP(0).
func ReadMSR(s *State, t *TimeSource, index uint32) (uint64, error) {
	m := &s.MSR
	switch index {
	case MSRTSC:
		m.TSC = t.ReadTSC()
		return m.TSC, nil
	case MSRAPICBase:
		return m.APICBase, nil
	case MSRSysenterCS:
		return m.SysenterCS, nil
	case MSRSysenterESP:
		return m.SysenterESP, nil
	case MSRSysenterEIP:
		return m.SysenterEIP, nil
	case MSRPAT:
		return m.PAT, nil
	case MSREFER:
		return m.EFER, nil
	case MSRSTAR:
		return m.STAR, nil
	case MSRLSTAR:
		return m.LSTAR, nil
	case MSRCSTAR:
		return m.CSTAR, nil
	case MSRFMASK:
		return m.FMASK, nil
	case MSRFSBase:
		return s.Segs[SegFS].Base, nil
	case MSRGSBase:
		return s.Segs[SegGS].Base, nil
	case MSRKernelGSBase:
		return m.KernelGSBase, nil
	case MSRTSCAux:
		return m.TSCAux, nil
	}
	return 0, GeneralProtection(0)
}

// WriteMSR writes v to the MSR at index, validating it against f. A write
// to EFER recomputes the operating mode.
func WriteMSR(s *State, t *TimeSource, f Features, index uint32, v uint64) error {
	m := &s.MSR
	switch index {
	case MSRTSC:
		t.SetTSC(v)
		m.TSC = v
	case MSRAPICBase:
		m.APICBase = v
	case MSRSysenterCS:
		m.SysenterCS = v & 0xffff
	case MSRSysenterESP:
		if !mmu.IsCanonical48(v) {
			return GeneralProtection(0)
		}
		m.SysenterESP = v
	case MSRSysenterEIP:
		if !mmu.IsCanonical48(v) {
			return GeneralProtection(0)
		}
		m.SysenterEIP = v
	case MSRPAT:
		if !validPAT(v) {
			return GeneralProtection(0)
		}
		m.PAT = v
	case MSREFER:
		return writeEFER(s, f, v)
	case MSRSTAR:
		m.STAR = v
	case MSRLSTAR, MSRCSTAR:
		if !mmu.IsCanonical48(v) {
			return GeneralProtection(0)
		}
		if index == MSRLSTAR {
			m.LSTAR = v
		} else {
			m.CSTAR = v
		}
	case MSRFMASK:
		m.FMASK = v & 0xffffffff
	case MSRFSBase, MSRGSBase, MSRKernelGSBase:
		if !mmu.IsCanonical48(v) {
			return GeneralProtection(0)
		}
		switch index {
		case MSRFSBase:
			s.Segs[SegFS].Base = v
		case MSRGSBase:
			s.Segs[SegGS].Base = v
		default:
			m.KernelGSBase = v
		}
	case MSRTSCAux:
		m.TSCAux = v & 0xffffffff
	default:
		return GeneralProtection(0)
	}
	return nil
}

func writeEFER(s *State, f Features, v uint64) error {
	if v&^(eferWritable|EFERLMA) != 0 {
		return GeneralProtection(0)
	}
	if v&EFERNXE != 0 && !f.HasNX() {
		return GeneralProtection(0)
	}
	if v&EFERLME != 0 && !f.HasLongMode() {
		return GeneralProtection(0)
	}
	// LME cannot change while paging is enabled.
	if s.CR0&CR0PG != 0 && (v^s.MSR.EFER)&EFERLME != 0 {
		return GeneralProtection(0)
	}
	s.MSR.EFER = s.MSR.EFER&EFERLMA | v&eferWritable
	s.UpdateMode()
	return nil
}

// validPAT reports whether every PAT entry holds a defined memory type.
func validPAT(v uint64) bool {
	for i := 0; i < 8; i++ {
		switch (v >> (8 * i)) & 0xff {
		case 0, 1, 4, 5, 6, 7:
		default:
			return false
		}
	}
	return true
}
