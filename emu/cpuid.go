package emu

import "encoding/binary"

// CPUID feature bits advertised by DefaultFeatures.
const (
	CPUID1EDXFPU    uint32 = 1 << 0
	CPUID1EDXPSE    uint32 = 1 << 3
	CPUID1EDXTSC    uint32 = 1 << 4
	CPUID1EDXMSR    uint32 = 1 << 5
	CPUID1EDXPAE    uint32 = 1 << 6
	CPUID1EDXCX8    uint32 = 1 << 8
	CPUID1EDXAPIC   uint32 = 1 << 9
	CPUID1EDXSEP    uint32 = 1 << 11
	CPUID1EDXPGE    uint32 = 1 << 13
	CPUID1EDXCMOV   uint32 = 1 << 15
	CPUID1EDXPAT    uint32 = 1 << 16
	CPUID1ECXCX16   uint32 = 1 << 13
	CPUID1ECXMOVBE  uint32 = 1 << 22
	CPUID1ECXPOPCNT uint32 = 1 << 23

	CPUIDExtECXLAHF    uint32 = 1 << 0
	CPUIDExtECXABM     uint32 = 1 << 5
	CPUIDExtEDXSYSCALL uint32 = 1 << 11
	CPUIDExtEDXNX      uint32 = 1 << 20
	CPUIDExtEDXRDTSCP  uint32 = 1 << 27
	CPUIDExtEDXLM      uint32 = 1 << 29
)

// Features is the processor model reported through CPUID and used to
// validate MSR writes.
type Features struct {
	Vendor string
	Brand  string

	// Signature is CPUID.1:EAX (stepping, model, family).
	Signature uint32

	Leaf1ECX, Leaf1EDX uint32
	ExtECX, ExtEDX     uint32

	PhysicalAddressBits uint8
	LinearAddressBits   uint8
}

// DefaultFeatures describes the integer-only 64-bit processor the core
// implements.
func DefaultFeatures() Features {
	return Features{
		Vendor:    "GenuineIntel",
		Brand:     "x86core virtual CPU",
		Signature: 0x000306a9,
		Leaf1EDX: CPUID1EDXPSE | CPUID1EDXTSC | CPUID1EDXMSR | CPUID1EDXPAE |
			CPUID1EDXCX8 | CPUID1EDXAPIC | CPUID1EDXSEP | CPUID1EDXPGE |
			CPUID1EDXCMOV | CPUID1EDXPAT,
		Leaf1ECX: CPUID1ECXCX16 | CPUID1ECXMOVBE | CPUID1ECXPOPCNT,
		ExtECX:   CPUIDExtECXLAHF | CPUIDExtECXABM,
		ExtEDX: CPUIDExtEDXSYSCALL | CPUIDExtEDXNX | CPUIDExtEDXRDTSCP |
			CPUIDExtEDXLM,
		PhysicalAddressBits: 52,
		LinearAddressBits:   48,
	}
}

// HasNX reports whether EFER.NXE may be set.
func (f Features) HasNX() bool { return f.ExtEDX&CPUIDExtEDXNX != 0 }

// HasLongMode reports whether EFER.LME may be set.
func (f Features) HasLongMode() bool { return f.ExtEDX&CPUIDExtEDXLM != 0 }

// CPUIDResult holds the four output registers of CPUID.
type CPUIDResult struct {
	EAX, EBX, ECX, EDX uint32
}

const (
	maxBasicLeaf    = 0x1
	maxExtendedLeaf = 0x80000008
)

// CPUID evaluates leaf and subleaf against f. Unsupported leaves return
// zeros.
func CPUID(f Features, leaf, subleaf uint32) CPUIDResult {
	_ = subleaf

	switch leaf {
	case 0:
		var r CPUIDResult
		r.EAX = maxBasicLeaf
		r.EBX, r.EDX, r.ECX = vendorWords(f.Vendor)
		return r
	case 1:
		return CPUIDResult{
			EAX: f.Signature,
			// CLFLUSH line size 8 quadwords, one logical processor.
			EBX: 0x00010800,
			ECX: f.Leaf1ECX,
			EDX: f.Leaf1EDX,
		}
	case 0x80000000:
		return CPUIDResult{EAX: maxExtendedLeaf}
	case 0x80000001:
		return CPUIDResult{ECX: f.ExtECX, EDX: f.ExtEDX}
	case 0x80000002, 0x80000003, 0x80000004:
		return brandWords(f.Brand, int(leaf-0x80000002))
	case 0x80000008:
		return CPUIDResult{
			EAX: uint32(f.PhysicalAddressBits) | uint32(f.LinearAddressBits)<<8,
		}
	}
	return CPUIDResult{}
}

func vendorWords(vendor string) (ebx, edx, ecx uint32) {
	var b [12]byte
	copy(b[:], vendor)
	return binary.LittleEndian.Uint32(b[0:]),
		binary.LittleEndian.Uint32(b[4:]),
		binary.LittleEndian.Uint32(b[8:])
}

// brandWords returns one 16-byte slice of the NUL-padded 48-byte brand
// string.
func brandWords(brand string, part int) CPUIDResult {
	var b [48]byte
	copy(b[:47], brand)
	p := b[part*16:]
	return CPUIDResult{
		EAX: binary.LittleEndian.Uint32(p[0:]),
		EBX: binary.LittleEndian.Uint32(p[4:]),
		ECX: binary.LittleEndian.Uint32(p[8:]),
		EDX: binary.LittleEndian.Uint32(p[12:]),
	}
}
