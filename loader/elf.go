// Package loader reads guest images: flat binaries and x86 or x86-64 ELF
// executables.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// Kind is the image format.
type Kind uint8

// Image formats.
const (
	KindFlat Kind = iota
	KindELF32
	KindELF64
)

func (k Kind) String() string {
	switch k {
	case KindELF32:
		return "elf32"
	case KindELF64:
		return "elf64"
	}
	return "flat"
}

// Segment is a piece of the image placed in guest physical memory.
type Segment struct {
	// PhysAddr is where the segment is placed in guest physical memory.
	PhysAddr uint64
	// VirtAddr is the address the program expects to see the segment at.
	VirtAddr uint64
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint64
	// Flags contains the segment protection flags.
	Flags SegmentFlags
}

// Image is a loaded guest image.
type Image struct {
	Kind       Kind
	EntryPoint uint64
	Segments   []Segment
}

// PhysicalMemory receives image segments.
type PhysicalMemory interface {
	Load(paddr uint64, data []byte) error
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// Load reads path as an ELF executable if it starts with the ELF magic,
// and as a flat binary placed at flatAddr otherwise.
func Load(path string, flatAddr uint64) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer func() { _ = f.Close() }()

	magic := make([]byte, len(elfMagic))
	n, err := io.ReadFull(f, magic)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if n == len(elfMagic) && bytes.Equal(magic, elfMagic) {
		return LoadELF(path)
	}
	return LoadFlat(path, flatAddr)
}

// LoadFlat reads a raw binary to be placed at addr, entered at its first
// byte.
func LoadFlat(path string, addr uint64) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flat image: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("flat image %s is empty", path)
	}

	return &Image{
		Kind:       KindFlat,
		EntryPoint: addr,
		Segments: []Segment{{
			PhysAddr: addr,
			VirtAddr: addr,
			Data:     data,
			MemSize:  uint64(len(data)),
			Flags:    SegmentFlagRead | SegmentFlagWrite | SegmentFlagExecute,
		}},
	}, nil
}

// LoadELF parses an i386 ELF32 or x86-64 ELF64 executable.
func LoadELF(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	img := &Image{EntryPoint: f.Entry}
	switch {
	case f.Class == elf.ELFCLASS64 && f.Machine == elf.EM_X86_64:
		img.Kind = KindELF64
	case f.Class == elf.ELFCLASS32 && f.Machine == elf.EM_386:
		img.Kind = KindELF32
	default:
		return nil, fmt.Errorf("not an x86 ELF file (class %v, machine %v)", f.Class, f.Machine)
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("not a little-endian ELF file")
	}

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}
		if phdr.Filesz > phdr.Memsz {
			return nil, fmt.Errorf("segment at 0x%x has file size 0x%x beyond memory size 0x%x",
				phdr.Vaddr, phdr.Filesz, phdr.Memsz)
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
			}
			if uint64(n) != phdr.Filesz {
				return nil, fmt.Errorf("short read for segment at 0x%x: got %d bytes, expected %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}

		var flags SegmentFlags
		if phdr.Flags&elf.PF_X != 0 {
			flags |= SegmentFlagExecute
		}
		if phdr.Flags&elf.PF_W != 0 {
			flags |= SegmentFlagWrite
		}
		if phdr.Flags&elf.PF_R != 0 {
			flags |= SegmentFlagRead
		}

		// Kernels and boot images link at a high virtual address and give
		// the load address in p_paddr.
		paddr := phdr.Paddr
		if paddr == 0 {
			paddr = phdr.Vaddr
		}

		img.Segments = append(img.Segments, Segment{
			PhysAddr: paddr,
			VirtAddr: phdr.Vaddr,
			Data:     data,
			MemSize:  phdr.Memsz,
			Flags:    flags,
		})
	}

	return img, nil
}

// CopyTo writes every segment into m, zero-filling the part of MemSize
// not backed by file data.
func (img *Image) CopyTo(m PhysicalMemory) error {
	for _, seg := range img.Segments {
		if err := m.Load(seg.PhysAddr, seg.Data); err != nil {
			return fmt.Errorf("failed to place segment at 0x%x: %w", seg.PhysAddr, err)
		}
		if seg.MemSize > uint64(len(seg.Data)) {
			zeros := make([]byte, seg.MemSize-uint64(len(seg.Data)))
			if err := m.Load(seg.PhysAddr+uint64(len(seg.Data)), zeros); err != nil {
				return fmt.Errorf("failed to clear bss at 0x%x: %w", seg.PhysAddr, err)
			}
		}
	}
	return nil
}

// Size returns the number of bytes the image occupies in memory.
func (img *Image) Size() uint64 {
	var n uint64
	for _, seg := range img.Segments {
		n += seg.MemSize
	}
	return n
}
