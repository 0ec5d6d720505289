// Package config provides machine configuration for x86core runs.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/sarchlab/x86core/emu"
)

// Config holds the settings of one virtual machine.
type Config struct {
	// RAMSize is the guest physical memory size in bytes.
	RAMSize uint64 `json:"ram_size" yaml:"ram_size"`

	// Mode is the operating mode at reset: "real", "protected" or "long".
	Mode string `json:"mode" yaml:"mode"`

	// ResetCS is the real-mode code segment at reset. Ignored in other
	// modes, which start with flat segments.
	ResetCS uint16 `json:"reset_cs" yaml:"reset_cs"`

	// ResetRIP is the linear entry address of flat images. Zero means the
	// load address. ELF images always start at their entry point.
	ResetRIP uint64 `json:"reset_rip" yaml:"reset_rip"`

	// LoadAddress is where flat images are placed.
	LoadAddress uint64 `json:"load_address" yaml:"load_address"`

	// StackPointer is the initial RSP.
	StackPointer uint64 `json:"stack_pointer" yaml:"stack_pointer"`

	// BatchSize is the instruction budget of one interpreted block.
	BatchSize uint64 `json:"batch_size" yaml:"batch_size"`

	// MaxBlocks bounds a run. Zero means no bound.
	MaxBlocks uint64 `json:"max_blocks" yaml:"max_blocks"`

	// HotThreshold is the execution count after which a block entry is
	// queued for compilation.
	HotThreshold uint64 `json:"hot_threshold" yaml:"hot_threshold"`

	// BlockCacheCapacity is the number of compiled blocks kept.
	BlockCacheCapacity int `json:"block_cache_capacity" yaml:"block_cache_capacity"`

	// CompileQueueCapacity bounds pending compile requests. Zero means
	// unbounded.
	CompileQueueCapacity int `json:"compile_queue_capacity" yaml:"compile_queue_capacity"`

	// MaxPhysBits is the physical address width reported through CPUID
	// and enforced on page-table entries.
	MaxPhysBits uint8 `json:"max_phys_bits" yaml:"max_phys_bits"`

	// TLBSets and TLBWays are the geometry of each TLB array.
	TLBSets int `json:"tlb_sets" yaml:"tlb_sets"`
	TLBWays int `json:"tlb_ways" yaml:"tlb_ways"`

	// TicksPerInstruction is the TSC increment per retired instruction.
	TicksPerInstruction uint64 `json:"ticks_per_instruction" yaml:"ticks_per_instruction"`

	// ProfilePath is the hot-block profile database. Empty disables
	// profiling.
	ProfilePath string `json:"profile_path" yaml:"profile_path"`
}

// Default returns the configuration of a 16 MiB machine that starts in
// real mode at 0000:7C00, like a BIOS handing over to a boot sector.
func Default() *Config {
	return &Config{
		RAMSize:              16 << 20,
		Mode:                 "real",
		ResetCS:              0,
		ResetRIP:             0x7c00,
		LoadAddress:          0x7c00,
		StackPointer:         0x7000,
		BatchSize:            1024,
		MaxBlocks:            0,
		HotThreshold:         10,
		BlockCacheCapacity:   1024,
		CompileQueueCapacity: 256,
		MaxPhysBits:          52,
		TLBSets:              64,
		TLBWays:              4,
		TicksPerInstruction:  1,
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads a configuration file over the defaults. Files ending in .yaml
// or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	c := Default()
	if isYAML(path) {
		err = yaml.Unmarshal(data, c)
	} else {
		err = json.Unmarshal(data, c)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return c, nil
}

// Save writes the configuration in the format implied by the path.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CPUMode returns the reset mode as an emu.Mode.
func (c *Config) CPUMode() (emu.Mode, error) {
	switch strings.ToLower(c.Mode) {
	case "real":
		return emu.ModeReal, nil
	case "protected":
		return emu.ModeProtected, nil
	case "long":
		return emu.ModeLong, nil
	}
	return 0, fmt.Errorf("unknown mode %q", c.Mode)
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.RAMSize == 0 {
		return fmt.Errorf("ram_size must be > 0")
	}
	if c.RAMSize%4096 != 0 {
		return fmt.Errorf("ram_size must be a multiple of 4096")
	}
	mode, err := c.CPUMode()
	if err != nil {
		return err
	}
	if mode == emu.ModeReal && c.ResetRIP != 0 {
		base := uint64(c.ResetCS) << 4
		if c.ResetRIP < base || c.ResetRIP-base > 0xffff {
			return fmt.Errorf("reset_rip %#x is not reachable from CS %#x", c.ResetRIP, c.ResetCS)
		}
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("batch_size must be > 0")
	}
	if c.HotThreshold == 0 {
		return fmt.Errorf("hot_threshold must be > 0")
	}
	if c.BlockCacheCapacity <= 0 {
		return fmt.Errorf("block_cache_capacity must be > 0")
	}
	if c.CompileQueueCapacity < 0 {
		return fmt.Errorf("compile_queue_capacity must be >= 0")
	}
	if c.MaxPhysBits < 32 || c.MaxPhysBits > 52 {
		return fmt.Errorf("max_phys_bits must be between 32 and 52")
	}
	if c.TLBSets <= 0 || c.TLBSets&(c.TLBSets-1) != 0 {
		return fmt.Errorf("tlb_sets must be a power of two")
	}
	if c.TLBWays <= 0 {
		return fmt.Errorf("tlb_ways must be > 0")
	}
	if c.TicksPerInstruction == 0 {
		return fmt.Errorf("ticks_per_instruction must be > 0")
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
